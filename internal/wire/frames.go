// ABOUTME: Inbound frame envelope and payload types for all chat channels.
// ABOUTME: A frame carries exactly one payload; Kind reports which one.

package wire

import "encoding/json"

// FrameKind identifies which payload an inbound frame carries.
type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindMessage
	KindDeliveryMarker
	KindTypingIndicator
	KindHotHandoff
	KindCSRInfo
	KindNotification
)

// Frame is the envelope every channel adapter decodes inbound traffic into.
// Exactly one of the payload fields is expected to be set.
type Frame struct {
	ConversationID string `json:"conversation_uuid,omitempty"`

	Message         *MessagePayload         `json:"message,omitempty"`
	DeliveryMarker  *DeliveryMarkerPayload  `json:"deliveryMarker,omitempty"`
	TypingIndicator *TypingIndicatorPayload `json:"typingIndicator,omitempty"`
	HotHandoff      *HotHandoffPayload      `json:"hotHandoff,omitempty"`
	CSRInfo         *CSRInfoPayload         `json:"csr_info,omitempty"`
	Notification    json.RawMessage         `json:"notification,omitempty"`
}

// Kind reports which payload the frame carries. Frames with no recognized
// payload return KindUnknown and are dropped by the dispatcher.
func (f *Frame) Kind() FrameKind {
	switch {
	case f.Message != nil:
		return KindMessage
	case f.DeliveryMarker != nil:
		return KindDeliveryMarker
	case f.TypingIndicator != nil:
		return KindTypingIndicator
	case f.HotHandoff != nil:
		return KindHotHandoff
	case f.CSRInfo != nil:
		return KindCSRInfo
	case len(f.Notification) > 0:
		return KindNotification
	}
	return KindUnknown
}

// MessagePayload is a user or CSR message turn.
type MessagePayload struct {
	MessageID      string            `json:"message_id,omitempty"`
	Text           string            `json:"message_text"`
	Specifications map[string]string `json:"specifications,omitempty"`
	MediaURL       string            `json:"media_url,omitempty"`
}

// DeliveryMarkerPayload updates the delivery marker of a previously sent message.
type DeliveryMarkerPayload struct {
	MessageID string `json:"message_id"`
	Marker    string `json:"marker"`
}

// TypingIndicatorPayload is ephemeral and forwarded to the counterpart
// session only, never persisted.
type TypingIndicatorPayload struct {
	Typing bool `json:"typing"`
}

// HotHandoffPayload transfers a conversation between two CSRs.
type HotHandoffPayload struct {
	FromCSRID string `json:"from_csr_id"`
	ToCSRID   string `json:"to_csr_id"`
}

// CSRInfoPayload carries a queue position for an end user waiting on a CSR.
type CSRInfoPayload struct {
	Position int `json:"position"`
}

// NotificationResolved is the notification value signaling conversation
// resolution from the channel side.
const NotificationResolved = "resolved"
