// ABOUTME: Outbound payload shapes: the per-turn event consumed by the bot
// ABOUTME: reasoning pipeline and the queue notice pushed to waiting users.

package wire

import "fmt"

// TurnEvent is published once per accepted user turn while the bot is
// driving the conversation. It is the sole contract the downstream
// reasoning pipeline consumes.
type TurnEvent struct {
	ConversationID  string         `json:"conversation_uuid"`
	ChannelID       string         `json:"channel_id"`
	CustomerID      string         `json:"customer_uuid"`
	ApplicationID   string         `json:"application_uuid"`
	Query           string         `json:"query"`
	MessageID       string         `json:"message_id"`
	ChatHistory     []HistoryEntry `json:"chat_history"`
	PreviousIntent  string         `json:"previous_intent"`
	RegenerateLevel int            `json:"regenerate_level"`
}

// HistoryEntry is one prior turn carried in a TurnEvent.
type HistoryEntry struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// QueueNotice formats the "you are number N" message pushed to an end user
// waiting for a CSR. Positions render with two digits.
func QueueNotice(position int) string {
	return fmt.Sprintf("You are number %02d in the queue.", position)
}

// RegenerateLimitNotice is pushed to a user whose regenerate request hit the
// configured cap. The request is dropped without mutating the document.
const RegenerateLimitNotice = "This response has reached its regeneration limit."

// HandoffRejectedNotice formats the rejection pushed back to a CSR whose
// handoff named an unknown target.
func HandoffRejectedNotice(csrID string) string {
	return fmt.Sprintf("Agent %s is not available for handoff.", csrID)
}

// QueueUpdate is the ordered assignment list pushed to a CSR session
// whenever queue membership changes.
type QueueUpdate struct {
	CSRID         string      `json:"csr_id"`
	Conversations []QueueSlot `json:"conversations"`
}

// QueueSlot is one conversation in a CSR's queue, ordered by assignment time.
type QueueSlot struct {
	ConversationID string `json:"conversation_uuid"`
	Position       int    `json:"position"`
	AssignedAt     string `json:"assigned_at"`
}
