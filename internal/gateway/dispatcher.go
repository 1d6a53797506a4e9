// ABOUTME: Frame dispatcher: routes decoded frames to the machine and coordinator.
// ABOUTME: One handler per connected identity; duplicates are dropped before any mutation.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/channel"
	"github.com/2389/parley-gateway/internal/convo"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/queue"
	"github.com/2389/parley-gateway/internal/session"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/wire"
)

// Role distinguishes the two kinds of connected parties.
type Role string

const (
	RoleEndUser Role = "endUser"
	RoleCSR     Role = "csr"
)

// Identity describes one connected party for the duration of its session.
type Identity struct {
	Role          Role
	CustomerID    string // set for end users
	CSRID         string // set for CSRs
	ChannelID     string
	ApplicationID string
	UserDetails   map[string]string
}

// Key returns the session registry key for this identity.
func (id Identity) Key() string {
	if id.Role == RoleCSR {
		return session.CSRKey(id.CSRID)
	}
	return session.UserKey(id.CustomerID)
}

// Dispatcher turns inbound frames into state machine and coordinator calls.
type Dispatcher struct {
	machine     *convo.Machine
	coordinator *queue.Coordinator
	registry    *session.Registry
	cache       *convo.Cache
	window      *dedupe.Window
	logger      *slog.Logger
}

// NewDispatcher creates the frame dispatcher.
func NewDispatcher(machine *convo.Machine, coordinator *queue.Coordinator, registry *session.Registry, cache *convo.Cache, window *dedupe.Window, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		machine:     machine,
		coordinator: coordinator,
		registry:    registry,
		cache:       cache,
		window:      window,
		logger:      logger.With("component", "dispatcher"),
	}
}

// HandlerFor returns the frame handler bound to one connected identity.
func (d *Dispatcher) HandlerFor(id Identity) channel.FrameHandler {
	return func(ctx context.Context, frame *wire.Frame) error {
		switch frame.Kind() {
		case wire.KindMessage:
			return d.handleMessage(ctx, id, frame)
		case wire.KindDeliveryMarker:
			return d.machine.UpdateMarker(ctx, frame.ConversationID,
				frame.DeliveryMarker.MessageID, frame.DeliveryMarker.Marker)
		case wire.KindTypingIndicator:
			return d.forwardTyping(id, frame)
		case wire.KindHotHandoff:
			return d.handleHotHandoff(ctx, id, frame)
		case wire.KindCSRInfo:
			return d.handleCSRInfo(frame)
		case wire.KindNotification:
			return d.handleNotification(ctx, id, frame)
		}
		return nil
	}
}

// handleMessage applies a message turn. User messages may carry
// specifications steering the turn: an intent label, a handoff request, or a
// regenerate reference to a prior message.
func (d *Dispatcher) handleMessage(ctx context.Context, id Identity, frame *wire.Frame) error {
	payload := frame.Message

	if payload.MessageID != "" && d.window.Duplicate(payload.MessageID) {
		d.logger.Debug("dropping duplicate message",
			"conversation_id", frame.ConversationID,
			"message_id", payload.MessageID)
		return nil
	}

	if id.Role == RoleCSR {
		return d.machine.ApplyCsrMessage(ctx, frame.ConversationID, &store.Message{
			ID:   payload.MessageID,
			Text: payload.Text,
		})
	}

	conversationID := frame.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	if _, err := d.machine.LoadOrCreate(ctx, conversationID, convo.Meta{
		ChannelID:     id.ChannelID,
		CustomerID:    id.CustomerID,
		ApplicationID: id.ApplicationID,
		UserDetails:   id.UserDetails,
	}); err != nil {
		return err
	}

	if ref := payload.Specifications["regenerate"]; ref != "" {
		if _, err := d.machine.BoundedRegenerate(ctx, conversationID, ref); err != nil {
			if errors.Is(err, convo.ErrRegenerateLimit) {
				d.sendNotice(id, conversationID, wire.RegenerateLimitNotice)
				return nil
			}
			return err
		}
		return d.machine.PublishTurn(ctx, conversationID, ref)
	}

	msg := &store.Message{
		ID:   payload.MessageID,
		Text: payload.Text,
	}
	if payload.MediaURL != "" {
		msg.MediaRefs = []string{payload.MediaURL}
	}
	if err := d.machine.ApplyUserMessage(ctx, conversationID, msg, payload.Specifications["intent"]); err != nil {
		return err
	}

	if payload.Specifications["handoff"] == "true" {
		return d.machine.RequestHandoff(ctx, conversationID)
	}
	return nil
}

// forwardTyping relays a typing indicator to the counterpart session without
// touching the document.
func (d *Dispatcher) forwardTyping(id Identity, frame *wire.Frame) error {
	doc, ok := d.cache.Get(frame.ConversationID)
	if !ok {
		return nil
	}

	var target string
	if id.Role == RoleCSR {
		target = session.UserKey(doc.CustomerID)
	} else {
		active := doc.ActiveAssignment()
		if active == nil {
			return nil
		}
		target = session.CSRKey(active.CSRID)
	}

	if err := d.registry.Send(target, frame); err != nil {
		d.logger.Debug("typing forward failed",
			"conversation_id", frame.ConversationID,
			"error", err)
	}
	return nil
}

// handleHotHandoff transfers the conversation between two CSRs. Only a CSR
// session may initiate one.
func (d *Dispatcher) handleHotHandoff(ctx context.Context, id Identity, frame *wire.Frame) error {
	if id.Role != RoleCSR {
		return fmt.Errorf("hot handoff from non-CSR session %s", id.Key())
	}
	payload := frame.HotHandoff
	from := payload.FromCSRID
	if from == "" {
		from = id.CSRID
	}
	if err := d.coordinator.HotHandoff(ctx, frame.ConversationID, from, payload.ToCSRID); err != nil {
		if errors.Is(err, queue.ErrInvalidHandoffTarget) {
			d.sendNotice(id, frame.ConversationID, wire.HandoffRejectedNotice(payload.ToCSRID))
			return nil
		}
		return err
	}
	return nil
}

// sendNotice pushes a user-visible failure notice back to the requester's
// own session. Best-effort.
func (d *Dispatcher) sendNotice(id Identity, conversationID, text string) {
	notice := &wire.Frame{
		ConversationID: conversationID,
		Message: &wire.MessagePayload{
			MessageID: uuid.New().String(),
			Text:      text,
		},
	}
	if err := d.registry.Send(id.Key(), notice); err != nil {
		d.logger.Warn("failure notice push failed",
			"conversation_id", conversationID,
			"error", err)
	}
}

// handleCSRInfo renders a queue position as the user-facing notice.
func (d *Dispatcher) handleCSRInfo(frame *wire.Frame) error {
	doc, ok := d.cache.Get(frame.ConversationID)
	if !ok {
		return fmt.Errorf("%w: %s", convo.ErrConversationNotFound, frame.ConversationID)
	}
	notice := &wire.Frame{
		ConversationID: frame.ConversationID,
		Message: &wire.MessagePayload{
			MessageID: "queue-" + strconv.Itoa(frame.CSRInfo.Position),
			Text:      wire.QueueNotice(frame.CSRInfo.Position),
		},
	}
	return d.registry.Send(session.UserKey(doc.CustomerID), notice)
}

// handleNotification processes channel-side notifications. Resolution moves
// the conversation to its terminal state and tears the user session down.
func (d *Dispatcher) handleNotification(ctx context.Context, id Identity, frame *wire.Frame) error {
	var notification string
	if err := json.Unmarshal(frame.Notification, &notification); err != nil {
		return fmt.Errorf("decoding notification: %w", err)
	}
	if notification != wire.NotificationResolved {
		d.logger.Debug("ignoring notification",
			"conversation_id", frame.ConversationID,
			"notification", notification)
		return nil
	}

	doc, hasDoc := d.cache.Get(frame.ConversationID)
	var assignedCSR string
	if hasDoc {
		if active := doc.ActiveAssignment(); active != nil {
			assignedCSR = active.CSRID
		}
	}

	// A conversation resolved while a CSR drives it ends CSR_RESOLVED no
	// matter which side sent the notification.
	source := store.SourceUser
	if id.Role == RoleCSR || (hasDoc && doc.State == store.StateCSROngoing) {
		source = store.SourceCSR
	}
	if err := d.machine.MarkResolved(ctx, frame.ConversationID, source); err != nil {
		return err
	}

	if hasDoc {
		// Release runs off the handler goroutine: a notification arriving on
		// the user's own session would otherwise deadlock the listener wait.
		go d.registry.Release(session.UserKey(doc.CustomerID))
		// The formerly assigned CSR's queue shrank, whichever side resolved.
		if assignedCSR != "" {
			d.coordinator.BroadcastQueue(assignedCSR)
		}
	}
	return nil
}
