// ABOUTME: Conversation state machine: applies inbound triggers to documents.
// ABOUTME: Load-mutate-store against the cache, durable write + eviction on terminal transitions.

package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/session"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/wire"
)

// ErrConversationNotFound indicates a non-creating operation referenced an
// unknown conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrRegenerateLimit indicates a message already reached the regenerate cap.
var ErrRegenerateLimit = errors.New("regenerate limit exceeded")

// ErrMessageNotFound indicates the referenced message is not in the document.
var ErrMessageNotFound = errors.New("message not found")

// historyLimit caps how many prior turns a published event carries.
const historyLimit = 20

// EventPublisher is what the machine needs from the publisher pool.
type EventPublisher interface {
	Publish(ctx context.Context, v any) error
}

// Pusher is what the machine needs from the session registry to forward
// messages to a live party.
type Pusher interface {
	Send(externalID string, payload any) error
}

// Assigner is what the machine needs from the queue coordinator on handoff.
type Assigner interface {
	Assign(ctx context.Context, conversationID string) error
}

// Ticketer creates and closes tickets in the external ticketing system.
// Optional; all calls are best-effort.
type Ticketer interface {
	OpenTicket(ctx context.Context, conv *store.Conversation) (string, error)
	CloseTicket(ctx context.Context, ticketRef, summary string) error
}

// Meta carries the identity fields a fresh conversation document needs.
type Meta struct {
	ChannelID     string
	CustomerID    string
	ApplicationID string
	UserDetails   map[string]string
}

// MachineConfig wires a Machine's collaborators.
type MachineConfig struct {
	Cache           *Cache
	Store           store.Store
	Publisher       EventPublisher
	Pusher          Pusher
	Ticketer        Ticketer // optional
	Locks           *KeyMutex
	MaxRegenerate   int
	PublishAttempts int
	Logger          *slog.Logger
}

// Machine owns the conversation document's state field and validates and
// applies every transition.
type Machine struct {
	cache           *Cache
	store           store.Store
	publisher       EventPublisher
	pusher          Pusher
	assigner        Assigner
	ticketer        Ticketer
	locks           *KeyMutex
	maxRegenerate   int
	publishAttempts int
	logger          *slog.Logger
}

// NewMachine creates a conversation state machine.
func NewMachine(cfg MachineConfig) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locks := cfg.Locks
	if locks == nil {
		locks = NewKeyMutex()
	}
	attempts := cfg.PublishAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Machine{
		cache:           cfg.Cache,
		store:           cfg.Store,
		publisher:       cfg.Publisher,
		pusher:          cfg.Pusher,
		ticketer:        cfg.Ticketer,
		locks:           locks,
		maxRegenerate:   cfg.MaxRegenerate,
		publishAttempts: attempts,
		logger:          logger.With("component", "machine"),
	}
}

// SetAssigner wires the queue coordinator. Set once during gateway
// construction; the coordinator is built after the machine.
func (m *Machine) SetAssigner(a Assigner) {
	m.assigner = a
}

// LoadOrCreate returns the live document for conversationID. Cache miss
// falls through to the durable store; a persisted terminal conversation is
// reopened with a fresh stats interval. A full miss creates a new document
// in BOT_ONGOING.
func (m *Machine) LoadOrCreate(ctx context.Context, conversationID string, meta Meta) (*store.Conversation, error) {
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	if doc, ok := m.cache.Get(conversationID); ok {
		return doc, nil
	}

	doc, err := m.store.GetConversation(ctx, conversationID)
	switch {
	case err == nil:
		if doc.State.Terminal() {
			if err := ApplyTransition(doc, store.StateBotOngoing); err != nil {
				return nil, err
			}
			doc.Stats = append(doc.Stats, store.StatsInterval{StartedAt: time.Now().UTC()})
			m.logger.Info("conversation reopened",
				"conversation_id", conversationID,
				"intervals", len(doc.Stats))
		}
		m.cache.Set(doc)
		return doc, nil

	case errors.Is(err, store.ErrNotFound):
		doc = &store.Conversation{
			ConversationID: conversationID,
			State:          store.StateBotOngoing,
			UserDetails:    meta.UserDetails,
			ChannelID:      meta.ChannelID,
			CustomerID:     meta.CustomerID,
			ApplicationID:  meta.ApplicationID,
			Stats:          []store.StatsInterval{{StartedAt: time.Now().UTC()}},
		}
		m.cache.Set(doc)
		m.logger.Debug("conversation created", "conversation_id", conversationID)
		return doc, nil

	default:
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
}

// ApplyUserMessage appends a user turn. While the bot drives, the turn is
// published downstream exactly once, after the document commit; while a CSR
// drives, the turn is forwarded to the CSR's session and nothing is published.
func (m *Machine) ApplyUserMessage(ctx context.Context, conversationID string, msg *store.Message, intent string) error {
	unlock := m.locks.Lock(conversationID)

	doc, ok := m.cache.Get(conversationID)
	if !ok {
		unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	msg.Source = store.SourceUser
	m.appendMessage(doc, msg)

	if doc.State == store.StateCSROngoing {
		m.cache.Set(doc)
		active := doc.ActiveAssignment()
		unlock()

		if active == nil {
			m.logger.Warn("csr-driven conversation has no active assignment",
				"conversation_id", conversationID)
			return nil
		}
		if err := m.pusher.Send(session.CSRKey(active.CSRID), forwardFrame(doc.ConversationID, msg)); err != nil {
			m.logger.Warn("forward to CSR failed",
				"conversation_id", conversationID,
				"csr_id", active.CSRID,
				"error", err)
			return err
		}
		return nil
	}

	event := m.buildTurnEvent(doc, msg)
	if intent != "" {
		doc.LastIntent = intent
	}
	m.cache.Set(doc)
	unlock()

	return m.publishWithRetry(ctx, conversationID, event)
}

// ApplyCsrMessage appends a CSR turn and forwards it to the end user's
// session. No event is published.
func (m *Machine) ApplyCsrMessage(ctx context.Context, conversationID string, msg *store.Message) error {
	unlock := m.locks.Lock(conversationID)

	doc, ok := m.cache.Get(conversationID)
	if !ok {
		unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	msg.Source = store.SourceCSR
	m.appendMessage(doc, msg)
	m.cache.Set(doc)
	customerID := doc.CustomerID
	unlock()

	if err := m.pusher.Send(session.UserKey(customerID), forwardFrame(conversationID, msg)); err != nil {
		m.logger.Warn("forward to user failed",
			"conversation_id", conversationID,
			"error", err)
		return err
	}
	return nil
}

// UpdateMarker sets the delivery marker on a previously appended message.
// The marker is the only message field mutated after append.
func (m *Machine) UpdateMarker(ctx context.Context, conversationID, messageID, marker string) error {
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	doc, ok := m.cache.Get(conversationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	msg := findMessage(doc, messageID)
	if msg == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	msg.Marker = marker
	m.cache.Set(doc)
	return nil
}

// RequestHandoff transitions BOT_ONGOING -> CSR_ONGOING and asks the queue
// coordinator to assign a CSR. Already being CSR-driven is a no-op.
func (m *Machine) RequestHandoff(ctx context.Context, conversationID string) error {
	unlock := m.locks.Lock(conversationID)

	doc, ok := m.cache.Get(conversationID)
	if !ok {
		unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if doc.State == store.StateCSROngoing {
		unlock()
		return nil
	}
	if err := ApplyTransition(doc, store.StateCSROngoing); err != nil {
		unlock()
		return err
	}
	doc.CSRHandOff = true
	m.cache.Set(doc)
	unlock()

	m.openTicket(ctx, conversationID, doc)

	if m.assigner != nil {
		if err := m.assigner.Assign(ctx, conversationID); err != nil {
			return fmt.Errorf("assigning CSR: %w", err)
		}
	}
	return nil
}

// MarkResolved moves the conversation to its resolved terminal state,
// persists it, and evicts it from the cache.
func (m *Machine) MarkResolved(ctx context.Context, conversationID string, by store.Source) error {
	target := store.StateBotResolved
	if by == store.SourceCSR {
		target = store.StateCSRResolved
	}
	return m.finish(ctx, conversationID, target)
}

// Close moves the conversation to CLOSED using the same persistence path as
// MarkResolved.
func (m *Machine) Close(ctx context.Context, conversationID string) error {
	return m.finish(ctx, conversationID, store.StateClosed)
}

// finish applies a terminal transition: inactivate the CSR assignment, stamp
// the stats interval, persist, evict.
func (m *Machine) finish(ctx context.Context, conversationID string, target store.State) error {
	unlock := m.locks.Lock(conversationID)

	doc, ok := m.cache.Get(conversationID)
	if !ok {
		unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if err := ApplyTransition(doc, target); err != nil {
		unlock()
		return err
	}

	if active := doc.ActiveAssignment(); active != nil {
		active.Status = store.AssignmentInactive
	}
	now := time.Now().UTC()
	if interval := doc.CurrentStats(); interval != nil {
		interval.ResolvedAt = &now
	}

	if err := m.store.SaveConversation(ctx, doc); err != nil {
		unlock()
		return fmt.Errorf("persisting terminal conversation: %w", err)
	}
	m.cache.Delete(conversationID)
	unlock()

	m.logger.Info("conversation finished",
		"conversation_id", conversationID,
		"state", target)

	m.closeTicket(ctx, doc)
	return nil
}

// BoundedRegenerate increments a message's regenerate level, failing without
// mutation once the cap is reached. The caller decides whether to re-run the
// bot path via PublishTurn.
func (m *Machine) BoundedRegenerate(ctx context.Context, conversationID, messageID string) (int, error) {
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	doc, ok := m.cache.Get(conversationID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	msg := findMessage(doc, messageID)
	if msg == nil {
		return 0, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if msg.RegenerateLevel >= m.maxRegenerate {
		return msg.RegenerateLevel, fmt.Errorf("%w: message %s at level %d", ErrRegenerateLimit, messageID, msg.RegenerateLevel)
	}

	msg.RegenerateLevel++
	m.cache.Set(doc)
	return msg.RegenerateLevel, nil
}

// PublishTurn rebuilds and publishes the event for an already-committed user
// message. Used to re-run the bot path after a regenerate and as the
// idempotent retry boundary for publish failures.
func (m *Machine) PublishTurn(ctx context.Context, conversationID, messageID string) error {
	unlock := m.locks.Lock(conversationID)

	doc, ok := m.cache.Get(conversationID)
	if !ok {
		unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	msg := findMessage(doc, messageID)
	if msg == nil {
		unlock()
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	event := m.buildTurnEvent(doc, msg)
	unlock()

	return m.publishWithRetry(ctx, conversationID, event)
}

// appendMessage links msg onto the document's reply chain.
func (m *Machine) appendMessage(doc *store.Conversation, msg *store.Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if last := doc.LastMessage(); last != nil {
		msg.ParentID = last.ID
	}
	doc.Messages = append(doc.Messages, msg)
}

// buildTurnEvent assembles the downstream event for one user turn.
func (m *Machine) buildTurnEvent(doc *store.Conversation, msg *store.Message) *wire.TurnEvent {
	history := make([]wire.HistoryEntry, 0, historyLimit)
	start := 0
	if len(doc.Messages) > historyLimit {
		start = len(doc.Messages) - historyLimit
	}
	for _, prior := range doc.Messages[start:] {
		if prior.ID == msg.ID {
			continue
		}
		history = append(history, wire.HistoryEntry{Source: string(prior.Source), Text: prior.Text})
	}

	return &wire.TurnEvent{
		ConversationID:  doc.ConversationID,
		ChannelID:       doc.ChannelID,
		CustomerID:      doc.CustomerID,
		ApplicationID:   doc.ApplicationID,
		Query:           msg.Text,
		MessageID:       msg.ID,
		ChatHistory:     history,
		PreviousIntent:  doc.LastIntent,
		RegenerateLevel: msg.RegenerateLevel,
	}
}

// publishWithRetry publishes the event, retrying against the committed
// document up to the configured attempt count.
func (m *Machine) publishWithRetry(ctx context.Context, conversationID string, event *wire.TurnEvent) error {
	var err error
	for attempt := 1; attempt <= m.publishAttempts; attempt++ {
		err = m.publisher.Publish(ctx, event)
		if err == nil {
			return nil
		}
		m.logger.Warn("publish attempt failed",
			"conversation_id", conversationID,
			"message_id", event.MessageID,
			"attempt", attempt,
			"error", err)
	}
	m.logger.Error("publish failed permanently",
		"conversation_id", conversationID,
		"message_id", event.MessageID,
		"attempts", m.publishAttempts)
	return fmt.Errorf("publishing turn after %d attempts: %w", m.publishAttempts, err)
}

// openTicket creates a ticket for a handed-off conversation. Best-effort.
func (m *Machine) openTicket(ctx context.Context, conversationID string, doc *store.Conversation) {
	if m.ticketer == nil || doc.TicketRef != "" {
		return
	}
	ref, err := m.ticketer.OpenTicket(ctx, doc)
	if err != nil {
		m.logger.Warn("opening ticket failed", "conversation_id", conversationID, "error", err)
		return
	}

	unlock := m.locks.Lock(conversationID)
	if current, ok := m.cache.Get(conversationID); ok {
		current.TicketRef = ref
		m.cache.Set(current)
	}
	unlock()
}

// closeTicket closes the conversation's ticket, if any. Best-effort.
func (m *Machine) closeTicket(ctx context.Context, doc *store.Conversation) {
	if m.ticketer == nil || doc.TicketRef == "" {
		return
	}
	if err := m.ticketer.CloseTicket(ctx, doc.TicketRef, doc.Summary); err != nil {
		m.logger.Warn("closing ticket failed",
			"conversation_id", doc.ConversationID,
			"ticket_ref", doc.TicketRef,
			"error", err)
	}
}

// findMessage returns the message with the given id, or nil.
func findMessage(doc *store.Conversation, messageID string) *store.Message {
	for _, msg := range doc.Messages {
		if msg.ID == messageID {
			return msg
		}
	}
	return nil
}

// forwardFrame wraps a message for push to a counterpart session.
func forwardFrame(conversationID string, msg *store.Message) *wire.Frame {
	return &wire.Frame{
		ConversationID: conversationID,
		Message: &wire.MessagePayload{
			MessageID: msg.ID,
			Text:      msg.Text,
			MediaURL:  firstRef(msg.MediaRefs),
		},
	}
}

func firstRef(refs []string) string {
	if len(refs) == 0 {
		return ""
	}
	return refs[0]
}
