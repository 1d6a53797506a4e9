// ABOUTME: Queue coordinator: CSR registration, assignment, hot handoff,
// ABOUTME: and position broadcasts derived from the live document cache.

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/parley-gateway/internal/convo"
	"github.com/2389/parley-gateway/internal/session"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/wire"
)

// ErrNoAvailableCSR indicates no CSR is registered to take an assignment.
var ErrNoAvailableCSR = errors.New("no available CSR")

// ErrInvalidHandoffTarget indicates a hot handoff named an unknown CSR.
var ErrInvalidHandoffTarget = errors.New("invalid handoff target")

// ErrNotAssigned indicates the conversation has no active assignment to the
// named CSR.
var ErrNotAssigned = errors.New("conversation not assigned to CSR")

// Pusher is what the coordinator needs from the session registry.
type Pusher interface {
	Send(externalID string, payload any) error
}

// Coordinator owns CSR assignment. Queue membership is never stored
// separately: a CSR's queue is derived from the live documents holding an
// active assignment to that CSR, ordered by assignment time.
type Coordinator struct {
	cache  *convo.Cache
	locks  *convo.KeyMutex
	pusher Pusher
	logger *slog.Logger

	mu   sync.Mutex
	csrs map[string]struct{}
}

// NewCoordinator creates a coordinator sharing the machine's cache and
// per-conversation locks.
func NewCoordinator(cache *convo.Cache, locks *convo.KeyMutex, pusher Pusher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cache:  cache,
		locks:  locks,
		pusher: pusher,
		logger: logger.With("component", "queue"),
		csrs:   make(map[string]struct{}),
	}
}

// RegisterCSR marks a CSR as available for assignment and pushes them their
// current queue. A reconnecting CSR with live assignments sees them
// immediately instead of waiting for the next membership change.
func (c *Coordinator) RegisterCSR(csrID string) {
	c.mu.Lock()
	c.csrs[csrID] = struct{}{}
	c.mu.Unlock()
	c.logger.Info("CSR registered", "csr_id", csrID)
	c.BroadcastQueue(csrID)
}

// UnregisterCSR removes a CSR from the assignment pool. Existing assignments
// stay with the CSR until resolved or handed off.
func (c *Coordinator) UnregisterCSR(csrID string) {
	c.mu.Lock()
	delete(c.csrs, csrID)
	c.mu.Unlock()
	c.logger.Info("CSR unregistered", "csr_id", csrID)
}

// Assign picks the registered CSR with the fewest active assignments and
// enqueues the conversation with them.
func (c *Coordinator) Assign(ctx context.Context, conversationID string) error {
	csrID, err := c.leastLoaded()
	if err != nil {
		return err
	}
	return c.Enqueue(ctx, conversationID, csrID)
}

// Enqueue appends an active assignment for csrID to the conversation and
// broadcasts the updated queue. The first assignment of the current interval
// stamps FirstAssignedAt.
func (c *Coordinator) Enqueue(ctx context.Context, conversationID, csrID string) error {
	c.mu.Lock()
	_, known := c.csrs[csrID]
	c.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrInvalidHandoffTarget, csrID)
	}

	unlock := c.locks.Lock(conversationID)
	doc, ok := c.cache.Get(conversationID)
	if !ok {
		unlock()
		return fmt.Errorf("%w: %s", convo.ErrConversationNotFound, conversationID)
	}

	now := time.Now().UTC()
	if active := doc.ActiveAssignment(); active != nil {
		active.Status = store.AssignmentInactive
	}
	doc.CSRAssignments = append(doc.CSRAssignments, store.CSRAssignment{
		CSRID:      csrID,
		AssignedAt: now,
		Status:     store.AssignmentActive,
	})
	if interval := doc.CurrentStats(); interval != nil && interval.FirstAssignedAt == nil {
		interval.FirstAssignedAt = &now
	}
	c.cache.Set(doc)
	unlock()

	c.logger.Info("conversation enqueued",
		"conversation_id", conversationID,
		"csr_id", csrID)

	c.BroadcastQueue(csrID)
	return nil
}

// HotHandoff transfers a conversation from one CSR to another. Both queues
// are re-broadcast before the call returns so neither CSR acts on a stale
// view.
func (c *Coordinator) HotHandoff(ctx context.Context, conversationID, fromCSRID, toCSRID string) error {
	c.mu.Lock()
	_, known := c.csrs[toCSRID]
	c.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrInvalidHandoffTarget, toCSRID)
	}

	unlock := c.locks.Lock(conversationID)
	doc, ok := c.cache.Get(conversationID)
	if !ok {
		unlock()
		return fmt.Errorf("%w: %s", convo.ErrConversationNotFound, conversationID)
	}

	active := doc.ActiveAssignment()
	if active == nil || active.CSRID != fromCSRID {
		unlock()
		return fmt.Errorf("%w: %s -> %s", ErrNotAssigned, conversationID, fromCSRID)
	}
	active.Status = store.AssignmentInactive
	doc.CSRAssignments = append(doc.CSRAssignments, store.CSRAssignment{
		CSRID:      toCSRID,
		AssignedAt: time.Now().UTC(),
		Status:     store.AssignmentActive,
	})
	c.cache.Set(doc)
	unlock()

	c.logger.Info("hot handoff",
		"conversation_id", conversationID,
		"from_csr_id", fromCSRID,
		"to_csr_id", toCSRID)

	c.BroadcastQueue(fromCSRID)
	c.BroadcastQueue(toCSRID)
	return nil
}

// PositionOf returns the 1-based position of the conversation in its
// assigned CSR's queue, or ErrNotAssigned.
func (c *Coordinator) PositionOf(conversationID string) (int, error) {
	unlock := c.locks.Lock(conversationID)
	doc, ok := c.cache.Get(conversationID)
	if !ok {
		unlock()
		return 0, fmt.Errorf("%w: %s", convo.ErrConversationNotFound, conversationID)
	}
	active := doc.ActiveAssignment()
	if active == nil {
		unlock()
		return 0, fmt.Errorf("%w: %s", ErrNotAssigned, conversationID)
	}
	csrID := active.CSRID
	unlock()

	for _, slot := range c.queueFor(csrID) {
		if slot.conversationID == conversationID {
			return slot.position, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNotAssigned, conversationID)
}

// BroadcastQueue pushes the CSR's ordered queue to their session and a
// position notice to every waiting end user. Pushes are best-effort; a
// disconnected party misses the update and catches up on the next one.
func (c *Coordinator) BroadcastQueue(csrID string) {
	queue := c.queueFor(csrID)

	update := &wire.QueueUpdate{CSRID: csrID, Conversations: make([]wire.QueueSlot, 0, len(queue))}
	for _, slot := range queue {
		update.Conversations = append(update.Conversations, wire.QueueSlot{
			ConversationID: slot.conversationID,
			Position:       slot.position,
			AssignedAt:     slot.assignedAt.Format(time.RFC3339),
		})
	}
	if err := c.pusher.Send(session.CSRKey(csrID), update); err != nil {
		c.logger.Warn("queue push to CSR failed", "csr_id", csrID, "error", err)
	}

	for _, slot := range queue {
		frame := &wire.Frame{
			ConversationID: slot.conversationID,
			CSRInfo:        &wire.CSRInfoPayload{Position: slot.position},
		}
		if err := c.pusher.Send(session.UserKey(slot.customerID), frame); err != nil {
			c.logger.Warn("position push to user failed",
				"conversation_id", slot.conversationID,
				"error", err)
		}
	}
}

// queueSlot is a value snapshot of one queued conversation, taken under the
// conversation's key lock so later reads never race the machine.
type queueSlot struct {
	conversationID string
	customerID     string
	assignedAt     time.Time
	position       int
}

// queueFor derives the CSR's queue from the live cache: every document with
// an active assignment to the CSR, ordered by assignment time ascending.
// Each document is snapshotted under its own key lock.
func (c *Coordinator) queueFor(csrID string) []queueSlot {
	var queue []queueSlot
	for _, doc := range c.cache.All() {
		id := doc.ConversationID
		unlock := c.locks.Lock(id)
		// Re-read under the lock: the machine may have evicted or mutated
		// the document since All() snapshotted the cache.
		current, ok := c.cache.Get(id)
		if !ok {
			unlock()
			continue
		}
		active := current.ActiveAssignment()
		if active == nil || active.CSRID != csrID {
			unlock()
			continue
		}
		queue = append(queue, queueSlot{
			conversationID: id,
			customerID:     current.CustomerID,
			assignedAt:     active.AssignedAt,
		})
		unlock()
	}
	sort.Slice(queue, func(i, j int) bool {
		return queue[i].assignedAt.Before(queue[j].assignedAt)
	})
	for i := range queue {
		queue[i].position = i + 1
	}
	return queue
}

// leastLoaded returns the registered CSR with the fewest active assignments.
// Ties break on CSR id for determinism.
func (c *Coordinator) leastLoaded() (string, error) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.csrs))
	for id := range c.csrs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	if len(ids) == 0 {
		return "", ErrNoAvailableCSR
	}
	sort.Strings(ids)

	loads := make(map[string]int, len(ids))
	for _, doc := range c.cache.All() {
		unlock := c.locks.Lock(doc.ConversationID)
		if current, ok := c.cache.Get(doc.ConversationID); ok {
			if active := current.ActiveAssignment(); active != nil {
				loads[active.CSRID]++
			}
		}
		unlock()
	}

	best := ids[0]
	for _, id := range ids[1:] {
		if loads[id] < loads[best] {
			best = id
		}
	}
	return best, nil
}
