// ABOUTME: Tests for the frame dispatcher.
// ABOUTME: Covers routing per frame kind, dedupe, specifications, and resolution teardown.

package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/convo"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/queue"
	"github.com/2389/parley-gateway/internal/session"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/wire"
)

// blockingConn satisfies session.Conn for registry-backed tests. Writes are
// recorded; reads block until the connection is closed.
type blockingConn struct {
	mu      sync.Mutex
	writes  []any
	closed  chan struct{}
	closeMu sync.Once
}

func newBlockingConn() *blockingConn {
	return &blockingConn{closed: make(chan struct{})}
}

func (c *blockingConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, v)
	return nil
}

func (c *blockingConn) ReadJSON(any) error {
	<-c.closed
	return assert.AnError
}

func (c *blockingConn) Close() error {
	c.closeMu.Do(func() { close(c.closed) })
	return nil
}

func (c *blockingConn) written() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.writes...)
}

type memStore struct {
	mu   sync.Mutex
	docs map[string]*store.Conversation
}

func newMemStore() *memStore { return &memStore{docs: make(map[string]*store.Conversation)} }

func (m *memStore) SaveConversation(_ context.Context, conv *store.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[conv.ConversationID] = conv
	return nil
}

func (m *memStore) GetConversation(_ context.Context, id string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[id]; ok {
		return doc, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListConversationsByCustomer(context.Context, string, int) ([]*store.Conversation, error) {
	return nil, nil
}

func (m *memStore) Close() error { return nil }

type capturePublisher struct {
	mu     sync.Mutex
	events []*wire.TurnEvent
}

func (p *capturePublisher) Publish(_ context.Context, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, v.(*wire.TurnEvent))
	return nil
}

func (p *capturePublisher) published() []*wire.TurnEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*wire.TurnEvent(nil), p.events...)
}

type dispatchHarness struct {
	dispatcher  *Dispatcher
	machine     *convo.Machine
	coordinator *queue.Coordinator
	registry    *session.Registry
	cache       *convo.Cache
	store       *memStore
	publisher   *capturePublisher
	window      *dedupe.Window
}

func newDispatchHarness(t *testing.T) *dispatchHarness {
	t.Helper()

	cache := convo.NewCache()
	locks := convo.NewKeyMutex()
	registry := session.NewRegistry(nil)
	t.Cleanup(registry.Close)

	s := newMemStore()
	pub := &capturePublisher{}
	machine := convo.NewMachine(convo.MachineConfig{
		Cache:           cache,
		Store:           s,
		Publisher:       pub,
		Pusher:          registry,
		Locks:           locks,
		MaxRegenerate:   3,
		PublishAttempts: 3,
	})
	coordinator := queue.NewCoordinator(cache, locks, registry, nil)
	machine.SetAssigner(coordinator)

	window := dedupe.NewWindow(time.Minute, 1000)
	t.Cleanup(window.Close)

	return &dispatchHarness{
		dispatcher:  NewDispatcher(machine, coordinator, registry, cache, window, nil),
		machine:     machine,
		coordinator: coordinator,
		registry:    registry,
		cache:       cache,
		store:       s,
		publisher:   pub,
		window:      window,
	}
}

// connect registers a blocking connection under key and returns it.
func (h *dispatchHarness) connect(t *testing.T, key string) *blockingConn {
	t.Helper()
	conn := newBlockingConn()
	_, err := h.registry.Acquire(context.Background(), key, func(context.Context) (session.Conn, error) {
		return conn, nil
	})
	require.NoError(t, err)
	return conn
}

func userIdentity() Identity {
	return Identity{
		Role:          RoleEndUser,
		CustomerID:    "cust-1",
		ChannelID:     "web",
		ApplicationID: "app-1",
	}
}

func csrIdentity(csrID string) Identity {
	return Identity{Role: RoleCSR, CSRID: csrID, ChannelID: "web"}
}

func TestDispatchUserMessageCreatesAndPublishes(t *testing.T) {
	h := newDispatchHarness(t)
	handler := h.dispatcher.HandlerFor(userIdentity())

	err := handler(context.Background(), &wire.Frame{
		ConversationID: "c1",
		Message:        &wire.MessagePayload{MessageID: "m1", Text: "hello"},
	})
	require.NoError(t, err)

	doc, ok := h.cache.Get("c1")
	require.True(t, ok)
	assert.Equal(t, store.StateBotOngoing, doc.State)
	assert.Equal(t, "cust-1", doc.CustomerID)

	events := h.publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, "hello", events[0].Query)
}

func TestDispatchGeneratesConversationID(t *testing.T) {
	h := newDispatchHarness(t)
	handler := h.dispatcher.HandlerFor(userIdentity())

	require.NoError(t, handler(context.Background(), &wire.Frame{
		Message: &wire.MessagePayload{MessageID: "m1", Text: "hello"},
	}))

	assert.Equal(t, 1, h.cache.Len(), "a frame without a conversation id starts a new conversation")
}

func TestDispatchDropsDuplicates(t *testing.T) {
	h := newDispatchHarness(t)
	handler := h.dispatcher.HandlerFor(userIdentity())

	frame := &wire.Frame{
		ConversationID: "c1",
		Message:        &wire.MessagePayload{MessageID: "m1", Text: "hello"},
	}
	require.NoError(t, handler(context.Background(), frame))
	require.NoError(t, handler(context.Background(), frame))

	assert.Len(t, h.publisher.published(), 1, "redelivered message must publish once")
	doc, _ := h.cache.Get("c1")
	assert.Len(t, doc.Messages, 1)
}

func TestDispatchHandoffSpecification(t *testing.T) {
	h := newDispatchHarness(t)
	h.connect(t, session.CSRKey("csr-1"))
	h.connect(t, session.UserKey("cust-1"))
	h.coordinator.RegisterCSR("csr-1")

	handler := h.dispatcher.HandlerFor(userIdentity())
	err := handler(context.Background(), &wire.Frame{
		ConversationID: "c1",
		Message: &wire.MessagePayload{
			MessageID:      "m1",
			Text:           "I need a person",
			Specifications: map[string]string{"handoff": "true"},
		},
	})
	require.NoError(t, err)

	doc, _ := h.cache.Get("c1")
	assert.Equal(t, store.StateCSROngoing, doc.State)
	require.NotNil(t, doc.ActiveAssignment())
	assert.Equal(t, "csr-1", doc.ActiveAssignment().CSRID)
}

func TestDispatchRegenerateSpecification(t *testing.T) {
	h := newDispatchHarness(t)
	handler := h.dispatcher.HandlerFor(userIdentity())
	ctx := context.Background()

	require.NoError(t, handler(ctx, &wire.Frame{
		ConversationID: "c1",
		Message:        &wire.MessagePayload{MessageID: "m1", Text: "hello"},
	}))

	require.NoError(t, handler(ctx, &wire.Frame{
		ConversationID: "c1",
		Message: &wire.MessagePayload{
			MessageID:      "m2",
			Specifications: map[string]string{"regenerate": "m1"},
		},
	}))

	events := h.publisher.published()
	require.Len(t, events, 2)
	assert.Equal(t, "m1", events[1].MessageID, "regenerate republishes the original turn")
	assert.Equal(t, 1, events[1].RegenerateLevel)

	doc, _ := h.cache.Get("c1")
	assert.Len(t, doc.Messages, 1, "regenerate must not append a new message")
}

func TestDispatchDeliveryMarker(t *testing.T) {
	h := newDispatchHarness(t)
	handler := h.dispatcher.HandlerFor(userIdentity())
	ctx := context.Background()

	require.NoError(t, handler(ctx, &wire.Frame{
		ConversationID: "c1",
		Message:        &wire.MessagePayload{MessageID: "m1", Text: "hello"},
	}))
	require.NoError(t, handler(ctx, &wire.Frame{
		ConversationID: "c1",
		DeliveryMarker: &wire.DeliveryMarkerPayload{MessageID: "m1", Marker: "read"},
	}))

	doc, _ := h.cache.Get("c1")
	assert.Equal(t, "read", doc.Messages[0].Marker)
}

func TestDispatchTypingForwardedNotPersisted(t *testing.T) {
	h := newDispatchHarness(t)
	csrConn := h.connect(t, session.CSRKey("csr-1"))
	h.connect(t, session.UserKey("cust-1"))
	h.coordinator.RegisterCSR("csr-1")
	ctx := context.Background()

	userHandler := h.dispatcher.HandlerFor(userIdentity())
	require.NoError(t, userHandler(ctx, &wire.Frame{
		ConversationID: "c1",
		Message: &wire.MessagePayload{
			MessageID:      "m1",
			Text:           "help",
			Specifications: map[string]string{"handoff": "true"},
		},
	}))

	before := len(csrConn.written())
	require.NoError(t, userHandler(ctx, &wire.Frame{
		ConversationID:  "c1",
		TypingIndicator: &wire.TypingIndicatorPayload{Typing: true},
	}))

	writes := csrConn.written()
	require.Greater(t, len(writes), before, "typing indicator must reach the CSR")
	forwarded := writes[len(writes)-1].(*wire.Frame)
	assert.True(t, forwarded.TypingIndicator.Typing)

	doc, _ := h.cache.Get("c1")
	for _, msg := range doc.Messages {
		assert.NotEmpty(t, msg.Text, "typing indicators are never persisted as messages")
	}
}

func TestDispatchCSRInfoNotice(t *testing.T) {
	h := newDispatchHarness(t)
	userConn := h.connect(t, session.UserKey("cust-1"))
	ctx := context.Background()

	handler := h.dispatcher.HandlerFor(userIdentity())
	require.NoError(t, handler(ctx, &wire.Frame{
		ConversationID: "c1",
		Message:        &wire.MessagePayload{MessageID: "m1", Text: "hi"},
	}))

	require.NoError(t, h.dispatcher.HandlerFor(csrIdentity("csr-1"))(ctx, &wire.Frame{
		ConversationID: "c1",
		CSRInfo:        &wire.CSRInfoPayload{Position: 3},
	}))

	writes := userConn.written()
	require.NotEmpty(t, writes)
	notice := writes[len(writes)-1].(*wire.Frame)
	assert.Equal(t, "You are number 03 in the queue.", notice.Message.Text)
}

func TestDispatchHotHandoffRequiresCSR(t *testing.T) {
	h := newDispatchHarness(t)

	err := h.dispatcher.HandlerFor(userIdentity())(context.Background(), &wire.Frame{
		ConversationID: "c1",
		HotHandoff:     &wire.HotHandoffPayload{ToCSRID: "csr-2"},
	})
	require.Error(t, err)
}

func TestDispatchHotHandoff(t *testing.T) {
	h := newDispatchHarness(t)
	h.connect(t, session.CSRKey("csr-1"))
	h.connect(t, session.CSRKey("csr-2"))
	h.connect(t, session.UserKey("cust-1"))
	h.coordinator.RegisterCSR("csr-1")
	h.coordinator.RegisterCSR("csr-2")
	ctx := context.Background()

	userHandler := h.dispatcher.HandlerFor(userIdentity())
	require.NoError(t, userHandler(ctx, &wire.Frame{
		ConversationID: "c1",
		Message: &wire.MessagePayload{
			MessageID:      "m1",
			Text:           "help",
			Specifications: map[string]string{"handoff": "true"},
		},
	}))

	doc, _ := h.cache.Get("c1")
	from := doc.ActiveAssignment().CSRID
	to := "csr-2"
	if from == "csr-2" {
		to = "csr-1"
	}

	require.NoError(t, h.dispatcher.HandlerFor(csrIdentity(from))(ctx, &wire.Frame{
		ConversationID: "c1",
		HotHandoff:     &wire.HotHandoffPayload{ToCSRID: to},
	}))

	doc, _ = h.cache.Get("c1")
	assert.Equal(t, to, doc.ActiveAssignment().CSRID)
}

func TestDispatchRegenerateLimitNotice(t *testing.T) {
	h := newDispatchHarness(t)
	userConn := h.connect(t, session.UserKey("cust-1"))
	handler := h.dispatcher.HandlerFor(userIdentity())
	ctx := context.Background()

	require.NoError(t, handler(ctx, &wire.Frame{
		ConversationID: "c1",
		Message:        &wire.MessagePayload{MessageID: "m1", Text: "hello"},
	}))

	regenerate := func() error {
		return handler(ctx, &wire.Frame{
			ConversationID: "c1",
			Message: &wire.MessagePayload{
				Specifications: map[string]string{"regenerate": "m1"},
			},
		})
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, regenerate())
	}

	before := len(userConn.written())
	require.NoError(t, regenerate(), "a breach is surfaced as a notice, not an error")

	writes := userConn.written()
	require.Greater(t, len(writes), before, "the requester must see the limit notice")
	notice := writes[len(writes)-1].(*wire.Frame)
	assert.Equal(t, wire.RegenerateLimitNotice, notice.Message.Text)

	assert.Len(t, h.publisher.published(), 4, "the rejected regenerate must not republish")
	doc, _ := h.cache.Get("c1")
	assert.Equal(t, 3, doc.Messages[0].RegenerateLevel, "the breach must not mutate the document")
}

func TestDispatchHotHandoffRejectionNotice(t *testing.T) {
	h := newDispatchHarness(t)
	csrConn := h.connect(t, session.CSRKey("csr-1"))
	h.connect(t, session.UserKey("cust-1"))
	h.coordinator.RegisterCSR("csr-1")
	ctx := context.Background()

	userHandler := h.dispatcher.HandlerFor(userIdentity())
	require.NoError(t, userHandler(ctx, &wire.Frame{
		ConversationID: "c1",
		Message: &wire.MessagePayload{
			MessageID:      "m1",
			Text:           "help",
			Specifications: map[string]string{"handoff": "true"},
		},
	}))

	before := len(csrConn.written())
	require.NoError(t, h.dispatcher.HandlerFor(csrIdentity("csr-1"))(ctx, &wire.Frame{
		ConversationID: "c1",
		HotHandoff:     &wire.HotHandoffPayload{ToCSRID: "ghost"},
	}))

	writes := csrConn.written()
	require.Greater(t, len(writes), before, "the initiating CSR must see the rejection")
	notice := writes[len(writes)-1].(*wire.Frame)
	assert.Equal(t, wire.HandoffRejectedNotice("ghost"), notice.Message.Text)

	doc, _ := h.cache.Get("c1")
	assert.Equal(t, "csr-1", doc.ActiveAssignment().CSRID,
		"a rejected handoff leaves no dangling assignment")
}

func TestDispatchUserResolutionRebroadcastsCSRQueue(t *testing.T) {
	h := newDispatchHarness(t)
	h.connect(t, session.UserKey("cust-1"))
	csrConn := h.connect(t, session.CSRKey("csr-1"))
	h.coordinator.RegisterCSR("csr-1")
	ctx := context.Background()

	userHandler := h.dispatcher.HandlerFor(userIdentity())
	require.NoError(t, userHandler(ctx, &wire.Frame{
		ConversationID: "c1",
		Message: &wire.MessagePayload{
			MessageID:      "m1",
			Text:           "help",
			Specifications: map[string]string{"handoff": "true"},
		},
	}))

	before := len(csrConn.written())
	notification, _ := json.Marshal(wire.NotificationResolved)
	require.NoError(t, userHandler(ctx, &wire.Frame{
		ConversationID: "c1",
		Notification:   notification,
	}))

	writes := csrConn.written()
	require.Greater(t, len(writes), before, "the assigned CSR must see the queue shrink")
	update := writes[len(writes)-1].(*wire.QueueUpdate)
	assert.Empty(t, update.Conversations)
}

func TestDispatchResolutionNotification(t *testing.T) {
	h := newDispatchHarness(t)
	h.connect(t, session.UserKey("cust-1"))
	ctx := context.Background()

	handler := h.dispatcher.HandlerFor(userIdentity())
	require.NoError(t, handler(ctx, &wire.Frame{
		ConversationID: "c1",
		Message:        &wire.MessagePayload{MessageID: "m1", Text: "thanks, done"},
	}))

	notification, _ := json.Marshal(wire.NotificationResolved)
	require.NoError(t, handler(ctx, &wire.Frame{
		ConversationID: "c1",
		Notification:   notification,
	}))

	_, ok := h.cache.Get("c1")
	assert.False(t, ok, "resolution evicts the live document")

	saved, err := h.store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StateBotResolved, saved.State)

	require.Eventually(t, func() bool {
		return !h.registry.IsActive(session.UserKey("cust-1"))
	}, 2*time.Second, 10*time.Millisecond, "resolution releases the user session")
}

func TestDispatchResolutionDuringCSR(t *testing.T) {
	h := newDispatchHarness(t)
	h.connect(t, session.UserKey("cust-1"))
	h.connect(t, session.CSRKey("csr-1"))
	h.coordinator.RegisterCSR("csr-1")
	ctx := context.Background()

	userHandler := h.dispatcher.HandlerFor(userIdentity())
	require.NoError(t, userHandler(ctx, &wire.Frame{
		ConversationID: "c1",
		Message: &wire.MessagePayload{
			MessageID:      "m1",
			Text:           "help",
			Specifications: map[string]string{"handoff": "true"},
		},
	}))

	notification, _ := json.Marshal(wire.NotificationResolved)
	require.NoError(t, h.dispatcher.HandlerFor(csrIdentity("csr-1"))(ctx, &wire.Frame{
		ConversationID: "c1",
		Notification:   notification,
	}))

	saved, err := h.store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StateCSRResolved, saved.State)
	assert.Equal(t, store.AssignmentInactive, saved.CSRAssignments[0].Status)
}

func TestDispatchIgnoresOtherNotifications(t *testing.T) {
	h := newDispatchHarness(t)
	ctx := context.Background()

	handler := h.dispatcher.HandlerFor(userIdentity())
	require.NoError(t, handler(ctx, &wire.Frame{
		ConversationID: "c1",
		Message:        &wire.MessagePayload{MessageID: "m1", Text: "hi"},
	}))

	notification, _ := json.Marshal("typing_sound_on")
	require.NoError(t, handler(ctx, &wire.Frame{
		ConversationID: "c1",
		Notification:   notification,
	}))

	_, ok := h.cache.Get("c1")
	assert.True(t, ok, "unknown notifications leave the conversation open")
}
