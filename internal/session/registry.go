// ABOUTME: Registry of live sessions keyed by external identity.
// ABOUTME: Enforces single-connection single-listener per identity with per-key locking.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrConnectFailed indicates the connector could not establish a connection.
var ErrConnectFailed = errors.New("connect failed")

// ErrNoActiveConnection indicates no live connection exists for the identity.
var ErrNoActiveConnection = errors.New("no active connection")

// ErrSendFailed indicates a transport error while sending a payload.
var ErrSendFailed = errors.New("send failed")

// releaseWait bounds how long Release waits for a listener to observe
// cancellation before declaring the session closed anyway.
const releaseWait = 5 * time.Second

// Registry coordinates all live sessions. The map is mutated only through
// Acquire, AttachListener, and Release; lock order is always session.mu
// before Registry.mu, never nested the other way.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "session-registry"),
	}
}

// Acquire returns the live connection for externalID, dialing one with
// connector if none exists. A failed dial leaves no partial session behind.
func (r *Registry) Acquire(ctx context.Context, externalID string, connector Connector) (Conn, error) {
	s := r.getOrCreate(externalID)

	s.mu.Lock()
	for s.releasing {
		// The entry is mid-teardown. Swap in a fresh session so the new
		// connection is not forgotten when the in-flight Release finishes.
		s.mu.Unlock()
		s = r.replaceReleasing(externalID, s)
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	if s.conn != nil {
		return s.conn, nil
	}

	conn, err := connector(ctx)
	if err != nil {
		r.removeIfEmpty(s)
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrConnectFailed, externalID, err)
	}

	s.conn = conn
	s.Touch()
	r.logger.Info("session connected", "external_id", externalID, "total_sessions", r.Len())
	return conn, nil
}

// AttachListener starts the background read loop for externalID if none is
// running. A second call for the same identity is a no-op. The session must
// have been acquired first.
func (r *Registry) AttachListener(externalID string, listener Listener) error {
	s := r.get(externalID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoActiveConnection, externalID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("%w: %s", ErrNoActiveConnection, externalID)
	}
	if s.hasListener() {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.listenerStop = cancel
	s.listenerDone = done

	go func() {
		err := listener(ctx, s)
		// Signal completion before any teardown: Release waits on done and
		// may be invoked from this goroutine's error path below.
		close(done)
		if err != nil && ctx.Err() == nil {
			// Transport failure in the read loop: tear the session down
			// locally, never crash the process. Release this goroutine's own
			// session, not whatever entry currently holds the id.
			r.logger.Warn("listener failed, releasing session",
				"external_id", externalID,
				"error", err)
			r.release(externalID, s)
		}
	}()

	r.logger.Debug("listener attached", "external_id", externalID)
	return nil
}

// Send pushes a payload to the identity's live connection.
func (r *Registry) Send(externalID string, payload any) error {
	s := r.get(externalID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoActiveConnection, externalID)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNoActiveConnection, externalID)
	}

	if err := conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSendFailed, externalID, err)
	}
	s.Touch()
	return nil
}

// Release cancels the listener, closes the connection, and removes the
// session, in that order. Each step is best-effort once teardown has begun;
// releasing an unknown identity is a no-op, so calling Release twice is safe.
func (r *Registry) Release(externalID string) {
	s := r.get(externalID)
	if s == nil {
		return
	}
	r.release(externalID, s)
}

// release tears down one specific session. A second release of the same
// session returns immediately; the first caller owns the teardown.
func (r *Registry) release(externalID string, s *Session) {
	s.mu.Lock()
	if s.releasing {
		s.mu.Unlock()
		return
	}
	s.releasing = true

	var done chan struct{}
	if s.listenerStop != nil {
		s.listenerStop()
		done = s.listenerDone
		s.listenerStop = nil
		s.listenerDone = nil
	}

	// Closing the connection unblocks a listener parked in ReadJSON, letting
	// it observe the cancellation above.
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			r.logger.Debug("closing connection", "external_id", externalID, "error", err)
		}
		s.conn = nil
	}
	s.mu.Unlock()

	if done != nil {
		// Wait for the read loop to finish so two listeners never coexist
		// for one identity. Bound the wait and log if it is exceeded.
		select {
		case <-done:
		case <-time.After(releaseWait):
			r.logger.Warn("listener did not stop within deadline", "external_id", externalID)
		}
	}

	r.mu.Lock()
	// Remove only our own entry: a concurrent Acquire may have installed a
	// fresh session under the same id while we waited for the listener.
	if current, ok := r.sessions[externalID]; ok && current == s {
		delete(r.sessions, externalID)
	}
	r.mu.Unlock()

	r.logger.Info("session released", "external_id", externalID, "total_sessions", r.Len())
}

// Get returns the session for externalID if one exists.
func (r *Registry) Get(externalID string) (*Session, bool) {
	s := r.get(externalID)
	return s, s != nil
}

// IsActive reports whether a live connection exists for externalID.
func (r *Registry) IsActive(externalID string) bool {
	s := r.get(externalID)
	return s != nil && s.Conn() != nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IdleSince returns the identities whose last activity is older than the
// threshold. Used by the Reaper.
func (r *Registry) IdleSince(threshold time.Duration) []string {
	cutoff := time.Now().Add(-threshold)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []string
	for id, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	return idle
}

// Close releases every session. Used on gateway shutdown.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Release(id)
	}
}

// get returns the session for externalID, or nil.
func (r *Registry) get(externalID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[externalID]
}

// getOrCreate returns the session for externalID, creating a placeholder
// entry when absent.
func (r *Registry) getOrCreate(externalID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[externalID]; ok {
		return s
	}
	s := newSession(externalID)
	r.sessions[externalID] = s
	return s
}

// replaceReleasing swaps a tearing-down session for a fresh entry. When a
// concurrent Acquire already swapped it, the current entry wins.
func (r *Registry) replaceReleasing(externalID string, old *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[externalID]; ok && current != old {
		return current
	}
	s := newSession(externalID)
	r.sessions[externalID] = s
	return s
}

// removeIfEmpty drops a session entry that holds no connection and no
// listener. Caller must hold s.mu.
func (r *Registry) removeIfEmpty(s *Session) {
	if s.conn != nil || s.hasListener() {
		return
	}
	r.mu.Lock()
	if current, ok := r.sessions[s.ExternalID]; ok && current == s {
		delete(r.sessions, s.ExternalID)
	}
	r.mu.Unlock()
}
