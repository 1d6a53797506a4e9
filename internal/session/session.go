// ABOUTME: Session represents one external identity's live connection and listener.
// ABOUTME: Tracks last-activity time and coordinates listener cancellation.

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is a live duplex connection to an external party. Implementations are
// provided by channel adapters.
type Conn interface {
	// WriteJSON marshals v and sends it as one frame.
	WriteJSON(v any) error

	// ReadJSON blocks until the next inbound frame and unmarshals it into v.
	ReadJSON(v any) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Connector dials a new connection for an external identity.
type Connector func(ctx context.Context) (Conn, error)

// Listener is a background read loop bound to one session. It should return
// when ctx is cancelled or the connection fails; a non-nil error triggers
// teardown of the owning session.
type Listener func(ctx context.Context, s *Session) error

// Session holds the live connection state for one external identity.
// All lifecycle mutation goes through the Registry; a Session is never
// shared across identities.
type Session struct {
	ExternalID string

	mu           sync.Mutex
	conn         Conn
	releasing    bool
	listenerStop context.CancelFunc
	listenerDone chan struct{}

	lastActivity atomic.Int64 // unix nanoseconds
}

func newSession(externalID string) *Session {
	s := &Session{ExternalID: externalID}
	s.Touch()
	return s
}

// Conn returns the live connection, or nil if the session has been torn down.
func (s *Session) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Touch records traffic on the session, deferring idle reaping.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent send or receive.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// hasListener reports whether a listener is registered. Caller must hold s.mu.
func (s *Session) hasListener() bool {
	return s.listenerDone != nil
}
