// ABOUTME: Bounded TTL window over recently seen message ids.
// ABOUTME: Oldest-first eviction at capacity; a background sweeper prunes expired ids.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const sweepInterval = time.Minute

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Window tracks message ids seen within a TTL, bounded in size. Ids fall out
// either by expiry or by oldest-first eviction when the window is full.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // message ids, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewWindow creates a dedupe window and starts its expiry sweeper.
func NewWindow(ttl time.Duration, maxSize int) *Window {
	w := &Window{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go w.sweep()
	return w
}

// Duplicate reports whether messageID was already seen within the TTL, and
// marks it seen if not. Check and mark are one atomic step so two racing
// deliveries of the same id cannot both pass.
func (w *Window) Duplicate(messageID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.seen[messageID]; ok && time.Since(e.seenAt) < w.ttl {
		return true
	}
	w.mark(messageID)
	return false
}

// Len returns the number of ids currently tracked.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// mark records messageID, refreshing it if already present. Caller holds w.mu.
func (w *Window) mark(messageID string) {
	now := time.Now()

	if e, ok := w.seen[messageID]; ok {
		e.seenAt = now
		w.order.MoveToBack(e.element)
		return
	}

	if len(w.seen) >= w.maxSize {
		w.evictOldest()
	}

	w.seen[messageID] = &entry{
		seenAt:  now,
		element: w.order.PushBack(messageID),
	}
}

// evictOldest drops the front of the order list. Caller holds w.mu.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, id)
}

func (w *Window) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.prune()
		case <-w.done:
			return
		}
	}
}

// prune removes every expired id.
func (w *Window) prune() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	for id, e := range w.seen {
		if now.Sub(e.seenAt) > w.ttl {
			w.order.Remove(e.element)
			delete(w.seen, id)
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
