// ABOUTME: Per-key mutex map used to serialize triggers for one conversation.
// ABOUTME: Unrelated conversations never queue behind each other.

package convo

import "sync"

// KeyMutex provides a mutex per string key. Entries are retained for the
// process lifetime; the population is bounded by the number of distinct
// conversations seen.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyMutex creates an empty key mutex map.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
