// ABOUTME: Tests for the message id dedupe window.
// ABOUTME: Covers atomic check-and-mark, TTL expiry, capacity eviction, and close.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDuplicate(t *testing.T) {
	w := NewWindow(time.Minute, 100)
	defer w.Close()

	assert.False(t, w.Duplicate("m1"), "first sighting is not a duplicate")
	assert.True(t, w.Duplicate("m1"), "second sighting is")
	assert.False(t, w.Duplicate("m2"))
}

func TestExpiry(t *testing.T) {
	w := NewWindow(20*time.Millisecond, 100)
	defer w.Close()

	assert.False(t, w.Duplicate("m1"))
	time.Sleep(40 * time.Millisecond)
	assert.False(t, w.Duplicate("m1"), "an expired id is fresh again")
}

func TestCapacityEvictsOldest(t *testing.T) {
	w := NewWindow(time.Minute, 3)
	defer w.Close()

	for i := 0; i < 3; i++ {
		w.Duplicate(fmt.Sprintf("m%d", i))
	}
	w.Duplicate("m3") // evicts m0

	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Duplicate("m0"), "evicted id must be accepted again")
	assert.True(t, w.Duplicate("m3"))
}

func TestRefreshMovesToBack(t *testing.T) {
	w := NewWindow(time.Minute, 3)
	defer w.Close()

	w.Duplicate("m0")
	w.Duplicate("m1")
	w.Duplicate("m2")
	w.Duplicate("m0") // refresh: m1 is now oldest
	w.Duplicate("m3") // evicts m1

	assert.True(t, w.Duplicate("m0"))
	assert.False(t, w.Duplicate("m1"))
}

func TestConcurrentDuplicate(t *testing.T) {
	w := NewWindow(time.Minute, 1000)
	defer w.Close()

	const goroutines = 32
	accepted := make(chan struct{}, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Duplicate("same-id") {
				accepted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(accepted)

	assert.Len(t, accepted, 1, "exactly one delivery of an id passes")
}

func TestCloseIdempotent(t *testing.T) {
	w := NewWindow(time.Minute, 10)
	w.Close()
	w.Close()
}
