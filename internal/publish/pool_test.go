// ABOUTME: Tests for the publisher pool.
// ABOUTME: Covers round-robin leasing, exclusivity under contention, and shutdown semantics.

package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu        sync.Mutex
	bodies    [][]byte
	inFlight  int
	maxActive int
	err       error
	closed    bool
}

func (f *fakeClient) Publish(_ context.Context, body []byte) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxActive {
		f.maxActive = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func newTestPool(t *testing.T, n int) (*Pool, []*fakeClient) {
	t.Helper()
	fakes := make([]*fakeClient, n)
	clients := make([]Client, n)
	for i := range fakes {
		fakes[i] = &fakeClient{}
		clients[i] = fakes[i]
	}
	pool, err := NewPool(clients, nil)
	require.NoError(t, err)
	return pool, fakes
}

func TestNewPoolEmpty(t *testing.T) {
	_, err := NewPool(nil, nil)
	assert.ErrorIs(t, err, ErrPoolNotInitialized)
}

func TestPublishRoundRobin(t *testing.T) {
	pool, fakes := newTestPool(t, 3)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Publish(ctx, map[string]int{"n": i}))
	}

	for _, f := range fakes {
		assert.Equal(t, 2, f.count(), "publishes must spread across the pool")
	}
}

func TestPublishEncodesJSON(t *testing.T) {
	pool, fakes := newTestPool(t, 1)

	require.NoError(t, pool.Publish(context.Background(), map[string]string{"query": "hi"}))

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(fakes[0].bodies[0], &decoded))
	assert.Equal(t, "hi", decoded["query"])
}

func TestPublishReleasesOnError(t *testing.T) {
	pool, fakes := newTestPool(t, 1)
	fakes[0].err = errors.New("broker gone")

	err := pool.Publish(context.Background(), "x")
	require.Error(t, err)

	// The lease must have been released: the next publish gets the client.
	fakes[0].err = nil
	assert.NoError(t, pool.Publish(context.Background(), "y"))
}

func TestLeaseExclusiveUnderContention(t *testing.T) {
	pool, fakes := newTestPool(t, 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Publish(ctx, "turn")
		}()
	}
	wg.Wait()

	total := 0
	for _, f := range fakes {
		assert.LessOrEqual(t, f.maxActive, 1, "a client must never serve two publishes at once")
		total += f.count()
	}
	assert.Equal(t, 16, total)
}

func TestLeaseBlocksUntilRelease(t *testing.T) {
	pool, _ := newTestPool(t, 1)

	_, release, err := pool.Lease()
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		_, r, err := pool.Lease()
		if err == nil {
			r()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second lease must block while the only client is out")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("release must wake the blocked lease")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	pool, _ := newTestPool(t, 1)

	_, release, err := pool.Lease()
	require.NoError(t, err)
	release()
	release() // double release must not free someone else's lease

	_, release2, err := pool.Lease()
	require.NoError(t, err)
	defer release2()
}

func TestShutdown(t *testing.T) {
	pool, fakes := newTestPool(t, 2)

	require.NoError(t, pool.Shutdown())
	require.NoError(t, pool.Shutdown(), "shutdown is idempotent")

	for _, f := range fakes {
		assert.True(t, f.closed)
	}

	_, _, err := pool.Lease()
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, pool.Publish(context.Background(), "x"), ErrPoolClosed)
}

func TestShutdownWakesBlockedLease(t *testing.T) {
	pool, _ := newTestPool(t, 1)

	_, release, err := pool.Lease()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := pool.Lease()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		_ = pool.Shutdown()
		close(done)
	}()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("shutdown must wake blocked leases")
	}

	release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not finish after the lease came back")
	}
}

func TestShutdownWaitsForLeasedClients(t *testing.T) {
	pool, fakes := newTestPool(t, 2)

	_, release, err := pool.Lease()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = pool.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("shutdown must wait for the in-flight lease")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, fakes[0].isClosed(), "a leased client must not be closed mid-publish")

	release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown must finish once the lease is released")
	}
	for _, f := range fakes {
		assert.True(t, f.isClosed())
	}
}
