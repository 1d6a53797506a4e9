// ABOUTME: Fixed-size client pool with round-robin leasing.
// ABOUTME: Lease/release brackets every publish; Shutdown drains and closes.

package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrPoolNotInitialized indicates the pool was built with no clients.
var ErrPoolNotInitialized = errors.New("publisher pool not initialized")

// ErrPoolClosed indicates a lease was requested after Shutdown.
var ErrPoolClosed = errors.New("publisher pool closed")

// Client is one broker connection usable by a single publish at a time.
type Client interface {
	Publish(ctx context.Context, body []byte) error
	Close() error
}

// Pool hands out clients round-robin. A leased client is exclusive until
// released; Lease blocks while every client is out.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	clients []Client
	leased  []bool
	next    int
	closed  bool
	logger  *slog.Logger
}

// NewPool wraps an existing client set. Fails when the set is empty.
func NewPool(clients []Client, logger *slog.Logger) (*Pool, error) {
	if len(clients) == 0 {
		return nil, ErrPoolNotInitialized
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		clients: clients,
		leased:  make([]bool, len(clients)),
		logger:  logger.With("component", "publisher"),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Lease returns the next free client and its release function. Blocks until
// a client frees up; fails once the pool is shut down.
func (p *Pool) Lease() (Client, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, nil, ErrPoolClosed
		}
		for offset := 0; offset < len(p.clients); offset++ {
			i := (p.next + offset) % len(p.clients)
			if p.leased[i] {
				continue
			}
			p.leased[i] = true
			p.next = (i + 1) % len(p.clients)
			return p.clients[i], p.releaseFunc(i), nil
		}
		p.cond.Wait()
	}
}

func (p *Pool) releaseFunc(i int) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.leased[i] = false
			p.mu.Unlock()
			// Broadcast, not Signal: a draining Shutdown may be waiting
			// alongside blocked leases.
			p.cond.Broadcast()
		})
	}
}

// Publish marshals v and sends it through a leased client. The lease is
// released whether or not the publish succeeds.
func (p *Pool) Publish(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	client, release, err := p.Lease()
	if err != nil {
		return err
	}
	defer release()

	if err := client.Publish(ctx, body); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// Shutdown closes the pool. Blocked leases fail with ErrPoolClosed, in-flight
// publishes drain, then every client is closed. Idempotent.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cond.Broadcast()

	// An amqp channel does not tolerate Close racing a publish; wait for
	// every lease to come back before touching the clients.
	for p.leasedCount() > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()

	var errs []error
	for _, client := range p.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing publisher clients: %w", errors.Join(errs...))
	}
	p.logger.Info("publisher pool shut down", "clients", len(p.clients))
	return nil
}

// leasedCount returns the number of leases still out. Caller must hold p.mu.
func (p *Pool) leasedCount() int {
	n := 0
	for _, out := range p.leased {
		if out {
			n++
		}
	}
	return n
}
