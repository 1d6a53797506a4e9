// ABOUTME: Gateway orchestrator: builds every component and runs the HTTP server.
// ABOUTME: Manages session registry, state machine, queue, publisher pool, and shutdown order.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/parley-gateway/internal/channel"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/convo"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/publish"
	"github.com/2389/parley-gateway/internal/queue"
	"github.com/2389/parley-gateway/internal/session"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/ticket"
)

// dedupeTTL and dedupeSize bound the inbound message id window.
const (
	dedupeTTL  = 5 * time.Minute
	dedupeSize = 100_000
)

// publisher is the pool surface the gateway owns. Satisfied by the AMQP pool
// in production and by fakes in tests.
type publisher interface {
	Publish(ctx context.Context, v any) error
	Shutdown() error
}

// Gateway orchestrates the conversation routing service.
type Gateway struct {
	config      *config.Config
	store       store.Store
	cache       *convo.Cache
	registry    *session.Registry
	machine     *convo.Machine
	coordinator *queue.Coordinator
	dispatcher  *Dispatcher
	adapters    map[string]*channel.Adapter
	pool        publisher
	window      *dedupe.Window
	reaper      *session.Reaper
	httpServer  *http.Server
	logger      *slog.Logger
}

// initStore creates the durable store. PARLEY_DB_PATH overrides the
// configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PARLEY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway, dialing the event broker for the publisher pool.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	pool, err := publish.NewAMQPPool(cfg.Publisher.URL, cfg.Publisher.Queue, cfg.Publisher.PoolSize, logger)
	if err != nil {
		return nil, fmt.Errorf("creating publisher pool: %w", err)
	}
	gw, err := newWithPublisher(cfg, logger, pool)
	if err != nil {
		_ = pool.Shutdown()
		return nil, err
	}
	return gw, nil
}

// newWithPublisher builds the gateway around an existing publisher. Tests
// inject fakes here.
func newWithPublisher(cfg *config.Config, logger *slog.Logger, pool publisher) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	cache := convo.NewCache()
	locks := convo.NewKeyMutex()
	registry := session.NewRegistry(logger)
	window := dedupe.NewWindow(dedupeTTL, dedupeSize)
	ticketer := ticket.NewClient(cfg.Ticketing, logger)

	machineCfg := convo.MachineConfig{
		Cache:           cache,
		Store:           s,
		Publisher:       pool,
		Pusher:          registry,
		Locks:           locks,
		MaxRegenerate:   cfg.Conversations.MaxRegenerate,
		PublishAttempts: cfg.Publisher.MaxAttempts,
		Logger:          logger,
	}
	if ticketer != nil {
		machineCfg.Ticketer = ticketer
	}
	machine := convo.NewMachine(machineCfg)

	coordinator := queue.NewCoordinator(cache, locks, registry, logger)
	machine.SetAssigner(coordinator)

	adapters := make(map[string]*channel.Adapter, len(cfg.Channels))
	for name, chCfg := range cfg.Channels {
		if !chCfg.Enabled {
			continue
		}
		adapters[name] = channel.NewAdapter(name, chCfg, logger)
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		cache:       cache,
		registry:    registry,
		machine:     machine,
		coordinator: coordinator,
		adapters:    adapters,
		pool:        pool,
		window:      window,
		reaper:      session.NewReaper(registry, cfg.Sessions.IdleThreshold, cfg.Sessions.SweepPeriod, logger),
		logger:      logger.With("component", "gateway"),
	}
	gw.dispatcher = NewDispatcher(machine, coordinator, registry, cache, window, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	mux.HandleFunc("/ingress/", gw.handleIngress)
	mux.HandleFunc("/api/conversations", gw.handleConversations)
	mux.HandleFunc("/api/queue/position", gw.handleQueuePosition)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the HTTP server and the idle reaper, blocking until the context
// is cancelled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	if err := g.reaper.Start(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("starting idle reaper: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops accepting traffic, then tears components down: reaper,
// sessions, publisher pool, dedupe window, store, in that order.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.reaper.Stop()
	g.registry.Close()

	if err := g.pool.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("publisher shutdown: %w", err))
	}
	g.window.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness with the current session and conversation
// counts.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions, %d live conversations)",
		g.registry.Len(), g.cache.Len())
}
