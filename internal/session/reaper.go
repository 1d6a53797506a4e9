// ABOUTME: Idle reaper that periodically tears down inactive sessions.
// ABOUTME: Runs a cron-scheduled sweep against the registry's last-activity times.

package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper tears down sessions whose last activity exceeds a threshold.
// Conversations owned by reaped sessions are untouched; their push path is
// simply re-established on the next inbound trigger.
type Reaper struct {
	registry  *Registry
	threshold time.Duration
	period    time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
}

// NewReaper creates a reaper sweeping every period for sessions idle longer
// than threshold.
func NewReaper(registry *Registry, threshold, period time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry:  registry,
		threshold: threshold,
		period:    period,
		cron:      cron.New(),
		logger:    logger.With("component", "idle-reaper"),
	}
}

// Start schedules the sweep and begins running it.
func (r *Reaper) Start() error {
	schedule := fmt.Sprintf("@every %s", r.period)
	if _, err := r.cron.AddFunc(schedule, r.Sweep); err != nil {
		return fmt.Errorf("scheduling idle sweep: %w", err)
	}
	r.cron.Start()
	r.logger.Info("idle reaper started", "threshold", r.threshold, "period", r.period)
	return nil
}

// Stop halts the sweep schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep releases every session idle past the threshold. Exposed for tests
// and manual triggering.
func (r *Reaper) Sweep() {
	idle := r.registry.IdleSince(r.threshold)
	for _, id := range idle {
		r.logger.Info("reaping idle session", "external_id", id)
		r.registry.Release(id)
	}
	if len(idle) > 0 {
		r.logger.Debug("idle sweep complete", "reaped", len(idle))
	}
}
