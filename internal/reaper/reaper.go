// Package reaper expires stale pending sessions and purges old ones.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/conversion-relay/internal/core/domain"
	"github.com/tjfontaine/conversion-relay/internal/core/ports"
	"github.com/tjfontaine/conversion-relay/internal/telemetry"
)

const (
	defaultInterval  = 5 * time.Minute
	defaultRetention = 7 * 24 * time.Hour
)

// Option configures the reaper.
type Option func(*Reaper)

// WithClock sets the time source.
func WithClock(c ports.Clock) Option {
	return func(r *Reaper) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithInterval sets how often Run sweeps.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRetention sets how long past expiry a session is kept before purge.
func WithRetention(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reaper) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.MetricsRecorder) Option {
	return func(r *Reaper) {
		if m != nil {
			r.metrics = m
		}
	}
}

// Reaper flips pending sessions past their deadline to expired and deletes
// sessions whose deadline is older than the retention window.
type Reaper struct {
	store     ports.SessionStore
	clock     ports.Clock
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	metrics   telemetry.MetricsRecorder
}

// New creates a reaper over store.
func New(store ports.SessionStore, opts ...Option) *Reaper {
	r := &Reaper{
		store:     store,
		clock:     ports.SystemClock,
		interval:  defaultInterval,
		retention: defaultRetention,
		logger:    slog.Default(),
		metrics:   telemetry.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep runs one expiry pass followed by one retention purge. Running it
// twice in a row changes nothing the second time.
func (r *Reaper) Sweep(ctx context.Context) (domain.SweepResult, error) {
	now := r.clock.Now()

	expired, err := r.store.ExpirePending(ctx, now)
	if err != nil {
		return domain.SweepResult{}, fmt.Errorf("expire pending sessions: %w", err)
	}

	purged, err := r.store.PurgeBefore(ctx, now.Add(-r.retention))
	if err != nil {
		return domain.SweepResult{Expired: expired}, fmt.Errorf("purge sessions: %w", err)
	}

	r.metrics.RecordSweep(ctx, expired, purged)
	if expired > 0 || purged > 0 {
		r.logger.Info("expiry sweep",
			slog.Int64("expired", expired),
			slog.Int64("purged", purged),
		)
	}
	return domain.SweepResult{Expired: expired, Purged: purged}, nil
}

// Run sweeps every interval until ctx is done. Sweep errors are logged.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("expiry reaper started", slog.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("expiry reaper stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("expiry sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
