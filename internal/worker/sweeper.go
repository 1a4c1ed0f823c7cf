// Package worker runs background maintenance for billing state.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/taskboard-billing/backend/internal/metrics"
)

// LapseExpirer moves cancelled subscriptions whose paid period ended at or
// before now to expired, returning how many rows changed.
type LapseExpirer interface {
	ExpireLapsedSubscriptions(ctx context.Context, now time.Time) (int64, error)
}

// Config holds sweeper configuration
type Config struct {
	// Interval is the time between sweeps
	Interval time.Duration
	// SweepTimeout bounds a single sweep
	SweepTimeout time.Duration
	// ShutdownTimeout is the maximum time to wait for a running sweep during shutdown
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Interval:        15 * time.Minute,
		SweepTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Sweeper periodically expires lapsed cancellations. Access decisions never
// depend on it; it only keeps stored status in line with ends_at.
type Sweeper struct {
	config Config
	store  LapseExpirer
	now    func() time.Time

	wg      sync.WaitGroup
	stopCh  chan struct{}
	started bool
	stopped bool
	mu      sync.Mutex
}

// New creates a new Sweeper instance
func New(config Config, store LapseExpirer) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.SweepTimeout <= 0 {
		config.SweepTimeout = DefaultConfig().SweepTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	return &Sweeper{
		config: config,
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		stopCh: make(chan struct{}),
	}
}

// Start begins the sweep loop. Calling Start more than once is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	log.Info().Dur("interval", s.config.Interval).Msg("worker: lapse sweeper started")
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop gracefully shuts down the sweeper
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("worker: lapse sweeper stopped")
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the number of expired rows.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.config.SweepTimeout)
	defer cancel()

	start := time.Now()
	n, err := s.store.ExpireLapsedSubscriptions(sweepCtx, s.now())
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
	metrics.SubscriptionsExpiredTotal.Add(float64(n))
	return n, nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.RunOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("worker: lapse sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int64("expired", n).Msg("worker: expired lapsed cancellations")
	}
}
