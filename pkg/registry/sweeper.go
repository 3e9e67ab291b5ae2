package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically evicts expired registry rows in the background.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewSweeper creates a sweeper that runs eviction every interval.
func NewSweeper(registry *Registry, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry: registry,
		interval: interval,
		logger:   logger.With("component", "registry_sweeper"),
	}
}

// Start launches the background sweep loop. It runs one sweep
// immediately, then on every tick until Stop or context cancellation.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.logger.Info("Starting registry sweeper", "interval", s.interval)
	go s.run(ctx)
}

// Stop halts the sweep loop and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	<-s.done
	s.started = false
	s.logger.Info("Registry sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	deleted, err := s.registry.DeleteExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Registry sweep failed", "error", err)
		}
		return
	}
	if deleted > 0 {
		s.logger.Info("Evicted expired connections", "count", deleted)
	}
}
