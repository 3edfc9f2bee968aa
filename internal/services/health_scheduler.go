package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"homesense-bridge/internal/health"
	"homesense-bridge/internal/metrics"
)

// HealthScheduler periodically recomputes every device's health status.
// It owns its ticker and stops it deterministically.
type HealthScheduler struct {
	tracker  *health.Tracker
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthScheduler creates a scheduler; it does nothing until Start
func NewHealthScheduler(tracker *health.Tracker, interval time.Duration, logger zerolog.Logger) *HealthScheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthScheduler{
		tracker:  tracker,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start launches the ticker loop. Calling Start twice is a no-op.
func (s *HealthScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(runCtx, s.done)
}

// Stop cancels the loop and waits for it to exit
func (s *HealthScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce recomputes statuses immediately
func (s *HealthScheduler) RunOnce() int {
	changed := s.tracker.RecalculateAll(s.now())
	metrics.SetHealthCounts(s.tracker.Counts())
	return changed
}

func (s *HealthScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.logger.Info().Dur("interval", s.interval).Msg("HealthScheduler: Starting...")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("HealthScheduler: Shutting down...")
			return
		case <-ticker.C:
			if changed := s.RunOnce(); changed > 0 {
				s.logger.Debug().Int("changed", changed).Msg("Device health statuses updated")
			}
		}
	}
}
