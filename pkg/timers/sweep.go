// Package timers runs the durable timer sweep. A single poller queries the
// timer store for due rows and hands each one to the engine; firing is
// idempotent, so overlapping sweeps across workers are safe.
package timers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/persistence"
)

const (
	defaultInterval  = 5 * time.Second
	defaultBatchSize = 100
)

// TimerFirer resumes whatever a due timer suspended.
type TimerFirer interface {
	FireTimer(ctx context.Context, timer models.Timer) error
}

// Sweep polls the timer store and fires due timers.
type Sweep struct {
	logger    *slog.Logger
	timers    persistence.TimerRepository
	engine    TimerFirer
	interval  time.Duration
	batchSize int

	ticker  *time.Ticker
	done    chan bool
	started bool
	mu      sync.Mutex
}

func NewSweep(logger *slog.Logger, timers persistence.TimerRepository, engine TimerFirer) *Sweep {
	return &Sweep{
		logger:    logger.With("module", "timer_sweep"),
		timers:    timers,
		engine:    engine,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
	}
}

// WithInterval overrides the poll interval, mainly for tests.
func (s *Sweep) WithInterval(interval time.Duration) *Sweep {
	s.interval = interval

	return s
}

// Start begins polling. Safe to call once; later calls are no-ops.
func (s *Sweep) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.ticker = time.NewTicker(s.interval)
	s.done = make(chan bool)
	s.started = true

	go s.poll(ctx)

	s.logger.Info("Timer sweep started", "interval", s.interval)

	return nil
}

// Stop shuts the poller down.
func (s *Sweep) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	if s.ticker != nil {
		s.ticker.Stop()
	}

	select {
	case s.done <- true:
	default:
	}

	s.started = false
	s.logger.Info("Timer sweep stopped")

	return nil
}

func (s *Sweep) poll(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.ticker.C:
			s.processDue(ctx)
		}
	}
}

// processDue fires every due timer in the batch. The engine deletes stale
// rows itself, so a timer that lost its purpose disappears here too.
func (s *Sweep) processDue(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.timers.Due(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("Failed to query due timers", "error", err)

		return
	}

	if len(due) == 0 {
		return
	}

	s.logger.Debug("Processing due timers", "count", len(due))

	for _, timer := range due {
		err = s.engine.FireTimer(ctx, timer)
		if err != nil {
			s.logger.Error("Failed to fire timer",
				"timer_id", timer.ID, "execution_id", timer.ExecutionID, "error", err)
		}
	}
}
