package scheduler

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/synapse-ops/synapse/internal/logger"
	"github.com/synapse-ops/synapse/internal/models"
	"github.com/synapse-ops/synapse/internal/store"
)

// DefaultBaseTick is the cycle interval: one cycle every five minutes.
const DefaultBaseTick = 5 * time.Minute

// Notifier is the alerting surface for failure streak escalation.
type Notifier interface {
	Notify(ctx context.Context, severity, message string)
}

// Config tunes one scheduler instance.
type Config struct {
	// BaseTick is the cycle interval. Every job cadence must be a
	// multiple of it.
	BaseTick time.Duration
	// BudgetCeiling caps the summed budget of jobs admitted per cycle.
	BudgetCeiling int
	// MaxConcurrent bounds the worker pool running admitted jobs.
	MaxConcurrent int
	// DefaultTimeout applies to jobs registered without one.
	DefaultTimeout time.Duration
	// FailureStreakThreshold is the consecutive error/timeout count that
	// raises one alert and degrades the owning worker.
	FailureStreakThreshold int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BaseTick:               DefaultBaseTick,
		BudgetCeiling:          500,
		MaxConcurrent:          4,
		DefaultTimeout:         2 * time.Minute,
		FailureStreakThreshold: 3,
	}
}

// Scheduler drives the cycle loop: every base tick it selects due jobs,
// admits them under the budget ceiling, runs them on a bounded pool and
// appends the cycle outcome to the store.
type Scheduler struct {
	registry *Registry
	store    store.Store
	cfg      Config
	alert    Notifier

	cycleNum uint64
	streaks  map[models.JobKey]int
	streakMu sync.Mutex

	now      func() time.Time
	stopChan chan struct{}
	running  atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNotifier attaches an alerting sink for failure streaks.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.alert = n }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler over the given registry and store.
func New(cfg Config, registry *Registry, st store.Store, opts ...Option) *Scheduler {
	if cfg.BaseTick <= 0 {
		cfg.BaseTick = DefaultBaseTick
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.FailureStreakThreshold <= 0 {
		cfg.FailureStreakThreshold = 3
	}
	s := &Scheduler{
		registry: registry,
		store:    st,
		cfg:      cfg,
		streaks:  make(map[models.JobKey]int),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the cycle loop until the context is canceled or a stop
// signal arrives. Cycle numbering resumes from the stored history so
// cadence phase survives restarts.
func (s *Scheduler) Start(ctx context.Context) error {
	if cycle, _, err := s.store.LatestCycle(ctx); err == nil {
		atomic.StoreUint64(&s.cycleNum, cycle.Number)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sig)

	done := make(chan any)
	defer close(done)

	go func() {
		select {
		case <-done:
			return
		case <-sig:
			s.Stop(ctx)
		case <-ctx.Done():
			s.Stop(ctx)
		}
	}()

	logger.Info(ctx, "Scheduler started", "baseTick", s.cfg.BaseTick.String(),
		"budgetCeiling", s.cfg.BudgetCeiling, "resumeCycle", s.cycleNum)
	s.loop(ctx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	s.running.Store(true)

	for {
		select {
		case <-timer.C:
			started := s.now()
			if _, _, err := s.RunCycle(ctx, started); err != nil {
				logger.Error(ctx, "cycle failed", "err", err)
			}
			_ = timer.Stop()
			timer.Reset(s.nextTick(started).Sub(s.now()))

		case <-s.stopChan:
			if !timer.Stop() {
				<-timer.C
			}
			return
		}
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	return now.Truncate(s.cfg.BaseTick).Add(s.cfg.BaseTick)
}

// Stop terminates the cycle loop. Safe to call more than once.
func (s *Scheduler) Stop(ctx context.Context) {
	if !s.running.Load() {
		return
	}
	if s.stopChan != nil {
		close(s.stopChan)
	}
	s.running.Store(false)
	logger.Info(ctx, "Scheduler stopped")
}

// CycleNumber returns the number of the last completed cycle.
func (s *Scheduler) CycleNumber() uint64 {
	return atomic.LoadUint64(&s.cycleNum)
}

// Registry exposes the job table for the admin surface.
func (s *Scheduler) Registry() *Registry {
	return s.registry
}
