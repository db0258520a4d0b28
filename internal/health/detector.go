package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/synapse-ops/synapse/internal/logger"
	"github.com/synapse-ops/synapse/internal/models"
	"github.com/synapse-ops/synapse/internal/store"
)

// Notifier is the alerting surface for failover and recovery events.
type Notifier interface {
	Notify(ctx context.Context, severity, message string)
}

// JobRedistributor moves a failed worker's jobs to its standby. The
// scheduler's registry implements it.
type JobRedistributor interface {
	Redistribute(ctx context.Context, from, to string) (int, error)
}

// Config tunes the failure detector.
type Config struct {
	// InfraThreshold is the max age of the liveness signal before the
	// runtime counts as dead.
	InfraThreshold time.Duration
	// FunctionalThreshold is the max age of the work-completion signal
	// before the worker counts as stuck. Deliberately tighter than the
	// infra threshold: a process can be alive and useless.
	FunctionalThreshold time.Duration
	// StrikeThreshold is how many consecutive unhealthy evaluations
	// escalate to failover.
	StrikeThreshold int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		InfraThreshold:      120 * time.Second,
		FunctionalThreshold: 90 * time.Second,
		StrikeThreshold:     3,
	}
}

// Detector evaluates worker heartbeats and drives the failover state
// machine. One evaluation runs per scheduler cycle.
type Detector struct {
	cfg Config

	alert    Notifier
	jobs     JobRedistributor
	now      func() time.Time
	strikeMu sync.Mutex
	strikes  map[string]int
}

// Option configures a Detector.
type Option func(*Detector)

// WithNotifier attaches an alerting sink.
func WithNotifier(n Notifier) Option {
	return func(d *Detector) { d.alert = n }
}

// WithRedistributor attaches the job table jobs move through on
// failover.
func WithRedistributor(r JobRedistributor) Option {
	return func(d *Detector) { d.jobs = r }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates a detector.
func New(cfg Config, opts ...Option) *Detector {
	def := DefaultConfig()
	if cfg.InfraThreshold <= 0 {
		cfg.InfraThreshold = def.InfraThreshold
	}
	if cfg.FunctionalThreshold <= 0 {
		cfg.FunctionalThreshold = def.FunctionalThreshold
	}
	if cfg.StrikeThreshold <= 0 {
		cfg.StrikeThreshold = def.StrikeThreshold
	}
	d := &Detector{
		cfg:     cfg,
		now:     time.Now,
		strikes: make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// healthy reports whether both signals are fresh. The verdict is the
// worst signal: a live runtime with stale functional output is still
// unhealthy.
func (d *Detector) healthy(w *models.Worker, now time.Time) bool {
	if now.Sub(w.InfraHeartbeat) > d.cfg.InfraThreshold {
		return false
	}
	if now.Sub(w.FunctionalHeartbeat) > d.cfg.FunctionalThreshold {
		return false
	}
	return true
}

// Evaluate runs one detection pass over all workers. It conforms to the
// scheduler's job handler signature and is registered as a built-in job.
func (d *Detector) Evaluate(ctx context.Context, st store.Store) (models.Result, error) {
	now := d.now()
	workers, err := st.ListWorkers(ctx)
	if err != nil {
		return models.Result{}, fmt.Errorf("health evaluation: %w", err)
	}

	failedOver, recovered := 0, 0
	for _, worker := range workers {
		switch {
		case worker.Status == models.WorkerFailedOver:
			if d.tryRecover(ctx, st, worker) {
				recovered++
			}
		case d.healthy(worker, now):
			d.resetStrikes(worker.ID)
			if worker.Status == models.WorkerDegraded {
				worker.Status = models.WorkerHealthy
				if err := st.PutWorker(ctx, worker); err != nil {
					return models.Result{}, err
				}
			}
		default:
			if d.strike(ctx, st, worker, now) {
				failedOver++
			}
		}
	}

	return models.Result{
		Summary: fmt.Sprintf("evaluated %d workers, %d failed over, %d recovered",
			len(workers), failedOver, recovered),
		Mutated: failedOver + recovered,
	}, nil
}

// strike records one unhealthy evaluation and escalates to failover on
// the threshold. Returns true when failover was declared.
func (d *Detector) strike(ctx context.Context, st store.Store, worker *models.Worker, now time.Time) bool {
	d.strikeMu.Lock()
	d.strikes[worker.ID]++
	count := d.strikes[worker.ID]
	d.strikeMu.Unlock()

	logger.Warn(ctx, "worker unhealthy", "worker", worker.ID, "strikes", count,
		"infraAge", now.Sub(worker.InfraHeartbeat).String(),
		"functionalAge", now.Sub(worker.FunctionalHeartbeat).String())

	if count < d.cfg.StrikeThreshold {
		if worker.Status == models.WorkerHealthy {
			worker.Status = models.WorkerDegraded
			if err := st.PutWorker(ctx, worker); err != nil {
				logger.Error(ctx, "failed to degrade worker", "worker", worker.ID, "err", err)
			}
		}
		return false
	}

	d.resetStrikes(worker.ID)
	failedAt := now
	worker.Status = models.WorkerFailedOver
	worker.FailedOverAt = &failedAt
	if err := st.PutWorker(ctx, worker); err != nil {
		logger.Error(ctx, "failed to persist failover", "worker", worker.ID, "err", err)
		return false
	}

	moved := 0
	if d.jobs != nil && worker.Standby != "" {
		var err error
		moved, err = d.jobs.Redistribute(ctx, worker.ID, worker.Standby)
		if err != nil {
			logger.Error(ctx, "job redistribution failed", "worker", worker.ID,
				"standby", worker.Standby, "err", err)
		}
	}

	logger.Error(ctx, "worker failed over", "worker", worker.ID,
		"standby", worker.Standby, "jobsMoved", moved)
	if d.alert != nil {
		d.alert.Notify(ctx, "critical", fmt.Sprintf(
			"worker %s failed over after %d consecutive unhealthy checks; %d jobs moved to %s",
			worker.ID, d.cfg.StrikeThreshold, moved, worker.Standby))
	}
	return true
}

// tryRecover restores a failed-over worker once it proves it is doing
// real work again. Only a functional heartbeat newer than the failover
// time counts; a fresh liveness signal alone is not proof of recovery.
func (d *Detector) tryRecover(ctx context.Context, st store.Store, worker *models.Worker) bool {
	if worker.FailedOverAt == nil || !worker.FunctionalHeartbeat.After(*worker.FailedOverAt) {
		return false
	}
	worker.Status = models.WorkerHealthy
	worker.FailedOverAt = nil
	if err := st.PutWorker(ctx, worker); err != nil {
		logger.Error(ctx, "failed to persist recovery", "worker", worker.ID, "err", err)
		return false
	}
	logger.Info(ctx, "worker recovered", "worker", worker.ID)
	if d.alert != nil {
		d.alert.Notify(ctx, "info", fmt.Sprintf("worker %s recovered", worker.ID))
	}
	return true
}

func (d *Detector) resetStrikes(workerID string) {
	d.strikeMu.Lock()
	delete(d.strikes, workerID)
	d.strikeMu.Unlock()
}

// Heartbeat records an infra liveness signal for a worker, creating it
// on first contact. The supervising sidecar calls this through the
// admin surface.
func Heartbeat(ctx context.Context, st store.Store, workerID string, at time.Time) error {
	worker, err := st.GetWorker(ctx, workerID)
	if errors.Is(err, store.ErrNotFound) {
		worker = &models.Worker{ID: workerID, Status: models.WorkerHealthy, FunctionalHeartbeat: at}
	} else if err != nil {
		return err
	}
	worker.InfraHeartbeat = at
	return st.PutWorker(ctx, worker)
}
