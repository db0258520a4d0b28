package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synapse-ops/synapse/internal/backoff"
	"github.com/synapse-ops/synapse/internal/logger"
	"github.com/synapse-ops/synapse/internal/models"
)

// Notifier is the alerting surface the resilient store escalates to when a
// fallback entry exhausts its reconciliation attempts.
type Notifier interface {
	Notify(ctx context.Context, severity, message string)
}

// AuditTrail records data-loss-risk events durably before they happen.
type AuditTrail interface {
	Append(ctx context.Context, event string, details map[string]any) error
}

// RetryConfig tunes the per-call retry behavior against the primary store.
type RetryConfig struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	MaxRetries int
}

// ResilientConfig holds the full resilience tuning.
type ResilientConfig struct {
	Retry           RetryConfig
	Breaker         BreakerConfig
	MaxSyncAttempts int
}

// DefaultResilientConfig returns the documented defaults.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Retry: RetryConfig{
			BaseDelay:  200 * time.Millisecond,
			Multiplier: 2.0,
			MaxDelay:   5 * time.Second,
			MaxRetries: 3,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		MaxSyncAttempts: 5,
	}
}

// Resilient wraps a primary Store with retries, a circuit breaker, and
// transparent fallback to a Secondary store. It is safe for concurrent use;
// the breaker and the fallback queue are the only state shared across job
// executions.
type Resilient struct {
	primary   Store
	secondary Secondary
	breaker   *Breaker
	cfg       ResilientConfig
	alert     Notifier
	audit     AuditTrail
	now       func() time.Time

	// syncMu serializes reconciliation runs; the scheduled fallback-sync
	// job and the admin API can both call Sync.
	syncMu sync.Mutex
}

var _ Store = (*Resilient)(nil)

// ResilientOption configures optional collaborators.
type ResilientOption func(*Resilient)

// WithNotifier attaches an alerting sink.
func WithNotifier(n Notifier) ResilientOption {
	return func(r *Resilient) { r.alert = n }
}

// WithAuditTrail attaches a durable audit trail.
func WithAuditTrail(a AuditTrail) ResilientOption {
	return func(r *Resilient) { r.audit = a }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) ResilientOption {
	return func(r *Resilient) {
		r.now = now
		r.breaker = NewBreaker(r.cfg.Breaker, now)
	}
}

// NewResilient creates the resilient wrapper around a primary and secondary store.
func NewResilient(primary Store, secondary Secondary, cfg ResilientConfig, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		primary:   primary,
		secondary: secondary,
		cfg:       cfg,
		now:       time.Now,
	}
	r.breaker = NewBreaker(cfg.Breaker, r.now)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the circuit breaker state.
func (r *Resilient) State() BreakerState {
	return r.breaker.State()
}

// InReducedMode reports whether reads are currently served from the fallback
// mirror.
func (r *Resilient) InReducedMode() bool {
	s := r.breaker.State()
	return s == StateCircuitOpen || s == StateHalfOpen
}

// PendingFallback returns the number of entries awaiting reconciliation.
func (r *Resilient) PendingFallback(ctx context.Context) int {
	entries, err := r.secondary.Unsynced(ctx)
	if err != nil {
		return 0
	}
	return len(entries)
}

func (r *Resilient) retryPolicy() backoff.RetryPolicy {
	policy := backoff.NewExponentialBackoffPolicy(r.cfg.Retry.BaseDelay)
	policy.BackoffFactor = r.cfg.Retry.Multiplier
	policy.MaxInterval = r.cfg.Retry.MaxDelay
	policy.MaxRetries = r.cfg.Retry.MaxRetries
	return backoff.WithJitter(policy, backoff.FullJitter)
}

// callPrimary attempts an operation against the primary with retries, gated
// by the circuit breaker. Backoff sleeps are bounded by the caller's context
// so they count against the calling job's timeout.
func (r *Resilient) callPrimary(ctx context.Context, op func(ctx context.Context) error) error {
	if !r.breaker.Allow() {
		return models.ErrCircuitOpen
	}

	err := backoff.Retry(ctx, op, r.retryPolicy(), IsRetriable)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// A canceled job must not poison the breaker.
			return err
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, models.ErrPermanentStore) {
			r.breaker.RecordFailure()
		}
		return err
	}
	r.breaker.RecordSuccess()
	return nil
}

// fallbackEligible reports whether the error should route the call to the
// fallback path rather than surface to the caller.
func fallbackEligible(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrCircuitOpen) {
		return true
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, models.ErrPermanentStore) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// GetRecord implements Store.
func (r *Resilient) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	var rec *models.Record
	err := r.callPrimary(ctx, func(ctx context.Context) error {
		var err error
		rec, err = r.primary.GetRecord(ctx, id)
		return err
	})
	if err == nil {
		r.secondary.MirrorRecord(ctx, rec)
		return rec, nil
	}
	if !fallbackEligible(err) {
		return nil, err
	}
	logger.Debug(ctx, "serving record from fallback mirror", "id", id, "err", err)
	return r.secondary.GetRecord(ctx, id)
}

// PutRecord implements Store.
func (r *Resilient) PutRecord(ctx context.Context, rec *models.Record) error {
	err := r.callPrimary(ctx, func(ctx context.Context) error {
		return r.primary.PutRecord(ctx, rec)
	})
	if err == nil {
		r.secondary.MirrorRecord(ctx, rec)
		return nil
	}
	if !fallbackEligible(err) {
		return err
	}
	return r.capture(ctx, WriteOp{Type: OpPutRecord, Record: rec}, func(ctx context.Context) {
		r.secondary.MirrorRecord(ctx, rec)
	})
}

// DeleteRecord implements Store.
func (r *Resilient) DeleteRecord(ctx context.Context, id string) error {
	err := r.callPrimary(ctx, func(ctx context.Context) error {
		return r.primary.DeleteRecord(ctx, id)
	})
	if err == nil {
		r.secondary.MirrorDeleteRecord(ctx, id)
		return nil
	}
	if !fallbackEligible(err) {
		return err
	}
	return r.capture(ctx, WriteOp{Type: OpDeleteRecord, RecordID: id}, func(ctx context.Context) {
		r.secondary.MirrorDeleteRecord(ctx, id)
	})
}

// QueryRecords implements Store. Results served from the mirror carry
// Reduced=true so upstream logic can skip operations that require full query
// capability.
func (r *Resilient) QueryRecords(ctx context.Context, q Query) (QueryResult, error) {
	var result QueryResult
	err := r.callPrimary(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.primary.QueryRecords(ctx, q)
		return err
	})
	if err == nil {
		return result, nil
	}
	if !fallbackEligible(err) {
		return QueryResult{}, err
	}
	logger.Debug(ctx, "serving query from fallback mirror", "err", err)
	return r.secondary.QueryRecords(ctx, q)
}

// GetWorker implements Store.
func (r *Resilient) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	var w *models.Worker
	err := r.callPrimary(ctx, func(ctx context.Context) error {
		var err error
		w, err = r.primary.GetWorker(ctx, id)
		return err
	})
	if err == nil {
		r.secondary.MirrorWorker(ctx, w)
		return w, nil
	}
	if !fallbackEligible(err) {
		return nil, err
	}
	return r.secondary.GetWorker(ctx, id)
}

// PutWorker implements Store.
func (r *Resilient) PutWorker(ctx context.Context, w *models.Worker) error {
	err := r.callPrimary(ctx, func(ctx context.Context) error {
		return r.primary.PutWorker(ctx, w)
	})
	if err == nil {
		r.secondary.MirrorWorker(ctx, w)
		return nil
	}
	if !fallbackEligible(err) {
		return err
	}
	return r.capture(ctx, WriteOp{Type: OpPutWorker, Worker: w}, func(ctx context.Context) {
		r.secondary.MirrorWorker(ctx, w)
	})
}

// ListWorkers implements Store.
func (r *Resilient) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	var workers []*models.Worker
	err := r.callPrimary(ctx, func(ctx context.Context) error {
		var err error
		workers, err = r.primary.ListWorkers(ctx)
		return err
	})
	if err == nil {
		return workers, nil
	}
	if !fallbackEligible(err) {
		return nil, err
	}
	return r.secondary.ListWorkers(ctx)
}

// AppendCycle implements Store.
func (r *Resilient) AppendCycle(ctx context.Context, cycle *models.Cycle, results []models.JobResult) error {
	err := r.callPrimary(ctx, func(ctx context.Context) error {
		return r.primary.AppendCycle(ctx, cycle, results)
	})
	if err == nil {
		return nil
	}
	if !fallbackEligible(err) {
		return err
	}
	return r.capture(ctx, WriteOp{Type: OpAppendCycle, Cycle: cycle, Results: results}, nil)
}

// LatestCycle implements Store. There is no cycle mirror; while the primary
// is unreachable the latest cycle is simply unavailable.
func (r *Resilient) LatestCycle(ctx context.Context) (*models.Cycle, []models.JobResult, error) {
	var (
		cycle   *models.Cycle
		results []models.JobResult
	)
	err := r.callPrimary(ctx, func(ctx context.Context) error {
		var err error
		cycle, results, err = r.primary.LatestCycle(ctx)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return cycle, results, nil
}

// capture appends a failed write to the fallback queue. Each entry is written
// atomically; a captured write is never partially visible.
func (r *Resilient) capture(ctx context.Context, op WriteOp, mirror func(ctx context.Context)) error {
	payload, err := op.Encode()
	if err != nil {
		return err
	}
	entry := models.FallbackEntry{
		ID:        uuid.New().String(),
		Payload:   payload,
		CreatedAt: r.now(),
	}
	if err := r.secondary.Insert(ctx, entry); err != nil {
		return fmt.Errorf("failed to capture fallback write: %w", err)
	}
	if mirror != nil {
		mirror(ctx)
	}
	logger.Warn(ctx, "write captured for later reconciliation",
		"entry_id", entry.ID, "op", op.Type.String())
	return nil
}

// Sync replays unsynced fallback entries against the primary in creation
// order, marking each synced on success. Only one reconciliation runs at a
// time; an overlapping call returns without touching the queue, so an entry
// is never replayed twice. While the circuit is open Sync is a no-op: a
// reconciliation attempt is counted only when the entry itself fails against
// a reachable primary, so an outage, however long, cannot park an entry.
// An entry that keeps failing past MaxSyncAttempts is flagged for manual
// review and alerted rather than retried forever.
func (r *Resilient) Sync(ctx context.Context) (int, error) {
	if !r.syncMu.TryLock() {
		return 0, nil
	}
	defer r.syncMu.Unlock()

	if !r.breaker.Allow() {
		logger.Debug(ctx, "skipping fallback reconciliation while circuit is open")
		return 0, nil
	}

	entries, err := r.secondary.Unsynced(ctx)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	replayed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		op, err := DecodeWriteOp(entry.Payload)
		if err != nil {
			r.flagForReview(ctx, entry, entry.Attempts, err)
			continue
		}

		if err := op.Apply(ctx, r.primary); err != nil {
			if IsRetriable(err) {
				// The primary dropped out again mid-replay. The failure
				// belongs to the outage, not the entry; leave the queue
				// intact for the next run.
				r.breaker.RecordFailure()
				return replayed, fmt.Errorf("%w: entry %s: %v",
					models.ErrReconciliation, entry.ID, err)
			}
			attempts, aerr := r.secondary.RecordAttempt(ctx, entry.ID)
			if aerr != nil {
				logger.Error(ctx, "failed to record reconciliation attempt",
					"entry_id", entry.ID, "err", aerr)
			}
			if attempts >= r.cfg.MaxSyncAttempts {
				r.flagForReview(ctx, entry, attempts, err)
				continue
			}
			return replayed, fmt.Errorf("%w: entry %s: %v",
				models.ErrReconciliation, entry.ID, err)
		}
		r.breaker.RecordSuccess()

		if err := r.secondary.MarkSynced(ctx, entry.ID); err != nil {
			return replayed, err
		}
		replayed++
	}

	logger.Info(ctx, "fallback reconciliation complete", "replayed", replayed)
	return replayed, nil
}

// flagForReview permanently parks an entry. The audit record is written
// before the entry stops being retried so the failure is never silent.
// attempts is the count including the attempt that just failed.
func (r *Resilient) flagForReview(ctx context.Context, entry models.FallbackEntry, attempts int, cause error) {
	if r.audit != nil {
		_ = r.audit.Append(ctx, "fallback_entry_review", map[string]any{
			"entry_id": entry.ID,
			"attempts": attempts,
			"cause":    cause.Error(),
		})
	}
	if err := r.secondary.FlagReview(ctx, entry.ID); err != nil {
		logger.Error(ctx, "failed to flag fallback entry for review",
			"entry_id", entry.ID, "err", err)
		return
	}
	if r.alert != nil {
		r.alert.Notify(ctx, "error", fmt.Sprintf(
			"fallback entry %s failed reconciliation %d times and needs manual review",
			entry.ID, attempts))
	}
	logger.Error(ctx, "fallback entry flagged for manual review",
		"entry_id", entry.ID, "err", cause)
}
