package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synapse-ops/synapse/internal/logger"
	"github.com/synapse-ops/synapse/internal/models"
	"github.com/synapse-ops/synapse/internal/store"
)

// RunCycle executes one scheduling cycle at the given instant: selects
// due jobs, admits them under the budget ceiling, runs them and appends
// the outcome to the store. It is the unit the ticker loop drives and is
// exposed directly for the `synapse cycle` command.
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) (*models.Cycle, []models.JobResult, error) {
	number := atomic.AddUint64(&s.cycleNum, 1)
	logger.Info(ctx, "cycle started", "cycle", number)

	due := s.dueJobs(number)
	admitted, skipped, consumed := s.admit(due)

	results := make([]models.JobResult, 0, len(due))
	for _, entry := range skipped {
		logger.Warn(ctx, "job deferred over budget", "cycle", number,
			"job", entry.Job.Key().String(), "budget", entry.Job.Budget)
		results = append(results, models.JobResult{
			JobName:     entry.Job.Name,
			Owner:       entry.Job.Owner,
			Status:      models.JobStatusSkipped,
			StartedAt:   now,
			CompletedAt: now,
			Summary:     "deferred: cycle budget exhausted",
		})
	}

	results = append(results, s.runAdmitted(ctx, number, admitted)...)

	cycle := &models.Cycle{
		Number:         number,
		StartedAt:      now,
		CompletedAt:    s.now(),
		BudgetConsumed: consumed,
	}
	for _, res := range results {
		switch res.Status {
		case models.JobStatusSuccess:
			cycle.JobsRun++
			cycle.JobsSucceeded++
		case models.JobStatusError, models.JobStatusTimeout:
			cycle.JobsRun++
			cycle.JobsFailed++
		}
	}

	if err := s.store.AppendCycle(ctx, cycle, results); err != nil {
		return nil, nil, fmt.Errorf("failed to append cycle %d: %w", number, err)
	}

	logger.Info(ctx, "cycle completed", "cycle", number,
		"run", cycle.JobsRun, "succeeded", cycle.JobsSucceeded,
		"failed", cycle.JobsFailed, "budget", consumed)
	return cycle, results, nil
}

// dueJobs returns the enabled jobs whose cadence lands on this cycle.
func (s *Scheduler) dueJobs(number uint64) []Entry {
	var due []Entry
	for _, entry := range s.registry.snapshot() {
		if !entry.Job.Enabled {
			continue
		}
		interval := uint64(entry.Job.Cadence / s.cfg.BaseTick)
		if interval == 0 {
			continue
		}
		if number%interval == 0 {
			due = append(due, entry)
		}
	}
	return due
}

// admit orders due jobs by priority descending then cadence ascending and
// takes each job whose budget still fits under the ceiling. A job that does
// not fit defers to its next due cycle; remaining headroom can still admit
// later, cheaper jobs so the cycle's budget is not wasted.
func (s *Scheduler) admit(due []Entry) (admitted, skipped []Entry, consumed int) {
	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i].Job, due[j].Job
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Cadence != b.Cadence {
			return a.Cadence < b.Cadence
		}
		return a.Key().String() < b.Key().String()
	})

	for _, entry := range due {
		if s.cfg.BudgetCeiling > 0 && consumed+entry.Job.Budget > s.cfg.BudgetCeiling {
			skipped = append(skipped, entry)
			continue
		}
		consumed += entry.Job.Budget
		admitted = append(admitted, entry)
	}
	return admitted, skipped, consumed
}

// runAdmitted executes the admitted jobs on a bounded pool. Jobs sharing
// a resource key are serialized against each other.
func (s *Scheduler) runAdmitted(ctx context.Context, number uint64, admitted []Entry) []models.JobResult {
	results := make([]models.JobResult, len(admitted))
	sem := make(chan struct{}, s.cfg.MaxConcurrent)
	resourceLocks := make(map[string]*sync.Mutex)
	for _, entry := range admitted {
		if key := entry.Job.Resource; key != "" {
			if _, ok := resourceLocks[key]; !ok {
				resourceLocks[key] = &sync.Mutex{}
			}
		}
	}

	var wg sync.WaitGroup
	for i, entry := range admitted {
		wg.Add(1)
		go func(i int, entry Entry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if key := entry.Job.Resource; key != "" {
				lock := resourceLocks[key]
				lock.Lock()
				defer lock.Unlock()
			}

			results[i] = s.runOne(ctx, number, entry)
		}(i, entry)
	}
	wg.Wait()

	for _, res := range results {
		s.trackStreak(ctx, res)
	}
	return results
}

// runOne executes a single job under its timeout and classifies the
// outcome.
func (s *Scheduler) runOne(ctx context.Context, number uint64, entry Entry) models.JobResult {
	timeout := entry.Job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startedAt := s.now()
	res := models.JobResult{
		JobName:   entry.Job.Name,
		Owner:     entry.Job.Owner,
		StartedAt: startedAt,
	}

	type outcome struct {
		result models.Result
		err    error
	}
	outCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outCh <- outcome{err: fmt.Errorf("%w: panic: %v", models.ErrJobHandler, r)}
			}
		}()
		result, err := entry.Handler(jobCtx, s.store)
		outCh <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-outCh:
	case <-jobCtx.Done():
		out = outcome{err: jobCtx.Err()}
	}
	res.CompletedAt = s.now()

	switch {
	case out.err == nil:
		res.Status = models.JobStatusSuccess
		res.Summary = out.result.Summary
		s.markFunctionalHeartbeat(ctx, entry.Job.Owner, res.CompletedAt)
	case errors.Is(out.err, context.DeadlineExceeded), errors.Is(out.err, models.ErrJobTimeout):
		res.Status = models.JobStatusTimeout
		res.ErrorDetail = fmt.Sprintf("timed out after %s", timeout)
		logger.Error(ctx, "job timed out", "cycle", number,
			"job", entry.Job.Key().String(), "timeout", timeout.String())
	default:
		res.Status = models.JobStatusError
		res.ErrorDetail = out.err.Error()
		logger.Error(ctx, "job failed", "cycle", number,
			"job", entry.Job.Key().String(), "err", out.err)
	}
	return res
}

// markFunctionalHeartbeat refreshes the owner worker's functional signal
// after a successful run. Unknown owners are created healthy so jobs can
// be registered before their worker first reports in.
func (s *Scheduler) markFunctionalHeartbeat(ctx context.Context, owner string, at time.Time) {
	worker, err := s.store.GetWorker(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		worker = &models.Worker{ID: owner, Status: models.WorkerHealthy, InfraHeartbeat: at}
	} else if err != nil {
		logger.Error(ctx, "failed to load worker for heartbeat", "worker", owner, "err", err)
		return
	}
	worker.FunctionalHeartbeat = at
	if err := s.store.PutWorker(ctx, worker); err != nil {
		logger.Error(ctx, "failed to record functional heartbeat", "worker", owner, "err", err)
	}
}

// trackStreak counts consecutive error/timeout outcomes per job. Hitting
// the threshold raises exactly one alert, marks the owner degraded and
// restarts the count so a persistent failure re-alerts only after another
// full streak.
func (s *Scheduler) trackStreak(ctx context.Context, res models.JobResult) {
	key := models.JobKey{Owner: res.Owner, Name: res.JobName}

	s.streakMu.Lock()
	switch res.Status {
	case models.JobStatusError, models.JobStatusTimeout:
		s.streaks[key]++
	case models.JobStatusSuccess:
		delete(s.streaks, key)
		s.streakMu.Unlock()
		return
	default:
		s.streakMu.Unlock()
		return
	}
	count := s.streaks[key]
	if count < s.cfg.FailureStreakThreshold {
		s.streakMu.Unlock()
		return
	}
	delete(s.streaks, key)
	s.streakMu.Unlock()

	msg := fmt.Sprintf("job %s failed %d consecutive cycles (last: %s)",
		key, count, res.ErrorDetail)
	logger.Warn(ctx, "failure streak threshold reached", "job", key.String(), "count", count)
	if s.alert != nil {
		s.alert.Notify(ctx, "warning", msg)
	}
	s.degradeOwner(ctx, key.Owner)
}

// degradeOwner marks a healthy owner degraded after a failure streak.
// Failed-over workers are left to the health detector's recovery path.
func (s *Scheduler) degradeOwner(ctx context.Context, owner string) {
	worker, err := s.store.GetWorker(ctx, owner)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Error(ctx, "failed to load worker for degradation", "worker", owner, "err", err)
		}
		return
	}
	if worker.Status != models.WorkerHealthy {
		return
	}
	worker.Status = models.WorkerDegraded
	if err := s.store.PutWorker(ctx, worker); err != nil {
		logger.Error(ctx, "failed to degrade worker", "worker", owner, "err", err)
	}
}
