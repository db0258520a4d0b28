package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapse-ops/synapse/internal/models"
	"github.com/synapse-ops/synapse/internal/store"
)

var fixedTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func testScheduler(t *testing.T, cfg Config, opts ...Option) (*Scheduler, *store.MemoryStore) {
	t.Helper()
	if cfg.BaseTick == 0 {
		cfg.BaseTick = 5 * time.Minute
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 4
	}
	st := store.NewMemoryStore()
	reg := NewRegistry(cfg.BaseTick)
	opts = append([]Option{WithClock(func() time.Time { return fixedTime })}, opts...)
	return New(cfg, reg, st, opts...), st
}

func okHandler(summary string) Handler {
	return func(_ context.Context, _ store.Store) (models.Result, error) {
		return models.Result{Summary: summary}, nil
	}
}

func failHandler(err error) Handler {
	return func(_ context.Context, _ store.Store) (models.Result, error) {
		return models.Result{}, err
	}
}

func resultFor(t *testing.T, results []models.JobResult, name string) models.JobResult {
	t.Helper()
	for _, res := range results {
		if res.JobName == name {
			return res
		}
	}
	t.Fatalf("no result for job %q", name)
	return models.JobResult{}
}

func TestRegistry_Validation(t *testing.T) {
	reg := NewRegistry(5 * time.Minute)

	err := reg.Register(models.Job{Name: "a", Owner: "w", Cadence: 7 * time.Minute}, okHandler(""))
	assert.ErrorContains(t, err, "not a multiple of the base tick")

	err = reg.Register(models.Job{Name: "a", Owner: "w", Cadence: 5 * time.Minute}, nil)
	assert.ErrorContains(t, err, "no handler")

	err = reg.Register(models.Job{Owner: "w", Cadence: 5 * time.Minute}, okHandler(""))
	assert.ErrorContains(t, err, "name and an owner")

	job := models.Job{Name: "a", Owner: "w", Cadence: 5 * time.Minute, Budget: 10, Enabled: true}
	require.NoError(t, reg.Register(job, okHandler("")))

	// Re-registering updates in place.
	job.Budget = 20
	require.NoError(t, reg.Register(job, okHandler("")))
	jobs := reg.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, 20, jobs[0].Budget)
}

func TestRegistry_EnableDisable(t *testing.T) {
	reg := NewRegistry(5 * time.Minute)
	job := models.Job{Name: "a", Owner: "w", Cadence: 5 * time.Minute, Enabled: true}
	require.NoError(t, reg.Register(job, okHandler("")))

	require.NoError(t, reg.Disable(job.Key()))
	assert.False(t, reg.List()[0].Enabled)
	require.NoError(t, reg.Enable(job.Key()))
	assert.True(t, reg.List()[0].Enabled)

	err := reg.Disable(models.JobKey{Owner: "w", Name: "missing"})
	assert.ErrorContains(t, err, "not registered")
}

func TestRunCycle_CadenceGating(t *testing.T) {
	s, _ := testScheduler(t, Config{BudgetCeiling: 1000})
	ctx := context.Background()

	var slowRuns atomic.Int32
	require.NoError(t, s.registry.Register(
		models.Job{Name: "every-cycle", Owner: "w", Cadence: 5 * time.Minute, Enabled: true},
		okHandler("ran")))
	require.NoError(t, s.registry.Register(
		models.Job{Name: "every-third", Owner: "w", Cadence: 15 * time.Minute, Enabled: true},
		func(_ context.Context, _ store.Store) (models.Result, error) {
			slowRuns.Add(1)
			return models.Result{}, nil
		}))
	require.NoError(t, s.registry.Register(
		models.Job{Name: "disabled", Owner: "w", Cadence: 5 * time.Minute, Enabled: false},
		okHandler("never")))

	for i := 0; i < 6; i++ {
		cycle, results, err := s.RunCycle(ctx, fixedTime)
		require.NoError(t, err)
		for _, res := range results {
			assert.NotEqual(t, "disabled", res.JobName)
		}
		if cycle.Number%3 == 0 {
			assert.Len(t, results, 2)
		} else {
			assert.Len(t, results, 1)
		}
	}
	assert.Equal(t, int32(2), slowRuns.Load())
}

func TestRunCycle_BudgetDefersLowerCadence(t *testing.T) {
	s, st := testScheduler(t, Config{BudgetCeiling: 150})
	ctx := context.Background()

	require.NoError(t, s.registry.Register(
		models.Job{Name: "a", Owner: "w", Cadence: 5 * time.Minute, Budget: 100, Enabled: true},
		okHandler("a ran")))
	require.NoError(t, s.registry.Register(
		models.Job{Name: "b", Owner: "w", Cadence: 15 * time.Minute, Budget: 100, Enabled: true},
		okHandler("b ran")))

	// Cycles 1 and 2: only a is due.
	for i := 0; i < 2; i++ {
		_, results, err := s.RunCycle(ctx, fixedTime)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "a", results[0].JobName)
	}

	// Cycle 3: both due, ceiling only fits one. Equal priority breaks by
	// cadence ascending, so a runs and b is recorded skipped.
	cycle, results, err := s.RunCycle(ctx, fixedTime)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, models.JobStatusSuccess, resultFor(t, results, "a").Status)
	assert.Equal(t, models.JobStatusSkipped, resultFor(t, results, "b").Status)
	assert.Equal(t, 100, cycle.BudgetConsumed)
	assert.Equal(t, 1, cycle.JobsRun)

	// The skipped run is persisted with the cycle.
	stored, storedResults, err := st.LatestCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, cycle.Number, stored.Number)
	assert.Equal(t, models.JobStatusSkipped, resultFor(t, storedResults, "b").Status)
}

func TestRunCycle_PriorityWinsOverCadence(t *testing.T) {
	s, _ := testScheduler(t, Config{BudgetCeiling: 100})
	ctx := context.Background()

	require.NoError(t, s.registry.Register(
		models.Job{Name: "cheap-fast", Owner: "w", Cadence: 5 * time.Minute, Budget: 100, Priority: 1, Enabled: true},
		okHandler("")))
	require.NoError(t, s.registry.Register(
		models.Job{Name: "urgent", Owner: "w", Cadence: 10 * time.Minute, Budget: 100, Priority: 5, Enabled: true},
		okHandler("")))

	// Cycle 2: both due. Higher priority is admitted despite slower cadence.
	_, _, err := s.RunCycle(ctx, fixedTime)
	require.NoError(t, err)
	_, results, err := s.RunCycle(ctx, fixedTime)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, resultFor(t, results, "urgent").Status)
	assert.Equal(t, models.JobStatusSkipped, resultFor(t, results, "cheap-fast").Status)
}

func TestRunCycle_Timeout(t *testing.T) {
	s, _ := testScheduler(t, Config{BudgetCeiling: 100})
	ctx := context.Background()

	require.NoError(t, s.registry.Register(
		models.Job{Name: "stuck", Owner: "w", Cadence: 5 * time.Minute, Timeout: 20 * time.Millisecond, Enabled: true},
		func(ctx context.Context, _ store.Store) (models.Result, error) {
			<-ctx.Done()
			return models.Result{}, ctx.Err()
		}))

	_, results, err := s.RunCycle(ctx, fixedTime)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.JobStatusTimeout, results[0].Status)
	assert.Contains(t, results[0].ErrorDetail, "timed out")
}

func TestRunCycle_HandlerPanicIsError(t *testing.T) {
	s, _ := testScheduler(t, Config{BudgetCeiling: 100})
	ctx := context.Background()

	require.NoError(t, s.registry.Register(
		models.Job{Name: "panics", Owner: "w", Cadence: 5 * time.Minute, Enabled: true},
		func(_ context.Context, _ store.Store) (models.Result, error) {
			panic("boom")
		}))

	_, results, err := s.RunCycle(ctx, fixedTime)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.JobStatusError, results[0].Status)
	assert.Contains(t, results[0].ErrorDetail, "boom")
}

func TestRunCycle_ResourceSerialization(t *testing.T) {
	s, _ := testScheduler(t, Config{BudgetCeiling: 1000, MaxConcurrent: 4})
	ctx := context.Background()

	var current, peak atomic.Int32
	handler := func(_ context.Context, _ store.Store) (models.Result, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return models.Result{}, nil
	}
	for _, name := range []string{"writer-1", "writer-2", "writer-3"} {
		require.NoError(t, s.registry.Register(
			models.Job{Name: name, Owner: "w", Cadence: 5 * time.Minute, Resource: "index", Enabled: true},
			handler))
	}

	_, results, err := s.RunCycle(ctx, fixedTime)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, int32(1), peak.Load(), "jobs sharing a resource must not overlap")
}

func TestRunCycle_FunctionalHeartbeatOnSuccess(t *testing.T) {
	s, st := testScheduler(t, Config{BudgetCeiling: 100})
	ctx := context.Background()

	stale := fixedTime.Add(-time.Hour)
	require.NoError(t, st.PutWorker(ctx, &models.Worker{
		ID: "curator", Status: models.WorkerHealthy,
		InfraHeartbeat: stale, FunctionalHeartbeat: stale,
	}))
	require.NoError(t, s.registry.Register(
		models.Job{Name: "rapid-curation", Owner: "curator", Cadence: 5 * time.Minute, Enabled: true},
		okHandler("done")))

	_, _, err := s.RunCycle(ctx, fixedTime)
	require.NoError(t, err)

	worker, err := st.GetWorker(ctx, "curator")
	require.NoError(t, err)
	assert.True(t, worker.FunctionalHeartbeat.Equal(fixedTime))
	// The infra signal is not the scheduler's to touch.
	assert.True(t, worker.InfraHeartbeat.Equal(stale))
}

func TestRunCycle_NoHeartbeatOnFailure(t *testing.T) {
	s, st := testScheduler(t, Config{BudgetCeiling: 100})
	ctx := context.Background()

	stale := fixedTime.Add(-time.Hour)
	require.NoError(t, st.PutWorker(ctx, &models.Worker{
		ID: "curator", Status: models.WorkerHealthy, FunctionalHeartbeat: stale,
	}))
	require.NoError(t, s.registry.Register(
		models.Job{Name: "broken", Owner: "curator", Cadence: 5 * time.Minute, Enabled: true},
		failHandler(errors.New("boom"))))

	_, _, err := s.RunCycle(ctx, fixedTime)
	require.NoError(t, err)

	worker, err := st.GetWorker(ctx, "curator")
	require.NoError(t, err)
	assert.True(t, worker.FunctionalHeartbeat.Equal(stale))
}

func TestRunCycle_FailureStreakAlertsOnce(t *testing.T) {
	var mu sync.Mutex
	var alerts []string
	notifier := notifierFunc(func(_ context.Context, _, msg string) {
		mu.Lock()
		alerts = append(alerts, msg)
		mu.Unlock()
	})

	s, st := testScheduler(t, Config{BudgetCeiling: 100, FailureStreakThreshold: 3},
		WithNotifier(notifier))
	ctx := context.Background()

	require.NoError(t, st.PutWorker(ctx, &models.Worker{ID: "w", Status: models.WorkerHealthy}))
	require.NoError(t, s.registry.Register(
		models.Job{Name: "flaky", Owner: "w", Cadence: 5 * time.Minute, Enabled: true},
		failHandler(errors.New("down"))))

	for i := 0; i < 5; i++ {
		_, _, err := s.RunCycle(ctx, fixedTime)
		require.NoError(t, err)
	}

	// One alert at the third failure, none at the fourth or fifth; the
	// streak must rebuild before the next alert.
	mu.Lock()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "flaky")
	assert.Contains(t, alerts[0], "3 consecutive")
	mu.Unlock()

	worker, err := st.GetWorker(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerDegraded, worker.Status)

	// A sixth failure completes a second streak.
	_, _, err = s.RunCycle(ctx, fixedTime)
	require.NoError(t, err)
	mu.Lock()
	assert.Len(t, alerts, 2)
	mu.Unlock()
}

func TestRunCycle_SuccessResetsStreak(t *testing.T) {
	var alerts atomic.Int32
	notifier := notifierFunc(func(_ context.Context, _, _ string) { alerts.Add(1) })

	s, _ := testScheduler(t, Config{BudgetCeiling: 100, FailureStreakThreshold: 3},
		WithNotifier(notifier))
	ctx := context.Background()

	var fail atomic.Bool
	fail.Store(true)
	require.NoError(t, s.registry.Register(
		models.Job{Name: "flaky", Owner: "w", Cadence: 5 * time.Minute, Enabled: true},
		func(_ context.Context, _ store.Store) (models.Result, error) {
			if fail.Load() {
				return models.Result{}, errors.New("down")
			}
			return models.Result{}, nil
		}))

	// Two failures, one success, two failures: threshold never reached.
	for _, shouldFail := range []bool{true, true, false, true, true} {
		fail.Store(shouldFail)
		_, _, err := s.RunCycle(ctx, fixedTime)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(0), alerts.Load())
}

func TestRunCycle_BudgetSkipPreservesStreak(t *testing.T) {
	var alerts atomic.Int32
	notifier := notifierFunc(func(_ context.Context, _, _ string) { alerts.Add(1) })

	s, _ := testScheduler(t, Config{BudgetCeiling: 100, FailureStreakThreshold: 3},
		WithNotifier(notifier))
	ctx := context.Background()

	require.NoError(t, s.registry.Register(
		models.Job{Name: "flaky", Owner: "w", Cadence: 5 * time.Minute, Budget: 50, Priority: 1, Enabled: true},
		failHandler(errors.New("down"))))
	require.NoError(t, s.registry.Register(
		models.Job{Name: "blocker", Owner: "w", Cadence: 5 * time.Minute, Budget: 100, Priority: 10, Enabled: false},
		okHandler("")))
	blocker := models.JobKey{Owner: "w", Name: "blocker"}

	// Two failures build the streak.
	for i := 0; i < 2; i++ {
		_, _, err := s.RunCycle(ctx, fixedTime)
		require.NoError(t, err)
	}

	// The blocker exhausts the ceiling; flaky is skipped, which neither
	// resets nor advances the streak.
	require.NoError(t, s.registry.Enable(blocker))
	_, results, err := s.RunCycle(ctx, fixedTime)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSkipped, resultFor(t, results, "flaky").Status)
	assert.Equal(t, int32(0), alerts.Load())

	// The third actual failure completes the streak.
	require.NoError(t, s.registry.Disable(blocker))
	_, _, err = s.RunCycle(ctx, fixedTime)
	require.NoError(t, err)
	assert.Equal(t, int32(1), alerts.Load())
}

func TestRunCycle_ZeroBudgetJobAlwaysAdmitted(t *testing.T) {
	s, _ := testScheduler(t, Config{BudgetCeiling: 100})
	ctx := context.Background()

	require.NoError(t, s.registry.Register(
		models.Job{Name: "heavy", Owner: "w", Cadence: 5 * time.Minute, Budget: 100, Priority: 10, Enabled: true},
		okHandler("")))
	require.NoError(t, s.registry.Register(
		models.Job{Name: "free", Owner: "w", Cadence: 5 * time.Minute, Priority: 1, Enabled: true},
		okHandler("")))

	// The heavy job exhausts the ceiling; the free job still runs.
	cycle, results, err := s.RunCycle(ctx, fixedTime)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, resultFor(t, results, "heavy").Status)
	assert.Equal(t, models.JobStatusSuccess, resultFor(t, results, "free").Status)
	assert.Equal(t, 100, cycle.BudgetConsumed)
}

func TestScheduler_ResumesCycleNumbering(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.AppendCycle(ctx, &models.Cycle{Number: 41, StartedAt: fixedTime, CompletedAt: fixedTime}, nil))

	reg := NewRegistry(5 * time.Minute)
	s := New(Config{BaseTick: 5 * time.Minute, BudgetCeiling: 100}, reg, st,
		WithClock(func() time.Time { return fixedTime }))

	cycle, _, err := s.store.LatestCycle(ctx)
	require.NoError(t, err)
	atomic.StoreUint64(&s.cycleNum, cycle.Number)

	next, _, err := s.RunCycle(ctx, fixedTime)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), next.Number)
	assert.Equal(t, uint64(42), s.CycleNumber())
}

type notifierFunc func(ctx context.Context, severity, message string)

func (f notifierFunc) Notify(ctx context.Context, severity, message string) {
	f(ctx, severity, message)
}
