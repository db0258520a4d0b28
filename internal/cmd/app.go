package cmd

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synapse-ops/synapse/internal/alert"
	"github.com/synapse-ops/synapse/internal/audit"
	"github.com/synapse-ops/synapse/internal/build"
	"github.com/synapse-ops/synapse/internal/config"
	"github.com/synapse-ops/synapse/internal/curator"
	"github.com/synapse-ops/synapse/internal/frontend"
	"github.com/synapse-ops/synapse/internal/health"
	"github.com/synapse-ops/synapse/internal/logger"
	"github.com/synapse-ops/synapse/internal/metrics"
	"github.com/synapse-ops/synapse/internal/models"
	"github.com/synapse-ops/synapse/internal/scheduler"
	"github.com/synapse-ops/synapse/internal/store"
)

// App is the fully wired process: store stack, scheduler with built-in
// jobs, health detector, alerting and the admin server.
type App struct {
	cfg       *config.Config
	scheduler *scheduler.Scheduler
	server    *frontend.Server
	resilient *store.Resilient
	closeFns  []func() error
}

// NewApp builds the application from configuration. The returned context
// carries the configured logger.
func NewApp(ctx context.Context, cfg *config.Config) (*App, context.Context, error) {
	var logOpts []logger.Option
	if cfg.Log.Debug {
		logOpts = append(logOpts, logger.WithDebug())
	}
	if cfg.Log.Format != "" {
		logOpts = append(logOpts, logger.WithFormat(cfg.Log.Format))
	}
	if cfg.Log.Quiet {
		logOpts = append(logOpts, logger.WithQuiet())
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(logOpts...))
	for _, warning := range cfg.Warnings {
		logger.Warn(ctx, warning)
	}

	app := &App{cfg: cfg}

	primary, closeStore, err := store.OpenPrimary(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to open primary store: %w", err)
	}
	app.closeFns = append(app.closeFns, closeStore)

	secondary, err := store.NewFileSecondary(cfg.Paths.FallbackFile)
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to open fallback store: %w", err)
	}

	trail, err := audit.New(cfg.Paths.AuditFile)
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to open audit trail: %w", err)
	}

	sinks := []alert.Sink{alert.LogSink{}}
	if cfg.Alerts.SlackWebhookURL != "" {
		sinks = append(sinks, alert.NewSlackSink(cfg.Alerts.SlackWebhookURL, cfg.Alerts.SlackChannel))
	}
	if cfg.Alerts.WebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.Alerts.WebhookURL))
	}
	notifier := alert.NewMulti(sinks...)

	app.resilient = store.NewResilient(primary, secondary, store.ResilientConfig{
		Retry: store.RetryConfig{
			BaseDelay:  cfg.Store.RetryBaseDelay,
			Multiplier: cfg.Store.RetryMultiplier,
			MaxDelay:   cfg.Store.RetryMaxDelay,
			MaxRetries: cfg.Store.MaxRetries,
		},
		Breaker: store.BreakerConfig{
			FailureThreshold: cfg.Store.FailureThreshold,
			Cooldown:         cfg.Store.Cooldown,
		},
		MaxSyncAttempts: cfg.Store.MaxSyncAttempts,
	}, store.WithNotifier(notifier), store.WithAuditTrail(trail))

	registry := scheduler.NewRegistry(cfg.Scheduler.BaseTick)
	app.scheduler = scheduler.New(scheduler.Config{
		BaseTick:       cfg.Scheduler.BaseTick,
		BudgetCeiling:  cfg.Scheduler.BudgetCeiling,
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		DefaultTimeout: cfg.Scheduler.DefaultTimeout,
	}, registry, app.resilient, scheduler.WithNotifier(notifier))

	cur := curator.New(curator.Config{
		KeepThreshold:       cfg.Curator.KeepThreshold,
		PruneThreshold:      cfg.Curator.PruneThreshold,
		MinAge:              cfg.Curator.MinAge,
		GracePeriod:         cfg.Curator.GracePeriod,
		SimilarityThreshold: cfg.Curator.SimilarityThreshold,
		MaxMutations:        cfg.Curator.MaxMutations,
	})
	detector := health.New(health.Config{
		InfraThreshold:      cfg.Health.InfraThreshold,
		FunctionalThreshold: cfg.Health.FunctionalThreshold,
		StrikeThreshold:     cfg.Health.StrikeThreshold,
	}, health.WithNotifier(notifier), health.WithRedistributor(registry))

	passes := curator.NewPasses(cur, trail)
	if err := app.registerBuiltins(registry, passes, detector); err != nil {
		return nil, ctx, err
	}

	collector := metrics.NewCollector(build.Version, app.resilient, app.resilient,
		metrics.WithCurationInfo(passes))
	app.server = frontend.NewServer(cfg, app.scheduler, app.resilient, app.resilient,
		frontend.WithMetricsRegistry(metrics.NewRegistry(collector)))

	return app, ctx, nil
}

// registerBuiltins wires the built-in jobs and applies any overrides
// from the jobs file.
func (a *App) registerBuiltins(registry *scheduler.Registry, passes *curator.Passes,
	detector *health.Detector) error {

	baseTick := a.cfg.Scheduler.BaseTick

	builtins := []struct {
		job     models.Job
		handler scheduler.Handler
	}{
		{
			job: models.Job{
				Name: "rapid-curation", Owner: "curator",
				Cadence: baseTick, Budget: 20, Priority: 5,
				Resource: "records", Enabled: true,
			},
			handler: passes.Rapid,
		},
		{
			job: models.Job{
				Name: "scoring-curation", Owner: "curator",
				Cadence: roundToTick(time.Hour, baseTick), Budget: 80, Priority: 4,
				Resource: "records", Enabled: true,
			},
			handler: passes.Scoring,
		},
		{
			job: models.Job{
				Name: "deep-curation", Owner: "curator",
				Cadence: roundToTick(24*time.Hour, baseTick), Budget: 150, Priority: 3,
				Resource: "records", Enabled: true,
			},
			handler: passes.Deep,
		},
		{
			job: models.Job{
				Name: "health-evaluation", Owner: "system",
				Cadence: baseTick, Budget: 5, Priority: 10, Enabled: true,
			},
			handler: detector.Evaluate,
		},
		{
			job: models.Job{
				Name: "fallback-sync", Owner: "system",
				Cadence: baseTick, Budget: 10, Priority: 9, Enabled: true,
			},
			handler: func(ctx context.Context, _ store.Store) (models.Result, error) {
				replayed, err := a.resilient.Sync(ctx)
				if err != nil {
					return models.Result{}, err
				}
				return models.Result{
					Summary: fmt.Sprintf("replayed %d fallback entries", replayed),
					Mutated: replayed,
				}, nil
			},
		},
	}

	overrides, err := config.LoadJobsFile(a.cfg.Paths.JobsFile)
	if err != nil {
		return err
	}
	for _, builtin := range builtins {
		job := builtin.job
		if override, ok := overrides.Lookup(job.Owner, job.Name); ok {
			if err := override.Apply(&job); err != nil {
				return err
			}
		}
		if err := registry.Register(job, builtin.handler); err != nil {
			return fmt.Errorf("failed to register built-in job: %w", err)
		}
	}
	return nil
}

// roundToTick rounds a cadence up to a multiple of the base tick so
// overridden base ticks keep built-in cadences valid.
func roundToTick(cadence, baseTick time.Duration) time.Duration {
	if cadence <= baseTick {
		return baseTick
	}
	if rem := cadence % baseTick; rem != 0 {
		cadence += baseTick - rem
	}
	return cadence
}

// Run starts the scheduler loop and the admin server, blocking until
// the context is canceled or either fails.
func (a *App) Run(ctx context.Context) error {
	defer a.Close(ctx)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return a.scheduler.Start(ctx) })
	eg.Go(func() error { return a.server.Serve(ctx) })
	return eg.Wait()
}

// RunCycle executes exactly one cycle, for the `synapse cycle --local`
// path and tests.
func (a *App) RunCycle(ctx context.Context) (*models.Cycle, []models.JobResult, error) {
	return a.scheduler.RunCycle(ctx, time.Now())
}

// Close releases held resources.
func (a *App) Close(ctx context.Context) {
	a.scheduler.Stop(ctx)
	for _, closeFn := range a.closeFns {
		if err := closeFn(); err != nil {
			logger.Error(ctx, "failed to close store", "err", err)
		}
	}
}
