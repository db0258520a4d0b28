package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapse-ops/synapse/internal/config"
	"github.com/synapse-ops/synapse/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Paths: config.Paths{
			DataDir:      dir,
			FallbackFile: filepath.Join(dir, "fallback.jsonl"),
			AuditFile:    filepath.Join(dir, "audit.jsonl"),
		},
		Store: config.Store{
			Driver:           "memory",
			RetryBaseDelay:   time.Millisecond,
			RetryMultiplier:  2,
			RetryMaxDelay:    10 * time.Millisecond,
			MaxRetries:       1,
			FailureThreshold: 5,
			Cooldown:         time.Second,
			MaxSyncAttempts:  3,
		},
		Scheduler: config.Scheduler{
			BaseTick:       5 * time.Minute,
			BudgetCeiling:  500,
			MaxConcurrent:  2,
			DefaultTimeout: time.Minute,
		},
		Health: config.Health{
			InfraThreshold:      120 * time.Second,
			FunctionalThreshold: 90 * time.Second,
			StrikeThreshold:     3,
		},
		Server: config.Server{Host: "127.0.0.1", Port: 0},
		Log:    config.Log{Quiet: true},
	}
}

func TestNewApp_RegistersBuiltins(t *testing.T) {
	app, ctx, err := NewApp(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer app.Close(ctx)

	jobs := app.scheduler.Registry().List()
	names := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		names[job.Key().String()] = true
	}
	for _, want := range []string{
		"curator/rapid-curation",
		"curator/scoring-curation",
		"curator/deep-curation",
		"system/health-evaluation",
		"system/fallback-sync",
	} {
		assert.True(t, names[want], "missing built-in job %s", want)
	}
}

func TestApp_RunCycleLocal(t *testing.T) {
	app, ctx, err := NewApp(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer app.Close(ctx)

	cycle, results, err := app.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cycle.Number)
	assert.NotEmpty(t, results)
	for _, res := range results {
		assert.Equal(t, models.JobStatusSuccess, res.Status, "job %s/%s: %s",
			res.Owner, res.JobName, res.ErrorDetail)
	}
}

func TestJobsFileOverridesBuiltins(t *testing.T) {
	cfg := testConfig(t)
	jobsFile := filepath.Join(cfg.Paths.DataDir, "jobs.yaml")
	overrides := "jobs:\n  - owner: curator\n    name: deep-curation\n    enabled: false\n"
	require.NoError(t, os.WriteFile(jobsFile, []byte(overrides), 0600))
	cfg.Paths.JobsFile = jobsFile

	app, ctx, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Close(ctx)

	for _, job := range app.scheduler.Registry().List() {
		if job.Name == "deep-curation" {
			assert.False(t, job.Enabled)
			return
		}
	}
	t.Fatal("deep-curation not registered")
}

func TestRoundToTick(t *testing.T) {
	tick := 5 * time.Minute
	assert.Equal(t, tick, roundToTick(time.Minute, tick))
	assert.Equal(t, time.Hour, roundToTick(time.Hour, tick))
	assert.Equal(t, 65*time.Minute, roundToTick(time.Hour+time.Minute, tick))
}

func TestNew_CommandTree(t *testing.T) {
	root := New()
	var names []string
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"start", "cycle", "jobs", "sync", "status", "version"} {
		assert.Contains(t, names, want)
	}
}
