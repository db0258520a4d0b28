package config

import (
	"fmt"
	"time"
)

// Config is the validated runtime configuration.
type Config struct {
	Paths     Paths
	Store     Store
	Scheduler Scheduler
	Curator   Curator
	Health    Health
	Alerts    Alerts
	Server    Server
	Log       Log

	// Warnings collected while resolving the configuration; logged once
	// at startup.
	Warnings []string
}

// Paths are the resolved filesystem locations.
type Paths struct {
	// DataDir holds the default sqlite database and fallback queue.
	DataDir string
	// FallbackFile is the file-backed secondary store queue.
	FallbackFile string
	// AuditFile is the append-only audit trail.
	AuditFile string
	// JobsFile optionally overrides registered job settings.
	JobsFile string
}

// Store selects and tunes the primary store and its resilience wrapper.
type Store struct {
	// Driver is one of the registered store drivers (sqlite, postgres,
	// memory).
	Driver string
	// DSN is the driver-specific connection string. For sqlite this is
	// the database file path; empty means the default under DataDir.
	DSN string

	RetryBaseDelay   time.Duration
	RetryMultiplier  float64
	RetryMaxDelay    time.Duration
	MaxRetries       int
	FailureThreshold int
	Cooldown         time.Duration
	MaxSyncAttempts  int
}

// Scheduler tunes the cycle loop.
type Scheduler struct {
	BaseTick       time.Duration
	BudgetCeiling  int
	MaxConcurrent  int
	DefaultTimeout time.Duration
}

// Curator tunes scoring thresholds and pass bounds.
type Curator struct {
	KeepThreshold       float64
	PruneThreshold      float64
	MinAge              time.Duration
	GracePeriod         time.Duration
	SimilarityThreshold float64
	MaxMutations        int
}

// Health tunes the failure detector.
type Health struct {
	InfraThreshold      time.Duration
	FunctionalThreshold time.Duration
	StrikeThreshold     int
}

// Alerts configures the optional external alert sinks. The log sink is
// always on.
type Alerts struct {
	SlackWebhookURL string
	SlackChannel    string
	WebhookURL      string
}

// Server configures the admin API listener.
type Server struct {
	Host string
	Port int
}

// Log configures the structured logger.
type Log struct {
	Debug  bool
	Format string
	File   string
	Quiet  bool
}

// Addr returns the listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (c *Config) validate() error {
	if c.Scheduler.BaseTick <= 0 {
		return fmt.Errorf("scheduler.baseTick must be positive, got %s", c.Scheduler.BaseTick)
	}
	if c.Scheduler.BudgetCeiling < 0 {
		return fmt.Errorf("scheduler.budgetCeiling must not be negative")
	}
	if c.Store.Driver == "" {
		return fmt.Errorf("store.driver must be set")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Health.FunctionalThreshold > c.Health.InfraThreshold {
		c.Warnings = append(c.Warnings, fmt.Sprintf(
			"health.functionalThreshold (%s) exceeds infraThreshold (%s); the functional signal normally trips first",
			c.Health.FunctionalThreshold, c.Health.InfraThreshold))
	}
	return nil
}
