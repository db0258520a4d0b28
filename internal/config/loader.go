package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// Definition mirrors the configuration file layout before validation.
type Definition struct {
	DataDir string `mapstructure:"dataDir"`

	Store struct {
		Driver           string        `mapstructure:"driver"`
		DSN              string        `mapstructure:"dsn"`
		FallbackFile     string        `mapstructure:"fallbackFile"`
		RetryBaseDelay   time.Duration `mapstructure:"retryBaseDelay"`
		RetryMultiplier  float64       `mapstructure:"retryMultiplier"`
		RetryMaxDelay    time.Duration `mapstructure:"retryMaxDelay"`
		MaxRetries       int           `mapstructure:"maxRetries"`
		FailureThreshold int           `mapstructure:"failureThreshold"`
		Cooldown         time.Duration `mapstructure:"cooldown"`
		MaxSyncAttempts  int           `mapstructure:"maxSyncAttempts"`
	} `mapstructure:"store"`

	Scheduler struct {
		BaseTick       time.Duration `mapstructure:"baseTick"`
		BudgetCeiling  int           `mapstructure:"budgetCeiling"`
		MaxConcurrent  int           `mapstructure:"maxConcurrent"`
		DefaultTimeout time.Duration `mapstructure:"defaultTimeout"`
	} `mapstructure:"scheduler"`

	Curator struct {
		KeepThreshold       float64       `mapstructure:"keepThreshold"`
		PruneThreshold      float64       `mapstructure:"pruneThreshold"`
		MinAge              time.Duration `mapstructure:"minAge"`
		GracePeriod         time.Duration `mapstructure:"gracePeriod"`
		SimilarityThreshold float64       `mapstructure:"similarityThreshold"`
		MaxMutations        int           `mapstructure:"maxMutations"`
	} `mapstructure:"curator"`

	Health struct {
		InfraThreshold      time.Duration `mapstructure:"infraThreshold"`
		FunctionalThreshold time.Duration `mapstructure:"functionalThreshold"`
		StrikeThreshold     int           `mapstructure:"strikeThreshold"`
	} `mapstructure:"health"`

	Alerts struct {
		SlackWebhookURL string `mapstructure:"slackWebhookUrl"`
		SlackChannel    string `mapstructure:"slackChannel"`
		WebhookURL      string `mapstructure:"webhookUrl"`
	} `mapstructure:"alerts"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Log struct {
		Debug  bool   `mapstructure:"debug"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
		Quiet  bool   `mapstructure:"quiet"`
	} `mapstructure:"log"`

	JobsFile  string `mapstructure:"jobsFile"`
	AuditFile string `mapstructure:"auditFile"`
}

// Load creates a configuration by instantiating a Loader with the given
// options and invoking Load.
func Load(opts ...LoaderOption) (*Config, error) {
	loader := NewLoader(opts...)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// Loader reads and merges configuration from the config file and the
// environment.
type Loader struct {
	lock       sync.Mutex
	configFile string
}

// LoaderOption is a functional option for a Loader.
type LoaderOption func(*Loader)

// WithConfigFile sets an explicit configuration file path.
func WithConfigFile(configFile string) LoaderOption {
	return func(l *Loader) { l.configFile = configFile }
}

// NewLoader creates a Loader and applies the options.
func NewLoader(options ...LoaderOption) *Loader {
	loader := &Loader{}
	for _, option := range options {
		option(loader)
	}
	return loader
}

// Load initializes viper, reads the configuration file if present and
// returns a validated Config. A missing file is not an error; defaults
// and SYNAPSE_ environment variables apply.
func (l *Loader) Load() (*Config, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	v := viper.New()
	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "synapse"))
		v.AddConfigPath("/etc/synapse")
	}
	v.SetEnvPrefix("synapse")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	l.setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var def Definition
	if err := v.Unmarshal(&def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return l.buildConfig(def)
}

func (l *Loader) setDefaults(v *viper.Viper) {
	dataDir := filepath.Join(xdg.DataHome, "synapse")
	v.SetDefault("dataDir", dataDir)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.retryBaseDelay", 200*time.Millisecond)
	v.SetDefault("store.retryMultiplier", 2.0)
	v.SetDefault("store.retryMaxDelay", 5*time.Second)
	v.SetDefault("store.maxRetries", 3)
	v.SetDefault("store.failureThreshold", 5)
	v.SetDefault("store.cooldown", 30*time.Second)
	v.SetDefault("store.maxSyncAttempts", 5)

	v.SetDefault("scheduler.baseTick", 5*time.Minute)
	v.SetDefault("scheduler.budgetCeiling", 500)
	v.SetDefault("scheduler.maxConcurrent", 4)
	v.SetDefault("scheduler.defaultTimeout", 2*time.Minute)

	v.SetDefault("curator.keepThreshold", 60.0)
	v.SetDefault("curator.pruneThreshold", 25.0)
	v.SetDefault("curator.minAge", 24*time.Hour)
	v.SetDefault("curator.gracePeriod", 30*24*time.Hour)
	v.SetDefault("curator.similarityThreshold", 0.92)
	v.SetDefault("curator.maxMutations", 100)

	v.SetDefault("health.infraThreshold", 120*time.Second)
	v.SetDefault("health.functionalThreshold", 90*time.Second)
	v.SetDefault("health.strikeThreshold", 3)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8710)

	v.SetDefault("log.format", "text")
}

func (l *Loader) buildConfig(def Definition) (*Config, error) {
	cfg := &Config{
		Paths: Paths{
			DataDir:      def.DataDir,
			FallbackFile: def.Store.FallbackFile,
			AuditFile:    def.AuditFile,
			JobsFile:     def.JobsFile,
		},
		Store: Store{
			Driver:           def.Store.Driver,
			DSN:              def.Store.DSN,
			RetryBaseDelay:   def.Store.RetryBaseDelay,
			RetryMultiplier:  def.Store.RetryMultiplier,
			RetryMaxDelay:    def.Store.RetryMaxDelay,
			MaxRetries:       def.Store.MaxRetries,
			FailureThreshold: def.Store.FailureThreshold,
			Cooldown:         def.Store.Cooldown,
			MaxSyncAttempts:  def.Store.MaxSyncAttempts,
		},
		Scheduler: Scheduler{
			BaseTick:       def.Scheduler.BaseTick,
			BudgetCeiling:  def.Scheduler.BudgetCeiling,
			MaxConcurrent:  def.Scheduler.MaxConcurrent,
			DefaultTimeout: def.Scheduler.DefaultTimeout,
		},
		Curator: Curator{
			KeepThreshold:       def.Curator.KeepThreshold,
			PruneThreshold:      def.Curator.PruneThreshold,
			MinAge:              def.Curator.MinAge,
			GracePeriod:         def.Curator.GracePeriod,
			SimilarityThreshold: def.Curator.SimilarityThreshold,
			MaxMutations:        def.Curator.MaxMutations,
		},
		Health: Health{
			InfraThreshold:      def.Health.InfraThreshold,
			FunctionalThreshold: def.Health.FunctionalThreshold,
			StrikeThreshold:     def.Health.StrikeThreshold,
		},
		Alerts: Alerts{
			SlackWebhookURL: def.Alerts.SlackWebhookURL,
			SlackChannel:    def.Alerts.SlackChannel,
			WebhookURL:      def.Alerts.WebhookURL,
		},
		Server: Server{
			Host: def.Server.Host,
			Port: def.Server.Port,
		},
		Log: Log{
			Debug:  def.Log.Debug,
			Format: def.Log.Format,
			File:   def.Log.File,
			Quiet:  def.Log.Quiet,
		},
	}

	if cfg.Store.DSN == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = filepath.Join(cfg.Paths.DataDir, "synapse.db")
	}
	if cfg.Paths.FallbackFile == "" {
		cfg.Paths.FallbackFile = filepath.Join(cfg.Paths.DataDir, "fallback.jsonl")
	}
	if cfg.Paths.AuditFile == "" {
		cfg.Paths.AuditFile = filepath.Join(cfg.Paths.DataDir, "audit.jsonl")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
