// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Worker sizes the JobQueue dequeue-dispatch-ack pool cmd/broker runs
// (overridable with -workers).
type Worker struct {
	Count int `mapstructure:"count"`
}

type TracingConfig struct {
	Enabled             bool              `mapstructure:"enabled"`
	Endpoint            string            `mapstructure:"endpoint"`
	Environment         string            `mapstructure:"environment"`
	SamplingStrategy    string            `mapstructure:"sampling_strategy"`
	SamplingRate        float64           `mapstructure:"sampling_rate"`
	BatchTimeout        time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize  int               `mapstructure:"max_export_batch_size"`
	Headers             map[string]string `mapstructure:"headers"`
	Insecure            bool              `mapstructure:"insecure"`
	PropagationFormat   string            `mapstructure:"propagation_format"`
	AttributeAllowlist  []string          `mapstructure:"attribute_allowlist"`
	RedactSensitive     bool              `mapstructure:"redact_sensitive"`
	EnableMetricExemplars bool            `mapstructure:"enable_metric_exemplars"`
}

// Tracing is a backwards-compatible alias
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

// Provider holds the upstream Batch API's connection settings.
type Provider struct {
	BaseURL     string `mapstructure:"base_url"`
	APIKey      string `mapstructure:"api_key"`
	DownloadDir string `mapstructure:"download_dir"`
}

// Store selects and configures the persistence backend: "memory" for
// local/dev runs (internal/store/memstore, never durable across
// restarts) or "postgres"/"sqlite3" for internal/store/sql.
type Store struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Delivery configures the two sinks DeliveryWorker dispatches to.
type Delivery struct {
	AMQPURL string `mapstructure:"amqp_url"`
}

// Scheduler holds three cron expressions read from config. They are not
// applied: internal/scheduler always registers its own constant
// schedules, whatever is set here.
type Scheduler struct {
	PromoteDueCron          string `mapstructure:"promote_due_cron"`
	ExpireStaleBuildingCron string `mapstructure:"expire_stale_building_cron"`
	DeleteExpiredCron       string `mapstructure:"delete_expired_cron"`
}

// AdminHTTP configures the read-mostly operator inspection surface.
type AdminHTTP struct {
	Enabled            bool          `mapstructure:"enabled"`
	ListenAddr         string        `mapstructure:"listen_addr"`
	ConfirmationPhrase string        `mapstructure:"confirmation_phrase"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// Capacity configures CapacityDispatcher's scan interval and the
// per-model enqueued-token ceilings CapacityProvider serves (spec.md
// §4.4, §4.5, §4.6).
type Capacity struct {
	DispatchInterval time.Duration    `mapstructure:"dispatch_interval"`
	ModelLimits      map[string]int64 `mapstructure:"model_limits"`
	DefaultLimit     int64            `mapstructure:"default_limit"`
}

// Recovery configures the abandoned-trigger reclaim sweep (spec.md §4.9).
type Recovery struct {
	ReclaimInterval  time.Duration `mapstructure:"reclaim_interval"`
	ReclaimOlderThan time.Duration `mapstructure:"reclaim_older_than"`
}

type Config struct {
	Redis          Redis               `mapstructure:"redis"`
	Worker         Worker              `mapstructure:"worker"`
	Observability  Observability       `mapstructure:"observability"`
	Provider       Provider            `mapstructure:"provider"`
	Store          Store               `mapstructure:"store"`
	Delivery       Delivery            `mapstructure:"delivery"`
	Scheduler      Scheduler           `mapstructure:"scheduler"`
	AdminHTTP      AdminHTTP           `mapstructure:"admin_http"`
	Capacity       Capacity            `mapstructure:"capacity"`
	Recovery       Recovery            `mapstructure:"recovery"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Worker: Worker{
			Count: 16,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		Provider: Provider{
			BaseURL:     "https://api.openai.com/v1",
			DownloadDir: "./data/batch-downloads",
		},
		Store: Store{
			Driver: "memory",
		},
		Scheduler: Scheduler{
			PromoteDueCron:          "* * * * *",
			ExpireStaleBuildingCron: "0 * * * *",
			DeleteExpiredCron:       "30 * * * *",
		},
		AdminHTTP: AdminHTTP{
			Enabled:            true,
			ListenAddr:         ":8090",
			ConfirmationPhrase: "CONFIRM",
			ShutdownTimeout:    10 * time.Second,
		},
		Capacity: Capacity{
			DispatchInterval: 30 * time.Second,
			ModelLimits: map[string]int64{
				"gpt-4o":      90_000_000,
				"gpt-4o-mini": 150_000_000,
			},
			DefaultLimit: 10_000_000,
		},
		Recovery: Recovery{
			ReclaimInterval:  30 * time.Second,
			ReclaimOlderThan: 5 * time.Minute,
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("worker.count", def.Worker.Count)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("provider.base_url", def.Provider.BaseURL)
	v.SetDefault("provider.api_key", def.Provider.APIKey)
	v.SetDefault("provider.download_dir", def.Provider.DownloadDir)

	v.SetDefault("store.driver", def.Store.Driver)
	v.SetDefault("store.dsn", def.Store.DSN)

	v.SetDefault("delivery.amqp_url", def.Delivery.AMQPURL)

	v.SetDefault("scheduler.promote_due_cron", def.Scheduler.PromoteDueCron)
	v.SetDefault("scheduler.expire_stale_building_cron", def.Scheduler.ExpireStaleBuildingCron)
	v.SetDefault("scheduler.delete_expired_cron", def.Scheduler.DeleteExpiredCron)

	v.SetDefault("admin_http.enabled", def.AdminHTTP.Enabled)
	v.SetDefault("admin_http.listen_addr", def.AdminHTTP.ListenAddr)
	v.SetDefault("admin_http.confirmation_phrase", def.AdminHTTP.ConfirmationPhrase)
	v.SetDefault("admin_http.shutdown_timeout", def.AdminHTTP.ShutdownTimeout)

	v.SetDefault("capacity.dispatch_interval", def.Capacity.DispatchInterval)
	v.SetDefault("capacity.model_limits", def.Capacity.ModelLimits)
	v.SetDefault("capacity.default_limit", def.Capacity.DefaultLimit)

	v.SetDefault("recovery.reclaim_interval", def.Recovery.ReclaimInterval)
	v.SetDefault("recovery.reclaim_older_than", def.Recovery.ReclaimOlderThan)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	switch cfg.Store.Driver {
	case "memory", "postgres", "sqlite3":
	default:
		return fmt.Errorf("store.driver must be one of memory|postgres|sqlite3, got %q", cfg.Store.Driver)
	}
	if cfg.Store.Driver != "memory" && cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %q", cfg.Store.Driver)
	}
	return nil
}
