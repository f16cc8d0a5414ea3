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

// Pool bounds the StoreClient pool (spec §4.2).
type Pool struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// Scheduler tunables (spec §4.4/§4.5/§6).
type Scheduler struct {
	InactivityTimeout   time.Duration `mapstructure:"inactivity_timeout"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	PendingDrainBudget  int           `mapstructure:"pending_drain_budget"`
	MaxConcurrentGroups int           `mapstructure:"max_concurrent_groups"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
	Insecure         bool    `mapstructure:"insecure"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	LogFile     string        `mapstructure:"log_file"`
	AdminPort   int           `mapstructure:"admin_port"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Schema enables optional per-queue JSON Schema enforcement on Add (§ DOMAIN STACK).
type Schema struct {
	Enabled bool              `mapstructure:"enabled"`
	Queues  map[string]string `mapstructure:"queues"` // queueName -> schema file path
}

// Payload controls the optional transparent zstd compression of job data.
type Payload struct {
	CompressionThresholdBytes int `mapstructure:"compression_threshold_bytes"`
}

type Config struct {
	Redis         Redis               `mapstructure:"redis"`
	Pool          Pool                `mapstructure:"pool"`
	Scheduler     Scheduler           `mapstructure:"scheduler"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Schema        Schema              `mapstructure:"schema"`
	Payload       Payload             `mapstructure:"payload"`
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
		Pool: Pool{
			Min: 2,
			Max: 1000,
		},
		Scheduler: Scheduler{
			InactivityTimeout:   2000 * time.Millisecond,
			PollInterval:        1000 * time.Millisecond,
			PendingDrainBudget:  100,
			MaxConcurrentGroups: 500,
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
			AdminPort:   8089,
			Tracing:     TracingConfig{Enabled: false},
		},
		Schema: Schema{
			Enabled: false,
			Queues:  map[string]string{},
		},
		Payload: Payload{
			CompressionThresholdBytes: 1024,
		},
	}
}

// Load reads configuration from a YAML file (optional) and env overrides.
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

	v.SetDefault("pool.min", def.Pool.Min)
	v.SetDefault("pool.max", def.Pool.Max)

	v.SetDefault("scheduler.inactivity_timeout", def.Scheduler.InactivityTimeout)
	v.SetDefault("scheduler.poll_interval", def.Scheduler.PollInterval)
	v.SetDefault("scheduler.pending_drain_budget", def.Scheduler.PendingDrainBudget)
	v.SetDefault("scheduler.max_concurrent_groups", def.Scheduler.MaxConcurrentGroups)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.admin_port", def.Observability.AdminPort)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)

	v.SetDefault("schema.enabled", def.Schema.Enabled)
	v.SetDefault("payload.compression_threshold_bytes", def.Payload.CompressionThresholdBytes)

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
	if cfg.Pool.Min < 0 {
		return fmt.Errorf("pool.min must be >= 0")
	}
	if cfg.Pool.Max < 1 || cfg.Pool.Max < cfg.Pool.Min {
		return fmt.Errorf("pool.max must be >= 1 and >= pool.min")
	}
	if cfg.Scheduler.InactivityTimeout <= 0 {
		return fmt.Errorf("scheduler.inactivity_timeout must be > 0")
	}
	if cfg.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be > 0")
	}
	if cfg.Scheduler.MaxConcurrentGroups <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_groups must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Payload.CompressionThresholdBytes < 0 {
		return fmt.Errorf("payload.compression_threshold_bytes must be >= 0")
	}
	return nil
}
