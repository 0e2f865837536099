package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"verify-engine/internal/sched"
	"verify-engine/internal/score"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Cache      CacheConfig      `yaml:"cache"`
	Minimizer  MinimizerConfig  `yaml:"minimizer"`
	Correlator CorrelatorConfig `yaml:"correlator"`
	Scorer     ScorerConfig     `yaml:"scorer"`
	Database   DatabaseConfig   `yaml:"database"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Security   SecurityConfig   `yaml:"security"`
	TLS        TLSConfig        `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SchedulerConfig struct {
	GlobalMaxConcurrent int               `yaml:"global_max_concurrent"`
	TenantMaxConcurrent int               `yaml:"tenant_max_concurrent"`
	QueueDepth          int               `yaml:"queue_depth"`
	DefaultTimeout      time.Duration     `yaml:"default_timeout"`
	MaxTimeout          time.Duration     `yaml:"max_timeout"`
	CancelGrace         time.Duration     `yaml:"cancel_grace"`
	Retry               sched.RetryPolicy `yaml:"retry"`
}

type ExecutorConfig struct {
	Backend       string        `yaml:"backend"` // "auto" (default), "docker", or "local"
	Image         string        `yaml:"image"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	WorkspaceRoot string        `yaml:"workspace_root"`
	DefaultLimits DefaultLimits `yaml:"default_limits"`
}

type DefaultLimits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
	DiskMB    int64 `yaml:"disk_mb"`
}

type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

type MinimizerConfig struct {
	Parallelism    int           `yaml:"parallelism"`
	MaxOracleCalls int           `yaml:"max_oracle_calls"`
	MaxWallClock   time.Duration `yaml:"max_wall_clock"`
}

type CorrelatorConfig struct {
	TopN           int           `yaml:"top_n"`
	ExactWeight    float64       `yaml:"exact_weight"`
	FuzzyWeight    float64       `yaml:"fuzzy_weight"`
	SemanticWeight float64       `yaml:"semantic_weight"`
	RecencyWeight  float64       `yaml:"recency_weight"`
	RecencyWindow  time.Duration `yaml:"recency_window"`
}

type ScorerConfig struct {
	Weights score.Weights `yaml:"weights"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    11 * time.Minute, // > max job timeout + cancel grace
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  4 << 20, // patches and snapshots of sources can get large
		},
		Scheduler: SchedulerConfig{
			GlobalMaxConcurrent: 64,
			TenantMaxConcurrent: 8,
			QueueDepth:          256,
			DefaultTimeout:      30 * time.Second,
			MaxTimeout:          10 * time.Minute,
			CancelGrace:         5 * time.Second,
			Retry:               sched.DefaultRetryPolicy(),
		},
		Executor: ExecutorConfig{
			Backend:       "auto",
			Image:         "debian:bookworm-slim",
			MaxConcurrent: 64,
			DefaultLimits: DefaultLimits{
				CPUShares: 1024,
				MemoryMB:  512,
				PidsLimit: 128,
				DiskMB:    256,
			},
		},
		Cache: CacheConfig{
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
		},
		Minimizer: MinimizerConfig{
			Parallelism:    4,
			MaxOracleCalls: 200,
			MaxWallClock:   15 * time.Minute,
		},
		Correlator: CorrelatorConfig{
			TopN:           10,
			ExactWeight:    1.0,
			FuzzyWeight:    0.7,
			SemanticWeight: 0.5,
			RecencyWeight:  0.15,
			RecencyWindow:  30 * 24 * time.Hour,
		},
		Scorer: ScorerConfig{
			Weights: score.DefaultWeights(),
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Scheduler.DefaultTimeout > c.Scheduler.MaxTimeout {
		return fmt.Errorf("scheduler.default_timeout (%s) must be <= max_timeout (%s)",
			c.Scheduler.DefaultTimeout, c.Scheduler.MaxTimeout)
	}
	if c.Scheduler.GlobalMaxConcurrent < 1 {
		return fmt.Errorf("scheduler.global_max_concurrent must be >= 1")
	}
	if c.Scheduler.TenantMaxConcurrent < 1 {
		return fmt.Errorf("scheduler.tenant_max_concurrent must be >= 1")
	}
	if c.Scheduler.TenantMaxConcurrent > c.Scheduler.GlobalMaxConcurrent {
		return fmt.Errorf("scheduler.tenant_max_concurrent (%d) must be <= global_max_concurrent (%d)",
			c.Scheduler.TenantMaxConcurrent, c.Scheduler.GlobalMaxConcurrent)
	}
	switch c.Executor.Backend {
	case "", "auto", "docker", "local":
	default:
		return fmt.Errorf("executor.backend must be auto, docker, or local, got %q", c.Executor.Backend)
	}
	if c.Executor.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("executor.default_limits.memory_mb must be >= 16")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must be >= 0")
	}
	if c.Minimizer.Parallelism < 1 {
		return fmt.Errorf("minimizer.parallelism must be >= 1")
	}
	if c.Correlator.TopN < 1 {
		return fmt.Errorf("correlator.top_n must be >= 1")
	}
	if c.Executor.WorkspaceRoot != "" && !filepath.IsAbs(c.Executor.WorkspaceRoot) {
		return fmt.Errorf("executor.workspace_root: %q must be an absolute path", c.Executor.WorkspaceRoot)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
