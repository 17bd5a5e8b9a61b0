// Package config loads runtime configuration from the environment.
// Priority: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all runtime configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr  string `env:"AW_ADDR" envDefault:":8080"`
	FQDN  string `env:"AW_FQDN" envDefault:"localhost:8080"`
	Proto string `env:"AW_PROTO" envDefault:"http://"`

	// Storage
	DBDriver string `env:"AW_DB_DRIVER" envDefault:"memory"` // memory | sqlite
	DBPath   string `env:"AW_DB_PATH" envDefault:"actingweb.db"`

	// Fan-out
	MaxConcurrentDeliveries int   `env:"AW_MAX_CONCURRENT_DELIVERIES" envDefault:"10"`
	MaxHighGranularityBytes int64 `env:"AW_MAX_HIGH_GRANULARITY_PAYLOAD" envDefault:"65536"`

	// Circuit breaker
	BreakerFailureThreshold int           `env:"AW_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerCooldown         time.Duration `env:"AW_BREAKER_COOLDOWN" envDefault:"60s"`

	// Outbound delivery
	DeliveryTimeout      time.Duration `env:"AW_DELIVERY_TIMEOUT" envDefault:"30s"`
	CompressionEnabled   bool          `env:"AW_COMPRESSION_ENABLED" envDefault:"true"`
	CompressionThreshold int           `env:"AW_COMPRESSION_THRESHOLD" envDefault:"1024"`

	// Peer proxy HTTP timeouts
	ProxyConnectTimeout time.Duration `env:"AW_PROXY_CONNECT_TIMEOUT" envDefault:"5s"`
	ProxyReadTimeout    time.Duration `env:"AW_PROXY_READ_TIMEOUT" envDefault:"20s"`

	// Peer capability cache
	CapabilityTTL       time.Duration `env:"AW_CAPABILITY_TTL" envDefault:"24h"`
	CapabilityCacheSize int           `env:"AW_CAPABILITY_CACHE_SIZE" envDefault:"1024"`

	// Own advertised protocol options, served from /meta/actingweb/supported.
	Supported string `env:"AW_SUPPORTED" envDefault:"callbackcompression,subscriptionresync"`
	Version   string `env:"AW_VERSION" envDefault:"1.0"`

	// Inbound callback processing
	PendingQueueBound int `env:"AW_PENDING_QUEUE_BOUND" envDefault:"100"`

	// Publisher-side dispatch: inline fan-out when true (FaaS-style callers),
	// deferred through the worker pool otherwise.
	SyncCallbacks bool `env:"AW_SYNC_SUBSCRIPTION_CALLBACKS" envDefault:"false"`

	// Inbound callback rate limiting (token buckets)
	CallbackRatePerPeer  float64 `env:"AW_CALLBACK_RATE_PER_PEER" envDefault:"20"`
	CallbackBurstPerPeer int     `env:"AW_CALLBACK_BURST_PER_PEER" envDefault:"40"`
	CallbackRateGlobal   float64 `env:"AW_CALLBACK_RATE_GLOBAL" envDefault:"200"`
	CallbackBurstGlobal  int     `env:"AW_CALLBACK_BURST_GLOBAL" envDefault:"400"`

	// Deferred dispatch worker pool
	DispatchWorkers   int `env:"AW_DISPATCH_WORKERS" envDefault:"4"`
	DispatchQueueSize int `env:"AW_DISPATCH_QUEUE_SIZE" envDefault:"256"`

	// Resource limits (from container)
	CPULimit    float64 `env:"AW_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit int64   `env:"AW_MEMORY_LIMIT" envDefault:"536870912"` // 512MB

	// CPU safety thresholds, relative to container CPU allocation when
	// running under cgroups, host CPU percentage otherwise.
	CPURejectThreshold float64 `env:"AW_CPU_REJECT_THRESHOLD" envDefault:"75.0"` // Reject new inbound work above this %
	CPUPauseThreshold  float64 `env:"AW_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`  // Pause deferred dispatch above this %
	MaxGoroutines      int     `env:"AW_MAX_GOROUTINES" envDefault:"1000"`

	// Monitoring
	MetricsInterval time.Duration `env:"AW_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables.
//
// Optional logger parameter for structured logging. If nil, load progress
// is not logged.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production supplies env vars directly.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("AW_ADDR is required")
	}
	if c.FQDN == "" {
		return fmt.Errorf("AW_FQDN is required")
	}

	switch c.DBDriver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("AW_DB_DRIVER must be one of: memory, sqlite (got: %s)", c.DBDriver)
	}
	if c.DBDriver == "sqlite" && c.DBPath == "" {
		return fmt.Errorf("AW_DB_PATH is required when AW_DB_DRIVER=sqlite")
	}

	if c.MaxConcurrentDeliveries < 1 {
		return fmt.Errorf("AW_MAX_CONCURRENT_DELIVERIES must be > 0, got %d", c.MaxConcurrentDeliveries)
	}
	if c.MaxHighGranularityBytes < 0 {
		return fmt.Errorf("AW_MAX_HIGH_GRANULARITY_PAYLOAD must be >= 0, got %d", c.MaxHighGranularityBytes)
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("AW_BREAKER_FAILURE_THRESHOLD must be > 0, got %d", c.BreakerFailureThreshold)
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("AW_BREAKER_COOLDOWN must be > 0, got %s", c.BreakerCooldown)
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("AW_DELIVERY_TIMEOUT must be > 0, got %s", c.DeliveryTimeout)
	}
	if c.CompressionThreshold < 0 {
		return fmt.Errorf("AW_COMPRESSION_THRESHOLD must be >= 0, got %d", c.CompressionThreshold)
	}
	if c.CapabilityTTL <= 0 {
		return fmt.Errorf("AW_CAPABILITY_TTL must be > 0, got %s", c.CapabilityTTL)
	}
	if c.CapabilityCacheSize < 1 {
		return fmt.Errorf("AW_CAPABILITY_CACHE_SIZE must be > 0, got %d", c.CapabilityCacheSize)
	}
	if c.PendingQueueBound < 1 {
		return fmt.Errorf("AW_PENDING_QUEUE_BOUND must be > 0, got %d", c.PendingQueueBound)
	}
	if c.CallbackRatePerPeer <= 0 || c.CallbackRateGlobal <= 0 {
		return fmt.Errorf("callback rates must be > 0, got per-peer %.1f global %.1f",
			c.CallbackRatePerPeer, c.CallbackRateGlobal)
	}
	if c.CallbackBurstPerPeer < 1 || c.CallbackBurstGlobal < 1 {
		return fmt.Errorf("callback bursts must be > 0, got per-peer %d global %d",
			c.CallbackBurstPerPeer, c.CallbackBurstGlobal)
	}
	if c.DispatchWorkers < 1 {
		return fmt.Errorf("AW_DISPATCH_WORKERS must be > 0, got %d", c.DispatchWorkers)
	}
	if c.DispatchQueueSize < 1 {
		return fmt.Errorf("AW_DISPATCH_QUEUE_SIZE must be > 0, got %d", c.DispatchQueueSize)
	}

	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("AW_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("AW_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("AW_CPU_PAUSE_THRESHOLD (%.1f) must be >= AW_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Root returns the external base URL of this node, e.g. "http://host:8080/".
// Actor base URIs are Root() + actor ID.
func (c *Config) Root() string {
	return c.Proto + c.FQDN + "/"
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("fqdn", c.FQDN).
		Str("db_driver", c.DBDriver).
		Int("max_concurrent_deliveries", c.MaxConcurrentDeliveries).
		Int64("max_high_granularity_payload", c.MaxHighGranularityBytes).
		Int("breaker_failure_threshold", c.BreakerFailureThreshold).
		Dur("breaker_cooldown", c.BreakerCooldown).
		Dur("delivery_timeout", c.DeliveryTimeout).
		Bool("compression_enabled", c.CompressionEnabled).
		Int("compression_threshold", c.CompressionThreshold).
		Dur("proxy_connect_timeout", c.ProxyConnectTimeout).
		Dur("proxy_read_timeout", c.ProxyReadTimeout).
		Dur("capability_ttl", c.CapabilityTTL).
		Str("supported", c.Supported).
		Int("pending_queue_bound", c.PendingQueueBound).
		Bool("sync_callbacks", c.SyncCallbacks).
		Int("dispatch_workers", c.DispatchWorkers).
		Float64("cpu_limit", c.CPULimit).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Int("max_goroutines", c.MaxGoroutines).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
