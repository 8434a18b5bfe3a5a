package am

import "time"

// Config represents the genepulse configuration
type Config struct {
	Database  DatabaseConfig            `mapstructure:"database"`
	Cache     CacheConfig               `mapstructure:"cache"`
	Pipeline  PipelineConfig            `mapstructure:"pipeline"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Server    ServerConfig              `mapstructure:"server"`
}

// DatabaseConfig configures the SQLite record store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// CacheConfig configures the two-tier cache
type CacheConfig struct {
	Path              string `mapstructure:"path"`                // badger directory for the durable tier
	InMemory          bool   `mapstructure:"in_memory"`           // run badger without touching disk
	L1Capacity        int    `mapstructure:"l1_capacity"`         // max entries held in the in-process LRU
	DefaultTTLSeconds int    `mapstructure:"default_ttl_seconds"` // applied when a caller passes ttl <= 0
	GCIntervalSeconds int    `mapstructure:"gc_interval_seconds"` // 0 = value-log GC only during maintenance
}

// PipelineConfig configures orchestration of a run
type PipelineConfig struct {
	FanOutWidth            int           `mapstructure:"fan_out_width"`            // max providers running concurrently in phase 2
	ProviderTimeoutSeconds int           `mapstructure:"provider_timeout_seconds"` // per-call timeout when a provider sets none
	ProgressFlushMS        int           `mapstructure:"progress_flush_ms"`        // min interval between progress snapshot writes
	Retry                  RetryConfig   `mapstructure:"retry"`
	Breaker                BreakerConfig `mapstructure:"breaker"`
}

// RetryConfig configures per-call exponential backoff
type RetryConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts"`
	InitialMS   int     `mapstructure:"initial_ms"`
	MaxMS       int     `mapstructure:"max_ms"`
	Multiplier  float64 `mapstructure:"multiplier"`
}

// BreakerConfig configures the per-provider circuit breaker
type BreakerConfig struct {
	FailureThreshold   int     `mapstructure:"failure_threshold"`
	CooldownSeconds    int     `mapstructure:"cooldown_seconds"`
	BackoffMultiplier  float64 `mapstructure:"backoff_multiplier"`
	MaxCooldownSeconds int     `mapstructure:"max_cooldown_seconds"`
}

// ProviderConfig configures one external data provider
type ProviderConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	BaseURL        string  `mapstructure:"base_url"`
	BulkURL        string  `mapstructure:"bulk_url"`        // bulk download source (gencc)
	RatePerSecond  float64 `mapstructure:"rate_per_second"` // 0 = unlimited
	Burst          int     `mapstructure:"burst"`
	MaxPerMinute   int     `mapstructure:"max_per_minute"` // sliding-window quota, 0 = none
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	CacheTTLHours  int     `mapstructure:"cache_ttl_hours"`
	PageSize       int     `mapstructure:"page_size"`  // paged providers only
	BatchSize      int     `mapstructure:"batch_size"` // batch-capable providers only
	APIKey         string  `mapstructure:"api_key"`
}

// ServerConfig configures the progress websocket and HTTP surface
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Server port constants
const (
	DefaultServerPort = 8787
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// Timeout returns the per-call timeout, falling back to fallback when unset.
func (p ProviderConfig) Timeout(fallback time.Duration) time.Duration {
	if p.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// CacheTTL returns how long raw payloads from this provider stay cached.
// Zero means the cache default applies.
func (p ProviderConfig) CacheTTL() time.Duration {
	return time.Duration(p.CacheTTLHours) * time.Hour
}

// Provider returns the config for name, or a disabled zero value.
func (c *Config) Provider(name string) ProviderConfig {
	if c.Providers == nil {
		return ProviderConfig{}
	}
	return c.Providers[name]
}

// EnabledProviders returns the names of all enabled providers.
func (c *Config) EnabledProviders() []string {
	var names []string
	for _, name := range ProviderOrder {
		if p, ok := c.Providers[name]; ok && p.Enabled {
			names = append(names, name)
		}
	}
	return names
}

// DefaultTTL returns the cache default TTL as a duration
func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// ProviderTimeout returns the pipeline-wide per-call timeout
func (c PipelineConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// ProgressFlushInterval returns the progress snapshot throttle interval
func (c PipelineConfig) ProgressFlushInterval() time.Duration {
	return time.Duration(c.ProgressFlushMS) * time.Millisecond
}
