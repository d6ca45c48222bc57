// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all engine configuration knobs loaded via Viper.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Browser BrowserConfig `mapstructure:"browser"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Ops     OpsConfig     `mapstructure:"ops"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// EngineConfig gates browser resource usage. The defaults match the
// reference deployment; they are exposed here rather than hard-coded
// because no tuning rationale was ever documented for them.
type EngineConfig struct {
	MaxActivePages        int `mapstructure:"max_active_pages"`
	PagePoolSize          int `mapstructure:"page_pool_size"`
	AcquireTimeoutSeconds int `mapstructure:"acquire_timeout_seconds"`
}

// HTTPConfig configures the lightweight fetch pipeline.
type HTTPConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxRedirects   int     `mapstructure:"max_redirects"`
	MaxBodyBytes   int64   `mapstructure:"max_body_bytes"`
	MinHTMLBytes   int     `mapstructure:"min_html_bytes"`
	UserAgent      string  `mapstructure:"user_agent"`
	PerHostQPS     float64 `mapstructure:"per_host_qps"`
	DNSTTLSeconds  int     `mapstructure:"dns_ttl_seconds"`
}

// BrowserConfig configures the browser fetch pipeline.
type BrowserConfig struct {
	NavTimeoutSeconds int `mapstructure:"nav_timeout_seconds"`
	StabilityPollMs   int `mapstructure:"stability_poll_ms"`
	StabilityWindowMs int `mapstructure:"stability_window_ms"`
	ShortTextChars    int `mapstructure:"short_text_chars"`
}

// CacheConfig bounds the conditional response cache.
type CacheConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// RetryConfig controls the retry orchestrator defaults.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
}

// OpsConfig controls the operational HTTP endpoint.
type OpsConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEBPEEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.max_active_pages", 5)
	v.SetDefault("engine.page_pool_size", 3)
	v.SetDefault("engine.acquire_timeout_seconds", 30)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_redirects", 10)
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("http.min_html_bytes", 100)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.per_host_qps", 0)
	v.SetDefault("http.dns_ttl_seconds", 300)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.stability_poll_ms", 500)
	v.SetDefault("browser.stability_window_ms", 3000)
	v.SetDefault("browser.short_text_chars", 500)
	v.SetDefault("cache.capacity", 2000)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("ops.port", 9090)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Engine.MaxActivePages <= 0 {
		return fmt.Errorf("engine.max_active_pages must be > 0")
	}
	if c.Engine.PagePoolSize < 0 {
		return fmt.Errorf("engine.page_pool_size must be >= 0")
	}
	if c.Engine.PagePoolSize > c.Engine.MaxActivePages {
		return fmt.Errorf("engine.page_pool_size must not exceed engine.max_active_pages")
	}
	if c.Engine.AcquireTimeoutSeconds <= 0 {
		return fmt.Errorf("engine.acquire_timeout_seconds must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRedirects <= 0 {
		return fmt.Errorf("http.max_redirects must be > 0")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be > 0")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	return nil
}

// HTTPTimeout returns the lightweight pipeline request timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout returns the browser navigation timeout.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSeconds) * time.Second
}

// AcquireTimeout bounds waiting for a free page slot.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Engine.AcquireTimeoutSeconds) * time.Second
}

// RetryBaseDelay returns the first retry delay.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMs) * time.Millisecond
}
