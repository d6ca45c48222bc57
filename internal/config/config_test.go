package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxActivePages != 5 {
		t.Errorf("MaxActivePages = %d, want 5", cfg.Engine.MaxActivePages)
	}
	if cfg.Engine.PagePoolSize != 3 {
		t.Errorf("PagePoolSize = %d, want 3", cfg.Engine.PagePoolSize)
	}
	if cfg.HTTP.MaxBodyBytes != 10*1024*1024 {
		t.Errorf("MaxBodyBytes = %d, want 10MiB", cfg.HTTP.MaxBodyBytes)
	}
	if cfg.HTTP.MaxRedirects != 10 {
		t.Errorf("MaxRedirects = %d, want 10", cfg.HTTP.MaxRedirects)
	}
	if cfg.Cache.Capacity != 2000 {
		t.Errorf("Cache.Capacity = %d, want 2000", cfg.Cache.Capacity)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if got := cfg.HTTPTimeout(); got != 30*time.Second {
		t.Errorf("HTTPTimeout = %v, want 30s", got)
	}
	if got := cfg.NavTimeout(); got != 30*time.Second {
		t.Errorf("NavTimeout = %v, want 30s", got)
	}
	if got := cfg.RetryBaseDelay(); got != time.Second {
		t.Errorf("RetryBaseDelay = %v, want 1s", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
engine:
  max_active_pages: 8
  page_pool_size: 4
  acquire_timeout_seconds: 10
http:
  timeout_seconds: 45
  max_redirects: 5
  user_agent: custom-agent
browser:
  nav_timeout_seconds: 60
  short_text_chars: 250
cache:
  capacity: 100
retry:
  max_attempts: 2
  base_delay_ms: 500
ops:
  port: 8081
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxActivePages != 8 || cfg.Engine.PagePoolSize != 4 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.HTTP.TimeoutSeconds != 45 || cfg.HTTP.MaxRedirects != 5 || cfg.HTTP.UserAgent != "custom-agent" {
		t.Errorf("http = %+v", cfg.HTTP)
	}
	if cfg.Browser.NavTimeoutSeconds != 60 || cfg.Browser.ShortTextChars != 250 {
		t.Errorf("browser = %+v", cfg.Browser)
	}
	if cfg.Cache.Capacity != 100 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Retry.MaxAttempts != 2 || cfg.Retry.BaseDelayMs != 500 {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Ops.Port != 8081 || !cfg.Logging.Development {
		t.Errorf("ops/logging = %+v / %+v", cfg.Ops, cfg.Logging)
	}
	// Unset keys keep their defaults.
	if cfg.HTTP.MaxBodyBytes != 10*1024*1024 {
		t.Errorf("MaxBodyBytes = %d, want default", cfg.HTTP.MaxBodyBytes)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max active pages", func(c *Config) { c.Engine.MaxActivePages = 0 }},
		{"negative pool size", func(c *Config) { c.Engine.PagePoolSize = -1 }},
		{"pool larger than active limit", func(c *Config) { c.Engine.PagePoolSize = c.Engine.MaxActivePages + 1 }},
		{"zero acquire timeout", func(c *Config) { c.Engine.AcquireTimeoutSeconds = 0 }},
		{"zero http timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }},
		{"zero redirects", func(c *Config) { c.HTTP.MaxRedirects = 0 }},
		{"zero body cap", func(c *Config) { c.HTTP.MaxBodyBytes = 0 }},
		{"zero cache capacity", func(c *Config) { c.Cache.Capacity = 0 }},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
	}
	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate = nil, want error", tc.name)
		}
	}

	if err := base.Validate(); err != nil {
		t.Errorf("default config must validate, got %v", err)
	}
}
