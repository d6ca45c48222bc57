// Package engine assembles the fetch pipelines behind one injectable
// facade. Callers construct an Engine, share it, and tear it down with
// Cleanup; nothing in here is process-global.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/webpeel/webpeel/internal/challenge"
	"github.com/webpeel/webpeel/internal/condcache"
	"github.com/webpeel/webpeel/internal/config"
	"github.com/webpeel/webpeel/internal/dnscache"
	"github.com/webpeel/webpeel/internal/fetch"
	"github.com/webpeel/webpeel/internal/fetcher/headless"
	simplefetch "github.com/webpeel/webpeel/internal/fetcher/simple"
)

// Engine owns the shared state behind both pipelines: the conditional
// response cache, the DNS cache, the browser pool, and the retry policy.
type Engine struct {
	cfg      config.Config
	logger   *zap.Logger
	cache    *condcache.Cache
	resolver *dnscache.Resolver
	simple   *simplefetch.Fetcher
	pool     *headless.Manager
	browser  *headless.Fetcher
}

// New wires an Engine from configuration. No browser process is launched
// until the first browser fetch (or Warmup).
func New(cfg config.Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := condcache.New(cfg.Cache.Capacity)
	detector := challenge.NewHeuristic(0)
	resolver := dnscache.New(time.Duration(cfg.HTTP.DNSTTLSeconds)*time.Second, nil, logger)

	simple := simplefetch.New(simplefetch.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      cfg.HTTPTimeout(),
		MaxRedirects: cfg.HTTP.MaxRedirects,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		MinHTMLBytes: cfg.HTTP.MinHTMLBytes,
		PerHostQPS:   cfg.HTTP.PerHostQPS,
	}, cache, detector, resolver, logger.Named("simple"))

	pool := headless.NewManager(headless.PoolConfig{
		PagePoolSize:   cfg.Engine.PagePoolSize,
		MaxActivePages: cfg.Engine.MaxActivePages,
		AcquireTimeout: cfg.AcquireTimeout(),
	}, logger.Named("pool"))

	browser := headless.New(headless.Config{
		NavTimeout:      cfg.NavTimeout(),
		StabilityPoll:   time.Duration(cfg.Browser.StabilityPollMs) * time.Millisecond,
		StabilityWindow: time.Duration(cfg.Browser.StabilityWindowMs) * time.Millisecond,
		ShortTextChars:  cfg.Browser.ShortTextChars,
		MinHTMLBytes:    cfg.HTTP.MinHTMLBytes,
	}, pool, detector, logger.Named("browser"))

	return &Engine{
		cfg:      cfg,
		logger:   logger,
		cache:    cache,
		resolver: resolver,
		simple:   simple,
		pool:     pool,
		browser:  browser,
	}
}

// SimpleFetch runs the lightweight pipeline with retries. Only network
// failures are retried; invalid URLs, timeouts and blocks fail fast.
func (e *Engine) SimpleFetch(ctx context.Context, rawURL string, opts fetch.SimpleOptions) (fetch.Result, error) {
	return fetch.WithRetry(ctx, func(ctx context.Context) (fetch.Result, error) {
		return e.simple.Fetch(ctx, rawURL, opts)
	}, e.cfg.Retry.MaxAttempts, e.cfg.RetryBaseDelay())
}

// BrowserFetch runs the browser pipeline with retries. Fetches that hand
// a live page to the caller are never retried: a retry could leak the
// first page.
func (e *Engine) BrowserFetch(ctx context.Context, rawURL string, opts fetch.BrowserOptions) (fetch.Result, error) {
	if opts.KeepPageOpen {
		return e.browser.Fetch(ctx, rawURL, opts)
	}
	return fetch.WithRetry(ctx, func(ctx context.Context) (fetch.Result, error) {
		return e.browser.Fetch(ctx, rawURL, opts)
	}, e.cfg.Retry.MaxAttempts, e.cfg.RetryBaseDelay())
}

// Screenshot captures a page render via the browser pipeline.
func (e *Engine) Screenshot(ctx context.Context, rawURL string, opts fetch.BrowserOptions) ([]byte, error) {
	opts.Screenshot = true
	res, err := e.BrowserFetch(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	return res.Screenshot, nil
}

// CloseProfileBrowser ends the persistent session bound to a profile
// directory.
func (e *Engine) CloseProfileBrowser(dir string) {
	e.pool.CloseProfileBrowser(dir)
}

// Warmup launches the shared browser and pre-fills the page pool so the
// first fetch does not pay the launch cost.
func (e *Engine) Warmup() error {
	return e.pool.Warmup()
}

// Cleanup releases every pooled page, browser process and idle connection.
func (e *Engine) Cleanup() {
	e.pool.Cleanup()
	e.simple.Close()
}
