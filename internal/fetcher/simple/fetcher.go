// Package simplefetch implements the lightweight HTTP fetch pipeline on a
// pooled transport with manual redirect handling.
package simplefetch

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/webpeel/webpeel/internal/challenge"
	"github.com/webpeel/webpeel/internal/condcache"
	"github.com/webpeel/webpeel/internal/dnscache"
	"github.com/webpeel/webpeel/internal/fetch"
	"github.com/webpeel/webpeel/internal/metrics"
)

// Config controls pipeline behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	MaxBodyBytes int64
	MinHTMLBytes int
	// PerHostQPS rate-limits requests per hostname when > 0.
	PerHostQPS float64
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 10
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 * 1024 * 1024
	}
	if c.MinHTMLBytes <= 0 {
		c.MinHTMLBytes = 100
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
}

// Fetcher performs connection-pooled HTTP fetches with conditional
// revalidation, content-type gating and size limits.
type Fetcher struct {
	cfg      Config
	client   *http.Client
	cache    *condcache.Cache
	detector challenge.Detector
	resolver *dnscache.Resolver
	logger   *zap.Logger
	limiters sync.Map // host -> *rate.Limiter
}

// New builds a Fetcher. cache, detector and resolver may be nil, disabling
// the corresponding behavior.
func New(cfg Config, cache *condcache.Cache, detector challenge.Detector, resolver *dnscache.Resolver, logger *zap.Logger) *Fetcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	transport := newTransport(resolver)
	client := &http.Client{
		Transport: transport,
		// Redirects are followed manually so every hop can be
		// re-validated and loop-detected.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Fetcher{
		cfg:      cfg,
		client:   client,
		cache:    cache,
		detector: detector,
		resolver: resolver,
		logger:   logger,
	}
}

// Close releases idle pooled connections.
func (f *Fetcher) Close() {
	f.client.CloseIdleConnections()
}

// Fetch retrieves a URL. Every redirect hop is re-validated against the
// URL safety rules; cycles and chains longer than MaxRedirects fail.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts fetch.SimpleOptions) (fetch.Result, error) {
	start := time.Now()
	res, err := f.fetch(ctx, rawURL, opts)
	res.Duration = time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = fetch.KindOf(err).String()
	}
	metrics.ObserveFetch("simple", outcome, rawURL, len(res.Body)+len(res.RawBytes), res.Duration)
	return res, err
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string, opts fetch.SimpleOptions) (fetch.Result, error) {
	if err := fetch.Validate(rawURL); err != nil {
		return fetch.Result{}, err
	}
	if opts.Headers != nil {
		if opts.Headers.Get("Host") != "" {
			return fetch.Result{}, fetch.Invalid("overriding the Host header is not allowed")
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqID := uuid.NewString()
	logger := f.logger.With(zap.String("request_id", reqID), zap.String("url", rawURL))

	originalURL := rawURL
	currentURL := rawURL
	seen := make(map[string]struct{})

	for hop := 0; ; hop++ {
		if hop > f.cfg.MaxRedirects {
			return fetch.Result{}, fetch.Network("too many redirects (%d)", f.cfg.MaxRedirects)
		}
		key := normalizedKey(currentURL)
		if _, ok := seen[key]; ok {
			return fetch.Result{}, fetch.Network("redirect loop detected at %s", currentURL)
		}
		seen[key] = struct{}{}

		resp, err := f.doRequest(ctx, currentURL, opts)
		if err != nil {
			return fetch.Result{}, err
		}

		if isRedirect(resp.StatusCode) {
			next, redirErr := f.nextHop(resp, currentURL)
			if redirErr != nil {
				return fetch.Result{}, redirErr
			}
			logger.Debug("following redirect",
				zap.Int("status", resp.StatusCode),
				zap.String("location", next),
				zap.Int("hop", hop+1),
			)
			currentURL = next
			continue
		}

		return f.readResponse(resp, originalURL, currentURL, logger)
	}
}

func (f *Fetcher) doRequest(ctx context.Context, currentURL string, opts fetch.SimpleOptions) (*http.Response, error) {
	parsed, err := url.Parse(currentURL)
	if err != nil {
		return nil, fetch.Invalid("malformed url: %v", err)
	}
	host := parsed.Hostname()

	if f.resolver != nil {
		f.resolver.Warmup(ctx, host)
	}
	if err := f.waitHostBudget(ctx, host); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, currentURL, nil)
	if err != nil {
		return nil, fetch.Invalid("build request: %v", err)
	}
	f.applyHeaders(req, opts)
	f.attachValidators(req, currentURL)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, host)
	}
	return resp, nil
}

// applyHeaders merges a realistic browser header set with caller headers.
// Caller values win except for Host, which is rejected upstream.
func (f *Fetcher) applyHeaders(req *http.Request, opts fetch.SimpleOptions) {
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = f.cfg.UserAgent
	}
	for k, v := range defaultHeaders(userAgent) {
		req.Header.Set(k, v)
	}
	for key, values := range opts.Headers {
		if strings.EqualFold(key, "Host") {
			continue
		}
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}

// attachValidators adds If-None-Match / If-Modified-Since from the cache
// unless the caller already set them.
func (f *Fetcher) attachValidators(req *http.Request, currentURL string) {
	if f.cache == nil {
		return
	}
	entry, ok := f.cache.Get(currentURL)
	// An entry without a body cannot answer a 304 and must not provoke one.
	if !ok || entry.Body == "" {
		metrics.ObserveCacheEvent("miss")
		return
	}
	metrics.ObserveCacheEvent("hit")
	if entry.Validators.ETag != "" && req.Header.Get("If-None-Match") == "" {
		req.Header.Set("If-None-Match", entry.Validators.ETag)
	}
	if entry.Validators.LastModified != "" && req.Header.Get("If-Modified-Since") == "" {
		req.Header.Set("If-Modified-Since", entry.Validators.LastModified)
	}
}

func (f *Fetcher) nextHop(resp *http.Response, currentURL string) (string, error) {
	defer drainAndClose(resp.Body)

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fetch.Network("redirect status %d without a Location header", resp.StatusCode)
	}
	base, err := url.Parse(currentURL)
	if err != nil {
		return "", fetch.Invalid("malformed url: %v", err)
	}
	next, err := base.Parse(location)
	if err != nil {
		return "", fetch.Network("malformed redirect location %q", location)
	}
	// Re-validate the hop: a same-origin-looking redirect to an internal
	// address must still be blocked.
	if err := fetch.Validate(next.String()); err != nil {
		return "", err
	}
	return next.String(), nil
}

func (f *Fetcher) readResponse(resp *http.Response, originalURL, finalURL string, logger *zap.Logger) (fetch.Result, error) {
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusNotModified {
		return f.synthesizeNotModified(originalURL, finalURL)
	}

	contentType := resp.Header.Get("Content-Type")
	kind, err := classifyContent(contentType, finalURL)
	if err != nil {
		return fetch.Result{}, err
	}

	body, err := f.readBody(resp)
	if err != nil {
		return fetch.Result{}, err
	}

	result := fetch.Result{
		FinalURL:    finalURL,
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
	}
	switch kind {
	case docText:
		result.Body = string(body)
	default:
		result.RawBytes = body
	}

	if kind == docText && isHTML(contentType) {
		if len(body) < f.cfg.MinHTMLBytes {
			return fetch.Result{}, fetch.Blocked("suspiciously small response (%d bytes)", len(body))
		}
		if f.detector != nil {
			verdict := f.detector.Detect(result.Body, resp.StatusCode)
			if verdict.IsChallenge && verdict.Type != challenge.TypeEmptyShell {
				return fetch.Result{}, fetch.Blocked("challenge page detected: %s (confidence %.2f)", verdict.Type, verdict.Confidence)
			}
		}
	}

	f.recordValidators(resp, originalURL, finalURL, kind, result)
	logger.Debug("fetch complete",
		zap.Int("status", resp.StatusCode),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(body)),
	)
	return result, nil
}

// synthesizeNotModified serves the cached body for a 304, looking up both
// the pre-redirect and post-redirect URLs. A 304 with no prior cache means
// the upstream cache contract was violated.
func (f *Fetcher) synthesizeNotModified(originalURL, finalURL string) (fetch.Result, error) {
	if f.cache != nil {
		for _, candidate := range []string{originalURL, finalURL} {
			entry, ok := f.cache.Get(candidate)
			if ok && entry.Body != "" {
				metrics.ObserveCacheEvent("revalidated")
				return fetch.Result{
					Body:        entry.Body,
					FinalURL:    finalURL,
					StatusCode:  http.StatusNotModified,
					ContentType: entry.ContentType,
				}, nil
			}
		}
	}
	return fetch.Result{}, fetch.Network("received 304 with no cached body for %s", finalURL)
}

func (f *Fetcher) recordValidators(resp *http.Response, originalURL, finalURL string, kind docKind, result fetch.Result) {
	if f.cache == nil {
		return
	}
	// Binary bodies are re-fetched rather than held in memory, so binary
	// responses get no validators either: a recorded validator without a
	// body would turn the next 304 into an unservable response.
	if kind != docText {
		return
	}
	validators := condcache.Validators{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	if validators.ETag == "" && validators.LastModified == "" {
		return
	}
	entry := condcache.Entry{
		Validators:  validators,
		Body:        result.Body,
		ContentType: result.ContentType,
		StatusCode:  resp.StatusCode,
	}
	f.cache.Put(finalURL, entry)
	if normalizedKey(originalURL) != normalizedKey(finalURL) {
		f.cache.Put(originalURL, entry)
	}
}

// readBody streams the body through an optional gzip layer with a hard
// byte cap, aborting mid-stream when the cap is exceeded.
func (f *Fetcher) readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fetch.WrapNetwork(err, "corrupt gzip response")
		}
		defer gz.Close()
		reader = gz
	}

	data, err := io.ReadAll(io.LimitReader(reader, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, classifyTransportError(err, resp.Request.URL.Hostname())
	}
	if int64(len(data)) > f.cfg.MaxBodyBytes {
		return nil, fetch.Invalid("response body exceeds %d bytes", f.cfg.MaxBodyBytes)
	}
	return data, nil
}

func (f *Fetcher) waitHostBudget(ctx context.Context, host string) error {
	if f.cfg.PerHostQPS <= 0 {
		return nil
	}
	val, _ := f.limiters.LoadOrStore(strings.ToLower(host), rate.NewLimiter(rate.Limit(f.cfg.PerHostQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fetch.WrapTimeout(err, "rate limit wait for %s", host)
	}
	return nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

// normalizedKey is the loop-detection key; normalization failures fall
// back to the raw string so detection still terminates.
func normalizedKey(rawURL string) string {
	key, err := condcache.NormalizeURL(rawURL)
	if err != nil {
		return rawURL
	}
	return key
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}

func newTransport(resolver *dnscache.Resolver) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
	if resolver != nil {
		transport.DialContext = resolver.DialContext(dialer)
	}
	return transport
}
