package headless

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	cdpfetch "github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webpeel/webpeel/internal/challenge"
	enginefetch "github.com/webpeel/webpeel/internal/fetch"
	"github.com/webpeel/webpeel/internal/metrics"
)

// Config controls the behavior of the browser pipeline.
type Config struct {
	NavTimeout      time.Duration
	TotalTimeout    time.Duration
	StabilityPoll   time.Duration
	StabilityWindow time.Duration
	ShortTextChars  int
	MinHTMLBytes    int
}

func (c *Config) applyDefaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.TotalTimeout <= 0 {
		c.TotalTimeout = 2 * c.NavTimeout
	}
	if c.StabilityPoll <= 0 {
		c.StabilityPoll = 500 * time.Millisecond
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = 3 * time.Second
	}
	if c.ShortTextChars <= 0 {
		c.ShortTextChars = 500
	}
	if c.MinHTMLBytes <= 0 {
		c.MinHTMLBytes = 100
	}
}

// Fetcher drives pooled or freshly created pages through navigation,
// dynamic-content stabilization, scripted interaction and capture.
type Fetcher struct {
	cfg      Config
	pool     *Manager
	detector challenge.Detector
	logger   *zap.Logger
}

// New builds a browser Fetcher on top of a pool Manager.
func New(cfg Config, pool *Manager, detector challenge.Detector, logger *zap.Logger) *Fetcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Fetcher{cfg: cfg, pool: pool, detector: detector, logger: logger}
}

type acquisitionPath int

const (
	// pathPooled pages are recycled back into the pool.
	pathPooled acquisitionPath = iota
	// pathFresh pages on a shared browser are closed outright.
	pathFresh
	// pathProfile pages stay open; the profile browser persists.
	pathProfile
	// pathOwnedBrowser pages carry injected storage state in a dedicated
	// browser, which is closed with them.
	pathOwnedBrowser
)

type acquisition struct {
	page      *Page
	path      acquisitionPath
	browser   *Browser // owned transient browser, pathOwnedBrowser only
	handedOff bool
}

// Fetch navigates a page and returns its rendered content.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts enginefetch.BrowserOptions) (enginefetch.Result, error) {
	start := time.Now()
	res, err := f.fetch(ctx, rawURL, opts)
	res.Duration = time.Since(start)
	res.UsedBrowser = true

	outcome := "success"
	if err != nil {
		outcome = enginefetch.KindOf(err).String()
	}
	metrics.ObserveFetch("browser", outcome, rawURL, len(res.Body)+len(res.RawBytes), res.Duration)
	return res, err
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string, opts enginefetch.BrowserOptions) (enginefetch.Result, error) {
	if err := enginefetch.Validate(rawURL); err != nil {
		return enginefetch.Result{}, err
	}
	for _, a := range opts.Actions {
		if err := a.Validate(); err != nil {
			return enginefetch.Result{}, enginefetch.Invalid("%v", err)
		}
	}

	release, err := f.pool.AcquireSlot(ctx)
	if err != nil {
		return enginefetch.Result{}, err
	}
	defer release()

	acq, err := f.acquirePage(opts)
	if err != nil {
		return enginefetch.Result{}, enginefetch.WrapNetwork(err, "acquire browser page")
	}

	// broken marks a page that lost a timeout race or saw the caller
	// cancel; such pages are discarded, never recycled.
	var broken atomic.Bool
	defer func() {
		f.dispose(acq, broken.Load())
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.cfg.TotalTimeout
	}
	taskCtx, taskCancel := context.WithTimeout(acq.page.ctx, timeout)
	defer taskCancel()

	// The caller's cancellation must force-close the page: a losing
	// navigation must not leak browser resources.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			broken.Store(true)
			acq.page.cancel()
		case <-watchDone:
		}
	}()

	logger := f.logger.With(
		zap.String("request_id", uuid.NewString()),
		zap.String("url", rawURL),
		zap.Bool("stealth", opts.Stealth),
	)

	meta := acq.page.meta
	meta.reset()
	acq.page.netwatch.reset()

	// Blocking images/fonts/media/styles speeds fetches up, but is
	// skipped for screenshots (they need the pixels) and in stealth mode
	// (blocked resources are a detection signal). The flag steers the
	// page's long-lived interception handler; recycling disables the
	// fetch domain again.
	wantsShot := opts.Screenshot || hasScreenshotAction(opts.Actions)
	blockResources := !wantsShot && !opts.Stealth && !acq.page.browser.stealth
	acq.page.blocking.Store(blockResources)

	setup := f.setupTasks(opts)
	if blockResources {
		setup = append(setup, cdpfetch.Enable())
	}
	if err := chromedp.Run(taskCtx, setup); err != nil {
		broken.Store(true)
		return enginefetch.Result{}, f.classifyErr(err, ctx, rawURL, "page setup")
	}

	navCtx, navCancel := context.WithTimeout(taskCtx, f.cfg.NavTimeout)
	err = chromedp.Run(navCtx, chromedp.Navigate(rawURL))
	navCancel()
	if err != nil {
		broken.Store(true)
		return enginefetch.Result{}, f.classifyErr(err, ctx, rawURL, "navigation")
	}

	if opts.Wait > 0 {
		if err := sleepCtx(taskCtx, opts.Wait); err != nil {
			broken.Store(true)
			return enginefetch.Result{}, f.classifyErr(err, ctx, rawURL, "settle wait")
		}
	}

	f.stabilize(taskCtx, acq.page, logger)

	if opts.Stealth {
		// A small randomized pause before interacting reads as human.
		_ = sleepCtx(taskCtx, humanDelay())
	}

	var shot []byte
	for i, a := range opts.Actions {
		if err := runAction(taskCtx, a, &shot); err != nil {
			broken.Store(true)
			return enginefetch.Result{}, f.classifyErr(err, ctx, rawURL, "action "+string(a.Type))
		}
		logger.Debug("action executed", zap.Int("index", i), zap.String("type", string(a.Type)))
	}

	result, err := f.readContent(taskCtx, rawURL, meta)
	if err != nil {
		if enginefetch.KindOf(err) == enginefetch.KindTimeout {
			broken.Store(true)
		}
		return enginefetch.Result{}, err
	}

	if opts.Screenshot && shot == nil {
		if err := captureScreenshot(taskCtx, opts.FullPage, &shot); err != nil {
			broken.Store(true)
			return enginefetch.Result{}, f.classifyErr(err, ctx, rawURL, "screenshot")
		}
	}
	result.Screenshot = shot

	if opts.KeepPageOpen {
		acq.handedOff = true
		result.Page = &pageLease{page: acq.page, ownedBrowser: acq.browser}
	}

	logger.Debug("browser fetch complete",
		zap.Int("status", result.StatusCode),
		zap.String("content_type", result.ContentType),
		zap.Int("bytes", len(result.Body)+len(result.RawBytes)),
	)
	return result, nil
}

// acquirePage chooses the acquisition path. Pooling is skipped whenever a
// custom user agent, stealth, profile, storage state or keep-page-open is
// requested: those needs are incompatible with a shared anonymous page.
func (f *Fetcher) acquirePage(opts enginefetch.BrowserOptions) (*acquisition, error) {
	switch {
	case opts.ProfileDir != "":
		browser, err := f.pool.GetProfileBrowser(opts.ProfileDir, opts.Headed, opts.Stealth)
		if err != nil {
			return nil, err
		}
		page, err := newPage(browser)
		if err != nil {
			return nil, err
		}
		return &acquisition{page: page, path: pathProfile}, nil

	case opts.StorageState != nil:
		// Injected session state gets a dedicated browser so its cookie
		// jar never mixes with shared traffic.
		kind := BrowserPlain
		if opts.Stealth {
			kind = BrowserStealth
		}
		browser, err := launchBrowser(launchOptions{kind: kind, stealth: opts.Stealth}, f.logger)
		if err != nil {
			return nil, err
		}
		page, err := newPage(browser)
		if err != nil {
			browser.Close()
			return nil, err
		}
		return &acquisition{page: page, path: pathOwnedBrowser, browser: browser}, nil

	case opts.Stealth:
		browser, err := f.pool.GetBrowser(true)
		if err != nil {
			return nil, err
		}
		page, err := newPage(browser)
		if err != nil {
			return nil, err
		}
		return &acquisition{page: page, path: pathFresh}, nil

	case opts.UserAgent != "" || opts.KeepPageOpen:
		browser, err := f.pool.GetBrowser(false)
		if err != nil {
			return nil, err
		}
		page, err := newPage(browser)
		if err != nil {
			return nil, err
		}
		return &acquisition{page: page, path: pathFresh}, nil

	default:
		if page, ok := f.pool.BorrowPage(); ok {
			return &acquisition{page: page, path: pathPooled}, nil
		}
		browser, err := f.pool.GetBrowser(false)
		if err != nil {
			return nil, err
		}
		page, err := newPage(browser)
		if err != nil {
			return nil, err
		}
		return &acquisition{page: page, path: pathFresh}, nil
	}
}

// dispose runs on every exit path. Disposal follows the acquisition path;
// handed-off pages belong to the caller now.
func (f *Fetcher) dispose(acq *acquisition, broken bool) {
	if acq == nil || acq.handedOff {
		return
	}
	switch acq.path {
	case pathPooled:
		if broken {
			f.pool.DiscardPage(acq.page)
		} else {
			f.pool.ReturnPage(acq.page)
		}
	case pathFresh:
		acq.page.close()
	case pathOwnedBrowser:
		acq.page.close()
		acq.browser.Close()
	case pathProfile:
		// The profile browser persists; only a broken page is reaped.
		if broken {
			acq.page.close()
		}
	}
}

func (f *Fetcher) setupTasks(opts enginefetch.BrowserOptions) chromedp.Tasks {
	tasks := chromedp.Tasks{network.Enable()}
	if opts.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(opts.UserAgent))
	}
	if len(opts.Headers) > 0 {
		headers := network.Headers{}
		for key, values := range opts.Headers {
			if strings.EqualFold(key, "Host") {
				continue
			}
			headers[key] = strings.Join(values, ", ")
		}
		tasks = append(tasks, network.SetExtraHTTPHeaders(headers))
	}

	cookies := opts.Cookies
	if opts.StorageState != nil {
		cookies = append(cookies, opts.StorageState.Cookies...)
	}
	if len(cookies) > 0 {
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			for _, c := range cookies {
				param := network.SetCookie(c.Name, c.Value).
					WithDomain(c.Domain).
					WithSecure(c.Secure).
					WithHTTPOnly(c.HTTPOnly)
				if c.Path != "" {
					param = param.WithPath(c.Path)
				}
				if err := param.Do(ctx); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	return tasks
}

var blockedResourceTypes = map[network.ResourceType]bool{
	network.ResourceTypeImage:      true,
	network.ResourceTypeFont:       true,
	network.ResourceTypeMedia:      true,
	network.ResourceTypeStylesheet: true,
}

const (
	shortTextSettleBound = 2 * time.Second
	networkQuietWindow   = 500 * time.Millisecond
)

// stabilize tolerates single-page-app hydration without always paying the
// full wait: if the rendered text is very short it waits once, bounded, for
// the network to go quiet, then polls visible text length until two
// consecutive samples match or the window closes.
func (f *Fetcher) stabilize(ctx context.Context, p *Page, logger *zap.Logger) {
	if n := visibleTextLength(ctx); n < f.cfg.ShortTextChars {
		logger.Debug("short rendered text, waiting for network quiescence", zap.Int("chars", n))
		p.netwatch.awaitIdle(ctx, shortTextSettleBound, networkQuietWindow)
	}

	deadline := time.Now().Add(f.cfg.StabilityWindow)
	prev := -1
	for time.Now().Before(deadline) {
		if err := sleepCtx(ctx, f.cfg.StabilityPoll); err != nil {
			return
		}
		n := visibleTextLength(ctx)
		if n == prev {
			return
		}
		prev = n
	}
}

func (f *Fetcher) readContent(ctx context.Context, rawURL string, meta *responseMeta) (enginefetch.Result, error) {
	status, contentType, finalURL, requestID := meta.snapshot(rawURL)
	result := enginefetch.Result{
		FinalURL:    finalURL,
		StatusCode:  status,
		ContentType: contentType,
	}

	if isBinaryDocument(contentType) {
		var raw []byte
		err := chromedp.Run(ctx, chromedp.ActionFunc(func(cctx context.Context) error {
			body, bodyErr := network.GetResponseBody(requestID).Do(cctx)
			if bodyErr != nil {
				return bodyErr
			}
			raw = body
			return nil
		}))
		if err != nil {
			return enginefetch.Result{}, enginefetch.WrapNetwork(err, "read document body for %s", rawURL)
		}
		result.RawBytes = raw
		return result, nil
	}

	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return enginefetch.Result{}, f.classifyErr(err, ctx, rawURL, "read page content")
	}
	result.Body = html

	if len(html) < f.cfg.MinHTMLBytes {
		return enginefetch.Result{}, enginefetch.Blocked("suspiciously small response (%d bytes)", len(html))
	}
	if f.detector != nil {
		verdict := f.detector.Detect(html, status)
		if verdict.IsChallenge && verdict.Type != challenge.TypeEmptyShell {
			return enginefetch.Result{}, enginefetch.Blocked("challenge page detected: %s (confidence %.2f)", verdict.Type, verdict.Confidence)
		}
	}
	return result, nil
}

func (f *Fetcher) classifyErr(err error, callerCtx context.Context, rawURL, phase string) error {
	switch {
	case errors.Is(callerCtx.Err(), context.Canceled):
		return enginefetch.WrapTimeout(err, "%s canceled for %s", phase, rawURL)
	case errors.Is(err, context.DeadlineExceeded):
		return enginefetch.WrapTimeout(err, "%s timed out for %s", phase, rawURL)
	default:
		return enginefetch.WrapNetwork(err, "%s failed for %s", phase, rawURL)
	}
}

func isBinaryDocument(contentType string) bool {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct == "application/pdf" ||
		ct == "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
}

func hasScreenshotAction(actions []enginefetch.PageAction) bool {
	for _, a := range actions {
		if a.Type == enginefetch.ActionScreenshot {
			return true
		}
	}
	return false
}

func visibleTextLength(ctx context.Context) int {
	var n int
	err := chromedp.Run(ctx, chromedp.Evaluate(
		`document.body && document.body.innerText ? document.body.innerText.length : 0`, &n))
	if err != nil {
		return 0
	}
	return n
}

func captureScreenshot(ctx context.Context, fullPage bool, out *[]byte) error {
	if fullPage {
		return chromedp.Run(ctx, chromedp.FullScreenshot(out, 90))
	}
	return chromedp.Run(ctx, chromedp.CaptureScreenshot(out))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func humanDelay() time.Duration {
	return time.Duration(200+rand.IntN(601)) * time.Millisecond
}

// pageLease hands page ownership to the caller on keep-page-open fetches.
type pageLease struct {
	page         *Page
	ownedBrowser *Browser
}

// Close releases the page and, when the fetch launched a dedicated
// browser for it, the browser too.
func (l *pageLease) Close(context.Context) error {
	l.page.close()
	if l.ownedBrowser != nil {
		l.ownedBrowser.Close()
	}
	return nil
}
