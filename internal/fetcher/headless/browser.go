// Package headless implements the browser fetch pipeline and the resource
// pool that owns long-lived browser processes and pre-warmed pages.
package headless

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	cdpfetch "github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/webpeel/webpeel/internal/metrics"
)

// BrowserKind distinguishes the three tracked browser flavors. Stealth and
// profile browsers are never pooled together with plain traffic: mixing
// anti-detection postures is itself a detection signal.
type BrowserKind string

// Browser kinds.
const (
	BrowserPlain   BrowserKind = "plain"
	BrowserStealth BrowserKind = "stealth"
	BrowserProfile BrowserKind = "profile"
)

type launchOptions struct {
	kind       BrowserKind
	profileDir string
	headed     bool
	stealth    bool
}

// Browser wraps a running Chrome process and its chromedp contexts.
type Browser struct {
	kind        BrowserKind
	profileDir  string
	stealth     bool
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
}

func launchBrowser(opts launchOptions, logger *zap.Logger) (*Browser, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if opts.stealth || opts.kind == BrowserStealth {
		allocOpts = append(allocOpts, stealthAllocatorOptions()...)
	}
	if opts.kind == BrowserProfile {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.profileDir))
		if opts.headed {
			allocOpts = append(allocOpts, chromedp.Flag("headless", false))
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch %s browser: %w", opts.kind, err)
	}

	metrics.ObserveBrowserLaunch(string(opts.kind))
	logger.Info("browser launched",
		zap.String("kind", string(opts.kind)),
		zap.String("profile_dir", opts.profileDir),
		zap.Bool("stealth", opts.stealth || opts.kind == BrowserStealth),
	)

	return &Browser{
		kind:        opts.kind,
		profileDir:  opts.profileDir,
		stealth:     opts.stealth || opts.kind == BrowserStealth,
		allocCancel: allocCancel,
		ctx:         browserCtx,
		cancel:      browserCancel,
	}, nil
}

// Connected reports whether the browser process is still reachable.
func (b *Browser) Connected() bool {
	return b != nil && b.ctx.Err() == nil
}

// Close tears down the browser process and its allocator.
func (b *Browser) Close() {
	if b == nil {
		return
	}
	b.cancel()
	b.allocCancel()
}

// Page is a browser tab, either pooled (pre-warmed, anonymous) or created
// for a single fetch. Event state (meta, netwatch, blocking) is owned by
// the page and reset per fetch; the CDP listener feeding it is registered
// exactly once, in newPage, because chromedp never unregisters listeners
// and pooled tabs are reused across many fetches.
type Page struct {
	ctx      context.Context
	cancel   context.CancelFunc
	browser  *Browser
	pooled   bool
	meta     *responseMeta
	netwatch *networkWatch
	blocking atomic.Bool
}

// newPage opens a tab on the browser. Stealth browsers get the evasion
// script installed before any document runs.
func newPage(b *Browser) (*Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	p := &Page{
		ctx:      tabCtx,
		cancel:   tabCancel,
		browser:  b,
		meta:     &responseMeta{},
		netwatch: newNetworkWatch(),
	}
	tasks := chromedp.Tasks{}
	if b.stealth {
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}))
	}
	// Running an (even empty) task list materializes the tab.
	if err := chromedp.Run(tabCtx, tasks); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open page: %w", err)
	}
	chromedp.ListenTarget(tabCtx, p.handleEvent)
	return p, nil
}

// handleEvent is the page's single CDP listener for its whole lifetime.
func (p *Page) handleEvent(ev any) {
	p.meta.handle(ev)
	p.netwatch.handle(ev)
	if e, ok := ev.(*cdpfetch.EventRequestPaused); ok {
		go p.resolvePaused(e)
	}
}

// shouldBlock reports whether a paused request is aborted under the current
// per-fetch blocking policy.
func (p *Page) shouldBlock(rt network.ResourceType) bool {
	return p.blocking.Load() && blockedResourceTypes[rt]
}

func (p *Page) resolvePaused(e *cdpfetch.EventRequestPaused) {
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(p.ctx, c.Target)
	if p.shouldBlock(e.ResourceType) {
		_ = cdpfetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
		return
	}
	_ = cdpfetch.ContinueRequest(e.RequestID).Do(execCtx)
}

// Alive reports whether the tab has not been closed.
func (p *Page) Alive() bool {
	return p != nil && p.ctx.Err() == nil
}

func (p *Page) close() {
	if p == nil {
		return
	}
	p.cancel()
}
