package headless

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	enginefetch "github.com/webpeel/webpeel/internal/fetch"
	"github.com/webpeel/webpeel/internal/metrics"
)

// PoolConfig sizes the resource pool. Defaults match the reference
// deployment: 3 idle pages, 5 active pages, 30s acquire wait.
type PoolConfig struct {
	PagePoolSize   int
	MaxActivePages int
	AcquireTimeout time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.PagePoolSize < 0 {
		c.PagePoolSize = 0
	}
	if c.PagePoolSize == 0 {
		c.PagePoolSize = 3
	}
	if c.MaxActivePages <= 0 {
		c.MaxActivePages = 5
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
}

// Manager owns the shared plain and stealth browsers, the per-profile
// persistent browsers, and the idle page pool. All pool membership
// mutations happen under one mutex; multiple fetches borrow and return
// concurrently.
type Manager struct {
	cfg    PoolConfig
	logger *zap.Logger

	gate *semaphore.Weighted

	// openPage and recycle default to the chromedp-backed implementations;
	// tests substitute them to exercise pool invariants without a browser.
	openPage func(*Browser) (*Page, error)
	recycle  func(*Page) error

	mu        sync.Mutex
	plain     *Browser
	stealthB  *Browser
	profiles  map[string]*Browser
	idle      []*Page
	refilling bool
	closed    bool
}

// NewManager builds a Manager. Browsers launch lazily on first demand.
func NewManager(cfg PoolConfig, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		gate:     semaphore.NewWeighted(int64(cfg.MaxActivePages)),
		openPage: newPage,
		recycle:  recyclePage,
		profiles: make(map[string]*Browser),
	}
}

// AcquireSlot blocks until a page slot is free, bounded by the configured
// acquire timeout. The returned release function must be called on every
// exit path.
func (m *Manager) AcquireSlot(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()
	if err := m.gate.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, enginefetch.WrapTimeout(ctx.Err(), "fetch canceled while waiting for a page slot")
		}
		return nil, enginefetch.Timeout("timed out after %s waiting for a free page slot", m.cfg.AcquireTimeout)
	}
	metrics.IncPagesActive()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.gate.Release(1)
			metrics.DecPagesActive()
		})
	}, nil
}

// GetBrowser returns the shared plain or stealth browser, health-checking
// and relaunching it if the process disconnected.
func (m *Manager) GetBrowser(stealth bool) (*Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stealth {
		if m.stealthB.Connected() {
			return m.stealthB, nil
		}
		if m.stealthB != nil {
			m.stealthB.Close()
		}
		b, err := launchBrowser(launchOptions{kind: BrowserStealth, stealth: true}, m.logger)
		if err != nil {
			return nil, err
		}
		m.stealthB = b
		return b, nil
	}

	if m.plain.Connected() {
		return m.plain, nil
	}
	// A dead browser invalidates every page pooled on it.
	if m.plain != nil {
		m.plain.Close()
		m.dropIdleLocked()
	}
	b, err := launchBrowser(launchOptions{kind: BrowserPlain}, m.logger)
	if err != nil {
		return nil, err
	}
	m.plain = b
	return b, nil
}

// GetProfileBrowser returns the persistent browser bound to the profile
// directory, launching it on first use. Profile browsers are never shared
// across distinct directories and live until CloseProfileBrowser or
// Cleanup.
func (m *Manager) GetProfileBrowser(dir string, headed, stealth bool) (*Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.profiles[dir]; ok {
		if b.Connected() {
			return b, nil
		}
		b.Close()
		delete(m.profiles, dir)
	}
	b, err := launchBrowser(launchOptions{
		kind:       BrowserProfile,
		profileDir: dir,
		headed:     headed,
		stealth:    stealth,
	}, m.logger)
	if err != nil {
		return nil, err
	}
	m.profiles[dir] = b
	return b, nil
}

// CloseProfileBrowser ends the persistent session for a profile directory.
func (m *Manager) CloseProfileBrowser(dir string) {
	m.mu.Lock()
	b, ok := m.profiles[dir]
	if ok {
		delete(m.profiles, dir)
	}
	m.mu.Unlock()
	if ok {
		b.Close()
	}
}

// BorrowPage hands out an idle pooled page, discarding any that were found
// closed. Returns false when the pool is empty.
func (m *Manager) BorrowPage() (*Page, bool) {
	m.mu.Lock()
	var page *Page
	for len(m.idle) > 0 {
		candidate := m.idle[len(m.idle)-1]
		m.idle = m.idle[:len(m.idle)-1]
		if candidate.Alive() {
			page = candidate
			break
		}
		candidate.close()
	}
	metrics.SetPagePoolIdle(len(m.idle))
	needRefill := len(m.idle) < m.cfg.PagePoolSize
	m.mu.Unlock()

	if needRefill {
		m.refillAsync()
	}
	if page == nil {
		return nil, false
	}
	return page, true
}

// ReturnPage recycles a borrowed page back into the pool. Any recycling
// failure discards the page instead and triggers a background refill.
func (m *Manager) ReturnPage(p *Page) {
	if p == nil {
		return
	}
	if !p.Alive() || !p.browser.Connected() {
		m.DiscardPage(p)
		return
	}
	if err := m.recycle(p); err != nil {
		m.logger.Debug("page recycle failed, discarding", zap.Error(err))
		m.DiscardPage(p)
		return
	}

	m.mu.Lock()
	if m.closed || len(m.idle) >= m.cfg.PagePoolSize {
		m.mu.Unlock()
		p.close()
		return
	}
	m.idle = append(m.idle, p)
	metrics.SetPagePoolIdle(len(m.idle))
	m.mu.Unlock()
}

// DiscardPage closes a page without recycling and refills the pool.
func (m *Manager) DiscardPage(p *Page) {
	p.close()
	m.refillAsync()
}

// recyclePage resets a page to a neutral state between uses: interception
// off, cookies cleared, extra headers reset, parked on about:blank.
func recyclePage(p *Page) error {
	recycleCtx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	return chromedp.Run(recycleCtx, chromedp.Tasks{
		fetch.Disable(),
		network.ClearBrowserCookies(),
		network.SetExtraHTTPHeaders(network.Headers{}),
		chromedp.Navigate("about:blank"),
	})
}

// refillAsync tops the idle pool back up to target in the background.
// Refills are coalesced: only one runs at a time, so load spikes do not
// launch excess pages.
func (m *Manager) refillAsync() {
	m.mu.Lock()
	if m.refilling || m.closed || m.cfg.PagePoolSize == 0 {
		m.mu.Unlock()
		return
	}
	m.refilling = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.refilling = false
			m.mu.Unlock()
		}()
		for {
			m.mu.Lock()
			browser := m.plain
			need := !m.closed && len(m.idle) < m.cfg.PagePoolSize && browser.Connected()
			m.mu.Unlock()
			if !need {
				return
			}

			page, err := m.openPage(browser)
			if err != nil {
				m.logger.Debug("page pool refill failed", zap.Error(err))
				return
			}
			page.pooled = true

			m.mu.Lock()
			if m.closed || len(m.idle) >= m.cfg.PagePoolSize || !browser.Connected() {
				m.mu.Unlock()
				page.close()
				return
			}
			m.idle = append(m.idle, page)
			metrics.SetPagePoolIdle(len(m.idle))
			m.mu.Unlock()
		}
	}()
}

// Warmup launches the shared plain browser and fills its page pool.
func (m *Manager) Warmup() error {
	browser, err := m.GetBrowser(false)
	if err != nil {
		return err
	}
	for {
		m.mu.Lock()
		full := len(m.idle) >= m.cfg.PagePoolSize
		m.mu.Unlock()
		if full {
			return nil
		}
		page, err := m.openPage(browser)
		if err != nil {
			return err
		}
		page.pooled = true
		m.mu.Lock()
		m.idle = append(m.idle, page)
		metrics.SetPagePoolIdle(len(m.idle))
		m.mu.Unlock()
	}
}

// Cleanup closes every pooled page and every shared and profile browser.
// The manager must not be used afterwards.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	m.closed = true
	idle := m.idle
	m.idle = nil
	plain, stealthB := m.plain, m.stealthB
	m.plain, m.stealthB = nil, nil
	profiles := m.profiles
	m.profiles = make(map[string]*Browser)
	metrics.SetPagePoolIdle(0)
	m.mu.Unlock()

	for _, p := range idle {
		p.close()
	}
	plain.Close()
	stealthB.Close()
	for _, b := range profiles {
		b.Close()
	}
}

func (m *Manager) dropIdleLocked() {
	for _, p := range m.idle {
		p.close()
	}
	m.idle = nil
	metrics.SetPagePoolIdle(0)
}
