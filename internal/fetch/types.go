// Package fetch defines core types shared across the fetch pipelines.
package fetch

import (
	"context"
	"net/http"
	"time"
)

// Result is returned by either fetch pipeline.
type Result struct {
	// Body holds the decoded text content for text-like responses. Empty
	// for binary documents, which are returned via RawBytes instead.
	Body string

	// RawBytes holds the raw response body for supported binary document
	// kinds (PDF, DOCX).
	RawBytes []byte

	// FinalURL is the URL after all redirects.
	FinalURL string

	StatusCode  int
	ContentType string

	// Screenshot holds PNG bytes when a screenshot was requested, either
	// for the whole fetch or by a scripted action.
	Screenshot []byte

	// Page is non-nil only when the caller asked to keep the page open.
	// Ownership transfers to the caller, who must call Close.
	Page PageHandle

	// UsedBrowser reports which pipeline produced the result.
	UsedBrowser bool

	Duration time.Duration
}

// PageHandle is a live browser page whose lifecycle has been handed to the
// caller. Close releases the page and, for non-shared browsers, the
// browser itself.
type PageHandle interface {
	Close(ctx context.Context) error
}

// SimpleOptions configures the lightweight HTTP pipeline.
type SimpleOptions struct {
	UserAgent string
	Timeout   time.Duration
	Headers   http.Header
}

// Cookie is injected into a browser page before navigation.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
}

// StorageState carries session state to inject into a fresh browser
// context, preserved from a previous authenticated session.
type StorageState struct {
	Cookies []Cookie `json:"cookies"`
}

// BrowserOptions configures the browser pipeline.
type BrowserOptions struct {
	// Wait is an extra settle delay applied after navigation, before the
	// DOM-stability poll.
	Wait time.Duration

	Timeout   time.Duration
	UserAgent string
	Headers   http.Header
	Cookies   []Cookie

	// Stealth launches (or reuses) the stealth browser and disables
	// resource blocking, which is itself a detection signal.
	Stealth bool

	// ProfileDir selects a persistent profile-keyed browser. Cookies and
	// session state survive across fetches for the life of the process.
	ProfileDir string

	// Headed launches the profile browser with a visible window. Only
	// meaningful together with ProfileDir.
	Headed bool

	// StorageState injects session state into a dedicated context.
	StorageState *StorageState

	// Actions are executed in order after the page has stabilized.
	Actions []PageAction

	// Screenshot captures the viewport after actions complete. Implies
	// that resource blocking is disabled.
	Screenshot bool

	// FullPage extends Screenshot to the full scroll height.
	FullPage bool

	// KeepPageOpen transfers page (and browser handle) ownership to the
	// caller via Result.Page instead of releasing it.
	KeepPageOpen bool
}
