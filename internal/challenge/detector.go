// Package challenge detects bot-verification interstitials served instead
// of real content.
package challenge

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Verdict is the result of inspecting an HTML body.
type Verdict struct {
	IsChallenge bool
	// Type names the detected challenge ("cloudflare", "captcha",
	// "access-denied", "empty-shell"). An empty-shell verdict means an
	// unhydrated single-page app, not a bot block, and must not be
	// treated as Blocked by callers.
	Type       string
	Confidence float64
}

// TypeEmptyShell marks a rendered page with almost no visible text.
const TypeEmptyShell = "empty-shell"

// Detector inspects HTML bodies for challenge pages.
type Detector interface {
	Detect(html string, statusCode int) Verdict
}

// Heuristic implements Detector with keyword and structure signals.
type Heuristic struct {
	minVisibleChars int
}

// NewHeuristic builds a Heuristic detector. minVisibleChars controls the
// empty-shell threshold (a sane default is used when <= 0).
func NewHeuristic(minVisibleChars int) *Heuristic {
	if minVisibleChars <= 0 {
		minVisibleChars = 80
	}
	return &Heuristic{minVisibleChars: minVisibleChars}
}

type signal struct {
	needle     string
	kind       string
	confidence float64
}

var signals = []signal{
	{"checking your browser", "cloudflare", 0.95},
	{"just a moment", "cloudflare", 0.9},
	{"cf-challenge", "cloudflare", 0.9},
	{"cf-browser-verification", "cloudflare", 0.9},
	{"attention required! | cloudflare", "cloudflare", 0.9},
	{"ddos-guard", "ddos-guard", 0.85},
	{"verify you are human", "captcha", 0.9},
	{"g-recaptcha", "captcha", 0.85},
	{"h-captcha", "captcha", 0.85},
	{"are you a robot", "captcha", 0.8},
	{"access denied", "access-denied", 0.7},
	{"request unsuccessful. incapsula", "incapsula", 0.9},
	{"pardon our interruption", "bot-detection", 0.85},
	{"enable javascript and cookies to continue", "bot-detection", 0.8},
}

// Detect inspects the body and status code. Challenge-status codes raise
// keyword confidence; a near-empty rendered body without challenge markers
// is reported as an empty shell.
func (h *Heuristic) Detect(html string, statusCode int) Verdict {
	lower := strings.ToLower(html)
	body := []byte(lower)
	for _, s := range signals {
		if !bytes.Contains(body, []byte(s.needle)) {
			continue
		}
		confidence := s.confidence
		if statusCode == http.StatusForbidden || statusCode == http.StatusServiceUnavailable {
			confidence = min(confidence+0.05, 1)
		}
		return Verdict{IsChallenge: true, Type: s.kind, Confidence: confidence}
	}

	if h.looksLikeEmptyShell(html) {
		return Verdict{IsChallenge: true, Type: TypeEmptyShell, Confidence: 0.6}
	}
	return Verdict{}
}

// looksLikeEmptyShell reports pages whose visible text is below the
// threshold but which carry an SPA mount point, i.e. a page that needs
// hydration rather than one that blocked us.
func (h *Heuristic) looksLikeEmptyShell(html string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	text := strings.TrimSpace(doc.Find("body").Text())
	if len(text) >= h.minVisibleChars {
		return false
	}
	for _, sel := range []string{"#root", "#app", "#__next", "[data-reactroot]"} {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}
