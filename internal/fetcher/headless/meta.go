package headless

import (
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"
)

// responseMeta captures the main document response observed on the wire:
// status code, content type, final URL, and the request id needed to read
// raw bytes for binary documents. One instance lives on each Page and is
// reset between fetches.
type responseMeta struct {
	mu          sync.Mutex
	status      int
	contentType string
	url         string
	requestID   network.RequestID
}

// handle consumes one CDP event. Later document responses overwrite earlier
// ones, so after redirects the final document wins.
func (m *responseMeta) handle(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.requestID = resp.RequestID
	m.contentType = documentMimeType(resp.Response)
	m.mu.Unlock()
}

// reset clears state captured by a previous fetch on the same page.
func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.contentType = ""
	m.url = ""
	m.requestID = ""
	m.mu.Unlock()
}

func documentMimeType(resp *network.Response) string {
	if resp.MimeType != "" {
		return resp.MimeType
	}
	for key, value := range resp.Headers {
		if strings.EqualFold(key, "Content-Type") {
			if s, ok := value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// snapshot returns the captured values with fallbacks for pages that never
// produced a document response event (e.g. about:blank).
func (m *responseMeta) snapshot(requestURL string) (status int, contentType, finalURL string, requestID network.RequestID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status = m.status
	if status == 0 {
		status = 200
	}
	finalURL = m.url
	if finalURL == "" {
		finalURL = requestURL
	}
	return status, m.contentType, finalURL, m.requestID
}
