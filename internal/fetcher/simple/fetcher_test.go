package simplefetch

import (
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/webpeel/webpeel/internal/challenge"
	"github.com/webpeel/webpeel/internal/condcache"
	"github.com/webpeel/webpeel/internal/fetch"
)

// hostRewriteTransport sends every request to the test server regardless of
// the URL's hostname, so fetches can use public-looking hostnames that pass
// URL safety validation.
type hostRewriteTransport struct {
	target string
}

func (t hostRewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = "http"
	clone.URL.Host = t.target
	return http.DefaultTransport.RoundTrip(clone)
}

// failingTransport fails the test if any request reaches the network.
type failingTransport struct {
	t *testing.T
}

func (t failingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.t.Errorf("unexpected outbound request to %s", req.URL)
	return nil, fmt.Errorf("no outbound requests allowed")
}

func newTestFetcher(t *testing.T, cfg Config, cache *condcache.Cache, detector challenge.Detector, srv *httptest.Server) *Fetcher {
	t.Helper()
	f := New(cfg, cache, detector, nil, nil)
	f.client.Transport = hostRewriteTransport{target: srv.Listener.Addr().String()}
	t.Cleanup(srv.Close)
	return f
}

const longHTML = `<html><body><main>
<h1>Store catalogue</h1>
<p>Plenty of real rendered content lives on this page, comfortably more
than one hundred bytes of markup and visible text for the size check.</p>
</main></body></html>`

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, longHTML)
	}))
	f := newTestFetcher(t, Config{}, nil, nil, srv)

	res, err := f.Fetch(context.Background(), "http://shop.example/catalogue", fetch.SimpleOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
	if res.Body != longHTML {
		t.Errorf("body mismatch: %q", res.Body)
	}
	if res.FinalURL != "http://shop.example/catalogue" {
		t.Errorf("final url = %q", res.FinalURL)
	}
	if res.UsedBrowser {
		t.Error("simple pipeline must not report browser use")
	}
	if !strings.HasPrefix(res.ContentType, "text/html") {
		t.Errorf("content type = %q", res.ContentType)
	}
}

func TestFetchAppliesHeaders(t *testing.T) {
	t.Parallel()

	var gotUA, gotAccept, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		gotCustom = r.Header.Get("X-Custom")
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "ok")
	}))
	f := newTestFetcher(t, Config{}, nil, nil, srv)

	headers := http.Header{}
	headers.Set("X-Custom", "value")
	_, err := f.Fetch(context.Background(), "http://shop.example/", fetch.SimpleOptions{
		UserAgent: "custom-agent/1.0",
		Headers:   headers,
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotUA != "custom-agent/1.0" {
		t.Errorf("user agent = %q", gotUA)
	}
	if gotAccept == "" {
		t.Error("expected a realistic Accept header to be sent")
	}
	if gotCustom != "value" {
		t.Errorf("custom header = %q", gotCustom)
	}
}

func TestFetchRejectsHostOverride(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil, nil, nil)
	f.client.Transport = failingTransport{t: t}

	headers := http.Header{}
	headers.Set("Host", "internal-service")
	_, err := f.Fetch(context.Background(), "http://shop.example/", fetch.SimpleOptions{Headers: headers})
	if fetch.KindOf(err) != fetch.KindInvalid {
		t.Fatalf("err = %v, want KindInvalid", err)
	}
}

func TestFetchBlocksInternalTargetsBeforeDialing(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil, nil, nil)
	f.client.Transport = failingTransport{t: t}

	for _, rawURL := range []string{
		"http://127.0.0.1/admin",
		"http://169.254.169.254/latest/meta-data/",
		"http://0x7f000001/",
		"ftp://example.com/",
	} {
		_, err := f.Fetch(context.Background(), rawURL, fetch.SimpleOptions{})
		if fetch.KindOf(err) != fetch.KindInvalid {
			t.Errorf("Fetch(%q) err = %v, want KindInvalid", rawURL, err)
		}
	}
}

func TestFetchFollowsRedirects(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, "/middle", http.StatusMovedPermanently)
		case "/middle":
			http.Redirect(w, r, "http://shop.example/end", http.StatusFound)
		case "/end":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, longHTML)
		default:
			http.NotFound(w, r)
		}
	}))
	f := newTestFetcher(t, Config{}, nil, nil, srv)

	res, err := f.Fetch(context.Background(), "http://shop.example/start", fetch.SimpleOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.FinalURL != "http://shop.example/end" {
		t.Errorf("final url = %q, want the post-redirect url", res.FinalURL)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
}

func TestFetchDetectsRedirectLoop(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			http.Redirect(w, r, "/b", http.StatusFound)
		case "/b":
			http.Redirect(w, r, "/a", http.StatusFound)
		}
	}))
	f := newTestFetcher(t, Config{}, nil, nil, srv)

	_, err := f.Fetch(context.Background(), "http://shop.example/a", fetch.SimpleOptions{})
	if fetch.KindOf(err) != fetch.KindNetwork {
		t.Fatalf("err = %v, want KindNetwork", err)
	}
	if !strings.Contains(err.Error(), "redirect loop detected") {
		t.Fatalf("err = %v, want redirect loop message", err)
	}
}

func TestFetchCapsRedirectChain(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n int
		fmt.Sscanf(r.URL.Path, "/hop/%d", &n)
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n+1), http.StatusFound)
	}))
	f := newTestFetcher(t, Config{MaxRedirects: 3}, nil, nil, srv)

	_, err := f.Fetch(context.Background(), "http://shop.example/hop/0", fetch.SimpleOptions{})
	if fetch.KindOf(err) != fetch.KindNetwork {
		t.Fatalf("err = %v, want KindNetwork", err)
	}
	if !strings.Contains(err.Error(), "too many redirects") {
		t.Fatalf("err = %v, want redirect cap message", err)
	}
}

func TestFetchRevalidatesRedirectTargets(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://127.0.0.1:9/internal", http.StatusFound)
	}))
	f := newTestFetcher(t, Config{}, nil, nil, srv)

	_, err := f.Fetch(context.Background(), "http://shop.example/", fetch.SimpleOptions{})
	if fetch.KindOf(err) != fetch.KindInvalid {
		t.Fatalf("err = %v, want KindInvalid for internal redirect target", err)
	}
}

func TestFetchConditionalRevalidation(t *testing.T) {
	t.Parallel()

	const etag = `"v1"`
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, longHTML)
	}))
	cache := condcache.New(10)
	f := newTestFetcher(t, Config{}, cache, nil, srv)

	first, err := f.Fetch(context.Background(), "http://shop.example/page", fetch.SimpleOptions{})
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", first.StatusCode)
	}

	second, err := f.Fetch(context.Background(), "http://shop.example/page", fetch.SimpleOptions{})
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if second.StatusCode != http.StatusNotModified {
		t.Errorf("second status = %d, want 304", second.StatusCode)
	}
	if second.Body != longHTML {
		t.Errorf("expected cached body to be served, got %q", second.Body)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
}

func TestFetchBinaryDocumentsAreNotRevalidated(t *testing.T) {
	t.Parallel()

	// Binary bodies are never cached, so the pipeline must not send
	// validators for them: an answering 304 would have nothing to serve.
	const etag = `"pdf-v1"`
	pdf := []byte("%PDF-1.7 quarterly report bytes")
	var requests, conditional int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("If-None-Match") != "" {
			conditional++
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(pdf)
	}))
	f := newTestFetcher(t, Config{}, condcache.New(10), nil, srv)

	for i := 1; i <= 2; i++ {
		res, err := f.Fetch(context.Background(), "http://shop.example/report.pdf", fetch.SimpleOptions{})
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if res.StatusCode != http.StatusOK {
			t.Fatalf("fetch %d status = %d, want 200", i, res.StatusCode)
		}
		if string(res.RawBytes) != string(pdf) {
			t.Fatalf("fetch %d raw bytes mismatch", i)
		}
	}
	if conditional != 0 {
		t.Errorf("conditional requests = %d, want 0", conditional)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
}

func TestFetchIgnoresValidatorsWithoutCachedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, longHTML)
	}))
	cache := condcache.New(10)
	// A validator entry with no body cannot answer a 304 and must be
	// treated as a miss.
	cache.Put("http://shop.example/page", condcache.Entry{
		Validators: condcache.Validators{ETag: `"stale"`},
	})
	f := newTestFetcher(t, Config{}, cache, nil, srv)

	res, err := f.Fetch(context.Background(), "http://shop.example/page", fetch.SimpleOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 full response", res.StatusCode)
	}
	if res.Body != longHTML {
		t.Errorf("body mismatch: %q", res.Body)
	}
}

func TestFetch304WithoutCacheIsNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	f := newTestFetcher(t, Config{}, condcache.New(10), nil, srv)

	_, err := f.Fetch(context.Background(), "http://shop.example/page", fetch.SimpleOptions{})
	if fetch.KindOf(err) != fetch.KindNetwork {
		t.Fatalf("err = %v, want KindNetwork", err)
	}
	if !strings.Contains(err.Error(), "304") {
		t.Fatalf("err = %v, want 304 contract message", err)
	}
}

func TestFetchRejectsTinyHTML(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	}))
	f := newTestFetcher(t, Config{}, nil, nil, srv)

	_, err := f.Fetch(context.Background(), "http://shop.example/", fetch.SimpleOptions{})
	if fetch.KindOf(err) != fetch.KindBlocked {
		t.Fatalf("err = %v, want KindBlocked", err)
	}
}

func TestFetchTinyPlainTextIsAllowed(t *testing.T) {
	t.Parallel()

	// The minimum-size check applies to HTML only.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "ok")
	}))
	f := newTestFetcher(t, Config{}, nil, nil, srv)

	res, err := f.Fetch(context.Background(), "http://shop.example/health", fetch.SimpleOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Body != "ok" {
		t.Errorf("body = %q", res.Body)
	}
}

func TestFetchDetectsChallengePage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `<html><title>Just a moment...</title><body>
			Checking your browser before accessing shop.example. This process
			is automatic and you will be redirected shortly.</body></html>`)
	}))
	f := newTestFetcher(t, Config{}, nil, challenge.NewHeuristic(0), srv)

	_, err := f.Fetch(context.Background(), "http://shop.example/", fetch.SimpleOptions{})
	if fetch.KindOf(err) != fetch.KindBlocked {
		t.Fatalf("err = %v, want KindBlocked", err)
	}
	if !strings.Contains(err.Error(), "cloudflare") {
		t.Fatalf("err = %v, want challenge type in message", err)
	}
}

func TestFetchEnforcesBodySizeCap(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>")
		fmt.Fprint(w, strings.Repeat("x", 4096))
		fmt.Fprint(w, "</body></html>")
	}))
	f := newTestFetcher(t, Config{MaxBodyBytes: 1024}, nil, nil, srv)

	_, err := f.Fetch(context.Background(), "http://shop.example/huge", fetch.SimpleOptions{})
	if fetch.KindOf(err) != fetch.KindInvalid {
		t.Fatalf("err = %v, want KindInvalid", err)
	}
	if !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("err = %v, want size cap message", err)
	}
}

func TestFetchDecodesGzip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		fmt.Fprint(gz, longHTML)
		gz.Close()
	}))
	f := newTestFetcher(t, Config{}, nil, nil, srv)

	res, err := f.Fetch(context.Background(), "http://shop.example/", fetch.SimpleOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Body != longHTML {
		t.Errorf("expected decoded body, got %q", res.Body)
	}
}

func TestFetchBinaryDocuments(t *testing.T) {
	t.Parallel()

	pdf := []byte("%PDF-1.7 fake document bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/report.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write(pdf)
		case "/archive.zip":
			w.Header().Set("Content-Type", "application/zip")
			_, _ = w.Write([]byte("PK"))
		case "/unnamed":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte{0x00})
		}
	}))
	f := newTestFetcher(t, Config{}, nil, nil, srv)

	res, err := f.Fetch(context.Background(), "http://shop.example/report.pdf", fetch.SimpleOptions{})
	if err != nil {
		t.Fatalf("pdf fetch: %v", err)
	}
	if string(res.RawBytes) != string(pdf) {
		t.Errorf("raw bytes mismatch")
	}
	if res.Body != "" {
		t.Errorf("pdf must not populate Body, got %q", res.Body)
	}

	_, err = f.Fetch(context.Background(), "http://shop.example/archive.zip", fetch.SimpleOptions{})
	if fetch.KindOf(err) != fetch.KindInvalid {
		t.Errorf("zip err = %v, want KindInvalid", err)
	}

	_, err = f.Fetch(context.Background(), "http://shop.example/unnamed", fetch.SimpleOptions{})
	if fetch.KindOf(err) != fetch.KindInvalid {
		t.Errorf("octet-stream err = %v, want KindInvalid", err)
	}
}

func TestFetchConnectionRefusedIsNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	f := newTestFetcher(t, Config{}, nil, nil, srv)
	srv.Close()

	_, err := f.Fetch(context.Background(), "http://shop.example/", fetch.SimpleOptions{})
	if fetch.KindOf(err) != fetch.KindNetwork {
		t.Fatalf("err = %v, want KindNetwork", err)
	}
}
