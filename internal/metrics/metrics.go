// Package metrics exposes Prometheus collectors for the fetch engine.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal         *prometheus.CounterVec
	fetchDurationSeconds *prometheus.HistogramVec
	bytesTotal           *prometheus.CounterVec
	cacheEventsTotal     *prometheus.CounterVec
	pagesActive          prometheus.Gauge
	pagePoolIdle         prometheus.Gauge
	browserLaunchesTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webpeel_fetches_total",
				Help: "Total fetches, labeled by pipeline, outcome and site.",
			},
			[]string{"pipeline", "outcome", "site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webpeel_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by pipeline.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"pipeline"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webpeel_bytes_total",
				Help: "Total response bytes read, labeled by pipeline.",
			},
			[]string{"pipeline"},
		)

		cacheEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webpeel_cache_events_total",
				Help: "Conditional cache events (hit, miss, revalidated).",
			},
			[]string{"event"},
		)

		pagesActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webpeel_pages_active",
				Help: "Browser pages currently held by in-flight fetches.",
			},
		)

		pagePoolIdle = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webpeel_page_pool_idle",
				Help: "Pre-warmed idle pages available in the pool.",
			},
		)

		browserLaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webpeel_browser_launches_total",
				Help: "Browser process launches, labeled by kind.",
			},
			[]string{"kind"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname for use as a label value.
// Returns "unknown" for unparsable input.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns the http.Handler exposing the collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records a completed fetch attempt.
func ObserveFetch(pipeline, outcome, rawURL string, bytesRead int, duration time.Duration) {
	fetchesTotal.WithLabelValues(pipeline, outcome, SanitizeSite(rawURL)).Inc()
	fetchDurationSeconds.WithLabelValues(pipeline).Observe(duration.Seconds())
	if bytesRead > 0 {
		bytesTotal.WithLabelValues(pipeline).Add(float64(bytesRead))
	}
}

// ObserveCacheEvent counts a conditional cache hit, miss or revalidation.
func ObserveCacheEvent(event string) {
	cacheEventsTotal.WithLabelValues(event).Inc()
}

// ObserveBrowserLaunch counts a browser process launch.
func ObserveBrowserLaunch(kind string) {
	browserLaunchesTotal.WithLabelValues(kind).Inc()
}

// IncPagesActive increments the active pages gauge.
func IncPagesActive() {
	pagesActive.Inc()
}

// DecPagesActive decrements the active pages gauge.
func DecPagesActive() {
	pagesActive.Dec()
}

// SetPagePoolIdle records the current idle pool size.
func SetPagePoolIdle(n int) {
	pagePoolIdle.Set(float64(n))
}
