package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	// Init multiple times: collectors must register exactly once and stay
	// usable afterwards.
	Init()
	Init()

	require.NotNil(t, fetchesTotal)
	require.NotNil(t, fetchDurationSeconds)
	require.NotNil(t, bytesTotal)
	require.NotNil(t, cacheEventsTotal)
	require.NotNil(t, pagesActive)
	require.NotNil(t, pagePoolIdle)
	require.NotNil(t, browserLaunchesTotal)

	require.NotPanics(t, func() {
		ObserveFetch("simple", "success", "https://example.com/page", 1024, 0)
		ObserveFetch("browser", "timeout", "https://example.com/page", 0, 0)
		ObserveCacheEvent("hit")
		ObserveBrowserLaunch("plain")
		IncPagesActive()
		DecPagesActive()
		SetPagePoolIdle(3)
	})
}

func TestHandlerServesCollectors(t *testing.T) {
	Init()
	require.NotNil(t, Handler())
}
