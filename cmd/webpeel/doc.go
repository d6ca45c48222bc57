// Package main hosts the webpeel fetch engine entrypoint.
//
// Architecture overview:
//   - CLI: cmd builds cobra subcommands (fetch, screenshot, serve) on top of a shared engine.Engine constructed in
//     the root command's PersistentPreRunE and torn down in PersistentPostRun. Viper populates config from file/env;
//     zap provides structured logging.
//   - URL safety: internal/fetch.Validate rejects private, loopback and link-local targets before any request leaves
//     the process, including obfuscated IPv4 literal encodings (hex, octal, decimal, shortened) and IPv4-mapped IPv6.
//     Every redirect hop is re-validated on the lightweight path.
//   - Lightweight pipeline: internal/fetcher/simple fetches over a pooled HTTP transport with manual redirect
//     handling, per-hop loop detection, a hard body-size cap, content-type gating (text, PDF, DOCX), conditional
//     revalidation via an LRU validator cache, and challenge-page detection on suspiciously small HTML.
//   - Browser pipeline: internal/fetcher/headless drives Chromedp pages drawn from a pre-warmed pool. A weighted
//     semaphore bounds active pages; pooled pages are recycled (cookies cleared, headers reset, parked on
//     about:blank) or discarded after failures. Stealth and profile-keyed persistent browsers run separately from
//     plain traffic. Scripted page actions, DOM-stability waiting, resource blocking and screenshots live here.
//   - Retry orchestration: internal/fetch.WithRetry retries only network-kind failures with exponential backoff;
//     invalid URLs, timeouts and bot blocks fail fast. The error taxonomy is a closed enum shared by both pipelines.
//   - Observability: Prometheus counters/histograms track fetches, cache events, browser launches and pool depth;
//     'webpeel serve' exposes /healthz and /metrics on the configured ops port.
//
// Operational notes:
//   - Concurrency model: one shared plain browser plus on-demand stealth/profile browsers; page acquisition blocks on
//     the semaphore up to engine.acquire_timeout_seconds. Pool refills are coalesced in the background.
//   - Shutdown: 'serve' reacts to SIGINT/SIGTERM; Cleanup closes pooled pages, browser processes and idle
//     connections. One-shot commands tear the engine down after the command returns.
//   - Configuration: env vars with the WEBPEEL_ prefix mirror config keys (e.g. WEBPEEL_ENGINE_MAX_ACTIVE_PAGES,
//     WEBPEEL_HTTP_TIMEOUT_SECONDS, WEBPEEL_BROWSER_NAV_TIMEOUT_SECONDS, WEBPEEL_OPS_PORT).
//   - Run locally: go run ./cmd/webpeel fetch https://example.com, or webpeel serve for a resident engine with ops
//     endpoints.
package main
