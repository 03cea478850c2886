// Package httpclient provides a shared HTTP client factory with consistent
// timeout, retry, and observability behavior for everything in spine that
// talks to an upstream service.
//
// Clients built here come with:
//   - Automatic retry with exponential backoff and jitter
//   - Request logging with sanitized URLs (sensitive parameters redacted)
//   - User-Agent header injection
//   - Trace ID propagation via the X-Correlation-ID header
//   - TLS 1.2 minimum (TLS 1.3 preferred)
//   - Connection pooling
//
// # Usage
//
// Create a client with default settings:
//
//	client, err := httpclient.New(httpclient.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Get("https://api.example.com/resource")
//
// Customize configuration:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.UserAgent = "spine-finra/1.0"
//	cfg.Timeout = 60 * time.Second
//	cfg.RetryAttempts = 5
//	client, err := httpclient.New(cfg)
//
// # Retry behavior
//
// Transient failures are retried with exponential backoff:
//   - HTTP 5xx server errors
//   - HTTP 429 (rate limit), honoring the Retry-After header
//   - HTTP 408 (request timeout)
//   - Network errors (timeouts, connection refused, reset, DNS hiccups)
//
// Other 4xx client errors are never retried, and only idempotent methods
// (GET, HEAD, OPTIONS) retry by default. For non-idempotent methods set
// AllowNonIdempotentRetry, and pair it with idempotency keys upstream.
//
// # Logging
//
// Every request emits a structured log line via log/slog: debug for
// successes, warn for 4xx/5xx and transport errors. Query parameters that
// look like credentials (api_key, token, ...) are redacted before the URL
// is logged, which matters because the prices source carries its key in
// the query string.
//
// The ingestion fetchers (FINRA weekly files over HTTP, the prices API)
// are the main consumers; the daemon's health probes use it too.
package httpclient
