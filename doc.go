// Package benteng provides a resilient, service-aware HTTP client built from
// composable reliability primitives:
//
//   - Retries with exponential backoff + jitter and Retry-After awareness
//   - Client-wide retry budget on a sliding window
//   - Per-key circuit breaker (open / half-open / closed states)
//   - Credential attachment with single-flight refresh-and-replay on 401
//   - Response caching with TTL, bounded size and per-request overrides
//   - Request de-duplication (merges concurrent identical in-flight requests)
//   - Concurrency ceiling with fail-fast admission and bulk cancellation
//   - Named service registry with per-service base URL, headers and timeouts
//   - Middleware chain and bounded request / response / error hooks
//   - Prometheus metrics and structured debug logging
//
// Design goals:
//   - Small surface area, functional options configure everything
//   - Safe concurrent use of a single *Client instance
//   - Extensibility via user supplied middleware and pluggable cache backends
//
// Typical usage:
//
//	client := benteng.New(
//	    benteng.WithMaxRetries(3),
//	    benteng.WithCircuitBreaker(benteng.CircuitBreakerConfig{}),
//	    benteng.WithCache(5*time.Minute),
//	    benteng.WithDeduplication(),
//	    benteng.WithMaxConcurrent(64),
//	)
//	defer client.Close()
//	resp, err := client.Get(ctx, "https://api.example.com/data")
//
// Register named services to call upstreams by name instead of URL:
//
//	client.RegisterService("billing", benteng.ServiceConfig{
//	    BaseURL: "https://billing.internal",
//	    Headers: http.Header{"X-Team": []string{"payments"}},
//	})
//	resp, err := client.Service("billing").Get(ctx, "/invoices/42")
//
// The library avoids opinionated logging: provide a Logger (for example via
// WithZapLogger) and enable debug flags selectively (WithDebug /
// WithDebugConfig) for insight without noise.
package benteng
