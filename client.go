package benteng

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a resilient, service-aware HTTP client. Every request passes
// through a fixed pipeline: credential attachment, cache lookup, circuit
// breaker admission, rate limit admission, request manager admission and
// deduplication, middleware chain, transport. Failures feed the breaker and
// the retry policy; 401 responses take the refresh-and-replay side channel.
// Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	multiplier     float64
	jitter         float64
	retryPolicy    RetryPolicy
	retryBudget    *RetryBudget

	breakers   *BreakerRegistry
	breakerCfg CircuitBreakerConfig

	rateLimits *RateLimiterRegistry

	tokens *TokenStore

	cache           *CacheStore
	cacheEnabled    bool
	cacheTTL        time.Duration
	cacheMaxEntries int
	cacheBackend    CacheBackend
	cacheability    CacheabilityPredicate
	cacheCondition  CacheCondition
	cacheKeyFunc    func(*http.Request) string

	manager        *RequestManager
	managerCfg     RequestManagerConfig
	dedupKeyFunc   DeduplicationKeyFunc
	dedupCondition DeduplicationCondition

	middleware []Middleware
	hooks      hookSet

	services *ServiceRegistry

	metrics        *MetricsCollector
	logger         Logger
	debug          *DebugConfig
	errorTransform ErrorTransform

	validationError error
}

// New constructs a Client from the provided functional options. A best
// effort validation runs at construction; call IsValid / ValidationError
// for the result.
func New(options ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		timeout:        30 * time.Second,
		maxRetries:     3,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     30 * time.Second,
		multiplier:     2.0,
		jitter:         0.1,
		cacheCondition: DefaultCacheCondition,
		cacheKeyFunc:   DefaultCacheKeyFunc,
		dedupKeyFunc:   DefaultDeduplicationKeyFunc,
		dedupCondition: DefaultDeduplicationCondition,
		services:       NewServiceRegistry(),
		logger:         nopLogger{},
		debug:          DefaultDebugConfig(),
	}

	for _, option := range options {
		option(client)
	}

	if client.retryPolicy == nil {
		client.retryPolicy = NewDefaultRetryPolicy(client.maxRetries, client.initialBackoff, client.maxBackoff).
			WithMultiplier(client.multiplier).
			WithJitter(client.jitter)
	}
	if client.breakers == nil {
		client.breakers = NewBreakerRegistry(client.breakerCfg, client.logger)
	}
	if client.cache == nil && client.cacheEnabled {
		backend := client.cacheBackend
		if backend == nil {
			backend = NewMemoryBackend()
		}
		client.cache = NewCacheStore(backend, CacheStoreConfig{
			TTL:          client.cacheTTL,
			MaxEntries:   client.cacheMaxEntries,
			Cacheability: client.cacheability,
			Logger:       client.logger,
		})
	}
	if client.manager == nil {
		client.manager = NewRequestManager(client.managerCfg, client.logger)
	}
	if client.metrics != nil {
		client.manager.config.OnDeduplicated = func(string) {
			client.metrics.RecordDeduplicationHit()
		}
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// Get performs an HTTP GET with context.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs an HTTP POST with the given content type.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Do executes a prepared *http.Request through the full pipeline.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	endpoint := getEndpointFromRequest(req)

	var requestID string
	if c.debug != nil && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}

	if c.debugOn(c.debug.LogRequests) {
		c.logger.Debug("starting request", "requestID", requestID, "method", req.Method, "url", req.URL.String())
	}
	if c.metrics != nil {
		c.metrics.RecordRequestStart(req.Method, endpoint)
	}

	// Stage 1: credentials.
	if c.tokens != nil {
		c.tokens.Attach(req)
	}

	// Stage 2: cache lookup. A hit never reaches the circuit breaker, so
	// cached traffic cannot distort breaker health.
	cacheEnabled := c.cache != nil && c.shouldCacheRequest(req)
	var cacheKey string
	if cacheEnabled {
		cacheKey = c.cacheKeyFunc(req)
		if entry, found := c.cache.Get(req.Context(), cacheKey); found {
			if c.debugOn(c.debug.LogCache) {
				c.logger.Debug("cache hit", "requestID", requestID, "cacheKey", cacheKey)
			}
			if c.metrics != nil {
				c.metrics.RecordCacheHit(req.Method, endpoint)
				c.metrics.RecordRequestEnd(req.Method, endpoint)
				c.metrics.RecordRequest(req.Method, endpoint, entry.StatusCode, time.Since(start))
			}
			return entry.Response(), nil
		}
		if c.metrics != nil {
			c.metrics.RecordCacheMiss(req.Method, endpoint)
		}
	}

	// Stages 3+: circuit, rate limit, admission, transport, retry loop.
	resp, err := c.execute(req, requestID, start)

	if c.metrics != nil {
		c.metrics.RecordRequestEnd(req.Method, endpoint)
		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		c.metrics.RecordRequest(req.Method, endpoint, statusCode, time.Since(start))
	}

	if err != nil {
		c.hooks.runErrorHooks(req.Context(), req, err)
		if c.errorTransform != nil {
			err = c.errorTransform(err)
		}
		return nil, err
	}

	if cacheEnabled {
		ttl := c.getCacheTTLForRequest(req)
		if serr := c.cache.Set(req.Context(), cacheKey, resp, ttl); serr != nil {
			c.logger.Warn("cache write failed", "requestID", requestID, "error", serr.Error())
		} else if c.metrics != nil {
			c.metrics.RecordCacheSize("default", c.cache.Len(req.Context()))
		}
	}

	return resp, nil
}

// execute runs the retry loop. Each iteration re-enters at the circuit
// breaker check, never the cache check, so a retried request cannot be
// masked by a stale hit. The 401 refresh-and-replay happens at most once
// per logical request and does not consume a retry attempt.
func (c *Client) execute(req *http.Request, requestID string, start time.Time) (*http.Response, error) {
	ctx := req.Context()
	endpoint := getEndpointFromRequest(req)
	breakerKey := c.breakerKeyFor(req)

	attempt := 0
	authReplayed := false

	for {
		// Circuit admission before capacity admission: a request destined
		// to fail fast must not consume a concurrency slot.
		if !c.breakers.CanExecute(breakerKey) {
			if c.debugOn(c.debug.LogCircuit) {
				c.logger.Warn("circuit breaker rejected request", "requestID", requestID, "key", breakerKey)
			}
			if c.metrics != nil {
				c.metrics.RecordError(ErrorTypeCircuitOpen, req.Method, endpoint)
			}
			return nil, c.newClientError(ErrorTypeCircuitOpen, "circuit breaker is open", ErrCircuitOpen, requestID, req, attempt, time.Since(start), 0)
		}

		if c.rateLimits != nil {
			allowed := c.rateLimits.Allow(breakerKey)
			if c.metrics != nil {
				c.metrics.RecordRateLimiterTokens(breakerKey, c.rateLimits.Tokens(breakerKey))
			}
			if !allowed {
				if c.debugOn(c.debug.LogRateLimit) {
					c.logger.Warn("rate limit exceeded", "requestID", requestID, "key", breakerKey)
				}
				if c.metrics != nil {
					c.metrics.RecordError(ErrorTypeRateLimit, req.Method, endpoint)
				}
				return nil, c.newClientError(ErrorTypeRateLimit, "rate limit exceeded", ErrRateLimited, requestID, req, attempt, time.Since(start), 0)
			}
		}

		if attempt > 0 {
			if c.debugOn(c.debug.LogRetries) {
				c.logger.Info("retry attempt", "requestID", requestID, "attempt", attempt, "endpoint", endpoint)
			}
			if c.metrics != nil {
				c.metrics.RecordRetry(req.Method, endpoint, attempt)
			}
		}

		dedupEligible := c.shouldDedup(req)
		var dedupKey string
		if dedupEligible {
			dedupKey = c.dedupKeyFunc(req)
		}

		resp, err := c.manager.Execute(ctx, dedupKey, dedupEligible, func(cctx context.Context) (*http.Response, error) {
			return c.transportExec(req.WithContext(cctx))
		})

		if errors.Is(err, ErrCapacityExceeded) {
			// Admission failure, not a transport outcome: no breaker
			// feedback, no retry.
			if c.metrics != nil {
				c.metrics.RecordError(ErrorTypeCapacity, req.Method, endpoint)
			}
			return nil, c.newClientError(ErrorTypeCapacity, "concurrency ceiling reached", err, requestID, req, attempt, time.Since(start), 0)
		}

		// A cancelled attempt says nothing about resource health: it must
		// feed neither breaker failures nor half-open successes.
		if !isCancellation(err) {
			c.breakers.RecordOutcome(breakerKey, resp, err)
		}
		if c.metrics != nil {
			c.metrics.RecordCircuitBreakerState(breakerKey, c.breakers.State(breakerKey))
			if err != nil {
				c.metrics.RecordError(ErrorTypeNetwork, req.Method, endpoint)
			} else if resp != nil && resp.StatusCode >= 500 {
				c.metrics.RecordError(ErrorTypeServer, req.Method, endpoint)
			}
		}

		// Auth side channel: at most one refresh-and-replay per logical
		// request, on a budget separate from the retry policy's.
		if err == nil && resp != nil && c.tokens != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				if !authReplayed {
					drainBody(resp)
					refreshed, rerr := c.tokens.HandleAuthFailure(ctx, http.StatusUnauthorized)
					if rerr != nil {
						if c.metrics != nil {
							c.metrics.RecordError(ErrorTypeRefreshFailed, req.Method, endpoint)
						}
						return nil, c.newClientError(ErrorTypeRefreshFailed, "credential refresh failed", rerr, requestID, req, attempt, time.Since(start), http.StatusUnauthorized)
					}
					if refreshed {
						if c.debugOn(c.debug.LogAuth) {
							c.logger.Info("token refreshed, replaying request", "requestID", requestID)
						}
						if c.metrics != nil {
							c.metrics.RecordTokenRefresh()
						}
						authReplayed = true
						rewindBody(req)
						c.tokens.Attach(req)
						continue
					}
				}
			case http.StatusForbidden:
				_, _ = c.tokens.HandleAuthFailure(ctx, http.StatusForbidden)
			}
		}

		delay, shouldRetry := c.retryPolicy.ShouldRetry(resp, err, attempt)
		if shouldRetry {
			if limit, ok := ctx.Value(RetryControlKey).(int); ok && (limit < 0 || attempt >= limit) {
				shouldRetry = false
			}
		}
		if shouldRetry {
			if c.retryBudget != nil && !c.retryBudget.Allow() {
				if c.metrics != nil {
					c.metrics.RecordRetryBudgetExceeded(endpoint)
				}
				return nil, c.newClientError(ErrorTypeRetryBudgetExceeded, "retry budget exceeded", ErrRetryBudgetExceeded, requestID, req, attempt, time.Since(start), 0)
			}
			if resp != nil {
				drainBody(resp)
			}
			if c.debugOn(c.debug.LogRetries) {
				c.logger.Info("scheduling retry", "requestID", requestID, "attempt", attempt+1, "backoff", delay)
			}
			if serr := sleepContext(ctx, delay); serr != nil {
				return nil, c.newClientError(ErrorTypeCancelled, "request cancelled during backoff", fmt.Errorf("%w: %w", ErrCancelled, serr), requestID, req, attempt, time.Since(start), 0)
			}
			attempt++
			rewindBody(req)
			continue
		}

		if err != nil {
			return nil, c.classifyTransportError(err, requestID, req, attempt, time.Since(start))
		}
		return resp, nil
	}
}

// transportExec runs request hooks, the middleware chain and response hooks
// for one transport attempt.
func (c *Client) transportExec(req *http.Request) (*http.Response, error) {
	req, err := c.hooks.runRequestHooks(req.Context(), req)
	if err != nil {
		return nil, err
	}

	resp, err := c.executeMiddleware(req)
	if err != nil {
		return nil, err
	}

	return c.hooks.runResponseHooks(req.Context(), resp)
}

// classifyTransportError wraps a transport error into a typed ClientError:
// cancellation, timeout or plain network failure.
func (c *Client) classifyTransportError(err error, requestID string, req *http.Request, attempt int, duration time.Duration) *ClientError {
	switch {
	case isCancellation(err):
		return c.newClientError(ErrorTypeCancelled, "request cancelled", fmt.Errorf("%w: %w", ErrCancelled, err), requestID, req, attempt, duration, 0)
	case isTimeoutError(err):
		return c.newClientError(ErrorTypeTimeout, "request timed out", err, requestID, req, attempt, duration, 0)
	default:
		return c.newClientError(ErrorTypeNetwork, "network request failed", err, requestID, req, attempt, duration, 0)
	}
}

func (c *Client) newClientError(errorType, message string, cause error, requestID string, req *http.Request, attempt int, duration time.Duration, statusCode int) *ClientError {
	return &ClientError{
		Type:       errorType,
		Message:    message,
		Cause:      cause,
		RequestID:  requestID,
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: statusCode,
		Attempt:    attempt,
		MaxRetries: c.maxRetries,
		Timestamp:  time.Now(),
		Duration:   duration,
		Endpoint:   getEndpointFromRequest(req),
	}
}

// breakerKeyFor resolves the circuit breaker key: per-request override,
// else the request host, else "default".
func (c *Client) breakerKeyFor(req *http.Request) string {
	if key, ok := req.Context().Value(BreakerKeyKey).(string); ok && key != "" {
		return key
	}
	if req.URL != nil && req.URL.Host != "" {
		return req.URL.Host
	}
	return "default"
}

func (c *Client) shouldCacheRequest(req *http.Request) bool {
	if control, ok := req.Context().Value(CacheControlKey).(*CacheControl); ok {
		return control.Enabled
	}
	return c.cacheCondition(req)
}

func (c *Client) getCacheTTLForRequest(req *http.Request) time.Duration {
	if control, ok := req.Context().Value(CacheControlKey).(*CacheControl); ok && control.TTL > 0 {
		return control.TTL
	}
	return 0 // store default
}

func (c *Client) shouldDedup(req *http.Request) bool {
	if !c.managerCfg.Deduplication {
		return false
	}
	if enabled, ok := req.Context().Value(DedupControlKey).(bool); ok && !enabled {
		return false
	}
	return c.dedupCondition(req)
}

func (c *Client) debugOn(section bool) bool {
	return c.debug != nil && c.debug.Enabled && section
}

// CancelRequest force-cancels the in-flight request with the given manager
// id. Per-request cancellation is normally the caller's context; this is
// the administrative handle.
func (c *Client) CancelRequest(id string) bool {
	return c.manager.Cancel(id)
}

// CancelAll force-cancels every in-flight request.
func (c *Client) CancelAll() int {
	return c.manager.CancelAll()
}

// Stats returns the request manager's running statistics.
func (c *Client) Stats() RequestStats {
	return c.manager.Stats()
}

// BreakerState returns the circuit state for key.
func (c *Client) BreakerState(key string) CircuitState {
	return c.breakers.State(key)
}

// ResetBreaker closes the breaker for key.
func (c *Client) ResetBreaker(key string) {
	c.breakers.Reset(key)
}

// ForceOpenBreaker trips the breaker for key.
func (c *Client) ForceOpenBreaker(key string) {
	c.breakers.ForceOpen(key)
}

// InvalidateCache removes cache entries matching the glob pattern.
func (c *Client) InvalidateCache(ctx context.Context, pattern string) (int, error) {
	if c.cache == nil {
		return 0, nil
	}
	return c.cache.Invalidate(ctx, pattern)
}

// ClearCache removes every cache entry.
func (c *Client) ClearCache(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Clear(ctx)
}

// Tokens returns the token store, if configured.
func (c *Client) Tokens() *TokenStore {
	return c.tokens
}

// Close stops background tasks. The client must not be used afterwards.
func (c *Client) Close() {
	c.manager.Close()
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// sleepContext waits for d or until ctx ends, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainBody discards and closes a response body so the connection can be
// reused before a retry or replay.
func drainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

// rewindBody restores a replayable request body before re-sending.
func rewindBody(req *http.Request) {
	if req.Body == nil || req.GetBody == nil {
		return
	}
	if body, err := req.GetBody(); err == nil {
		req.Body = body
	}
}

// getEndpointFromRequest extracts host+path for metrics labels.
func getEndpointFromRequest(req *http.Request) string {
	if req.URL == nil {
		return "unknown"
	}

	host := req.URL.Host
	path := req.URL.Path

	var builder strings.Builder
	builder.WriteString(host)
	if path != "" && path != "/" {
		builder.WriteString(path)
	} else {
		builder.WriteByte('/')
	}
	return builder.String()
}
