package benteng

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithInitialBackoff sets the initial backoff duration.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = d
	}
}

// WithMaxBackoff sets the maximum backoff duration.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.maxBackoff = d
	}
}

// WithBackoffMultiplier sets the backoff multiplier.
func WithBackoffMultiplier(f float64) Option {
	return func(c *Client) {
		c.multiplier = f
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0).
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.jitter = f
	}
}

// WithRetryPolicy replaces the default retry policy entirely. The backoff
// tuning options have no effect once a custom policy is installed.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = policy
	}
}

// WithRetryBudget caps retries client-wide to maxRetries per window,
// across all concurrent requests.
func WithRetryBudget(maxRetries int, perWindow time.Duration) Option {
	return func(c *Client) {
		c.retryBudget = NewRetryBudget(maxRetries, perWindow)
	}
}

// WithRateLimit enables per-breaker-key token bucket rate limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.rateLimits = NewRateLimiterRegistry(rps, burst)
	}
}

// WithCache enables caching with the default in-memory backend.
func WithCache(ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.cacheTTL = ttl
	}
}

// WithCacheBackend enables caching on the supplied backend, for example a
// RedisBackend shared between processes.
func WithCacheBackend(backend CacheBackend, ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.cacheBackend = backend
		c.cacheTTL = ttl
	}
}

// WithCacheMaxEntries bounds the cache entry count. When the bound is
// exceeded the oldest entry by creation time is evicted.
func WithCacheMaxEntries(n int) Option {
	return func(c *Client) {
		c.cacheMaxEntries = n
	}
}

// WithCacheKeyFunc sets a custom cache key function.
func WithCacheKeyFunc(fn func(*http.Request) string) Option {
	return func(c *Client) {
		c.cacheKeyFunc = fn
	}
}

// WithCacheCondition sets the predicate deciding which requests use the cache.
func WithCacheCondition(fn CacheCondition) Option {
	return func(c *Client) {
		c.cacheCondition = fn
	}
}

// WithCacheability sets the predicate deciding which responses get stored.
func WithCacheability(fn CacheabilityPredicate) Option {
	return func(c *Client) {
		c.cacheability = fn
	}
}

// WithCircuitBreaker sets the config applied to every per-key breaker.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakerCfg = config
	}
}

// WithDeduplication enables coalescing of identical in-flight requests.
func WithDeduplication() Option {
	return func(c *Client) {
		c.managerCfg.Deduplication = true
	}
}

// WithDeduplicationKeyFunc sets a custom deduplication key function.
func WithDeduplicationKeyFunc(fn DeduplicationKeyFunc) Option {
	return func(c *Client) {
		c.dedupKeyFunc = fn
	}
}

// WithDeduplicationCondition sets the predicate deciding which requests are
// eligible for deduplication.
func WithDeduplicationCondition(fn DeduplicationCondition) Option {
	return func(c *Client) {
		c.dedupCondition = fn
	}
}

// WithMaxConcurrent sets the in-flight request ceiling. Admission beyond
// the ceiling fails fast with ErrCapacityExceeded; 0 means unlimited.
func WithMaxConcurrent(n int) Option {
	return func(c *Client) {
		c.managerCfg.MaxConcurrent = n
	}
}

// WithPerRequestTimeout bounds each admitted request execution.
func WithPerRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.managerCfg.PerRequestTimeout = d
	}
}

// WithInflightSweep enables the background sweep that force-cancels
// in-flight requests older than age, scanning every interval.
func WithInflightSweep(interval, age time.Duration) Option {
	return func(c *Client) {
		c.managerCfg.SweepInterval = interval
		c.managerCfg.SweepAge = age
	}
}

// WithTokens configures credential attachment and refresh.
func WithTokens(cfg TokenConfig) Option {
	return func(c *Client) {
		if cfg.Logger == nil {
			cfg.Logger = c.logger
		}
		c.tokens = NewTokenStore(cfg)
	}
}

// WithTokenStore installs a pre-built token store, for sharing credentials
// between clients.
func WithTokenStore(store *TokenStore) Option {
	return func(c *Client) {
		c.tokens = store
	}
}

// WithMiddleware adds middleware to the chain in registration order.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithRequestHook registers a hook run before each transport attempt.
func WithRequestHook(hook RequestHook) Option {
	return func(c *Client) {
		c.hooks.requestHooks = append(c.hooks.requestHooks, hook)
	}
}

// WithResponseHook registers a hook run after each transport attempt.
func WithResponseHook(hook ResponseHook) Option {
	return func(c *Client) {
		c.hooks.responseHooks = append(c.hooks.responseHooks, hook)
	}
}

// WithErrorHook registers an observer for terminal errors.
func WithErrorHook(hook ErrorHook) Option {
	return func(c *Client) {
		c.hooks.errorHooks = append(c.hooks.errorHooks, hook)
	}
}

// WithHookTimeout bounds each individual hook invocation.
func WithHookTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.hooks.timeout = d
	}
}

// WithHTTPClient sets a custom underlying *http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
		if client.Timeout > 0 {
			c.timeout = client.Timeout
		}
	}
}

// WithTimeout sets the overall per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector installs a pre-built collector, typically one bound
// to a custom registry.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with defaults.
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets a custom debug configuration.
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger sets the built-in stderr logger.
func WithSimpleLogger() Option {
	return func(c *Client) {
		c.logger = NewSimpleLogger()
	}
}

// WithZapLogger adapts a zap logger for structured output.
func WithZapLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = NewZapLogger(logger)
	}
}

// WithRequestIDGenerator sets the request ID generator used in debug logs
// and error context.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// WithErrorTransform installs a rewrite applied to terminal errors before
// they are returned to callers.
func WithErrorTransform(fn ErrorTransform) Option {
	return func(c *Client) {
		c.errorTransform = fn
	}
}

// ValidateConfiguration validates the client configuration and returns an
// error describing every violation found.
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateRetryConfig()...)
	errors = append(errors, c.validateCacheConfig()...)
	errors = append(errors, c.validateCircuitBreakerConfig()...)
	errors = append(errors, c.validateManagerConfig()...)
	errors = append(errors, c.validateDebugConfig()...)
	errors = append(errors, c.validateHTTPClientConfig()...)

	if len(errors) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errors),
		}
	}

	return nil
}

func (c *Client) validateRetryConfig() []string {
	var errors []string

	if c.maxRetries < 0 {
		errors = append(errors, "maxRetries must be non-negative")
	}

	if c.initialBackoff <= 0 {
		errors = append(errors, "initialBackoff must be positive")
	}

	if c.maxBackoff < c.initialBackoff {
		errors = append(errors, "maxBackoff must be greater than or equal to initialBackoff")
	}

	if c.multiplier <= 0 {
		errors = append(errors, "backoff multiplier must be positive")
	}

	if c.jitter < 0 || c.jitter > 1 {
		errors = append(errors, "jitter must be between 0 and 1")
	}

	if c.timeout <= 0 {
		errors = append(errors, "timeout must be positive")
	}

	return errors
}

func (c *Client) validateCacheConfig() []string {
	var errors []string

	if c.cacheEnabled && c.cacheTTL < 0 {
		errors = append(errors, "cacheTTL must be non-negative")
	}

	if c.cacheMaxEntries < 0 {
		errors = append(errors, "cacheMaxEntries must be non-negative")
	}

	if c.cacheEnabled && c.cacheKeyFunc == nil {
		errors = append(errors, "cacheKeyFunc must be set when cache is enabled")
	}

	return errors
}

func (c *Client) validateCircuitBreakerConfig() []string {
	var errors []string

	if c.breakerCfg.FailureThreshold < 0 {
		errors = append(errors, "circuitBreaker FailureThreshold must be non-negative")
	}
	if c.breakerCfg.SuccessThreshold < 0 {
		errors = append(errors, "circuitBreaker SuccessThreshold must be non-negative")
	}
	if c.breakerCfg.OpenTimeout < 0 {
		errors = append(errors, "circuitBreaker OpenTimeout must be non-negative")
	}
	if c.breakerCfg.ResetTimeout < 0 {
		errors = append(errors, "circuitBreaker ResetTimeout must be non-negative")
	}

	return errors
}

func (c *Client) validateManagerConfig() []string {
	var errors []string

	if c.managerCfg.MaxConcurrent < 0 {
		errors = append(errors, "maxConcurrent must be non-negative")
	}
	if c.managerCfg.PerRequestTimeout < 0 {
		errors = append(errors, "perRequestTimeout must be non-negative")
	}
	if c.managerCfg.Deduplication {
		if c.dedupKeyFunc == nil {
			errors = append(errors, "deduplication key function must be set when deduplication is enabled")
		}
		if c.dedupCondition == nil {
			errors = append(errors, "deduplication condition must be set when deduplication is enabled")
		}
	}

	return errors
}

func (c *Client) validateDebugConfig() []string {
	var errors []string

	if c.debug != nil && c.debug.Enabled {
		if c.debug.RequestIDGen == nil {
			errors = append(errors, "debug RequestIDGen must be set when debug is enabled")
		}
		if c.logger == nil {
			errors = append(errors, "logger must be set when debug is enabled")
		}
	}

	return errors
}

func (c *Client) validateHTTPClientConfig() []string {
	var errors []string

	if c.httpClient == nil {
		errors = append(errors, "httpClient must not be nil")
	}

	return errors
}
