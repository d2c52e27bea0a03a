package benteng

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Middleware wraps a transport call. Middleware run in registration order,
// the first registered middleware sees the request first.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper is the transport interface middleware compose over.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc adapts a function to RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CacheCondition decides whether a request participates in caching at all.
// Whether the eventual response is stored is decided separately by the
// store's cacheability predicate.
type CacheCondition func(req *http.Request) bool

// DeduplicationKeyFunc builds the key identifying identical in-flight requests.
type DeduplicationKeyFunc func(*http.Request) string

// DeduplicationCondition decides whether a request is eligible for deduplication.
type DeduplicationCondition func(req *http.Request) bool

// ErrorTransform rewrites a terminal error before it is returned to the caller.
type ErrorTransform func(error) error

// DebugConfig controls debug logging output per subsystem.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogRetries   bool
	LogCache     bool
	LogCircuit   bool
	LogRateLimit bool
	LogAuth      bool
	LogDedup     bool
	RequestIDGen func() string
}

// DefaultDebugConfig returns a DebugConfig with all subsystems selected and
// UUID request IDs. Debug output stays off until Enabled is set.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		LogRequests:  true,
		LogRetries:   true,
		LogCache:     true,
		LogCircuit:   true,
		LogRateLimit: true,
		LogAuth:      true,
		LogDedup:     true,
		RequestIDGen: uuid.NewString,
	}
}

// Option configures a Client at construction time.
type Option func(*Client)

type contextKey string

const (
	// CacheControlKey overrides cache behavior for a single request.
	CacheControlKey contextKey = "benteng_cache_control"
	// DedupControlKey opts a single request out of deduplication.
	DedupControlKey contextKey = "benteng_dedup_control"
	// BreakerKeyKey overrides the circuit breaker key for a single request.
	BreakerKeyKey contextKey = "benteng_breaker_key"
	// RetryControlKey caps retries for a single request. The value is an
	// int: a lower attempt limit, or negative to disable retries.
	RetryControlKey contextKey = "benteng_retry_control"
)

// CacheControl holds per-request cache overrides.
type CacheControl struct {
	Enabled bool
	TTL     time.Duration
}
