package benteng

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Error type labels carried by ClientError.
const (
	ErrorTypeNetwork             = "Network"
	ErrorTypeTimeout             = "Timeout"
	ErrorTypeServer              = "Server"
	ErrorTypeClient              = "Client"
	ErrorTypeCircuitOpen         = "CircuitOpen"
	ErrorTypeCapacity            = "Capacity"
	ErrorTypeCancelled           = "Cancelled"
	ErrorTypeRefreshFailed       = "RefreshFailed"
	ErrorTypeRateLimit           = "RateLimit"
	ErrorTypeRetryBudgetExceeded = "RetryBudgetExceeded"
	ErrorTypeValidation          = "Validation"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrCircuitOpen is returned when a request is rejected without a
	// transport attempt because the circuit breaker is open.
	ErrCircuitOpen = errors.New("benteng: circuit open")

	// ErrCapacityExceeded is returned when admission is refused because the
	// concurrency ceiling is reached.
	ErrCapacityExceeded = errors.New("benteng: concurrency ceiling reached")

	// ErrCancelled is returned when a request settles through caller or
	// system initiated cancellation.
	ErrCancelled = errors.New("benteng: request cancelled")

	// ErrRefreshFailed is returned when a credential refresh was attempted
	// and did not produce a usable token.
	ErrRefreshFailed = errors.New("benteng: token refresh failed")

	// ErrRateLimited is returned when a request is denied by the rate limiter.
	ErrRateLimited = errors.New("benteng: rate limited")

	// ErrRetryBudgetExceeded is returned when the client-wide retry budget
	// is exhausted.
	ErrRetryBudgetExceeded = errors.New("benteng: retry budget exceeded")

	// ErrCacheMiss is the definitive-miss error for CacheBackend
	// implementations. The cache store treats it as an absent entry rather
	// than a backend failure.
	ErrCacheMiss = errors.New("benteng: cache miss")

	// ErrCredentialNotFound is returned by credential storage lookups for
	// unknown keys.
	ErrCredentialNotFound = errors.New("benteng: credential not found")

	// ErrHookTimeout is returned when a registered hook exceeds its
	// per-handler timeout.
	ErrHookTimeout = errors.New("benteng: hook timed out")
)

// ClientError is the classified error surfaced to callers. Type is one of
// the ErrorType constants; the remaining fields carry request context for
// diagnostics.
type ClientError struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	Method     string
	URL        string
	StatusCode int
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
	Endpoint   string
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types so errors.Is works against another ClientError.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// IsTransient reports whether err represents a transient failure that might
// succeed on retry: network errors, timeouts, 5xx responses, rate limiting
// and circuit rejections. Client errors (except 429) are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrRetryBudgetExceeded) || errors.Is(err, ErrCapacityExceeded) {
		return true
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimit, ErrorTypeCircuitOpen, ErrorTypeCapacity:
			return true
		case ErrorTypeClient:
			return clientErr.StatusCode == 429
		default:
			return false
		}
	}

	return false
}

// isTimeoutError reports whether err is a deadline or net timeout error.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isCancellation reports whether err stems from context cancellation.
func isCancellation(err error) bool {
	return err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled))
}
