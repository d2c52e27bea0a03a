package benteng

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nusantara-labs/benteng/internal/backoff"
	"github.com/nusantara-labs/benteng/internal/window"
)

// RetryPolicy decides whether a failed attempt should be retried and after
// what delay. Implementations must be pure with respect to request state:
// the orchestrator owns the attempt counter.
type RetryPolicy interface {
	// ShouldRetry returns the delay before the next attempt and whether to
	// retry at all, given the observed response/error and the 0-based
	// attempt index.
	ShouldRetry(resp *http.Response, err error, attempt int) (time.Duration, bool)
}

// RetryPredicate overrides the default retryability decision.
type RetryPredicate func(resp *http.Response, err error) bool

// DelayFunc overrides the whole backoff formula.
type DelayFunc func(attempt int) time.Duration

// DefaultRetryPredicate retries transport errors and responses with status
// 408, 429 or any 5xx. Cancellation is terminal and never retried.
func DefaultRetryPredicate(resp *http.Response, err error) bool {
	if err != nil {
		return !isCancellation(err)
	}
	if resp == nil {
		return false
	}
	switch {
	case resp.StatusCode == http.StatusRequestTimeout:
		return true
	case resp.StatusCode == http.StatusTooManyRequests:
		return true
	case resp.StatusCode >= 500 && resp.StatusCode <= 599:
		return true
	default:
		return false
	}
}

// DefaultRetryPolicy implements exponential backoff with additive uniform
// jitter: min(base*multiplier^n + uniform(0, jitter*base*multiplier^n), cap).
// A Retry-After header on 429/503 responses overrides the computed delay.
type DefaultRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	jitter     float64
	predicate  RetryPredicate
	delayFn    DelayFunc
	strategy   backoff.Strategy
}

// NewDefaultRetryPolicy builds a policy with multiplier 2 and 10% jitter.
func NewDefaultRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *DefaultRetryPolicy {
	return &DefaultRetryPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		multiplier: 2.0,
		jitter:     0.1,
		predicate:  DefaultRetryPredicate,
		strategy:   backoff.Exponential{},
	}
}

// WithPredicate replaces the retryability decision.
func (p *DefaultRetryPolicy) WithPredicate(fn RetryPredicate) *DefaultRetryPolicy {
	p.predicate = fn
	return p
}

// WithDelayFunc replaces the whole delay formula.
func (p *DefaultRetryPolicy) WithDelayFunc(fn DelayFunc) *DefaultRetryPolicy {
	p.delayFn = fn
	return p
}

// WithMultiplier sets the backoff multiplier.
func (p *DefaultRetryPolicy) WithMultiplier(m float64) *DefaultRetryPolicy {
	p.multiplier = m
	return p
}

// WithJitter sets the jitter fraction, clamped to [0, 1].
func (p *DefaultRetryPolicy) WithJitter(j float64) *DefaultRetryPolicy {
	if j < 0 {
		j = 0
	}
	if j > 1 {
		j = 1
	}
	p.jitter = j
	return p
}

// WithStrategy swaps the backoff calculator.
func (p *DefaultRetryPolicy) WithStrategy(s backoff.Strategy) *DefaultRetryPolicy {
	p.strategy = s
	return p
}

// MaxRetries returns the configured attempt bound.
func (p *DefaultRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// ShouldRetry implements RetryPolicy.
func (p *DefaultRetryPolicy) ShouldRetry(resp *http.Response, err error, attempt int) (time.Duration, bool) {
	if attempt >= p.maxRetries {
		return 0, false
	}

	if !p.predicate(resp, err) {
		return 0, false
	}

	// Retry-After on 429/503 takes precedence over computed backoff.
	var delay time.Duration
	if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
		delay = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	if delay == 0 {
		if p.delayFn != nil {
			delay = p.delayFn(attempt)
		} else {
			delay = p.strategy.Delay(attempt, p.baseDelay, p.maxDelay, p.multiplier, p.jitter)
		}
	}

	return delay, true
}

// parseRetryAfter parses a Retry-After value in either delay-seconds or
// HTTP-date form, capped at one hour.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds <= 0 {
			return 0
		}
		delay := time.Duration(seconds) * time.Second
		if delay > time.Hour {
			delay = time.Hour
		}
		return delay
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}

// RetryBudget bounds total retries across the whole client over a sliding
// window, protecting downstreams from retry storms regardless of per-request
// limits.
type RetryBudget struct {
	max     int64
	counter *window.Counter
}

// NewRetryBudget allows at most maxRetries retries per window.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		max:     int64(maxRetries),
		counter: window.New(perWindow, 10),
	}
}

// Allow consumes one retry from the budget, reporting whether it was
// available.
func (rb *RetryBudget) Allow() bool {
	if rb.counter.Sum() >= rb.max {
		return false
	}
	rb.counter.Incr(1)
	return true
}

// Used returns the retries consumed in the current window.
func (rb *RetryBudget) Used() int64 {
	return rb.counter.Sum()
}
