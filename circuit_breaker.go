package benteng

import (
	"net/http"
	"sync"
	"time"

	"github.com/nusantara-labs/benteng/internal/window"
)

// FailureClassifier reports whether an outcome counts as evidence of
// resource unhealthiness. The default counts transport errors and 5xx
// responses; 4xx responses are the caller's problem, not the resource's.
type FailureClassifier func(resp *http.Response, err error) bool

// DefaultFailureClassifier counts transport errors and 5xx responses.
// Cancellation is the caller's outcome, not the resource's, and does not
// count.
func DefaultFailureClassifier(resp *http.Response, err error) bool {
	if err != nil {
		return !isCancellation(err)
	}
	return resp != nil && resp.StatusCode >= 500
}

// CircuitBreakerConfig holds circuit breaker tuning.
type CircuitBreakerConfig struct {
	// FailureThreshold is the counted-failure count that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the half-open success count that closes it.
	SuccessThreshold int
	// OpenTimeout is how long an open circuit rejects before probing.
	OpenTimeout time.Duration
	// ResetTimeout bounds how long counted failures stay relevant: failures
	// older than this no longer count toward FailureThreshold.
	ResetTimeout time.Duration
	// Classifier decides which outcomes count as failures. Defaults to
	// DefaultFailureClassifier.
	Classifier FailureClassifier
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 60 * time.Second
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 2 * c.OpenTimeout
	}
	if c.Classifier == nil {
		c.Classifier = DefaultFailureClassifier
	}
	return c
}

// CircuitBreaker is a three-state breaker for a single resource key.
// State transitions are serialized by a per-breaker mutex so concurrent
// outcome recordings never act on a stale state; unrelated keys never
// share a lock.
//
// Half-open admission policy: every probe is admitted while half-open
// (concurrent probing). SuccessThreshold successes close the circuit; any
// counted failure reopens it immediately.
type CircuitBreaker struct {
	mu        sync.Mutex
	config    CircuitBreakerConfig
	state     CircuitState
	failures  *window.Counter
	successes int
	lastFailure time.Time
	nextAttempt time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a breaker in the Closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config = config.withDefaults()
	return &CircuitBreaker{
		config:   config,
		state:    StateClosed,
		failures: window.New(config.ResetTimeout, 10),
		now:      time.Now,
	}
}

// Allow reports whether a request may proceed. An open breaker whose
// OpenTimeout has elapsed transitions to half-open on this call, exactly
// once, and admits the probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if !cb.now().Before(cb.nextAttempt) {
			cb.state = StateHalfOpen
			cb.successes = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordOutcome feeds a request outcome through the configured classifier.
func (cb *CircuitBreaker) RecordOutcome(resp *http.Response, err error) {
	if cb.config.Classifier(resp, err) {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
}

// RecordFailure records a counted failure. The failure count is tracked in
// a sliding window of ResetTimeout, so a stale burst cannot keep the
// breaker primed indefinitely.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.lastFailure = now

	switch cb.state {
	case StateClosed:
		cb.failures.Incr(1)
		if cb.failures.Sum() >= int64(cb.config.FailureThreshold) {
			cb.open(now)
		}
	case StateHalfOpen:
		cb.failures.Incr(1)
		cb.open(now)
	case StateOpen:
		// Already open; outcome from a request admitted before the trip.
	}
}

// RecordSuccess records a success.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures.Reset()
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.close()
		}
	case StateOpen:
		// Late success from a request admitted before the trip.
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker to Closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.close()
}

// ForceOpen trips the breaker regardless of recent outcomes. Intended for
// operational overrides; the breaker recovers through the normal half-open
// path after OpenTimeout.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open(cb.now())
}

// open transitions to Open. Caller holds mu.
func (cb *CircuitBreaker) open(now time.Time) {
	cb.state = StateOpen
	cb.successes = 0
	cb.nextAttempt = now.Add(cb.config.OpenTimeout)
}

// close transitions to Closed clearing all counters. Caller holds mu.
func (cb *CircuitBreaker) close() {
	cb.state = StateClosed
	cb.failures.Reset()
	cb.successes = 0
	cb.nextAttempt = time.Time{}
}

// BreakerRegistry manages one CircuitBreaker per resource key, created
// lazily on first use and living for the registry's lifetime.
type BreakerRegistry struct {
	breakers sync.Map
	config   CircuitBreakerConfig
	logger   Logger
}

// NewBreakerRegistry creates a registry applying config to new breakers.
func NewBreakerRegistry(config CircuitBreakerConfig, logger Logger) *BreakerRegistry {
	if logger == nil {
		logger = nopLogger{}
	}
	return &BreakerRegistry{
		config: config.withDefaults(),
		logger: logger,
	}
}

// GetOrCreate returns the breaker for key, creating it if needed.
func (r *BreakerRegistry) GetOrCreate(key string) *CircuitBreaker {
	if value, ok := r.breakers.Load(key); ok {
		return value.(*CircuitBreaker)
	}

	cb := NewCircuitBreaker(r.config)
	actual, loaded := r.breakers.LoadOrStore(key, cb)
	if loaded {
		return actual.(*CircuitBreaker)
	}

	r.logger.Debug("created circuit breaker", "key", key)
	return cb
}

// CanExecute reports whether key's breaker admits a request.
func (r *BreakerRegistry) CanExecute(key string) bool {
	return r.GetOrCreate(key).Allow()
}

// RecordOutcome records a request outcome against key's breaker.
func (r *BreakerRegistry) RecordOutcome(key string, resp *http.Response, err error) {
	r.GetOrCreate(key).RecordOutcome(resp, err)
}

// State returns the state of key's breaker.
func (r *BreakerRegistry) State(key string) CircuitState {
	return r.GetOrCreate(key).State()
}

// Reset closes key's breaker, clearing counters.
func (r *BreakerRegistry) Reset(key string) {
	if value, ok := r.breakers.Load(key); ok {
		value.(*CircuitBreaker).Reset()
	}
}

// ForceOpen trips key's breaker.
func (r *BreakerRegistry) ForceOpen(key string) {
	r.GetOrCreate(key).ForceOpen()
}

// ForceClose closes key's breaker. Alias of Reset that also creates the
// breaker if absent, for symmetry with ForceOpen.
func (r *BreakerRegistry) ForceClose(key string) {
	r.GetOrCreate(key).Reset()
}

// ResetAll closes every breaker in the registry.
func (r *BreakerRegistry) ResetAll() {
	r.breakers.Range(func(_, value interface{}) bool {
		value.(*CircuitBreaker).Reset()
		return true
	})
}

// Names returns the keys with a breaker instantiated.
func (r *BreakerRegistry) Names() []string {
	var names []string
	r.breakers.Range(func(key, _ interface{}) bool {
		names = append(names, key.(string))
		return true
	})
	return names
}
