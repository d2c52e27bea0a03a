package benteng

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterRegistry holds one token-bucket limiter per resource key,
// created lazily with the registry's rate and burst.
type RateLimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiterRegistry allows rps requests per second with the given
// burst per key.
func NewRateLimiterRegistry(rps float64, burst int) *RateLimiterRegistry {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

func (r *RateLimiterRegistry) limiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	return l
}

// Allow consumes one token from key's bucket, reporting whether it was
// available. Denied requests are not queued.
func (r *RateLimiterRegistry) Allow(key string) bool {
	return r.limiter(key).Allow()
}

// Tokens reports the tokens currently available for key.
func (r *RateLimiterRegistry) Tokens(key string) float64 {
	return r.limiter(key).Tokens()
}
