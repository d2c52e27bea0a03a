// Package backoff implements retry delay calculators.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n (0-based).
type Strategy interface {
	Delay(attempt int, base, cap time.Duration, multiplier, jitter float64) time.Duration
}

// Exponential is exponential backoff with additive uniform jitter:
// min(base * multiplier^attempt + uniform(0, jitter*base*multiplier^attempt), cap).
type Exponential struct{}

func (Exponential) Delay(attempt int, base, cap time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30 // overflow guard
	}

	d := time.Duration(float64(base) * pow(multiplier, attempt))
	if d < 0 || d > cap {
		return cap
	}

	jitter = clamp(jitter)
	if jitter > 0 {
		extra := time.Duration(float64(d) * jitter * rand.Float64())
		if d+extra > cap {
			return cap
		}
		d += extra
	}
	return d
}

// Decorrelated is decorrelated jitter after the AWS architecture blog:
// stateless form uniform(base, min(cap, base*3^attempt)).
type Decorrelated struct{}

func (Decorrelated) Delay(attempt int, base, cap time.Duration, _, _ float64) time.Duration {
	if attempt <= 0 {
		return base
	}
	if attempt > 10 {
		attempt = 10
	}

	lo := float64(base)
	hi := lo * pow(3.0, attempt)
	if hi > float64(cap) || hi < 0 {
		hi = float64(cap)
	}
	if hi < lo {
		hi = lo
	}

	d := time.Duration(lo + rand.Float64()*(hi-lo))
	if d < 0 || d > cap {
		return cap
	}
	return d
}

func clamp(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
