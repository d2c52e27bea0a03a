// Package window provides a sliding time-window counter used for retry
// budgets and circuit breaker failure aging.
package window

import (
	"sync"
	"time"
)

// Counter counts events over a sliding window. The window is divided into
// fixed buckets; expired buckets are zeroed lazily on access, so the count
// decays in bucket-sized steps rather than continuously.
type Counter struct {
	mu      sync.Mutex
	buckets []int64
	stamps  []int64 // bucket start, unix nanos
	span    time.Duration
	slot    time.Duration
	now     func() time.Time
}

// New creates a counter covering span with the given number of buckets.
func New(span time.Duration, buckets int) *Counter {
	return NewWithClock(span, buckets, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(span time.Duration, buckets int, now func() time.Time) *Counter {
	if buckets <= 0 {
		buckets = 10
	}
	if span <= 0 {
		span = time.Minute
	}
	return &Counter{
		buckets: make([]int64, buckets),
		stamps:  make([]int64, buckets),
		span:    span,
		slot:    span / time.Duration(buckets),
		now:     now,
	}
}

// index returns the bucket for t, zeroing it first if its previous use is
// older than one window. Caller holds mu.
func (c *Counter) index(t time.Time) int {
	i := int((t.UnixNano() / int64(c.slot)) % int64(len(c.buckets)))
	start := (t.UnixNano() / int64(c.slot)) * int64(c.slot)
	if c.stamps[i] != start {
		c.buckets[i] = 0
		c.stamps[i] = start
	}
	return i
}

// Incr adds n to the current bucket.
func (c *Counter) Incr(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[c.index(c.now())] += n
}

// Sum returns the total across buckets still inside the window.
func (c *Counter) Sum() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.span).UnixNano()
	var total int64
	for i := range c.buckets {
		if c.stamps[i] > cutoff {
			total += c.buckets[i]
		}
	}
	return total
}

// Reset zeroes all buckets.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.buckets {
		c.buckets[i] = 0
		c.stamps[i] = 0
	}
}

// Span returns the window length.
func (c *Counter) Span() time.Duration {
	return c.span
}
