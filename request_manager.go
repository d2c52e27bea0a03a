package benteng

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PerformFunc executes the underlying transport exchange. It must honor
// ctx cancellation.
type PerformFunc func(ctx context.Context) (*http.Response, error)

// RequestStats is a snapshot of the manager's running statistics.
type RequestStats struct {
	Total        int64
	Active       int64
	Completed    int64
	Cancelled    int64
	Deduplicated int64
	Errors       int64
	AvgLatency   time.Duration
	ErrorRate    float64
}

// Inflight is an admitted request owned by the manager. It settles exactly
// once: success, error, cancellation or timeout, whichever comes first.
type Inflight struct {
	id      string
	key     string
	started time.Time
	cancel  context.CancelFunc

	done    chan struct{}
	resp    *http.Response
	body    []byte // materialized when the result is shared
	err     error
	waiters int
	settled bool
}

// response returns the settled response. A shared result gets a fresh body
// reader per caller so waiters do not drain each other's bytes.
func (f *Inflight) response() *http.Response {
	if f.resp == nil || f.body == nil {
		return f.resp
	}
	clone := *f.resp
	clone.Body = io.NopCloser(bytes.NewReader(f.body))
	return &clone
}

// ID returns the manager-assigned request id, usable with Cancel.
func (f *Inflight) ID() string {
	return f.id
}

// wait blocks until the shared execution settles or ctx ends. A waiter
// whose ctx ends detaches with ctx's error; the shared execution keeps
// running for the owner and any remaining waiters.
func (f *Inflight) wait(ctx context.Context) (*http.Response, error) {
	select {
	case <-f.done:
		return f.response(), f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestManagerConfig tunes a RequestManager.
type RequestManagerConfig struct {
	// Deduplication coalesces identical in-flight requests.
	Deduplication bool
	// MaxConcurrent is the admission ceiling; 0 is unlimited. Admission
	// beyond the ceiling fails fast with ErrCapacityExceeded (requests are
	// never queued).
	MaxConcurrent int
	// PerRequestTimeout bounds each admitted execution; 0 disables it.
	// Expiry is an internally-triggered cancellation.
	PerRequestTimeout time.Duration
	// SweepInterval is how often the background sweep scans for leaked
	// in-flight requests; 0 disables the sweep.
	SweepInterval time.Duration
	// SweepAge is the in-flight age beyond which the sweep force-cancels.
	// Defaults to twice PerRequestTimeout, or five minutes without one.
	SweepAge time.Duration
	// OnDeduplicated, when set, is called with the dedup key each time a
	// caller attaches to an existing in-flight request.
	OnDeduplicated func(key string)
}

// RequestManager tracks the in-flight request set, coalesces duplicates,
// enforces the concurrency ceiling, owns per-request cancellation and keeps
// running statistics. Close stops the background sweep.
type RequestManager struct {
	mu       sync.Mutex
	inflight map[string]*Inflight // by id
	byKey    map[string]*Inflight // dedup index

	config RequestManagerConfig
	logger Logger

	total        int64
	completed    int64
	cancelled    int64
	deduplicated int64
	errors       int64
	totalLatency time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewRequestManager creates a manager and starts its sweep when configured.
func NewRequestManager(config RequestManagerConfig, logger Logger) *RequestManager {
	if logger == nil {
		logger = nopLogger{}
	}
	if config.SweepAge == 0 {
		if config.PerRequestTimeout > 0 {
			config.SweepAge = 2 * config.PerRequestTimeout
		} else {
			config.SweepAge = 5 * time.Minute
		}
	}

	m := &RequestManager{
		inflight: make(map[string]*Inflight),
		byKey:    make(map[string]*Inflight),
		config:   config,
		logger:   logger,
		stop:     make(chan struct{}),
		now:      time.Now,
	}

	if config.SweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	return m
}

// Execute admits, runs and settles one logical request. When deduplication
// applies and an identical request is already in flight, the caller attaches
// to it as a waiter and perform is not invoked.
func (m *RequestManager) Execute(ctx context.Context, key string, dedupable bool, perform PerformFunc) (*http.Response, error) {
	m.mu.Lock()

	if m.config.Deduplication && dedupable && key != "" {
		if existing, ok := m.byKey[key]; ok {
			existing.waiters++
			m.deduplicated++
			m.mu.Unlock()
			if m.config.OnDeduplicated != nil {
				m.config.OnDeduplicated(key)
			}
			return existing.wait(ctx)
		}
	}

	if m.config.MaxConcurrent > 0 && len(m.inflight) >= m.config.MaxConcurrent {
		m.mu.Unlock()
		return nil, ErrCapacityExceeded
	}

	var cctx context.Context
	var cancel context.CancelFunc
	if m.config.PerRequestTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, m.config.PerRequestTimeout)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}

	f := &Inflight{
		id:      uuid.NewString(),
		key:     key,
		started: m.now(),
		cancel:  cancel,
		done:    make(chan struct{}),
		waiters: 1,
	}
	m.inflight[f.id] = f
	if m.config.Deduplication && dedupable && key != "" {
		m.byKey[key] = f
	}
	m.total++
	m.mu.Unlock()

	resp, err := perform(cctx)
	m.settle(f, resp, err)

	out := f.response()
	if f.err != nil || out == nil || out.Body == nil || f.body != nil {
		cancel()
		return out, f.err
	}
	// The live body is still streaming on the per-request context; releasing
	// it now would kill the stream under the caller. The context is released
	// when the caller closes the body or reads it to completion.
	out.Body = &cancelBody{ReadCloser: out.Body, cancel: cancel}
	return out, f.err
}

// cancelBody releases a context cancel func once the body is closed or read
// through, the same way net/http ties its request timeout to the body.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil {
		b.cancel()
	}
	return n, err
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// settle finalizes f exactly once: removes it from the in-flight and dedup
// maps, records stats, and releases waiters. With multiple waiters the
// response body is materialized so every waiter gets an independent reader.
func (m *RequestManager) settle(f *Inflight, resp *http.Response, err error) {
	m.mu.Lock()
	if f.settled {
		m.mu.Unlock()
		return
	}
	f.settled = true

	delete(m.inflight, f.id)
	if f.key != "" && m.byKey[f.key] == f {
		delete(m.byKey, f.key)
	}

	elapsed := m.now().Sub(f.started)
	m.totalLatency += elapsed
	switch {
	case isCancellation(err) || isTimeoutError(err) && resp == nil:
		m.cancelled++
	case err != nil:
		m.errors++
	default:
		m.completed++
	}

	waiters := f.waiters
	m.mu.Unlock()

	if waiters > 1 && resp != nil && resp.Body != nil {
		body, rerr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if rerr == nil {
			f.body = body
		} else {
			f.body = []byte{}
		}
	}

	f.resp = resp
	f.err = err
	close(f.done)
}

// Cancel force-cancels the in-flight request with the given id. Cancelling
// a shared execution cancels it for the owner and every waiter.
func (m *RequestManager) Cancel(id string) bool {
	m.mu.Lock()
	f, ok := m.inflight[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	f.cancel()
	return true
}

// CancelAll force-cancels every in-flight request.
func (m *RequestManager) CancelAll() int {
	m.mu.Lock()
	targets := make([]*Inflight, 0, len(m.inflight))
	for _, f := range m.inflight {
		targets = append(targets, f)
	}
	m.mu.Unlock()

	for _, f := range targets {
		f.cancel()
	}
	return len(targets)
}

// InflightCount returns the number of admitted, unsettled requests.
func (m *RequestManager) InflightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Stats returns a snapshot of the running statistics.
func (m *RequestManager) Stats() RequestStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	settledCount := m.completed + m.cancelled + m.errors
	stats := RequestStats{
		Total:        m.total,
		Active:       int64(len(m.inflight)),
		Completed:    m.completed,
		Cancelled:    m.cancelled,
		Deduplicated: m.deduplicated,
		Errors:       m.errors,
	}
	if settledCount > 0 {
		stats.AvgLatency = m.totalLatency / time.Duration(settledCount)
		stats.ErrorRate = float64(m.errors+m.cancelled) / float64(settledCount)
	}
	return stats
}

// Close stops the background sweep and waits for it to exit. In-flight
// requests are left to settle on their own.
func (m *RequestManager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()
}

// sweepLoop periodically force-cancels in-flight requests older than
// SweepAge, defensive cleanup against leaked executions.
func (m *RequestManager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *RequestManager) sweep() {
	cutoff := m.now().Add(-m.config.SweepAge)

	m.mu.Lock()
	var stale []*Inflight
	for _, f := range m.inflight {
		if f.started.Before(cutoff) {
			stale = append(stale, f)
		}
	}
	m.mu.Unlock()

	for _, f := range stale {
		m.logger.Warn("sweeping stale in-flight request", "id", f.id, "key", f.key)
		f.cancel()
	}
}

// DefaultDeduplicationKeyFunc fingerprints a request by method, URL and,
// for mutating verbs, a hash of the replayable body.
func DefaultDeduplicationKeyFunc(req *http.Request) string {
	h := fnv.New64a()
	h.Write([]byte(req.Method))
	if req.URL != nil {
		h.Write([]byte(req.URL.String()))
	}

	if req.Body != nil && req.GetBody != nil &&
		(req.Method == http.MethodPost || req.Method == http.MethodPut || req.Method == http.MethodPatch) {
		if body, err := req.GetBody(); err == nil {
			bodyHash := sha256.New()
			if _, err := io.Copy(bodyHash, body); err == nil {
				h.Write(bodyHash.Sum(nil))
			}
			_ = body.Close()
		}
	}

	return fmt.Sprintf("%x", h.Sum64())
}

// DefaultDeduplicationCondition deduplicates safe idempotent methods.
func DefaultDeduplicationCondition(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// WithContextDedupDisabled opts the request carrying ctx out of
// deduplication.
func WithContextDedupDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, DedupControlKey, false)
}
