package benteng

import (
	"bytes"
	"context"
	"errors"
	"hash/fnv"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// CacheEntry is a stored response. An entry is logically absent once
// ExpiresAt has passed; Get enforces that regardless of backend.
type CacheEntry struct {
	Key          string      `json:"key"`
	StatusCode   int         `json:"status_code"`
	Header       http.Header `json:"header"`
	Body         []byte      `json:"body"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	ETag         string      `json:"etag,omitempty"`
	LastModified string      `json:"last_modified,omitempty"`
}

// Expired reports whether the entry is logically absent at t. The boundary
// is exact: an entry with TTL d set at T is gone for reads at T+d.
func (e *CacheEntry) Expired(t time.Time) bool {
	return !e.ExpiresAt.After(t)
}

// Response reconstructs an http.Response from the entry. Each call returns
// a response with its own body reader.
func (e *CacheEntry) Response() *http.Response {
	return &http.Response{
		StatusCode: e.StatusCode,
		Header:     e.Header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(e.Body)),
	}
}

// CacheBackend is the pluggable storage behind a CacheStore. Backends store
// and return entries verbatim; expiry, eviction and cacheability are the
// store's job so every backend behaves identically.
type CacheBackend interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
}

// CacheabilityPredicate decides whether a response may be stored.
type CacheabilityPredicate func(resp *http.Response) bool

// DefaultCacheability stores 2xx responses only.
func DefaultCacheability(resp *http.Response) bool {
	return resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300
}

// CacheStoreConfig tunes a CacheStore.
type CacheStoreConfig struct {
	// TTL is the default entry lifetime.
	TTL time.Duration
	// MaxEntries bounds the entry count; 0 is unbounded. When exceeded the
	// oldest entries by creation time are evicted (insertion order, not
	// access recency).
	MaxEntries int
	// Cacheability defaults to DefaultCacheability.
	Cacheability CacheabilityPredicate
	Logger       Logger
}

// CacheStore implements the cache consistency contract over a pluggable
// backend: lazy expiry on read, FIFO-by-creation eviction, cacheability
// filtering and glob pattern invalidation.
type CacheStore struct {
	backend    CacheBackend
	ttl        time.Duration
	maxEntries int
	cacheable  CacheabilityPredicate
	logger     Logger
	now        func() time.Time
}

// NewCacheStore builds a store over backend.
func NewCacheStore(backend CacheBackend, cfg CacheStoreConfig) *CacheStore {
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Cacheability == nil {
		cfg.Cacheability = DefaultCacheability
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	return &CacheStore{
		backend:    backend,
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		cacheable:  cfg.Cacheability,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// TTL returns the default entry lifetime.
func (s *CacheStore) TTL() time.Duration {
	return s.ttl
}

// Get returns the fresh entry for key. Expired entries are deleted as a
// side effect of the read and reported absent. A backend error of
// ErrCacheMiss is an absent entry, not a failure.
func (s *CacheStore) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	entry, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, false
		}
		s.logger.Warn("cache backend read failed", "key", key, "error", err.Error())
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if entry.Expired(s.now()) {
		if derr := s.backend.Delete(ctx, key); derr != nil {
			s.logger.Warn("cache expiry delete failed", "key", key, "error", derr.Error())
		}
		return nil, false
	}
	return entry, true
}

// Set stores resp under key when the cacheability predicate admits it,
// evicting oldest entries first if the store is full. ttl of 0 uses the
// store default. The response body is consumed and restored for the caller.
func (s *CacheStore) Set(ctx context.Context, key string, resp *http.Response, ttl time.Duration) error {
	if !s.cacheable(resp) {
		return nil
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	entry, err := s.entryFromResponse(key, resp, ttl)
	if err != nil {
		return err
	}

	if s.maxEntries > 0 {
		if err := s.evictFor(ctx, key); err != nil {
			s.logger.Warn("cache eviction failed", "error", err.Error())
		}
	}

	return s.backend.Set(ctx, key, entry, ttl)
}

// evictFor makes room for one more entry by removing oldest-by-creation
// entries until the count is under MaxEntries. Overwrites of an existing
// key need no room.
func (s *CacheStore) evictFor(ctx context.Context, key string) error {
	if _, exists, _ := s.backend.Get(ctx, key); exists {
		return nil
	}

	n, err := s.backend.Len(ctx)
	if err != nil || n < s.maxEntries {
		return err
	}

	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return err
	}

	type aged struct {
		key     string
		created time.Time
	}
	entries := make([]aged, 0, len(keys))
	now := s.now()
	for _, k := range keys {
		entry, ok, gerr := s.backend.Get(ctx, k)
		if gerr != nil || !ok {
			continue
		}
		if entry.Expired(now) {
			// Expired entries free a slot without counting against the
			// eviction quota.
			_ = s.backend.Delete(ctx, k)
			n--
			continue
		}
		entries = append(entries, aged{key: k, created: entry.CreatedAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].created.Before(entries[j].created)
	})

	for i := 0; n >= s.maxEntries && i < len(entries); i++ {
		if err := s.backend.Delete(ctx, entries[i].key); err != nil {
			return err
		}
		n--
	}
	return nil
}

// Invalidate deletes entries whose key matches pattern (gobwas/glob
// syntax, '*' matching any run). Returns the number removed.
func (s *CacheStore) Invalidate(ctx context.Context, pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, err
	}

	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, k := range keys {
		if !g.Match(k) {
			continue
		}
		if err := s.backend.Delete(ctx, k); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Clear removes every entry.
func (s *CacheStore) Clear(ctx context.Context) error {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.backend.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the stored entry count, including not-yet-swept expired
// entries.
func (s *CacheStore) Len(ctx context.Context) int {
	n, err := s.backend.Len(ctx)
	if err != nil {
		return 0
	}
	return n
}

// entryFromResponse captures resp into a CacheEntry, restoring resp.Body
// for downstream consumption. Bodies larger than 10 MiB are truncated out
// of caching.
func (s *CacheStore) entryFromResponse(key string, resp *http.Response, ttl time.Duration) (*CacheEntry, error) {
	const maxBody = 10 * 1024 * 1024

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil && err != io.EOF {
			return nil, err
		}
		_ = resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}

	now := s.now()
	return &CacheEntry{
		Key:          key,
		StatusCode:   resp.StatusCode,
		Header:       resp.Header.Clone(),
		Body:         body,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// DefaultCacheKeyFunc keys an entry by method and full URL.
func DefaultCacheKeyFunc(req *http.Request) string {
	if req.URL == nil {
		return req.Method + ":"
	}

	var buf []byte
	buf = append(buf, req.Method...)
	buf = append(buf, ':')
	buf = append(buf, req.URL.String()...)
	return string(buf)
}

// DefaultCacheCondition lets GET requests participate in caching.
func DefaultCacheCondition(req *http.Request) bool {
	return req.Method == http.MethodGet
}

// MemoryBackend is a sharded in-memory CacheBackend.
type MemoryBackend struct {
	shards    []*memoryShard
	numShards int
}

type memoryShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
}

// NewMemoryBackend creates a 16-shard in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	numShards := 16
	shards := make([]*memoryShard, numShards)
	for i := range shards {
		shards[i] = &memoryShard{store: make(map[string]*CacheEntry)}
	}
	return &MemoryBackend{shards: shards, numShards: numShards}
}

func (m *MemoryBackend) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(m.numShards)]
}

func (m *MemoryBackend) Get(_ context.Context, key string) (*CacheEntry, bool, error) {
	shard := m.shard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	entry, ok := shard.store[key]
	return entry, ok, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, entry *CacheEntry, _ time.Duration) error {
	shard := m.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.store[key] = entry
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	shard := m.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.store, key)
	return nil
}

func (m *MemoryBackend) Keys(_ context.Context) ([]string, error) {
	var keys []string
	for _, shard := range m.shards {
		shard.mu.RLock()
		for k := range shard.store {
			keys = append(keys, k)
		}
		shard.mu.RUnlock()
	}
	return keys, nil
}

func (m *MemoryBackend) Len(_ context.Context) (int, error) {
	n := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		n += len(shard.store)
		shard.mu.RUnlock()
	}
	return n, nil
}

// WithContextCacheEnabled forces caching on for the request carrying ctx.
func WithContextCacheEnabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, CacheControlKey, &CacheControl{Enabled: true})
}

// WithContextCacheDisabled bypasses the cache for the request carrying ctx.
func WithContextCacheDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, CacheControlKey, &CacheControl{Enabled: false})
}

// WithContextCacheTTL enables caching with a custom TTL for one request.
func WithContextCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, CacheControlKey, &CacheControl{Enabled: true, TTL: ttl})
}
