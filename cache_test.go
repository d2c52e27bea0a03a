package benteng

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"
)

func cachedResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func TestCacheStoreSetGet(t *testing.T) {
	s := NewCacheStore(NewMemoryBackend(), CacheStoreConfig{TTL: time.Minute})
	ctx := context.Background()

	if err := s.Set(ctx, "k", cachedResponse(200, "hello"), 0); err != nil {
		t.Fatalf("Expected set success, got %v", err)
	}

	entry, ok := s.Get(ctx, "k")
	if !ok {
		t.Fatal("Expected hit")
	}
	if entry.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", entry.StatusCode)
	}
	if string(entry.Body) != "hello" {
		t.Errorf("Expected body hello, got %q", entry.Body)
	}
}

func TestCacheStoreMiss(t *testing.T) {
	s := NewCacheStore(NewMemoryBackend(), CacheStoreConfig{})

	if _, ok := s.Get(context.Background(), "absent"); ok {
		t.Error("Expected miss for absent key")
	}
}

func TestCacheEntryExpiryBoundary(t *testing.T) {
	created := time.Unix(1000, 0)
	entry := &CacheEntry{CreatedAt: created, ExpiresAt: created.Add(time.Minute)}

	if entry.Expired(created.Add(59 * time.Second)) {
		t.Error("Expected entry fresh before the deadline")
	}
	// The boundary is exact: gone at exactly CreatedAt+TTL.
	if !entry.Expired(created.Add(time.Minute)) {
		t.Error("Expected entry expired at the deadline")
	}
	if !entry.Expired(created.Add(61 * time.Second)) {
		t.Error("Expected entry expired past the deadline")
	}
}

func TestCacheStoreLazyExpiry(t *testing.T) {
	s := NewCacheStore(NewMemoryBackend(), CacheStoreConfig{TTL: 30 * time.Millisecond})
	ctx := context.Background()

	if err := s.Set(ctx, "k", cachedResponse(200, "x"), 0); err != nil {
		t.Fatalf("Expected set success, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, ok := s.Get(ctx, "k"); ok {
		t.Error("Expected expired entry reported absent")
	}
	// The expired entry is physically removed by the read.
	if n := s.Len(ctx); n != 0 {
		t.Errorf("Expected 0 entries after lazy removal, got %d", n)
	}
}

func TestCacheStoreFIFOEviction(t *testing.T) {
	s := NewCacheStore(NewMemoryBackend(), CacheStoreConfig{TTL: time.Minute, MaxEntries: 2})
	ctx := context.Background()

	_ = s.Set(ctx, "first", cachedResponse(200, "1"), 0)
	time.Sleep(5 * time.Millisecond)
	_ = s.Set(ctx, "second", cachedResponse(200, "2"), 0)
	time.Sleep(5 * time.Millisecond)

	// Reads must not refresh eviction order; eviction is by creation time.
	if _, ok := s.Get(ctx, "first"); !ok {
		t.Fatal("Expected first entry present")
	}

	_ = s.Set(ctx, "third", cachedResponse(200, "3"), 0)

	if _, ok := s.Get(ctx, "first"); ok {
		t.Error("Expected oldest entry evicted")
	}
	if _, ok := s.Get(ctx, "second"); !ok {
		t.Error("Expected second entry retained")
	}
	if _, ok := s.Get(ctx, "third"); !ok {
		t.Error("Expected new entry stored")
	}
}

func TestCacheStoreOverwriteNeedsNoRoom(t *testing.T) {
	s := NewCacheStore(NewMemoryBackend(), CacheStoreConfig{TTL: time.Minute, MaxEntries: 2})
	ctx := context.Background()

	_ = s.Set(ctx, "a", cachedResponse(200, "1"), 0)
	_ = s.Set(ctx, "b", cachedResponse(200, "2"), 0)
	_ = s.Set(ctx, "a", cachedResponse(200, "1b"), 0)

	if n := s.Len(ctx); n != 2 {
		t.Errorf("Expected 2 entries after overwrite, got %d", n)
	}
	entry, ok := s.Get(ctx, "a")
	if !ok || string(entry.Body) != "1b" {
		t.Errorf("Expected overwritten body, got %+v", entry)
	}
}

func TestCacheStoreCacheabilityFilter(t *testing.T) {
	s := NewCacheStore(NewMemoryBackend(), CacheStoreConfig{TTL: time.Minute})
	ctx := context.Background()

	if err := s.Set(ctx, "err", cachedResponse(500, "boom"), 0); err != nil {
		t.Fatalf("Expected silent skip, got %v", err)
	}
	if _, ok := s.Get(ctx, "err"); ok {
		t.Error("Expected 500 response not stored")
	}
}

func TestCacheStoreCustomTTL(t *testing.T) {
	s := NewCacheStore(NewMemoryBackend(), CacheStoreConfig{TTL: time.Hour})
	ctx := context.Background()

	_ = s.Set(ctx, "short", cachedResponse(200, "x"), 30*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	if _, ok := s.Get(ctx, "short"); ok {
		t.Error("Expected per-call TTL to override the store default")
	}
}

func TestCacheStoreInvalidate(t *testing.T) {
	s := NewCacheStore(NewMemoryBackend(), CacheStoreConfig{TTL: time.Minute})
	ctx := context.Background()

	_ = s.Set(ctx, "GET:https://api.example.com/users/1", cachedResponse(200, "u1"), 0)
	_ = s.Set(ctx, "GET:https://api.example.com/users/2", cachedResponse(200, "u2"), 0)
	_ = s.Set(ctx, "GET:https://api.example.com/orders/1", cachedResponse(200, "o1"), 0)

	removed, err := s.Invalidate(ctx, "*users*")
	if err != nil {
		t.Fatalf("Expected invalidate success, got %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if _, ok := s.Get(ctx, "GET:https://api.example.com/orders/1"); !ok {
		t.Error("Expected non-matching entry retained")
	}
}

func TestCacheStoreInvalidateBadPattern(t *testing.T) {
	s := NewCacheStore(NewMemoryBackend(), CacheStoreConfig{})

	if _, err := s.Invalidate(context.Background(), "[unclosed"); err == nil {
		t.Error("Expected error for malformed pattern")
	}
}

func TestCacheStoreClear(t *testing.T) {
	s := NewCacheStore(NewMemoryBackend(), CacheStoreConfig{TTL: time.Minute})
	ctx := context.Background()

	_ = s.Set(ctx, "a", cachedResponse(200, "1"), 0)
	_ = s.Set(ctx, "b", cachedResponse(200, "2"), 0)

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Expected clear success, got %v", err)
	}
	if n := s.Len(ctx); n != 0 {
		t.Errorf("Expected empty store, got %d entries", n)
	}
}

func TestCacheEntryResponseIndependentBodies(t *testing.T) {
	entry := &CacheEntry{StatusCode: 200, Header: http.Header{}, Body: []byte("shared")}

	first := entry.Response()
	b1, _ := io.ReadAll(first.Body)

	second := entry.Response()
	b2, _ := io.ReadAll(second.Body)

	if string(b1) != "shared" || string(b2) != "shared" {
		t.Errorf("Expected both readers to yield the body, got %q and %q", b1, b2)
	}
}

func TestSetRestoresResponseBody(t *testing.T) {
	s := NewCacheStore(NewMemoryBackend(), CacheStoreConfig{TTL: time.Minute})
	resp := cachedResponse(200, "payload")

	if err := s.Set(context.Background(), "k", resp, 0); err != nil {
		t.Fatalf("Expected set success, got %v", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Expected readable body after caching, got %v", err)
	}
	if string(body) != "payload" {
		t.Errorf("Expected payload preserved for the caller, got %q", body)
	}
}

func TestDefaultCacheKeyFunc(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/users?page=2", nil)

	key := DefaultCacheKeyFunc(req)
	if key != "GET:https://api.example.com/users?page=2" {
		t.Errorf("Expected method:url key, got %q", key)
	}
}

func TestDefaultCacheCondition(t *testing.T) {
	get, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	post, _ := http.NewRequest(http.MethodPost, "https://example.com", nil)

	if !DefaultCacheCondition(get) {
		t.Error("Expected GET cacheable")
	}
	if DefaultCacheCondition(post) {
		t.Error("Expected POST not cacheable")
	}
}

// missErrorBackend signals every lookup as a definitive miss through the
// ErrCacheMiss sentinel instead of the ok bool.
type missErrorBackend struct{}

func (missErrorBackend) Get(ctx context.Context, key string) (*CacheEntry, bool, error) {
	return nil, false, ErrCacheMiss
}
func (missErrorBackend) Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error {
	return nil
}
func (missErrorBackend) Delete(ctx context.Context, key string) error { return nil }
func (missErrorBackend) Keys(ctx context.Context) ([]string, error)   { return nil, nil }
func (missErrorBackend) Len(ctx context.Context) (int, error)         { return 0, nil }

type warnCountLogger struct {
	warns int
}

func (l *warnCountLogger) Debug(string, ...interface{}) {}
func (l *warnCountLogger) Info(string, ...interface{})  {}
func (l *warnCountLogger) Warn(string, ...interface{})  { l.warns++ }
func (l *warnCountLogger) Error(string, ...interface{}) {}

func TestBackendCacheMissSentinel(t *testing.T) {
	logger := &warnCountLogger{}
	store := NewCacheStore(missErrorBackend{}, CacheStoreConfig{TTL: time.Minute, Logger: logger})

	entry, found := store.Get(context.Background(), "GET:http://example.com/")
	if found || entry != nil {
		t.Errorf("Expected miss, got entry %v", entry)
	}
	if logger.warns != 0 {
		t.Errorf("Expected ErrCacheMiss treated as a miss, not a backend failure; got %d warnings", logger.warns)
	}
}
