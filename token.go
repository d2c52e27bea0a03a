package benteng

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nusantara-labs/benteng/internal/singleflight"
)

// TokenRecord holds one named credential. A record carries either a bearer
// token (AccessToken, with optional RefreshToken and expiry) or an API key.
type TokenRecord struct {
	Name         string
	AccessToken  string
	RefreshToken string
	APIKey       string
	TokenType    string // header label, e.g. "Bearer"
	ExpiresAt    time.Time
}

// Valid reports whether the record can authenticate a request at t.
// Records without an expiry are always valid while they carry material.
func (r *TokenRecord) Valid(t time.Time) bool {
	if r == nil {
		return false
	}
	if r.AccessToken == "" && r.APIKey == "" {
		return false
	}
	return r.ExpiresAt.IsZero() || t.Before(r.ExpiresAt)
}

func (r *TokenRecord) clone() *TokenRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// SelectionPolicy picks among valid records when several are configured.
type SelectionPolicy int

const (
	// SelectOrdered always prefers the earliest-registered valid record.
	SelectOrdered SelectionPolicy = iota
	// SelectRoundRobin rotates across valid records.
	SelectRoundRobin
	// SelectLeastErrored prefers the valid record with the fewest recorded
	// auth errors.
	SelectLeastErrored
)

// CredentialStorage persists the access token outside the process. No
// default is wired in; callers supply one, or use MemoryCredentialStorage.
type CredentialStorage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryCredentialStorage is the reference in-memory CredentialStorage.
type MemoryCredentialStorage struct {
	mu    sync.RWMutex
	store map[string]string
}

// NewMemoryCredentialStorage returns an empty in-memory storage.
func NewMemoryCredentialStorage() *MemoryCredentialStorage {
	return &MemoryCredentialStorage{store: make(map[string]string)}
}

func (s *MemoryCredentialStorage) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.store[key]
	if !ok {
		return "", ErrCredentialNotFound
	}
	return v, nil
}

func (s *MemoryCredentialStorage) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[key] = value
	return nil
}

func (s *MemoryCredentialStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.store, key)
	return nil
}

// RefreshFunc exchanges the current record for fresh credentials, typically
// by calling the provider's token endpoint with record.RefreshToken.
type RefreshFunc func(ctx context.Context, record *TokenRecord) (*TokenRecord, error)

// TokenConfig configures a TokenStore.
type TokenConfig struct {
	// Records in failover priority order; the first is primary.
	Records []*TokenRecord
	// Policy picks among valid records. Defaults to SelectOrdered.
	Policy SelectionPolicy
	// AuthHeader is the bearer header name. Defaults to "Authorization".
	AuthHeader string
	// APIKeyHeader is used for records carrying an APIKey. Defaults to
	// "X-Api-Key".
	APIKeyHeader string
	// Storage persists refreshed access tokens. Optional.
	Storage CredentialStorage
	// StorageKey is the storage key for the access token. Defaults to
	// "benteng.access_token".
	StorageKey string
	// Refresh performs the credential refresh. Required for 401 recovery.
	Refresh RefreshFunc
	// OnRefreshSuccess fires after a refresh produced and persisted a new
	// record.
	OnRefreshSuccess func(record *TokenRecord)
	// OnRefreshFailure fires after a refresh failed terminally.
	OnRefreshFailure func(err error)
	// OnForbidden fires on 403 responses; no refresh is attempted.
	OnForbidden func()
	Logger      Logger
}

// TokenStore holds credential records, attaches them to requests, and
// coordinates single-flight refresh. Safe for concurrent use; shared
// process-wide across all requests using the same credentials.
type TokenStore struct {
	mu      sync.RWMutex
	records []*TokenRecord
	errs    map[string]int64
	cursor  int

	policy       SelectionPolicy
	authHeader   string
	apiKeyHeader string
	storage      CredentialStorage
	storageKey   string
	refresh      RefreshFunc

	group            *singleflight.Group
	onRefreshSuccess func(*TokenRecord)
	onRefreshFailure func(error)
	onForbidden      func()
	logger           Logger
	now              func() time.Time
}

// NewTokenStore builds a TokenStore from cfg.
func NewTokenStore(cfg TokenConfig) *TokenStore {
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-Api-Key"
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = "benteng.access_token"
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	ts := &TokenStore{
		errs:             make(map[string]int64),
		policy:           cfg.Policy,
		authHeader:       cfg.AuthHeader,
		apiKeyHeader:     cfg.APIKeyHeader,
		storage:          cfg.Storage,
		storageKey:       cfg.StorageKey,
		refresh:          cfg.Refresh,
		group:            singleflight.New(),
		onRefreshSuccess: cfg.OnRefreshSuccess,
		onRefreshFailure: cfg.OnRefreshFailure,
		onForbidden:      cfg.OnForbidden,
		logger:           cfg.Logger,
		now:              time.Now,
	}
	for _, rec := range cfg.Records {
		ts.records = append(ts.records, rec.clone())
	}
	return ts
}

// SetRecord inserts or replaces the record with the same name. A record
// with a new name is appended, keeping registration order as failover
// priority.
func (ts *TokenStore) SetRecord(rec *TokenRecord) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, existing := range ts.records {
		if existing.Name == rec.Name {
			ts.records[i] = rec.clone()
			return
		}
	}
	ts.records = append(ts.records, rec.clone())
}

// Record returns a copy of the named record.
func (ts *TokenStore) Record(name string) (*TokenRecord, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	for _, rec := range ts.records {
		if rec.Name == name {
			return rec.clone(), true
		}
	}
	return nil, false
}

// RecordAuthError bumps the error count used by SelectLeastErrored.
func (ts *TokenStore) RecordAuthError(name string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.errs[name]++
}

// active picks the record to authenticate with, per the selection policy.
// Caller holds at least a read lock; round-robin takes the write lock.
func (ts *TokenStore) active() *TokenRecord {
	now := ts.now()
	var valid []*TokenRecord
	for _, rec := range ts.records {
		if rec.Valid(now) {
			valid = append(valid, rec)
		}
	}
	if len(valid) == 0 {
		return nil
	}

	switch ts.policy {
	case SelectRoundRobin:
		rec := valid[ts.cursor%len(valid)]
		ts.cursor++
		return rec
	case SelectLeastErrored:
		best := valid[0]
		for _, rec := range valid[1:] {
			if ts.errs[rec.Name] < ts.errs[best.Name] {
				best = rec
			}
		}
		return best
	default:
		return valid[0]
	}
}

// Attach injects the credential header for the active record into req.
// With no valid record the request proceeds unauthenticated; the 401 path
// will trigger a refresh.
func (ts *TokenStore) Attach(req *http.Request) {
	ts.mu.Lock()
	rec := ts.active()
	ts.mu.Unlock()

	if rec == nil {
		return
	}

	if rec.APIKey != "" && rec.AccessToken == "" {
		req.Header.Set(ts.apiKeyHeader, rec.APIKey)
		return
	}

	tokenType := rec.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	req.Header.Set(ts.authHeader, fmt.Sprintf("%s %s", tokenType, rec.AccessToken))
}

// Refresh performs a single-flight credential refresh. Concurrent callers
// while a refresh is pending attach to the same pending call and share its
// outcome; the in-flight guard is released on every exit path. On success
// the new record replaces the primary (or same-named) record and the access
// token is persisted to storage.
func (ts *TokenStore) Refresh(ctx context.Context) (*TokenRecord, error) {
	if ts.refresh == nil {
		return nil, fmt.Errorf("%w: no refresh function configured", ErrRefreshFailed)
	}

	val, err := ts.group.Do(ctx, "refresh", func() (interface{}, error) {
		ts.mu.RLock()
		var current *TokenRecord
		if len(ts.records) > 0 {
			current = ts.records[0].clone()
		}
		ts.mu.RUnlock()

		rec, err := ts.refresh(ctx, current)
		if err != nil {
			if ts.onRefreshFailure != nil {
				ts.onRefreshFailure(err)
			}
			ts.logger.Warn("token refresh failed", "error", err.Error())
			return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
		if rec == nil || rec.AccessToken == "" {
			err := fmt.Errorf("%w: refresh returned no token", ErrRefreshFailed)
			if ts.onRefreshFailure != nil {
				ts.onRefreshFailure(err)
			}
			return nil, err
		}

		if rec.Name == "" && current != nil {
			rec.Name = current.Name
		}
		ts.SetRecord(rec)

		if ts.storage != nil {
			if serr := ts.storage.Set(ctx, ts.storageKey, rec.AccessToken); serr != nil {
				ts.logger.Warn("persisting refreshed token failed", "error", serr.Error())
			}
		}
		if ts.onRefreshSuccess != nil {
			ts.onRefreshSuccess(rec.clone())
		}
		ts.logger.Debug("token refreshed", "record", rec.Name)
		return rec.clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*TokenRecord), nil
}

// RefreshPending reports whether a refresh call is currently in flight.
func (ts *TokenStore) RefreshPending() bool {
	return ts.group.Pending("refresh")
}

// HandleAuthFailure routes an auth-related status code. 401 triggers a
// single-flight refresh and reports refreshed=true on success; 403 fires
// the forbidden notification and never refreshes.
func (ts *TokenStore) HandleAuthFailure(ctx context.Context, statusCode int) (refreshed bool, err error) {
	switch statusCode {
	case http.StatusUnauthorized:
		if _, err := ts.Refresh(ctx); err != nil {
			return false, err
		}
		return true, nil
	case http.StatusForbidden:
		if ts.onForbidden != nil {
			ts.onForbidden()
		}
		return false, nil
	default:
		return false, nil
	}
}

// Clear drops all records and removes the persisted token from storage.
func (ts *TokenStore) Clear(ctx context.Context) error {
	ts.mu.Lock()
	ts.records = nil
	ts.errs = make(map[string]int64)
	ts.mu.Unlock()

	if ts.storage != nil {
		if err := ts.storage.Delete(ctx, ts.storageKey); err != nil && err != ErrCredentialNotFound {
			return err
		}
	}
	return nil
}
