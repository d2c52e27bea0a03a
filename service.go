package benteng

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ServiceConfig is the merged request defaults for one named service.
type ServiceConfig struct {
	// BaseURL is prepended to relative paths.
	BaseURL string
	// Headers are set on every request unless the request already carries
	// the header.
	Headers http.Header
	// Timeout bounds each request to this service; 0 inherits the client
	// setting.
	Timeout time.Duration
	// CacheTTL overrides the cache TTL for this service; 0 inherits.
	CacheTTL time.Duration
	// MaxRetries caps retries for this service; 0 inherits, negative
	// disables retries.
	MaxRetries int
	// BreakerKey groups the service under a circuit breaker key; empty
	// defaults to the service name.
	BreakerKey string
}

// ServiceRegistry maps service names to their request defaults.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]ServiceConfig
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]ServiceConfig)}
}

// Register adds or replaces the config for name.
func (r *ServiceRegistry) Register(name string, cfg ServiceConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = cfg
}

// Get returns the config for name.
func (r *ServiceRegistry) Get(name string) (ServiceConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.services[name]
	return cfg, ok
}

// Remove drops the config for name.
func (r *ServiceRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, name)
}

// Names lists registered service names.
func (r *ServiceRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// RegisterService registers a named service on the client.
func (c *Client) RegisterService(name string, cfg ServiceConfig) {
	c.services.Register(name, cfg)
}

// Service returns a scoped view of the client that applies the named
// service's defaults to every request. Using an unregistered name yields a
// view with no defaults.
func (c *Client) Service(name string) *ServiceClient {
	return &ServiceClient{client: c, name: name}
}

// ServiceClient issues requests with a service's merged defaults applied.
type ServiceClient struct {
	client *Client
	name   string
}

// Name returns the service name.
func (s *ServiceClient) Name() string {
	return s.name
}

// Get issues a GET against the service.
func (s *ServiceClient) Get(ctx context.Context, path string) (*http.Response, error) {
	return s.Do(ctx, http.MethodGet, path, "", nil)
}

// Post issues a POST with the given content type against the service.
func (s *ServiceClient) Post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	return s.Do(ctx, http.MethodPost, path, contentType, body)
}

// Do builds and executes a request with the service defaults merged in.
func (s *ServiceClient) Do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	cfg, _ := s.client.services.Get(s.name)

	url := joinURL(cfg.BaseURL, path)

	breakerKey := cfg.BreakerKey
	if breakerKey == "" {
		breakerKey = s.name
	}
	ctx = context.WithValue(ctx, BreakerKeyKey, breakerKey)

	if cfg.CacheTTL > 0 {
		ctx = context.WithValue(ctx, CacheControlKey, &CacheControl{Enabled: true, TTL: cfg.CacheTTL})
	}

	if cfg.MaxRetries != 0 {
		ctx = context.WithValue(ctx, RetryControlKey, cfg.MaxRetries)
	}

	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, values := range cfg.Headers {
		if req.Header.Get(key) != "" {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := s.client.Do(req)
	if cancel != nil {
		if err != nil || resp == nil || resp.Body == nil {
			cancel()
		} else {
			// Keep the timeout context alive until the caller finishes
			// reading the body.
			resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		}
	}
	return resp, err
}

// joinURL joins a base URL and a path with exactly one slash between them.
// Absolute paths (with scheme) pass through untouched.
func joinURL(base, path string) string {
	if base == "" || strings.Contains(path, "://") {
		return path
	}
	if path == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}
