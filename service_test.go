package benteng

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestJoinURL(t *testing.T) {
	tests := []struct {
		base string
		path string
		want string
	}{
		{"https://api.example.com", "/users", "https://api.example.com/users"},
		{"https://api.example.com/", "users", "https://api.example.com/users"},
		{"https://api.example.com/", "/users", "https://api.example.com/users"},
		{"https://api.example.com", "users", "https://api.example.com/users"},
		{"", "/users", "/users"},
		{"https://api.example.com", "https://other.example.com/x", "https://other.example.com/x"},
		{"https://api.example.com", "", "https://api.example.com"},
	}
	for _, tt := range tests {
		if got := joinURL(tt.base, tt.path); got != tt.want {
			t.Errorf("Expected joinURL(%q,%q)=%q, got %q", tt.base, tt.path, tt.want, got)
		}
	}
}

func TestServiceRegistry(t *testing.T) {
	r := NewServiceRegistry()

	r.Register("billing", ServiceConfig{BaseURL: "https://billing.internal"})
	cfg, ok := r.Get("billing")
	if !ok || cfg.BaseURL != "https://billing.internal" {
		t.Errorf("Expected registered config, got %+v ok=%v", cfg, ok)
	}

	if _, ok := r.Get("unknown"); ok {
		t.Error("Expected miss for unknown service")
	}

	r.Remove("billing")
	if _, ok := r.Get("billing"); ok {
		t.Error("Expected removal")
	}
	if len(r.Names()) != 0 {
		t.Errorf("Expected no names, got %v", r.Names())
	}
}

func TestServiceClientAppliesDefaults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Team") != "payments" {
			t.Errorf("Expected service header, got %q", r.Header.Get("X-Team"))
		}
		if r.URL.Path != "/invoices/42" {
			t.Errorf("Expected joined path, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New()
	defer client.Close()

	client.RegisterService("billing", ServiceConfig{
		BaseURL: server.URL,
		Headers: http.Header{"X-Team": []string{"payments"}},
	})

	resp, err := client.Service("billing").Get(context.Background(), "/invoices/42")
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	resp.Body.Close()
}

func TestServiceHeadersDoNotOverrideRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "text/csv" {
			t.Errorf("Expected caller content type to win, got %q", ct)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New()
	defer client.Close()

	client.RegisterService("export", ServiceConfig{
		BaseURL: server.URL,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
	})

	resp, err := client.Service("export").Post(context.Background(), "/upload", "text/csv", nil)
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	resp.Body.Close()
}

func TestServiceBreakerKeyGroupsRequests(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(
		WithMaxRetries(0),
		WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute}),
	)
	defer client.Close()

	client.RegisterService("flaky", ServiceConfig{BaseURL: server.URL})

	resp, err := client.Service("flaky").Get(context.Background(), "/a")
	if err != nil {
		t.Fatalf("Expected 500 response, got %v", err)
	}
	resp.Body.Close()

	// The breaker key is the service name, not the host.
	if client.BreakerState("flaky") != StateOpen {
		t.Errorf("Expected service breaker open, got %v", client.BreakerState("flaky"))
	}

	if _, err := client.Service("flaky").Get(context.Background(), "/b"); err == nil {
		t.Error("Expected rejection while the service breaker is open")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("Expected 1 origin hit, got %d", got)
	}
}

func TestServiceTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer server.Close()

	client := New(WithMaxRetries(0))
	defer client.Close()

	client.RegisterService("slow", ServiceConfig{
		BaseURL: server.URL,
		Timeout: 30 * time.Millisecond,
	})

	start := time.Now()
	_, err := client.Service("slow").Get(context.Background(), "/")
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Expected fast timeout, took %v", elapsed)
	}
}

func TestServiceCacheTTL(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(WithCache(time.Minute))
	defer client.Close()

	client.RegisterService("catalog", ServiceConfig{
		BaseURL:  server.URL,
		CacheTTL: time.Hour,
	})

	for i := 0; i < 2; i++ {
		resp, err := client.Service("catalog").Get(context.Background(), "/items")
		if err != nil {
			t.Fatalf("Expected success, got %v", err)
		}
		resp.Body.Close()
	}

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("Expected cached second call, got %d hits", got)
	}
}

func TestUnregisteredServicePassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New()
	defer client.Close()

	sc := client.Service("missing")
	if sc.Name() != "missing" {
		t.Errorf("Expected name preserved, got %s", sc.Name())
	}

	resp, err := sc.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Expected absolute URL to pass through, got %v", err)
	}
	resp.Body.Close()
}

func TestServiceMaxRetriesOverride(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(append(fastRetryOptions(), WithMaxRetries(3))...)
	defer client.Close()

	client.RegisterService("fragile", ServiceConfig{
		BaseURL:    server.URL,
		MaxRetries: -1,
	})

	resp, err := client.Service("fragile").Get(context.Background(), "/items")
	if err != nil {
		t.Fatalf("Expected response, got %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("Expected retries disabled for service, got %d hits", got)
	}
}

func TestServiceTimeoutBodyReadableAfterReturn(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 4<<20)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	client := New()
	defer client.Close()

	client.RegisterService("bulk", ServiceConfig{
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	})

	resp, err := client.Service("bulk").Get(context.Background(), "/export")
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Expected body readable after the service call returns, got %v", err)
	}
	if len(body) != len(payload) {
		t.Errorf("Expected %d bytes, got %d", len(payload), len(body))
	}
}
