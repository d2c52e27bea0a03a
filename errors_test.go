package benteng

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestClientErrorError(t *testing.T) {
	err := &ClientError{
		Type:    ErrorTypeNetwork,
		Message: "connection failed",
	}
	if got := err.Error(); got != "Network: connection failed" {
		t.Errorf("Expected plain message, got %q", got)
	}

	err = &ClientError{
		Type:       ErrorTypeServer,
		Message:    "upstream error",
		Cause:      errors.New("boom"),
		RequestID:  "req-1",
		Attempt:    2,
		MaxRetries: 3,
	}
	msg := err.Error()
	for _, part := range []string{"req-1", "Server", "upstream error", "boom", "attempt 2/3"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Expected %q in %q", part, msg)
		}
	}
}

func TestClientErrorNil(t *testing.T) {
	var err *ClientError
	if got := err.Error(); got != "<nil>" {
		t.Errorf("Expected <nil>, got %q", got)
	}
	if err.Unwrap() != nil {
		t.Error("Expected nil unwrap")
	}
}

func TestClientErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &ClientError{Type: ErrorTypeTimeout, Message: "timed out", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to reach the cause")
	}
}

func TestClientErrorIsMatchesType(t *testing.T) {
	a := &ClientError{Type: ErrorTypeCircuitOpen, Message: "a"}
	b := &ClientError{Type: ErrorTypeCircuitOpen, Message: "b"}
	c := &ClientError{Type: ErrorTypeNetwork, Message: "c"}

	if !errors.Is(a, b) {
		t.Error("Expected same-type client errors to match")
	}
	if errors.Is(a, c) {
		t.Error("Expected different types to not match")
	}
}

func TestClientErrorSentinelCause(t *testing.T) {
	err := &ClientError{Type: ErrorTypeCircuitOpen, Message: "open", Cause: ErrCircuitOpen}

	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("Expected sentinel match through the cause chain")
	}

	wrapped := fmt.Errorf("request failed: %w", err)
	if !errors.Is(wrapped, ErrCircuitOpen) {
		t.Error("Expected sentinel match through nested wrapping")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"circuit sentinel", ErrCircuitOpen, true},
		{"rate limit sentinel", ErrRateLimited, true},
		{"capacity sentinel", ErrCapacityExceeded, true},
		{"network", &ClientError{Type: ErrorTypeNetwork}, true},
		{"timeout", &ClientError{Type: ErrorTypeTimeout}, true},
		{"server", &ClientError{Type: ErrorTypeServer}, true},
		{"client 400", &ClientError{Type: ErrorTypeClient, StatusCode: 400}, false},
		{"client 429", &ClientError{Type: ErrorTypeClient, StatusCode: 429}, true},
		{"validation", &ClientError{Type: ErrorTypeValidation}, false},
		{"refresh failed", &ClientError{Type: ErrorTypeRefreshFailed}, false},
		{"plain error", errors.New("arbitrary"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestIsTimeoutError(t *testing.T) {
	if !isTimeoutError(context.DeadlineExceeded) {
		t.Error("Expected deadline exceeded to be a timeout")
	}
	if isTimeoutError(context.Canceled) {
		t.Error("Expected cancellation to not be a timeout")
	}
	if isTimeoutError(nil) {
		t.Error("Expected nil to not be a timeout")
	}
	if !isTimeoutError(fmt.Errorf("request: %w", context.DeadlineExceeded)) {
		t.Error("Expected wrapped deadline to be a timeout")
	}
}

func TestIsCancellation(t *testing.T) {
	if !isCancellation(context.Canceled) {
		t.Error("Expected context.Canceled")
	}
	if !isCancellation(ErrCancelled) {
		t.Error("Expected ErrCancelled")
	}
	if isCancellation(context.DeadlineExceeded) {
		t.Error("Expected deadline to not be a cancellation")
	}
	if isCancellation(nil) {
		t.Error("Expected nil to not be a cancellation")
	}
}

func TestClientErrorCarriesContext(t *testing.T) {
	err := &ClientError{
		Type:      ErrorTypeNetwork,
		Message:   "failed",
		Method:    "GET",
		URL:       "https://api.example.com/x",
		Endpoint:  "api.example.com/x",
		Timestamp: time.Now(),
		Duration:  42 * time.Millisecond,
	}

	if err.Method != "GET" || err.Endpoint != "api.example.com/x" {
		t.Errorf("Expected request context preserved, got %+v", err)
	}
}
