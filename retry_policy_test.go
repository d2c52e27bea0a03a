package benteng

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestDefaultRetryPredicate(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
		err  error
		want bool
	}{
		{"transport error", nil, errors.New("connection reset"), true},
		{"cancellation", nil, context.Canceled, false},
		{"wrapped cancellation", nil, fmt.Errorf("do: %w", context.Canceled), false},
		{"nil response no error", nil, nil, false},
		{"200", &http.Response{StatusCode: 200}, nil, false},
		{"404", &http.Response{StatusCode: 404}, nil, false},
		{"408", &http.Response{StatusCode: 408}, nil, true},
		{"429", &http.Response{StatusCode: 429}, nil, true},
		{"500", &http.Response{StatusCode: 500}, nil, true},
		{"599", &http.Response{StatusCode: 599}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultRetryPredicate(tt.resp, tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestShouldRetryRespectsMaxRetries(t *testing.T) {
	p := NewDefaultRetryPolicy(2, 10*time.Millisecond, time.Second)

	if _, retry := p.ShouldRetry(nil, errors.New("boom"), 0); !retry {
		t.Error("Expected retry at attempt 0")
	}
	if _, retry := p.ShouldRetry(nil, errors.New("boom"), 1); !retry {
		t.Error("Expected retry at attempt 1")
	}
	if _, retry := p.ShouldRetry(nil, errors.New("boom"), 2); retry {
		t.Error("Expected no retry once attempts are exhausted")
	}
}

func TestShouldRetryNonRetryableStatus(t *testing.T) {
	p := NewDefaultRetryPolicy(3, 10*time.Millisecond, time.Second)

	if _, retry := p.ShouldRetry(&http.Response{StatusCode: 400}, nil, 0); retry {
		t.Error("Expected no retry on 400")
	}
	if _, retry := p.ShouldRetry(&http.Response{StatusCode: 200}, nil, 0); retry {
		t.Error("Expected no retry on 200")
	}
}

func TestShouldRetryDelayBounds(t *testing.T) {
	base := 100 * time.Millisecond
	p := NewDefaultRetryPolicy(10, base, 30*time.Second)

	for attempt := 0; attempt < 5; attempt++ {
		lo := time.Duration(float64(base) * float64(int(1)<<attempt))
		hi := time.Duration(float64(lo) * 1.1)
		for i := 0; i < 30; i++ {
			delay, retry := p.ShouldRetry(&http.Response{StatusCode: 500}, nil, attempt)
			if !retry {
				t.Fatalf("Expected retry at attempt %d", attempt)
			}
			if delay < lo || delay > hi {
				t.Fatalf("Expected delay in [%v,%v] at attempt %d, got %v", lo, hi, attempt, delay)
			}
		}
	}
}

func TestShouldRetryHonorsRetryAfterSeconds(t *testing.T) {
	p := NewDefaultRetryPolicy(3, 10*time.Millisecond, time.Minute)

	resp := &http.Response{StatusCode: 429, Header: http.Header{}}
	resp.Header.Set("Retry-After", "7")

	delay, retry := p.ShouldRetry(resp, nil, 0)
	if !retry {
		t.Fatal("Expected retry on 429")
	}
	if delay != 7*time.Second {
		t.Errorf("Expected Retry-After to win, got %v", delay)
	}
}

func TestShouldRetryHonorsRetryAfterDate(t *testing.T) {
	p := NewDefaultRetryPolicy(3, 10*time.Millisecond, time.Minute)

	resp := &http.Response{StatusCode: 503, Header: http.Header{}}
	resp.Header.Set("Retry-After", time.Now().Add(5*time.Second).UTC().Format(http.TimeFormat))

	delay, retry := p.ShouldRetry(resp, nil, 0)
	if !retry {
		t.Fatal("Expected retry on 503")
	}
	if delay < 3*time.Second || delay > 5*time.Second {
		t.Errorf("Expected delay near 5s from HTTP-date, got %v", delay)
	}
}

func TestParseRetryAfterCap(t *testing.T) {
	if d := parseRetryAfter("86400"); d != time.Hour {
		t.Errorf("Expected cap at 1h, got %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("Expected 0 for empty value, got %v", d)
	}
	if d := parseRetryAfter("garbage"); d != 0 {
		t.Errorf("Expected 0 for malformed value, got %v", d)
	}
	if d := parseRetryAfter("-5"); d != 0 {
		t.Errorf("Expected 0 for negative value, got %v", d)
	}
}

func TestRetryAfterIgnoredForOtherStatuses(t *testing.T) {
	p := NewDefaultRetryPolicy(3, 10*time.Millisecond, time.Second).WithJitter(0)

	resp := &http.Response{StatusCode: 500, Header: http.Header{}}
	resp.Header.Set("Retry-After", "30")

	delay, retry := p.ShouldRetry(resp, nil, 0)
	if !retry {
		t.Fatal("Expected retry on 500")
	}
	if delay != 10*time.Millisecond {
		t.Errorf("Expected computed backoff on 500, got %v", delay)
	}
}

func TestWithPredicate(t *testing.T) {
	p := NewDefaultRetryPolicy(3, 10*time.Millisecond, time.Second).
		WithPredicate(func(resp *http.Response, err error) bool {
			return resp != nil && resp.StatusCode == 418
		})

	if _, retry := p.ShouldRetry(&http.Response{StatusCode: 418}, nil, 0); !retry {
		t.Error("Expected custom predicate to retry 418")
	}
	if _, retry := p.ShouldRetry(nil, errors.New("boom"), 0); retry {
		t.Error("Expected custom predicate to skip transport errors")
	}
}

func TestWithDelayFunc(t *testing.T) {
	p := NewDefaultRetryPolicy(3, 10*time.Millisecond, time.Second).
		WithDelayFunc(func(attempt int) time.Duration {
			return time.Duration(attempt+1) * time.Millisecond
		})

	delay, _ := p.ShouldRetry(nil, errors.New("boom"), 2)
	if delay != 3*time.Millisecond {
		t.Errorf("Expected custom delay 3ms, got %v", delay)
	}
}

func TestRetryBudget(t *testing.T) {
	rb := NewRetryBudget(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rb.Allow() {
			t.Fatalf("Expected retry %d to be within budget", i)
		}
	}
	if rb.Allow() {
		t.Error("Expected budget exhaustion after 3 retries")
	}
	if rb.Used() != 3 {
		t.Errorf("Expected 3 used, got %d", rb.Used())
	}
}

func TestRetryBudgetWindowRecovery(t *testing.T) {
	rb := NewRetryBudget(1, 100*time.Millisecond)

	if !rb.Allow() {
		t.Fatal("Expected first retry allowed")
	}
	if rb.Allow() {
		t.Fatal("Expected budget exhausted")
	}

	time.Sleep(150 * time.Millisecond)

	if !rb.Allow() {
		t.Error("Expected budget recovery after the window elapsed")
	}
}
