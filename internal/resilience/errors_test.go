package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("overloaded"), 503), true},
		{"wrapped explicit", fmt.Errorf("odds feed: %w", NewTransientError(errors.New("slow down"), 429)), true},
		{"plain", errors.New("invalid prop id"), false},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"net timeout", timeoutErr{}, true},
		{"message pattern", errors.New("upstream: connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("status %d should be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("status %d should not be transient", code)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	te := NewTransientError(inner, 500)
	if !errors.Is(te, inner) {
		t.Error("expected TransientError to unwrap to inner error")
	}
	if te.Error() != "boom" {
		t.Errorf("Error() = %q, want %q", te.Error(), "boom")
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, CategoryUnknown},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CategoryTimeout},
		{"net timeout", timeoutErr{}, CategoryTimeout},
		{"429", NewTransientError(errors.New("slow down"), 429), CategoryRateLimit},
		{"401", NewTransientError(errors.New("nope"), 401), CategoryAuth},
		{"503", NewTransientError(errors.New("down"), 503), CategoryServer},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), CategoryConnection},
		{"rate limit message", errors.New("Rate limit exceeded"), CategoryRateLimit},
		{"decode message", errors.New("decode odds payload: unexpected EOF"), CategoryData},
		{"other", errors.New("weird"), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.want {
				t.Errorf("Categorize(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestCircuitOpenError(t *testing.T) {
	err := fmt.Errorf("fetch lines: %w", &CircuitOpenError{
		Provider:   "odds_api",
		RetryAfter: 30 * time.Second,
		State:      StateCircuitOpen,
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("expected CircuitOpenError to match ErrCircuitOpen")
	}
	if got := RetryAfter(err); got != 30*time.Second {
		t.Errorf("RetryAfter = %s, want 30s", got)
	}
	if Guarded(err) {
		t.Error("circuit rejections must not be retried")
	}
}
