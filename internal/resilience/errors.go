package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
)

// ErrCircuitOpen is returned when a call is rejected because the provider
// is backing off or its circuit is open.
var ErrCircuitOpen = eris.New("provider circuit is open")

// CircuitOpenError carries the rejection details. It matches ErrCircuitOpen
// under errors.Is.
type CircuitOpenError struct {
	Provider   string
	RetryAfter time.Duration
	State      ProviderState
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("provider %s skipped (%s), retry after %s", e.Provider, e.State, e.RetryAfter)
}

// Is reports whether target is ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// TransientError marks a provider failure that is safe to retry (429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check for explicit TransientError in chain.
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// Check for network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// ErrorCategory buckets provider failures for the per-provider counters.
type ErrorCategory string

const (
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryConnection ErrorCategory = "connection"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategoryAuth       ErrorCategory = "auth"
	CategoryServer     ErrorCategory = "server"
	CategoryData       ErrorCategory = "data"
	CategoryUnknown    ErrorCategory = "unknown"
)

// Categorize maps an error to an ErrorCategory using status codes carried by
// TransientError, network error types and message heuristics.
func Categorize(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}

	var te *TransientError
	if errors.As(err, &te) && te.StatusCode > 0 {
		switch {
		case te.StatusCode == 429:
			return CategoryRateLimit
		case te.StatusCode == 401 || te.StatusCode == 403:
			return CategoryAuth
		case te.StatusCode == 408:
			return CategoryTimeout
		case te.StatusCode >= 500:
			return CategoryServer
		}
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return CategoryConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return CategoryRateLimit
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"):
		return CategoryAuth
	case strings.Contains(msg, "connection"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "broken pipe"):
		return CategoryConnection
	case strings.Contains(msg, "parse"), strings.Contains(msg, "decode"),
		strings.Contains(msg, "invalid"), strings.Contains(msg, "unmarshal"):
		return CategoryData
	case strings.Contains(msg, "server error"), strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "unavailable"):
		return CategoryServer
	}
	return CategoryUnknown
}
