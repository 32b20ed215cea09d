package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// ErrRateLimitExceeded is returned when a provider token cannot be obtained
// within the caller's remaining time. It is not a failure.
var ErrRateLimitExceeded = eris.New("rate limit exceeded")

// ConfigurationError reports a malformed policy or contradictory guard flags.
// It is fatal to the affected record's plan only.
type ConfigurationError struct {
	Field  string
	Detail string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Detail
	}
	return "configuration: " + e.Field + ": " + e.Detail
}

// NewConfigurationError builds a ConfigurationError for the named setting.
func NewConfigurationError(field, detail string) *ConfigurationError {
	return &ConfigurationError{Field: field, Detail: detail}
}

// FetchReason classifies a fetch failure.
type FetchReason string

const (
	FetchTimeout   FetchReason = "timeout"
	FetchTransport FetchReason = "transport"
	FetchMalformed FetchReason = "malformed"
	FetchUpstream  FetchReason = "upstream"
	FetchNoData    FetchReason = "no-data"
)

// FetchError wraps a fetcher failure with its classification.
type FetchError struct {
	Fetcher    string
	Reason     FetchReason
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	msg := "fetch " + e.Fetcher + ": " + string(e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same call could succeed.
func (e *FetchError) Transient() bool {
	switch e.Reason {
	case FetchTimeout, FetchTransport:
		return true
	case FetchUpstream:
		return e.StatusCode == 0 || IsTransientHTTPStatus(e.StatusCode)
	default:
		return false
	}
}

// NewFetchError builds a FetchError.
func NewFetchError(fetcher string, reason FetchReason, err error) *FetchError {
	return &FetchError{Fetcher: fetcher, Reason: reason, Err: err}
}

// CacheCorruption reports an unreadable cache entry. Callers treat it as a miss.
type CacheCorruption struct {
	Key string
	Err error
}

func (e *CacheCorruption) Error() string {
	return "cache corruption: " + e.Key + ": " + e.Err.Error()
}

func (e *CacheCorruption) Unwrap() error {
	return e.Err
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsRateLimited reports whether err is (or wraps) ErrRateLimitExceeded.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded)
}

// IsTimeout reports whether err is a deadline expiry or a timeout-classified
// FetchError.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe.Reason == FetchTimeout {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
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

// IsTransient returns true if the error (or any error in its chain) is
// retryable: a transient FetchError, a TransientError, or a common network
// failure pattern (timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient()
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

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
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
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
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
