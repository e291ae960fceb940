package llm

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the typed failure surface of the client. StatusCode feeds the
// caller's retry classification; Retryable is the client's own opinion,
// used by the circuit breaker to ignore permanent errors.
type Error interface {
	error
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

// ConfigurationError means the client cannot make requests at all. The
// message prefix keeps these out of the retry path.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type httpErrorBase struct {
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("llm api error (status=%d): %s", e.statusCode, msg)
}
func (e *httpErrorBase) StatusCode() int            { return e.statusCode }
func (e *httpErrorBase) Retryable() bool            { return e.retryable }
func (e *httpErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type NotFoundError struct{ httpErrorBase }
type RequestTimeoutError struct{ httpErrorBase }
type UnsupportedMediaError struct{ httpErrorBase }
type RateLimitError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// ErrorFromHTTPStatus maps a non-2xx response to a typed error. Unknown
// statuses default to retryable; repeating a request that would have
// succeeded is cheaper than burying it.
func ErrorFromHTTPStatus(statusCode int, message string, retryAfter *time.Duration) error {
	base := httpErrorBase{
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 413, 422:
		return &InvalidRequestError{base}
	case 401, 403:
		return &AuthenticationError{base}
	case 404, 410:
		return &NotFoundError{base}
	case 408, 425:
		base.retryable = true
		return &RequestTimeoutError{base}
	case 415:
		return &UnsupportedMediaError{base}
	case 429:
		base.retryable = true
		return &RateLimitError{base}
	}
	if statusCode >= 500 {
		base.retryable = true
		return &ServerError{base}
	}
	base.retryable = true
	return &UnknownHTTPError{base}
}

// ParseRetryAfter parses a Retry-After header value, either integer seconds
// or an HTTP-date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
