// Package classify maps handler errors to a retry class. Transient errors
// are retried with backoff; fatal errors go straight to the dead letter
// queue. Handlers that know better wrap their errors with NewTransient or
// NewFatal and the wrapper wins over the rule catalogue.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class is the retry routing decision for a failed task attempt.
type Class string

const (
	ClassTransient Class = "transient"
	ClassFatal     Class = "fatal"
)

// ErrCancelled marks a handler abort caused by cooperative cancellation.
// Cancelled work is terminal but is not recorded as an episode failure.
var ErrCancelled = errors.New("task cancelled")

// IsCancellation reports whether err stems from cooperative cancellation
// rather than a genuine failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// ClassifiedError carries an explicit class chosen by the code that raised
// it. Classify passes the class through unchanged.
type ClassifiedError struct {
	Cls Class
	Err error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewTransient wraps err so Classify routes it to a retry.
func NewTransient(err error) error {
	return &ClassifiedError{Cls: ClassTransient, Err: err}
}

// NewFatal wraps err so Classify routes it to the dead letter queue.
func NewFatal(err error) error {
	return &ClassifiedError{Cls: ClassFatal, Err: err}
}

func Transientf(format string, args ...any) error {
	return &ClassifiedError{Cls: ClassTransient, Err: fmt.Errorf(format, args...)}
}

func Fatalf(format string, args ...any) error {
	return &ClassifiedError{Cls: ClassFatal, Err: fmt.Errorf(format, args...)}
}

// httpStatusError is satisfied by the typed transport errors in internal/llm
// and internal/stages; matching on the interface keeps this package a leaf.
type httpStatusError interface {
	error
	StatusCode() int
}

var transientReasonHints = []string{
	"timeout",
	"timed out",
	"context deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"tls handshake",
	"i/o timeout",
	"no route to host",
	"no such host",
	"dns",
	"temporary failure",
	"temporarily unavailable",
	"try again",
	"rate limit",
	"too many requests",
	"service unavailable",
	"gateway timeout",
	"econnrefused",
	"econnreset",
	"dial tcp",
	"transport is closing",
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"invalid json",
	"unexpected end of json",
	"502",
	"503",
	"504",
}

var fatalReasonHints = []string{
	"no space left on device",
	"disk is full",
	"disk full",
	"out of space",
	"permission denied",
	"read-only file system",
	"corrupt",
	"unsupported media",
	"unsupported format",
	"unsupported codec",
	"episode not found",
	"podcast not found",
	"invalid configuration",
	"missing credential",
	"api key not set",
	"api key missing",
}

// Classification is the classifier output: the routing class plus a
// normalized single-line reason suitable for last_error.
type Classification struct {
	Class  Class
	Reason string
}

// Classify applies the rule catalogue with the default class of transient
// for anything unrecognized. Retrying an unknown error is safer than
// burying work that would have succeeded.
func Classify(err error) Classification {
	return ClassifyDefault(err, ClassTransient)
}

// ClassifyDefault is Classify with the fallback class chosen by the caller.
// Handlers whose unknown errors repeat deterministically register with a
// fatal default instead.
func ClassifyDefault(err error, def Class) Classification {
	if err == nil {
		return Classification{Class: def}
	}

	reason := Reason(err)

	var cls *ClassifiedError
	if errors.As(err, &cls) {
		return Classification{Class: cls.Cls, Reason: reason}
	}

	var herr httpStatusError
	if errors.As(err, &herr) {
		switch herr.StatusCode() {
		case 408, 425, 429, 500, 502, 503, 504:
			return Classification{Class: ClassTransient, Reason: reason}
		case 400, 401, 403, 404, 410, 415, 422:
			return Classification{Class: ClassFatal, Reason: reason}
		default:
			if herr.StatusCode() >= 500 {
				return Classification{Class: ClassTransient, Reason: reason}
			}
		}
	}

	lower := strings.ToLower(reason)
	for _, hint := range fatalReasonHints {
		if strings.Contains(lower, hint) {
			return Classification{Class: ClassFatal, Reason: reason}
		}
	}
	for _, hint := range transientReasonHints {
		if strings.Contains(lower, hint) {
			return Classification{Class: ClassTransient, Reason: reason}
		}
	}

	return Classification{Class: def, Reason: reason}
}

// Reason flattens err into the first non-empty line of its message.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

// Truncate bounds s to max bytes, appending an ellipsis when it cuts.
// Episode failure reasons and task last_error fields share this bound.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
