// Package errkind provides the structured error type used across the
// defender core. Every public operation reports failures through one of
// the kinds below so that callers can decide between retry, safe drop
// and fatal exit without string matching.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind categorises a defender error.
type Kind string

const (
	KindConfigInvalid    Kind = "config_invalid"
	KindPersistFailure   Kind = "persist_failure"
	KindParseFailure     Kind = "parse_failure"
	KindPlannerTransient Kind = "planner_transient"
	KindPlannerMalformed Kind = "planner_malformed"
	KindExecConnect      Kind = "exec_connect"
	KindExecFailure      Kind = "exec_failure"
	KindExecTimeout      Kind = "exec_timeout"
)

// Error is a structured error for defender operations.
type Error struct {
	Kind       Kind
	Op         string // operation that failed, e.g. "generate_plan", "create_session"
	Host       string // target host if applicable
	Err        error  // underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *Error) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a structured error with retryability derived from the kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kindRetryable(kind),
	}
}

// WithHost attaches the target host.
func (e *Error) WithHost(host string) *Error {
	e.Host = host
	return e
}

// WithStatusCode attaches an HTTP status code and adjusts retryability:
// 5xx, 429 and 408 are retryable, other 4xx are not.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 {
		e.Retryable = false
	}
	return e
}

func kindRetryable(kind Kind) bool {
	switch kind {
	case KindPlannerTransient, KindExecConnect, KindExecTimeout:
		return true
	case KindExecFailure:
		// Depends on status code; WithStatusCode refines this.
		return true
	default:
		return false
	}
}

// KindOf returns the kind of err, or "" when err carries no kind.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsRetryable reports whether err should be retried. Context
// cancellation is never retryable; plain network errors are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
