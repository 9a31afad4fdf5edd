// Package errs defines the stable error taxonomy shared by every pipeline
// stage. Callers match on codes, never on message text.
package errs

import (
	"errors"
	"fmt"
)

// Stable error codes. These appear in logs, DLQ entries, and metrics labels.
const (
	CodeBufferFull         = "buffer_full"
	CodeBufferIO           = "buffer_io"
	CodeSinkInitFailed     = "sink_init_failed"
	CodeSinkWriteFailed    = "sink_write_failed"
	CodeCircuitBreakerOpen = "circuit_breaker_open"
	CodeDLQIO              = "dlq_io"
	CodeConfigInvalid      = "config_invalid"
	CodeEventInvalid       = "event_invalid"
)

// hints maps each code to its human-facing remediation hint.
var hints = map[string]string{
	CodeBufferFull:         "event buffer is at capacity; reduce emit rate or raise backpressure limits",
	CodeBufferIO:           "failed to read or write a buffer segment; check disk space and permissions on the analytics directory",
	CodeSinkInitFailed:     "a sink could not be initialized; check its configuration and credentials",
	CodeSinkWriteFailed:    "a sink rejected a batch after retries; the events were moved to the dead-letter queue",
	CodeCircuitBreakerOpen: "the sink circuit breaker is open; writes fail fast until the cooldown elapses",
	CodeDLQIO:              "failed to read or write the dead-letter queue; check disk space and permissions",
	CodeConfigInvalid:      "configuration failed validation; fix the reported fields",
	CodeEventInvalid:       "the event failed schema validation; the reason lists the offending fields",
}

// Error is a pipeline error with a stable code, a remediation hint, and an
// optional wrapped cause.
type Error struct {
	Code string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("analytics: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("analytics: %s: %s", e.Code, e.Hint)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a taxonomy error carrying the default hint for code.
func New(code string) *Error {
	return &Error{Code: code, Hint: hints[code]}
}

// Newf returns a taxonomy error whose cause is built from a format string.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Hint: hints[code], Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a cause to a taxonomy error. A nil cause yields nil so call
// sites can wrap unconditionally.
func Wrap(code string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Hint: hints[code], Err: err}
}

// CodeOf extracts the stable code from anywhere in err's chain. It returns
// the empty string when err carries no taxonomy error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsBufferFull reports whether err is a buffer-capacity rejection.
func IsBufferFull(err error) bool { return CodeOf(err) == CodeBufferFull }

// IsBufferIO reports whether err is a buffer read/write failure.
func IsBufferIO(err error) bool { return CodeOf(err) == CodeBufferIO }

// IsSinkInitFailed reports whether err is a sink initialization failure.
func IsSinkInitFailed(err error) bool { return CodeOf(err) == CodeSinkInitFailed }

// IsSinkWriteFailed reports whether err is a sink write failure after retries.
func IsSinkWriteFailed(err error) bool { return CodeOf(err) == CodeSinkWriteFailed }

// IsCircuitBreakerOpen reports whether err is a fast-fail from an open breaker.
func IsCircuitBreakerOpen(err error) bool { return CodeOf(err) == CodeCircuitBreakerOpen }

// IsDLQIO reports whether err is a dead-letter queue read/write failure.
func IsDLQIO(err error) bool { return CodeOf(err) == CodeDLQIO }

// IsConfigInvalid reports whether err is a configuration validation failure.
func IsConfigInvalid(err error) bool { return CodeOf(err) == CodeConfigInvalid }

// IsEventInvalid reports whether err is an event schema validation failure.
func IsEventInvalid(err error) bool { return CodeOf(err) == CodeEventInvalid }
