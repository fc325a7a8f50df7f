package delivery

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNoDestination = errors.New("no discord destination configured")
	ErrNotConfigured = errors.New("discord bot token is not configured")

	ErrAttemptsExhausted = errors.New("delivery attempts exhausted")
)

// Error is a classified delivery failure. Permanent failures are never retried.
type Error struct {
	Permanent  bool
	StatusCode int
	Retry      time.Duration
	Err        error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failure (status %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %v", kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent lets the job queue classify the error without importing this package.
func (e *Error) IsPermanent() bool { return e.Permanent }

// RetryAfter is the server-requested delay, zero when none was given.
func (e *Error) RetryAfter() time.Duration { return e.Retry }

func permanent(err error) *Error { return &Error{Permanent: true, Err: err} }

func transient(err error) *Error { return &Error{Err: err} }

// classifyStatus maps a non-2xx Discord response: 429 and 5xx are worth retrying, other 4xx are not.
func classifyStatus(status int, err error) *Error {
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return &Error{StatusCode: status, Err: err}
	default:
		return &Error{Permanent: true, StatusCode: status, Err: err}
	}
}
