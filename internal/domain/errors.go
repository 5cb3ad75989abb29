package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoUpdate is returned by a tick fetch when the upstream has never
	// produced a bar for the instrument. It is not a failure.
	ErrNoUpdate = errors.New("no update")

	// ErrInvalidTimeframe is wrapped in an UpstreamError when a historical
	// request names a timeframe the broker cannot serve.
	ErrInvalidTimeframe = errors.New("invalid timeframe")

	// ErrNotAuthenticated is returned when a call needs a session and none
	// was ever established.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrOutboxClosed is returned when enqueueing to a connection that has
	// already been torn down.
	ErrOutboxClosed = errors.New("outbox closed")
)

// RetriableError is implemented by errors that may succeed on a later
// attempt.
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable reports whether err (or anything it wraps) is retriable.
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// AuthError means the broker rejected our credentials or token exchange.
// The session is unusable until re-authenticated; the process keeps running.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "auth: " + e.Op
	}
	return "auth: " + e.Op + ": " + e.Err.Error()
}

func (e *AuthError) Unwrap() error { return e.Err }

// UpstreamError is a transient broker failure: network, rate limit, timeout
// or an unknown symbol.
type UpstreamError struct {
	Op      string
	Err     error
	Timeout bool
}

func (e *UpstreamError) Error() string {
	if e.Timeout {
		return "upstream " + e.Op + ": timeout: " + e.Err.Error()
	}
	return "upstream " + e.Op + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsRetriable is true unless the failure was a bad request such as an
// invalid timeframe.
func (e *UpstreamError) IsRetriable() bool {
	return !errors.Is(e.Err, ErrInvalidTimeframe)
}

// ValidationError is a malformed client request. It never reaches the
// broker.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) IsRetriable() bool { return false }

// ConnectionError is a read or write failure on a client connection.
type ConnectionError struct {
	ConnID string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return "connection " + e.ConnID + " " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsUpstream reports whether err is an UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
