package mandarin

import (
	"errors"
	"fmt"
	"time"
)

// AuthError means the server rejected the session's credentials. It is fatal
// to the session: the connection manager never auto-retries after one.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "authentication rejected"
	}
	return "authentication rejected: " + e.Reason
}

// TransportError wraps a channel failure. Retried per the backoff policy.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError means a bounded wait was exceeded.
type TimeoutError struct {
	Op   string
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Wait)
}

// ValidationError rejects malformed local input before it touches the
// channel.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// errSessionClosed is returned by operations racing a Session teardown. The
// caller is expected to discard the result.
var errSessionClosed = errors.New("session closed")

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
