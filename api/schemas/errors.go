package schemas

import (
	"errors"
	"fmt"
	"net/http"
)

// -- Error Taxonomy --
// Every failure surfaced by the transport/stream core is one of these types,
// so callers can branch with errors.As without string matching.

// ConfigurationError reports a missing or invalid dynamic field during header
// synthesis. It is fatal and never retried.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: missing required field %q", e.Field)
}

// ConnectError reports a DNS/TCP/TLS level failure. It is transient and
// retried with backoff up to the configured attempt ceiling.
type ConnectError struct {
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect error during %s: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ChallengeError reports that the server answered with an anti-bot challenge
// page instead of the expected API response. It is never retried
// automatically; remediation (fresh clearance cookie) is out of band.
type ChallengeError struct {
	StatusCode int
	Marker     string
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("anti-bot challenge detected (status %d, marker %q)", e.StatusCode, e.Marker)
}

// HTTPStatusError reports a non-2xx API response. Only rate-limit and server
// error classes are retryable.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %s", e.Status)
}

// Retryable reports whether the status class permits a backoff retry.
func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IncompleteEventError reports a truncated SSE frame at end of stream: the
// body ended while an event was still being accumulated. The stream layer
// treats it as a drop.
type IncompleteEventError struct {
	BufferedBytes int
}

func (e *IncompleteEventError) Error() string {
	return fmt.Sprintf("stream ended mid-event with %d undelimited bytes", e.BufferedBytes)
}

// AuthError reports a failed credential refresh. It is surfaced identically
// to every caller that awaited the in-flight refresh.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// StreamError is the terminal state of a stream that did not end in a done
// event. It wraps the underlying cause and reports how much of the answer
// was delivered before the failure, so partial output is never silently
// discarded.
type StreamError struct {
	Err       error
	Delivered int
	Cursor    int64
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream failed after %d delivered events (cursor %d): %v", e.Delivered, e.Cursor, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// ErrUnauthenticated is returned by the credential store when no usable
// credential material is present at all.
var ErrUnauthenticated = errors.New("no credentials configured")
