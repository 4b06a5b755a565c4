package realtime

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DialError is returned by Connect when the WebSocket handshake fails. It
// carries the HTTP status and Retry-After hint when the server answered at
// all, so callers can classify the failure.
type DialError struct {
	// StatusCode is the HTTP status of the handshake response, or 0 when no
	// response was received.
	StatusCode int

	// RetryAfter is the parsed Retry-After header, or 0 when absent.
	RetryAfter time.Duration

	Err error
}

func newDialError(resp *http.Response, err error) *DialError {
	de := &DialError{Err: err}
	if resp != nil {
		de.StatusCode = resp.StatusCode
		de.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return de
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("realtime: dial: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("realtime: dial: connection failed: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// HTTPStatus returns the handshake status code.
func (e *DialError) HTTPStatus() int { return e.StatusCode }

// RetryAfterHint returns the server's Retry-After hint.
func (e *DialError) RetryAfterHint() time.Duration { return e.RetryAfter }

// ProviderError is an error frame sent by the provider ({"error": "..."}).
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string {
	return "realtime: provider error: " + e.Message
}

// parseRetryAfter accepts the delay-seconds form of Retry-After. HTTP dates are
// not used by streaming providers and yield 0.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
