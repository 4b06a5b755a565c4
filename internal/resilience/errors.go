package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// DefaultRateLimitRetryAfter is the retry-after hint attached to a rate-limit
// error when the provider did not send one.
const DefaultRateLimitRetryAfter = 60 * time.Second

// Kind is the fixed taxonomy every connection failure is classified into.
type Kind int

const (
	// KindClient is the generic catch-all. Retryable unless constructed
	// otherwise.
	KindClient Kind = iota

	// KindAuth means the credential was rejected. Never retryable.
	KindAuth

	// KindRateLimit means the provider throttled us. Retryable, carries a
	// retry-after hint.
	KindRateLimit

	// KindConnection is a transient transport failure, including connect
	// timeouts. Retryable.
	KindConnection
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "AuthError"
	case KindRateLimit:
		return "RateLimitError"
	case KindConnection:
		return "ConnectionError"
	default:
		return "ClientError"
	}
}

// Code returns the stable machine-readable code broadcast to clients.
func (k Kind) Code() string {
	switch k {
	case KindAuth:
		return "AUTH_ERROR"
	case KindRateLimit:
		return "RATE_LIMIT_ERROR"
	case KindConnection:
		return "CONNECTION_ERROR"
	default:
		return "CLIENT_ERROR"
	}
}

// Error is a classified failure. Once an error has been classified it is passed
// around as *Error and never classified again.
type Error struct {
	Kind    Kind
	Message string

	// Retryable reports whether another attempt may succeed.
	Retryable bool

	// RetryAfter is the provider's hint for rate limits. Zero when unknown.
	RetryAfter time.Duration

	// StatusCode is the HTTP or provider status, when one was observed.
	StatusCode int

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the stable machine-readable code of the error's kind.
func (e *Error) Code() string { return e.Kind.Code() }

// NewClientError builds a KindClient error without an underlying cause.
func NewClientError(message string, retryable bool) *Error {
	return &Error{Kind: KindClient, Message: message, Retryable: retryable}
}

// NewConnectionError builds a retryable KindConnection error wrapping cause.
func NewConnectionError(message string, cause error) *Error {
	return &Error{Kind: KindConnection, Message: message, Retryable: true, Err: cause}
}

// statusCoder is implemented by transport errors that know the HTTP status of
// a failed handshake.
type statusCoder interface {
	HTTPStatus() int
}

// retryAfterHinter is implemented by transport errors that carry a
// Retry-After value.
type retryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// Classify maps err onto the taxonomy. An error that already is (or wraps) an
// *Error is returned unchanged. Returns nil for a nil error.
//
// Auth markers are checked first, then rate-limit markers, then transport
// failures; some provider messages match several patterns.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	status := 0
	var sc statusCoder
	if errors.As(err, &sc) {
		status = sc.HTTPStatus()
	}
	text := strings.ToLower(err.Error())
	if status != 0 {
		text += fmt.Sprintf(" status %d", status)
	}
	msg := err.Error()

	switch {
	case status == 401 || containsAny(text, "401", "unauthorized", "not authorized"):
		return &Error{Kind: KindAuth, Message: msg, Retryable: false, StatusCode: status, Err: err}

	case status == 429 || containsAny(text, "429", "too many requests"):
		hint := time.Duration(0)
		var rh retryAfterHinter
		if errors.As(err, &rh) {
			hint = rh.RetryAfterHint()
		}
		if hint <= 0 {
			hint = DefaultRateLimitRetryAfter
		}
		return &Error{Kind: KindRateLimit, Message: msg, Retryable: true, RetryAfter: hint, StatusCode: status, Err: err}

	case isTransportError(err) || containsAny(text, "connection", "network", "socket", "eof", "refused", "reset by peer", "broken pipe", "timeout"):
		return &Error{Kind: KindConnection, Message: msg, Retryable: true, StatusCode: status, Err: err}

	default:
		return &Error{Kind: KindClient, Message: msg, Retryable: true, StatusCode: status, Err: err}
	}
}

func isTransportError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded)
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// Websocket close codes with a fixed meaning across providers.
const (
	closeNormal          = 1000
	closePolicyViolation = 1008
	closeTryAgainLater   = 1013
	closeNotAuthorized   = 4001
	closeTooManyRequests = 4029
)

// ClassifyClose maps the close frame of a provider stream onto the taxonomy.
// An orderly close (1000) returns nil. Unknown codes are connection errors.
func ClassifyClose(code int, reason string) *Error {
	if code == closeNormal {
		return nil
	}
	msg := fmt.Sprintf("stream closed (code %d)", code)
	if reason != "" {
		msg += ": " + reason
	}
	text := strings.ToLower(reason)

	switch {
	case code == closeNotAuthorized || code == closePolicyViolation ||
		containsAny(text, "unauthorized", "not authorized"):
		return &Error{Kind: KindAuth, Message: msg}
	case code == closeTooManyRequests || code == closeTryAgainLater ||
		containsAny(text, "too many", "rate limit"):
		return &Error{Kind: KindRateLimit, Message: msg, Retryable: true, RetryAfter: DefaultRateLimitRetryAfter}
	default:
		return &Error{Kind: KindConnection, Message: msg, Retryable: true}
	}
}
