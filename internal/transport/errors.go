package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a transport failure. Classification happens once, at the
// boundary where the failure is observed; callers branch on Kind and never
// inspect error text.
type Kind string

const (
	// KindTimeout covers request timeouts, connection aborts and HTTP 408.
	// Retryable with backoff.
	KindTimeout Kind = "timeout"
	// KindStreamReset is the HTTP 409 "recognizer stream not available"
	// signal. Retryable after a stream reinit.
	KindStreamReset Kind = "stream_reset"
	// KindAuthExpired means the credential was rejected. Fatal to the
	// current operation until re-authentication.
	KindAuthExpired Kind = "auth_expired"
	// KindValidation means the request was malformed. Fatal, never retried.
	KindValidation Kind = "validation"
	// KindRemoteUnavailable covers 5xx and transient network failures.
	// Retryable with backoff.
	KindRemoteUnavailable Kind = "remote_unavailable"
)

// Error is a classified transport failure.
type Error struct {
	Kind       Kind
	StatusCode int // zero when the failure happened below HTTP
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on a later attempt
// without external intervention.
func (e *Error) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindRemoteUnavailable || e.Kind == KindStreamReset
}

// KindOf extracts the Kind from err, or empty when err is not a transport error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// classifyNetErr types a failure that happened before an HTTP status was read.
func classifyNetErr(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindRemoteUnavailable, Err: err}
}

// classifyStatus types a non-2xx HTTP response.
func classifyStatus(status int) *Error {
	err := fmt.Errorf("unexpected status %d", status)
	switch {
	case status == http.StatusRequestTimeout:
		return &Error{Kind: KindTimeout, StatusCode: status, Err: err}
	case status == http.StatusConflict:
		return &Error{Kind: KindStreamReset, StatusCode: status, Err: err}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuthExpired, StatusCode: status, Err: err}
	case status >= 500:
		return &Error{Kind: KindRemoteUnavailable, StatusCode: status, Err: err}
	default:
		return &Error{Kind: KindValidation, StatusCode: status, Err: err}
	}
}
