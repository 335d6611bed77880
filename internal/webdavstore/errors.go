package webdavstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error is a WebDAV-specific error carrying the HTTP status code, following
// the teacher's WebDAVError shape (internal/webdav/errors.go) almost
// verbatim.
type Error struct {
	StatusCode int
	Path       string
	Method     string
	Detail     string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsTemporary reports whether retrying the request might succeed: HTTP
// status >= 500, 408 Request Timeout, or 429 Too Many Requests (§4.1.5).
func (e *Error) IsTemporary() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	default:
		return e.StatusCode >= 500
	}
}

func newError(statusCode int, path, method string) *Error {
	return &Error{StatusCode: statusCode, Path: path, Method: method}
}

func newErrorWithBody(statusCode int, path, method, detail string) *Error {
	return &Error{StatusCode: statusCode, Path: path, Method: method, Detail: detail}
}

// wrapTransportError wraps a connection/DNS/timeout failure (one with no
// HTTP status code at all) so IsTemporary can still classify it.
func wrapTransportError(err error, path, method string) error {
	return &transportError{cause: err, path: path, method: method}
}

type transportError struct {
	cause  error
	path   string
	method string
}

func (e *transportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.method, e.path, e.cause)
}

func (e *transportError) Unwrap() error { return e.cause }

// IsTemporary is a retriable-by-default: any failure reaching this point
// had no HTTP response at all (DNS failure, connection refused, timeout),
// which the retry policy treats as transient unless it was a cancellation.
func (e *transportError) IsTemporary() bool {
	return !errors.Is(e.cause, context.Canceled) && !errors.Is(e.cause, context.DeadlineExceeded)
}

// IsTemporary classifies err per the WebDAV retry policy (§4.1.5):
// HTTP >= 500, 408, 429, or any network-level failure with no status code.
// Inner errors are inspected recursively via errors.As/Is.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var webErr *Error
	if errors.As(err, &webErr) {
		return webErr.IsTemporary()
	}

	var transient *transportError
	if errors.As(err, &transient) {
		return transient.IsTemporary()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
