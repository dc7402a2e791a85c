package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors wrapped by *Error.
var (
	// ErrMalformedResponse is returned when a response body cannot be decoded
	// into the envelope the endpoint promises.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrNotAuthenticated is returned by calls that need a bearer token
	// before SetToken or Authenticate succeeded.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Error is the failure of a remote call.
//
// Status is 0 for transport failures (no response was received) and the
// HTTP status otherwise. Message carries the server-provided message when
// there is one.
type Error struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	default:
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// AuthError is returned by Authenticate when the server rejects the
// credentials.
type AuthError struct {
	Err *Error
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error { return e.Err }

// StatusOf returns the status carried by err: 200 for nil, 0 for transport
// failures and the HTTP status for server failures. Errors that did not
// come from this package report -1.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return -1
}

// IsTransport reports whether err is a failure to reach the server.
func IsTransport(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == 0
}

// IsRetryable reports whether repeating the call may succeed: transport
// failures, throttling and server errors.
func IsRetryable(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == 0 ||
		apiErr.Status == http.StatusTooManyRequests ||
		apiErr.Status >= http.StatusInternalServerError
}

// IsAuth reports whether err means the credentials or token were rejected.
func IsAuth(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	status := StatusOf(err)
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
