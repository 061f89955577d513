// Package errs contains sentinel errors used across client layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Errors returned by the client wrap one of them; caller cancellation
// wraps context.Canceled instead.
var (
	// ErrNotFound indicates the addressed resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (stale resourceVersion).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates a credential could not be obtained, or was rejected after a refresh.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrClient indicates a non-retryable 4xx response other than 401, 404 and 409.
	ErrClient = errors.New("client error")

	// ErrServer indicates a 5xx response that survived all retries.
	ErrServer = errors.New("server error")

	// ErrTransport indicates a connection or protocol failure that survived all retries.
	ErrTransport = errors.New("transport error")

	// ErrTimeout indicates the caller's deadline expired.
	ErrTimeout = errors.New("timeout")

	// ErrUnexpectedStatus indicates a status code outside the documented mapping (1xx, 3xx).
	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrMalformed indicates a response body that could not be decoded.
	ErrMalformed = errors.New("malformed response")
)

// ErrorInfo is the error body returned by the registry for 4xx responses.
type ErrorInfo struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// APIError is a classified non-success HTTP response.
type APIError struct {
	Status int
	Kind   error
	Info   ErrorInfo
	Method string
	Path   string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
	if e.Info.Error != "" {
		msg += ": " + e.Info.Error
		if e.Info.Message != "" {
			msg += ": " + e.Info.Message
		}
	}
	return msg
}

// Unwrap exposes the error kind to errors.Is.
func (e *APIError) Unwrap() error { return e.Kind }

// KindForStatus maps an HTTP status code to an error kind. It returns nil for 2xx.
func KindForStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrVersionConflict
	case status >= 400 && status < 500:
		return ErrClient
	case status >= 500 && status < 600:
		return ErrServer
	default:
		return ErrUnexpectedStatus
	}
}

// Retryable reports whether err is a transient failure worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrServer) || errors.Is(err, ErrTransport)
}
