// Package upload ships stored captures to the central server. The
// default backend POSTs multipart payloads over HTTPS; an SFTP
// backend covers sites whose ingest host has no HTTPS endpoint.
package upload

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Client defines the interface for upload backends
type Client interface {
	// Upload ships one image and its metadata sidecar. Errors are
	// classified retryable or permanent via IsPermanent.
	Upload(ctx context.Context, item Item) error

	// TestConnection verifies the backend is reachable and the
	// credentials are accepted.
	TestConnection(ctx context.Context) error
}

// Item is one capture ready to ship.
type Item struct {
	CameraID string
	Filename string
	Image    []byte
	Metadata []byte // sidecar JSON, sent verbatim
}

// Config selects and parameterizes the upload backend.
type Config struct {
	Backend string // "http" (default) or "sftp"

	// HTTP backend
	URL            string
	AuthToken      string
	SSLVerify      bool
	CABundlePath   string
	TimeoutSeconds int

	// SFTP backend
	Host     string
	Port     int
	Username string
	Password string
	BasePath string
}

// Error types for upload operations
type (
	// ConnectionError indicates a network-level failure (retryable)
	ConnectionError struct {
		Message string
		Err     error
	}

	// AuthError indicates the server rejected our credentials
	// (permanent until config changes)
	AuthError struct {
		Message string
		Err     error
	}

	// StatusError indicates a non-2xx HTTP response
	StatusError struct {
		Code int
	}

	// TimeoutError indicates an operation timed out (retryable)
	TimeoutError struct {
		Operation string
		Timeout   time.Duration
		Err       error
	}
)

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return "connection failed: " + e.Message + ": " + e.Err.Error()
	}
	return "connection failed: " + e.Message
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "authentication failed: " + e.Message + ": " + e.Err.Error()
	}
	return "authentication failed: " + e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *StatusError) Error() string {
	return "server returned status " + strconv.Itoa(e.Code)
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return "timeout: " + e.Operation + " (timeout: " + e.Timeout.String() + "): " + e.Err.Error()
	}
	return "timeout: " + e.Operation + " (timeout: " + e.Timeout.String() + ")"
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether an upload error will not clear on
// retry. Permanent: auth failures and 4xx responses other than 429.
// Everything else (network errors, timeouts, 5xx, 429) is retryable.
func IsPermanent(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.Code
		return code >= 400 && code < 500 && code != 429
	}

	return false
}

// Logger is the minimal logging interface the upload package needs.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// defaultLogger discards everything. Used when no logger is provided.
type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (l *defaultLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *defaultLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (l *defaultLogger) Error(msg string, keysAndValues ...interface{}) {}
