package camera

import (
	"errors"
	"strings"
	"time"
)

// FailureKind categorizes a capture failure for the state tracker.
type FailureKind int

const (
	// FailureTransient covers timeouts, connection resets, and other
	// conditions worth retrying with backoff.
	FailureTransient FailureKind = iota
	// FailurePermanent covers conditions that will not clear without
	// operator intervention, such as bad credentials.
	FailurePermanent
	// FailureFatal covers programming or configuration errors that
	// should stop the worker.
	FailureFatal
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	case FailureFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error types for camera operations
type (
	// TimeoutError indicates a capture operation timed out
	TimeoutError struct {
		CameraID string
		Timeout  time.Duration
	}

	// AuthError indicates authentication with the camera failed
	AuthError struct {
		CameraID string
		Message  string
	}

	// DeviceError indicates a local device problem (missing node,
	// device held by another process)
	DeviceError struct {
		CameraID string
		Message  string
	}

	// CaptureError indicates a general capture failure
	CaptureError struct {
		CameraID string
		Message  string
		Kind     FailureKind
		Err      error
	}
)

func (e *TimeoutError) Error() string {
	return "capture timeout: " + e.CameraID
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.CameraID + ": " + e.Message
}

func (e *DeviceError) Error() string {
	return "device error: " + e.CameraID + ": " + e.Message
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return "capture failed: " + e.CameraID + ": " + e.Message + ": " + e.Err.Error()
	}
	return "capture failed: " + e.CameraID + ": " + e.Message
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")
}

// KindOf classifies an error for the state tracker. Unrecognized
// errors are treated as transient so a flaky camera keeps retrying.
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureTransient
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return FailurePermanent
	}

	var capErr *CaptureError
	if errors.As(err, &capErr) {
		return capErr.Kind
	}

	return FailureTransient
}
