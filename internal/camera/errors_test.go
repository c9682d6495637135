package camera

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "timeout",
			err:  &TimeoutError{CameraID: "cam1", Timeout: 20 * time.Second},
			want: "capture timeout: cam1",
		},
		{
			name: "auth",
			err:  &AuthError{CameraID: "cam1", Message: "bad credentials"},
			want: "authentication failed: cam1: bad credentials",
		},
		{
			name: "device",
			err:  &DeviceError{CameraID: "cam1", Message: "device busy: /dev/video0"},
			want: "device error: cam1: device busy: /dev/video0",
		},
		{
			name: "capture without cause",
			err:  &CaptureError{CameraID: "cam1", Message: "empty frame"},
			want: "capture failed: cam1: empty frame",
		},
		{
			name: "capture with cause",
			err:  &CaptureError{CameraID: "cam1", Message: "ffmpeg capture failed", Err: errors.New("exit status 1")},
			want: "capture failed: cam1: ffmpeg capture failed: exit status 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCaptureError_Unwrap(t *testing.T) {
	cause := errors.New("exit status 1")
	err := &CaptureError{CameraID: "cam1", Message: "boom", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	wrapped := fmt.Errorf("capture loop: %w", err)
	var capErr *CaptureError
	if !errors.As(wrapped, &capErr) {
		t.Error("errors.As should find CaptureError through wrapping")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureTransient},
		{"timeout is transient", &TimeoutError{CameraID: "c"}, FailureTransient},
		{"auth is permanent", &AuthError{CameraID: "c"}, FailurePermanent},
		{"device is transient", &DeviceError{CameraID: "c"}, FailureTransient},
		{"capture carries its kind", &CaptureError{CameraID: "c", Kind: FailureFatal}, FailureFatal},
		{"wrapped auth", fmt.Errorf("setup: %w", &AuthError{CameraID: "c"}), FailurePermanent},
		{"plain error", errors.New("who knows"), FailureTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFailureKind_String(t *testing.T) {
	tests := []struct {
		kind FailureKind
		want string
	}{
		{FailureTransient, "transient"},
		{FailurePermanent, "permanent"},
		{FailureFatal, "fatal"},
		{FailureKind(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("String() = %s, want %s", got, tt.want)
		}
	}
}
