// Package camera provides the capture drivers for USB, RTSP, and
// ONVIF cameras behind a single capability interface.
package camera

import (
	"context"
)

// Camera is the capability set shared by all drivers. Implementations
// are not safe for concurrent use; each camera is driven by exactly
// one worker goroutine.
type Camera interface {
	// Setup prepares the driver: probes the device or negotiates the
	// remote session. Called once before the first capture and again
	// from Reconnect.
	Setup(ctx context.Context) error

	// CaptureFrame fetches one fresh JPEG frame. Never returns cached
	// or stale data.
	CaptureFrame(ctx context.Context) ([]byte, error)

	// Reconnect tears down and re-establishes the camera connection.
	Reconnect(ctx context.Context) error

	// Cleanup releases any held resources. Safe to call more than once.
	Cleanup()

	// Describe reports static identity for logs and the portal.
	Describe() Description
}

// KeepAliver is implemented by drivers that need periodic traffic to
// keep a server-side session warm between scheduled captures. Only
// the RTSP driver implements it.
type KeepAliver interface {
	KeepAlive(ctx context.Context) error
}

// Description identifies a camera without exposing credentials.
type Description struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Source   string `json:"source"`
	Position string `json:"position,omitempty"`
}

// Config carries the connection parameters a driver needs. Resolution
// and frame rate are advisory hints applied best-effort.
type Config struct {
	ID             string
	Kind           string // "usb", "rtsp", "onvif"
	Position       string
	Device         string // USB: device node path or index
	URL            string // RTSP: stream URL
	Address        string // ONVIF: host or host:port
	Port           int    // ONVIF: service port when not in Address
	Username       string
	Password       string
	ProfileToken   string // ONVIF: optional media profile override
	Width          int
	Height         int
	FPS            int
	TimeoutSeconds int
	Substream      bool // RTSP: prefer the low-resolution substream
}
