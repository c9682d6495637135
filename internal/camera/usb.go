package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// warmupFrames is how many initial frames are discarded per capture.
// USB sensors need a few frames to settle auto-exposure.
const warmupFrames = 3

// USBCamera captures frames from a local video device through
// ffmpeg's v4l2 input. Resolution and frame-rate hints are passed to
// the device best-effort; unsupported modes fall back to the driver
// default.
type USBCamera struct {
	config Config
	device string
}

// NewUSBCamera creates a new USB camera instance. The device may be
// given as a path ("/dev/video0") or a bare index ("0").
func NewUSBCamera(config Config) (*USBCamera, error) {
	if config.Device == "" {
		return nil, fmt.Errorf("usb camera %q: device is required", config.ID)
	}

	device := config.Device
	if idx, err := strconv.Atoi(device); err == nil {
		device = fmt.Sprintf("/dev/video%d", idx)
	}

	return &USBCamera{
		config: config,
		device: device,
	}, nil
}

// Setup verifies the device node exists.
func (c *USBCamera) Setup(ctx context.Context) error {
	if _, err := os.Stat(c.device); err != nil {
		if os.IsNotExist(err) {
			return &DeviceError{
				CameraID: c.config.ID,
				Message:  "device not found: " + c.device,
			}
		}
		return &DeviceError{
			CameraID: c.config.ID,
			Message:  "stat " + c.device + ": " + err.Error(),
		}
	}
	return nil
}

// CaptureFrame grabs one frame from the device, discarding warm-up
// frames so auto-exposure has settled.
func (c *USBCamera) CaptureFrame(ctx context.Context) ([]byte, error) {
	timeout := time.Duration(c.config.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	captureCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-f", "v4l2"}
	if c.config.Width > 0 && c.config.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.config.Width, c.config.Height))
	}
	if c.config.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(c.config.FPS))
	}
	args = append(args,
		"-i", c.device,
		"-vf", fmt.Sprintf("select=gte(n\\,%d)", warmupFrames),
		"-vframes", "1",
		"-f", "image2",
		"-vcodec", "mjpeg",
		"-",
	)

	cmd := exec.CommandContext(captureCtx, "ffmpeg", args...)

	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	output, err := cmd.Output()
	if err != nil {
		if captureCtx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{
				CameraID: c.config.ID,
				Timeout:  timeout,
			}
		}
		return nil, c.classifyDeviceError(err, stderrBuf.String())
	}

	if len(output) == 0 {
		return nil, &CaptureError{
			CameraID: c.config.ID,
			Message:  "ffmpeg returned empty output",
		}
	}

	return output, nil
}

// Reconnect re-checks the device node. USB device handles are not held
// between captures, so this is the whole story.
func (c *USBCamera) Reconnect(ctx context.Context) error {
	return c.Setup(ctx)
}

// Cleanup is a no-op: each capture runs its own short-lived process.
func (c *USBCamera) Cleanup() {}

// Describe reports static identity for logs and the portal.
func (c *USBCamera) Describe() Description {
	return Description{
		ID:       c.config.ID,
		Kind:     "usb",
		Source:   c.device,
		Position: c.config.Position,
	}
}

// classifyDeviceError maps ffmpeg v4l2 diagnostics onto the failure
// taxonomy. A missing or busy device is transient: the node may
// re-enumerate or the holding process may exit.
func (c *USBCamera) classifyDeviceError(err error, stderr string) error {
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "no such file or directory"), strings.Contains(lower, "no such device"):
		return &DeviceError{
			CameraID: c.config.ID,
			Message:  "device not found: " + c.device,
		}
	case strings.Contains(lower, "device or resource busy"):
		return &DeviceError{
			CameraID: c.config.ID,
			Message:  "device busy: " + c.device,
		}
	}

	return &CaptureError{
		CameraID: c.config.ID,
		Message:  "ffmpeg capture failed",
		Kind:     FailureTransient,
		Err:      err,
	}
}
