package camera

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"
)

// RTSPCamera captures single frames from an RTSP stream by running
// ffmpeg per capture. TCP transport is forced for reliability; no
// long-running decoder state is kept between captures.
type RTSPCamera struct {
	config    Config
	streamURL string
}

// NewRTSPCamera creates a new RTSP camera instance.
func NewRTSPCamera(config Config) (*RTSPCamera, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("rtsp camera %q: url is required", config.ID)
	}

	return &RTSPCamera{
		config:    config,
		streamURL: buildStreamURL(config),
	}, nil
}

// buildStreamURL applies substream preference and injects credentials
// when the URL does not already carry them.
func buildStreamURL(config Config) string {
	streamURL := config.URL

	if config.Substream {
		streamURL = modifyURLForSubstream(streamURL)
	}

	if config.Username != "" && config.Password != "" && !containsCredentials(streamURL) {
		streamURL = fmt.Sprintf("rtsp://%s@%s",
			url.UserPassword(config.Username, config.Password).String(),
			extractHostPath(streamURL))
	}

	return streamURL
}

// Setup probes the stream so a bad URL or credentials fail fast at
// startup rather than on the first scheduled capture.
func (c *RTSPCamera) Setup(ctx context.Context) error {
	return c.KeepAlive(ctx)
}

// CaptureFrame grabs one frame from the stream and re-encodes it as
// JPEG via ffmpeg.
func (c *RTSPCamera) CaptureFrame(ctx context.Context) ([]byte, error) {
	timeout := time.Duration(c.config.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 20 * time.Second
	}

	captureCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-rtsp_transport", "tcp",
		"-i", c.streamURL,
		"-vframes", "1",
		"-f", "image2",
		"-vcodec", "mjpeg",
		"-",
	}

	cmd := exec.CommandContext(captureCtx, "ffmpeg", args...)

	// ffmpeg writes image data to stdout and diagnostics to stderr
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
		return nil, c.classifyFFmpegError(err, stderrBuf.String())
	}

	if len(output) == 0 {
		return nil, &CaptureError{
			CameraID: c.config.ID,
			Message:  "ffmpeg returned empty output",
		}
	}

	return output, nil
}

// KeepAlive reads a single packet with stream copy (no decode) to keep
// the server-side RTSP session from timing out during backoff.
func (c *RTSPCamera) KeepAlive(ctx context.Context) error {
	timeout := time.Duration(c.config.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-rtsp_transport", "tcp",
		"-i", c.streamURL,
		"-frames:v", "1",
		"-c", "copy",
		"-f", "null",
		"-",
	}

	cmd := exec.CommandContext(probeCtx, "ffmpeg", args...)
	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		if probeCtx.Err() == context.DeadlineExceeded {
			return &TimeoutError{CameraID: c.config.ID, Timeout: timeout}
		}
		return c.classifyFFmpegError(err, stderrBuf.String())
	}
	return nil
}

// Reconnect rebuilds the stream URL and probes the stream again.
func (c *RTSPCamera) Reconnect(ctx context.Context) error {
	c.streamURL = buildStreamURL(c.config)
	return c.Setup(ctx)
}

// Cleanup is a no-op: each capture runs its own short-lived process.
func (c *RTSPCamera) Cleanup() {}

// Describe reports static identity for logs and the portal.
func (c *RTSPCamera) Describe() Description {
	return Description{
		ID:       c.config.ID,
		Kind:     "rtsp",
		Source:   redactURL(c.config.URL),
		Position: c.config.Position,
	}
}

// classifyFFmpegError maps ffmpeg diagnostics onto the failure
// taxonomy: auth failures are permanent, everything else transient.
func (c *RTSPCamera) classifyFFmpegError(err error, stderr string) error {
	lower := strings.ToLower(stderr)

	if isAuthError(err) || strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") {
		return &AuthError{
			CameraID: c.config.ID,
			Message:  "RTSP authentication failed",
		}
	}

	msg := "ffmpeg capture failed"
	switch {
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "no route to host"),
		strings.Contains(lower, "network is unreachable"), strings.Contains(lower, "connection timed out"):
		msg = "stream unreachable"
	case strings.Contains(lower, "could not find codec"), strings.Contains(lower, "invalid data found"):
		msg = "stream codec error"
	}

	return &CaptureError{
		CameraID: c.config.ID,
		Message:  msg,
		Kind:     FailureTransient,
		Err:      err,
	}
}

// Helper functions

// modifyURLForSubstream attempts to rewrite an RTSP URL to the
// camera's low-resolution substream. Best-effort: vendors differ.
func modifyURLForSubstream(streamURL string) string {
	if strings.Contains(streamURL, "/stream1") {
		return strings.Replace(streamURL, "/stream1", "/stream2", 1)
	}
	if strings.Contains(streamURL, "/main") {
		return strings.Replace(streamURL, "/main", "/sub", 1)
	}
	if strings.Contains(streamURL, "/0") && !strings.Contains(streamURL, "/10") {
		return strings.Replace(streamURL, "/0", "/1", 1)
	}
	return streamURL
}

func containsCredentials(streamURL string) bool {
	return strings.Contains(streamURL, "@")
}

func extractHostPath(rtspURL string) string {
	u, err := url.Parse(rtspURL)
	if err != nil {
		if idx := strings.Index(rtspURL, "://"); idx >= 0 {
			rtspURL = rtspURL[idx+3:]
		}
		if idx := strings.Index(rtspURL, "@"); idx >= 0 {
			rtspURL = rtspURL[idx+1:]
		}
		return rtspURL
	}

	hostPath := u.Host
	if u.Path != "" {
		hostPath += u.Path
	}
	if u.RawQuery != "" {
		hostPath += "?" + u.RawQuery
	}
	return hostPath
}

// redactURL strips userinfo from a URL for display.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "access denied")
}
