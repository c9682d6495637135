package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sai-cam/sai-cam/internal/health"
)

// maxResponseBytes caps one reply. Snapshots stay well under this.
const maxResponseBytes = 64 * 1024

// Client queries the agent's health socket.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient creates a client for the given socket path.
func NewClient(path string) *Client {
	return &Client{path: path, timeout: time.Second}
}

// Query sends one request and returns the raw JSON reply.
func (c *Client) Query(ctx context.Context, request string) ([]byte, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("dial health socket: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(request + "\n")); err != nil {
		return nil, fmt.Errorf("write health request: %w", err)
	}

	body, err := io.ReadAll(io.LimitReader(conn, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read health reply: %w", err)
	}
	return body, nil
}

// Full fetches and decodes the full snapshot.
func (c *Client) Full(ctx context.Context) (health.FullSnapshot, error) {
	var snap health.FullSnapshot
	body, err := c.Query(ctx, RequestFull)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return snap, fmt.Errorf("decode full snapshot: %w", err)
	}
	return snap, nil
}

// System fetches and decodes the system section.
func (c *Client) System(ctx context.Context) (health.SystemSnapshot, error) {
	var snap health.SystemSnapshot
	body, err := c.Query(ctx, RequestSystem)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return snap, fmt.Errorf("decode system snapshot: %w", err)
	}
	return snap, nil
}

// Cameras fetches and decodes the camera section.
func (c *Client) Cameras(ctx context.Context) (health.CamerasSnapshot, error) {
	var snap health.CamerasSnapshot
	body, err := c.Query(ctx, RequestCameras)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return snap, fmt.Errorf("decode cameras snapshot: %w", err)
	}
	return snap, nil
}
