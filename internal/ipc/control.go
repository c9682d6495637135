package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Control operations. Unlike the health socket, these reach into the
// capture coordinator and may block for the duration of a capture, so
// they live on their own socket with a generous deadline.
const (
	OpCapture     = "capture"
	OpRestart     = "restart"
	OpPosition    = "position"
	OpLogLevel    = "log_level"
	OpLogLevelGet = "log_level_get"
)

// controlDeadline bounds one control exchange. A forced capture can
// legitimately take a full camera timeout.
const controlDeadline = 45 * time.Second

// ControlRequest is one line of JSON on the control socket.
type ControlRequest struct {
	Op     string `json:"op"`
	Camera string `json:"camera,omitempty"`
	Value  string `json:"value,omitempty"`
}

// ControlReply is the single-line JSON response.
type ControlReply struct {
	OK    bool   `json:"ok"`
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// CameraController is the slice of the capture coordinator the control
// socket needs.
type CameraController interface {
	ForceCapture(ctx context.Context, cameraID string) error
	RestartCamera(ctx context.Context, cameraID string) error
	SetPosition(cameraID, position string) error
}

// ControlServer answers control requests on a unix socket.
type ControlServer struct {
	path     string
	cameras  CameraController
	logger   Logger
	listener net.Listener

	// SetLogLevel and LogLevel bridge to the agent's logger.
	SetLogLevel func(level string) error
	LogLevel    func() string
}

// NewControlServer creates a control server for the given socket path.
func NewControlServer(path string, cameras CameraController, logger Logger) *ControlServer {
	if logger == nil {
		logger = &defaultLogger{}
	}
	return &ControlServer{path: path, cameras: cameras, logger: logger}
}

// Listen binds the socket, replacing any stale one from a previous run.
func (s *ControlServer) Listen() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, socketMode); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener
	return nil
}

// Serve accepts connections until ctx is canceled.
func (s *ControlServer) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("serve before listen")
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
		os.Remove(s.path)
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("control socket accept failed", "error", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *ControlServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(controlDeadline))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	var req ControlRequest
	var reply ControlReply
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		reply.Error = "malformed request: " + err.Error()
	} else {
		reply = s.dispatch(ctx, req)
	}

	body, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("control reply marshal failed", "op", req.Op, "error", err)
		return
	}
	body = append(body, '\n')
	if _, err := conn.Write(body); err != nil {
		s.logger.Debug("control socket write failed", "op", req.Op, "error", err)
	}
}

func (s *ControlServer) dispatch(ctx context.Context, req ControlRequest) ControlReply {
	opCtx, cancel := context.WithTimeout(ctx, controlDeadline)
	defer cancel()

	var err error
	var value string
	switch req.Op {
	case OpCapture:
		err = s.cameras.ForceCapture(opCtx, req.Camera)
	case OpRestart:
		err = s.cameras.RestartCamera(opCtx, req.Camera)
	case OpPosition:
		err = s.cameras.SetPosition(req.Camera, req.Value)
	case OpLogLevel:
		if s.SetLogLevel == nil {
			err = errors.New("log level control not wired")
		} else {
			err = s.SetLogLevel(req.Value)
		}
	case OpLogLevelGet:
		if s.LogLevel == nil {
			err = errors.New("log level control not wired")
		} else {
			value = s.LogLevel()
		}
	default:
		err = fmt.Errorf("unknown op: %s", req.Op)
	}

	if err != nil {
		s.logger.Warn("control request failed", "op", req.Op,
			"camera", req.Camera, "error", err)
		return ControlReply{Error: err.Error()}
	}
	s.logger.Info("control request served", "op", req.Op, "camera", req.Camera)
	return ControlReply{OK: true, Value: value}
}

// ControlClient issues control requests. Used by the portal.
type ControlClient struct {
	path string
}

// NewControlClient creates a client for the given socket path.
func NewControlClient(path string) *ControlClient {
	return &ControlClient{path: path}
}

func (c *ControlClient) roundTrip(ctx context.Context, req ControlRequest) (ControlReply, error) {
	var reply ControlReply

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return reply, fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(controlDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	body, err := json.Marshal(req)
	if err != nil {
		return reply, err
	}
	body = append(body, '\n')
	if _, err := conn.Write(body); err != nil {
		return reply, fmt.Errorf("write control request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return reply, fmt.Errorf("read control reply: %w", err)
	}
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		return reply, fmt.Errorf("parse control reply: %w", err)
	}
	if !reply.OK {
		return reply, errors.New(reply.Error)
	}
	return reply, nil
}

// Capture forces an immediate capture on one camera.
func (c *ControlClient) Capture(ctx context.Context, cameraID string) error {
	_, err := c.roundTrip(ctx, ControlRequest{Op: OpCapture, Camera: cameraID})
	return err
}

// Restart restarts one camera worker.
func (c *ControlClient) Restart(ctx context.Context, cameraID string) error {
	_, err := c.roundTrip(ctx, ControlRequest{Op: OpRestart, Camera: cameraID})
	return err
}

// SetPosition updates a camera's position label.
func (c *ControlClient) SetPosition(ctx context.Context, cameraID, position string) error {
	_, err := c.roundTrip(ctx, ControlRequest{Op: OpPosition, Camera: cameraID, Value: position})
	return err
}

// SetLogLevel changes the agent's log level.
func (c *ControlClient) SetLogLevel(ctx context.Context, level string) error {
	_, err := c.roundTrip(ctx, ControlRequest{Op: OpLogLevel, Value: level})
	return err
}

// GetLogLevel reads the agent's current log level.
func (c *ControlClient) GetLogLevel(ctx context.Context) (string, error) {
	reply, err := c.roundTrip(ctx, ControlRequest{Op: OpLogLevelGet})
	if err != nil {
		return "", err
	}
	return reply.Value, nil
}
