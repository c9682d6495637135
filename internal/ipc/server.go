// Package ipc connects the portal to the agent over unix-domain
// sockets. The health socket speaks one request line in {full,
// cameras, threads, system}, one JSON document back, then the server
// closes the connection. A separate control socket carries camera and
// log-level commands as single-line JSON exchanges.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sai-cam/sai-cam/internal/health"
)

// Requests the socket understands.
const (
	RequestFull    = "full"
	RequestCameras = "cameras"
	RequestThreads = "threads"
	RequestSystem  = "system"
)

// connDeadline bounds one whole request/response exchange. Replies come
// from cached snapshots, so an exchange that takes longer means a stuck
// peer, not a slow computation.
const connDeadline = 100 * time.Millisecond

// socketMode keeps the socket readable by the service group (the
// portal runs as a group member) and nobody else.
const socketMode = 0o640

// Source provides the cached snapshots the server replies with.
// *health.Monitor satisfies it.
type Source interface {
	Full() health.FullSnapshot
	Cameras() health.CamerasSnapshot
	Threads() health.ThreadsSnapshot
	System() health.SystemSnapshot
}

// Logger is the minimal logging interface the ipc package needs.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (l *defaultLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *defaultLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (l *defaultLogger) Error(msg string, keysAndValues ...interface{}) {}

// Server answers health queries on a unix socket.
type Server struct {
	path     string
	source   Source
	logger   Logger
	listener net.Listener
}

// NewServer creates a server for the given socket path.
func NewServer(path string, source Source, logger Logger) *Server {
	if logger == nil {
		logger = &defaultLogger{}
	}
	return &Server{path: path, source: source, logger: logger}
}

// Listen binds the socket, replacing any stale one from a previous run.
func (s *Server) Listen() error {
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

// Serve accepts connections until ctx is canceled. Listen must have
// been called first.
func (s *Server) Serve(ctx context.Context) error {
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
			s.logger.Warn("health socket accept failed", "error", err)
			continue
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	request := strings.TrimSpace(line)

	var payload interface{}
	switch request {
	case RequestFull:
		payload = s.source.Full()
	case RequestCameras:
		payload = s.source.Cameras()
	case RequestThreads:
		payload = s.source.Threads()
	case RequestSystem:
		payload = s.source.System()
	default:
		payload = map[string]string{"error": "unknown request: " + request}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("health snapshot marshal failed", "request", request, "error", err)
		return
	}
	body = append(body, '\n')
	if _, err := conn.Write(body); err != nil {
		s.logger.Debug("health socket write failed", "request", request, "error", err)
	}
}
