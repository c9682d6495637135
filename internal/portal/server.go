// Package portal serves the browser-facing HTTP API: composed status,
// raw health, log access, the tiered server-sent event stream, camera
// controls, WiFi-AP toggling, update state, and the bearer-guarded
// fleet endpoints. It talks to the agent only through the unix
// sockets; it never touches a camera itself.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sai-cam/sai-cam/internal/health"
	"github.com/sai-cam/sai-cam/internal/update"
)

// Logger is the minimal logging interface the portal needs.
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

// HealthSource reads cached snapshots from the agent's health socket.
// *ipc.Client satisfies it.
type HealthSource interface {
	Full(ctx context.Context) (health.FullSnapshot, error)
	System(ctx context.Context) (health.SystemSnapshot, error)
	Cameras(ctx context.Context) (health.CamerasSnapshot, error)
	Query(ctx context.Context, request string) ([]byte, error)
}

// Control issues camera and log-level commands over the agent's
// control socket. *ipc.ControlClient satisfies it.
type Control interface {
	Capture(ctx context.Context, cameraID string) error
	Restart(ctx context.Context, cameraID string) error
	SetPosition(ctx context.Context, cameraID, position string) error
	SetLogLevel(ctx context.Context, level string) error
	GetLogLevel(ctx context.Context) (string, error)
}

// UpdateSettings is what the portal needs to read update state and run
// a check-only query against the release index.
type UpdateSettings struct {
	StatePath   string
	ManifestURL string
	Channel     string
}

// WiFiSettings describes the fallback access point and the host helper
// that owns it.
type WiFiSettings struct {
	SSID          string
	Interface     string
	HelperCommand string
}

// FleetSettings guards the remote-control API.
type FleetSettings struct {
	Token       string
	AllowedKeys []string
	ConfigPath  string
}

// Options configures the portal server.
type Options struct {
	BindAddress string
	Port        int

	NodeID   string
	Location string
	Version  string

	Health  HealthSource
	Control Control

	LogPath     string
	StorageRoot string

	Updates UpdateSettings
	WiFi    WiFiSettings
	Fleet   FleetSettings

	// UpstreamAddr is a host:port dialed to judge upstream
	// connectivity for the network info block. Empty disables the
	// probe.
	UpstreamAddr string

	Logger Logger
}

// Server is the portal HTTP server.
type Server struct {
	opts   Options
	logger Logger
	router chi.Router
	http   *http.Server
	hub    *hub
	tailer *tailer
	wifi   *wifiController

	// dial is a seam for the upstream connectivity probe.
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// NewServer wires the router, the SSE hub, and the log tailer.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = &defaultLogger{}
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger,
		wifi:   newWiFiController(opts.WiFi, opts.Logger),
		dial:   net.DialTimeout,
	}
	s.hub = newHub(hubSources{
		health: s.healthEvent,
		status: s.statusEvent,
		slow:   s.slowEvent,
	}, opts.Logger)
	if opts.LogPath != "" {
		s.tailer = newTailer(opts.LogPath, opts.Logger)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/logs", s.handleLogs)
	r.Get("/api/log_level", s.handleLogLevelGet)
	r.Post("/api/log_level", s.handleLogLevelSet)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/images/{camera}/latest", s.handleLatestImage)
	r.Post("/api/cameras/{camera}/capture", s.handleCapture)
	r.Post("/api/cameras/{camera}/restart", s.handleRestart)
	r.Post("/api/cameras/{camera}/position", s.handlePosition)
	r.Post("/api/wifi_ap/enable", s.handleWiFiAP(true))
	r.Post("/api/wifi_ap/disable", s.handleWiFiAP(false))
	r.Get("/api/update/status", s.handleUpdateStatus)
	r.Post("/api/update/check", s.handleUpdateCheck)

	r.Route("/api/fleet", func(r chi.Router) {
		r.Use(s.fleetAuth)
		r.Get("/status", s.handleStatus)
		r.Post("/cameras/{camera}/capture", s.handleCapture)
		r.Post("/cameras/{camera}/restart", s.handleRestart)
		r.Post("/config", s.handleFleetConfig)
	})

	s.router = r
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is canceled, then shuts down gracefully. The
// SSE hub and log tailer run alongside the listener.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.BindAddress, strconv.Itoa(s.opts.Port))
	s.http = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	hubCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.run(hubCtx)
	if s.tailer != nil {
		go s.tailer.run(hubCtx, func(line string) {
			s.hub.broadcast(event{name: "log", data: []byte(line)})
		})
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("portal listening", "addr", addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleHealth proxies the raw full snapshot from the agent socket.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, err := s.opts.Health.Query(r.Context(), "full")
	if err != nil {
		writeError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("agent unreachable: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if q := r.URL.Query().Get("lines"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		lines = n
	}
	if lines > 1000 {
		lines = 1000
	}

	tail, err := tailLines(s.opts.LogPath, lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lines": tail})
}

func (s *Server) handleLogLevelGet(w http.ResponseWriter, r *http.Request) {
	level, err := s.opts.Control.GetLogLevel(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"level": strings.ToUpper(level)})
}

func (s *Server) handleLogLevelSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	level := strings.ToUpper(req.Level)
	switch level {
	case "WARNING", "INFO", "DEBUG":
	default:
		writeError(w, http.StatusBadRequest,
			"level must be one of WARNING, INFO, DEBUG")
		return
	}

	if err := s.opts.Control.SetLogLevel(r.Context(), level); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Info("log level changed", "level", level)
	writeJSON(w, http.StatusOK, map[string]string{"level": level})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera")
	if err := s.opts.Control.Capture(r.Context(), cameraID); err != nil {
		writeError(w, controlStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "captured"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera")
	if err := s.opts.Control.Restart(r.Context(), cameraID); err != nil {
		writeError(w, controlStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera")
	var req struct {
		Position string `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Position == "" {
		writeError(w, http.StatusBadRequest, "position is required")
		return
	}

	if err := s.opts.Control.SetPosition(r.Context(), cameraID, req.Position); err != nil {
		writeError(w, controlStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"position": req.Position})
}

func (s *Server) handleWiFiAP(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		if enable {
			err = s.wifi.enable(r.Context())
		} else {
			err = s.wifi.disable(r.Context())
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.wifi.state())
	}
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	state, err := update.LoadState(s.opts.Updates.StatePath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleUpdateCheck queries the release index without applying
// anything; the periodic updater owns the actual apply.
func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	manifest, err := update.FetchManifest(ctx, http.DefaultClient,
		s.opts.Updates.ManifestURL, s.opts.Version)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	result := map[string]interface{}{
		"current_version":  s.opts.Version,
		"channel":          s.opts.Updates.Channel,
		"update_available": false,
	}
	if rel, found := update.SelectRelease(manifest, s.opts.Updates.Channel, s.opts.Version); found {
		result["update_available"] = true
		result["latest_version"] = rel.Version
	}
	writeJSON(w, http.StatusOK, result)
}

// controlStatus maps control-socket failures onto HTTP statuses.
func controlStatus(err error) int {
	if strings.Contains(err.Error(), "unknown camera") {
		return http.StatusNotFound
	}
	return http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
