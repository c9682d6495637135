package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sai-cam/sai-cam/internal/health"
	"github.com/sai-cam/sai-cam/internal/update"
)

type fakeHealth struct {
	full    health.FullSnapshot
	fullErr error
}

func (f *fakeHealth) Full(ctx context.Context) (health.FullSnapshot, error) {
	return f.full, f.fullErr
}

func (f *fakeHealth) System(ctx context.Context) (health.SystemSnapshot, error) {
	return f.full.System, f.fullErr
}

func (f *fakeHealth) Cameras(ctx context.Context) (health.CamerasSnapshot, error) {
	return f.full.Cameras, f.fullErr
}

func (f *fakeHealth) Query(ctx context.Context, request string) ([]byte, error) {
	if f.fullErr != nil {
		return nil, f.fullErr
	}
	return json.Marshal(f.full)
}

type fakeControl struct {
	captured  []string
	restarted []string
	positions map[string]string
	level     string
	err       error
}

func (f *fakeControl) Capture(ctx context.Context, cameraID string) error {
	if f.err != nil {
		return f.err
	}
	f.captured = append(f.captured, cameraID)
	return nil
}

func (f *fakeControl) Restart(ctx context.Context, cameraID string) error {
	if f.err != nil {
		return f.err
	}
	f.restarted = append(f.restarted, cameraID)
	return nil
}

func (f *fakeControl) SetPosition(ctx context.Context, cameraID, position string) error {
	if f.err != nil {
		return f.err
	}
	if f.positions == nil {
		f.positions = map[string]string{}
	}
	f.positions[cameraID] = position
	return nil
}

func (f *fakeControl) SetLogLevel(ctx context.Context, level string) error {
	if f.err != nil {
		return f.err
	}
	f.level = level
	return nil
}

func (f *fakeControl) GetLogLevel(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.level == "" {
		return "INFO", nil
	}
	return f.level, nil
}

func newTestServer(t *testing.T, hs *fakeHealth, ctrl *fakeControl) (*Server, string) {
	t.Helper()
	root := t.TempDir()

	s := NewServer(Options{
		NodeID:      "node-7",
		Location:    "ridge-east",
		Version:     "1.4.0",
		Health:      hs,
		Control:     ctrl,
		LogPath:     filepath.Join(root, "sai-cam.log"),
		StorageRoot: filepath.Join(root, "storage"),
		Updates: UpdateSettings{
			StatePath: filepath.Join(root, "update-state.json"),
			Channel:   "stable",
		},
		WiFi: WiFiSettings{SSID: "sai-cam-ap", Interface: "wlan0"},
		Fleet: FleetSettings{
			Token:       "fleet-secret",
			AllowedKeys: []string{"logging", "monitoring"},
			ConfigPath:  filepath.Join(root, "config.yaml"),
		},
	})
	return s, root
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStatus_Composition(t *testing.T) {
	hs := &fakeHealth{full: health.FullSnapshot{
		System: health.SystemSnapshot{CPUPercent: 12.5, OverallLevel: health.LevelHealthy},
		Cameras: health.CamerasSnapshot{Cameras: []health.CameraState{
			{ID: "cam1", State: "HEALTHY"},
		}},
	}}
	s, root := newTestServer(t, hs, &fakeControl{})

	if err := os.MkdirAll(filepath.Join(root, "storage"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := update.SaveState(s.opts.Updates.StatePath, update.State{
		Status: update.StatusUpToDate,
	}); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var doc struct {
		Node struct {
			ID       string `json:"id"`
			Location string `json:"location"`
			Version  string `json:"version"`
		} `json:"node"`
		Data struct {
			System  health.SystemSnapshot `json:"system"`
			Update  update.State          `json:"update"`
			Network networkInfo           `json:"network"`
		} `json:"data"`
		Features map[string]bool `json:"features"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}

	if doc.Node.ID != "node-7" || doc.Node.Version != "1.4.0" {
		t.Errorf("node = %+v", doc.Node)
	}
	if doc.Data.System.CPUPercent != 12.5 {
		t.Errorf("system cpu = %v", doc.Data.System.CPUPercent)
	}
	if doc.Data.Update.Status != update.StatusUpToDate {
		t.Errorf("update status = %q", doc.Data.Update.Status)
	}
	if !doc.Features["cameras"] || !doc.Features["wifi_ap"] || !doc.Features["storage"] {
		t.Errorf("features = %v", doc.Features)
	}
}

func TestStatus_AgentDownDegrades(t *testing.T) {
	hs := &fakeHealth{fullErr: errors.New("dial unix: no such file")}
	s, _ := newTestServer(t, hs, &fakeControl{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want degraded 200", rec.Code)
	}
	var doc struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Data["agent_error"] == nil {
		t.Error("agent_error missing from degraded status")
	}
	if doc.Data["network"] == nil {
		t.Error("network info missing from degraded status")
	}
}

func TestHealth_ProxiesAgentSocket(t *testing.T) {
	hs := &fakeHealth{full: health.FullSnapshot{
		System: health.SystemSnapshot{OverallLevel: health.LevelWarning},
	}}
	s, _ := newTestServer(t, hs, &fakeControl{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap health.FullSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.System.OverallLevel != health.LevelWarning {
		t.Errorf("level = %q", snap.System.OverallLevel)
	}

	hs.fullErr = errors.New("socket gone")
	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status with agent down = %d, want 503", rec.Code)
	}
}

func TestLogLevel(t *testing.T) {
	ctrl := &fakeControl{}
	s, _ := newTestServer(t, &fakeHealth{}, ctrl)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/log_level", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "INFO") {
		t.Errorf("get: %d %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/log_level",
		map[string]string{"level": "debug"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set: %d %s", rec.Code, rec.Body)
	}
	if ctrl.level != "DEBUG" {
		t.Errorf("agent level = %q, want DEBUG", ctrl.level)
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/log_level",
		map[string]string{"level": "TRACE"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid level: %d, want 400", rec.Code)
	}
}

func TestCameraControls(t *testing.T) {
	ctrl := &fakeControl{}
	s, _ := newTestServer(t, &fakeHealth{}, ctrl)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/cameras/cam1/capture", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("capture: %d %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/cameras/cam1/restart", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("restart: %d %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/cameras/cam1/position",
		map[string]string{"position": "north-ridge"})
	if rec.Code != http.StatusOK {
		t.Fatalf("position: %d %s", rec.Code, rec.Body)
	}

	if len(ctrl.captured) != 1 || ctrl.captured[0] != "cam1" {
		t.Errorf("captured = %v", ctrl.captured)
	}
	if len(ctrl.restarted) != 1 {
		t.Errorf("restarted = %v", ctrl.restarted)
	}
	if ctrl.positions["cam1"] != "north-ridge" {
		t.Errorf("positions = %v", ctrl.positions)
	}
}

func TestCameraControls_UnknownCamera(t *testing.T) {
	ctrl := &fakeControl{err: errors.New("unknown camera: ghost")}
	s, _ := newTestServer(t, &fakeHealth{}, ctrl)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/cameras/ghost/capture", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestLogs_TailsFile(t *testing.T) {
	s, root := newTestServer(t, &fakeHealth{}, &fakeControl{})

	var content bytes.Buffer
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&content, "line %d\n", i)
	}
	if err := os.WriteFile(filepath.Join(root, "sai-cam.log"), content.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/logs?lines=3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var doc struct {
		Lines []string `json:"lines"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	want := []string{"line 8", "line 9", "line 10"}
	if len(doc.Lines) != 3 || doc.Lines[0] != want[0] || doc.Lines[2] != want[2] {
		t.Errorf("lines = %v, want %v", doc.Lines, want)
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/logs?lines=zero", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad lines param: %d, want 400", rec.Code)
	}
}

func TestLatestImage(t *testing.T) {
	s, root := newTestServer(t, &fakeHealth{}, &fakeControl{})

	dayDir := filepath.Join(root, "storage", "pending", "cam1", "2026-08-26")
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		t.Fatal(err)
	}
	older := filepath.Join(dayDir, "cam1_1000.jpg")
	newer := filepath.Join(dayDir, "cam1_2000.jpg")
	if err := os.WriteFile(older, []byte("old-jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newer, []byte("new-jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Make the ordering unambiguous regardless of write timing.
	if err := os.Chtimes(older, timeAgo(t, 60), timeAgo(t, 60)); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/images/cam1/latest", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "new-jpeg" {
		t.Errorf("body = %q, want newest image", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("content type = %q", ct)
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/images/ghost/latest", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown camera: %d, want 404", rec.Code)
	}
}

func timeAgo(t *testing.T, seconds int) time.Time {
	t.Helper()
	return time.Now().Add(-time.Duration(seconds) * time.Second)
}

func TestUpdateStatus(t *testing.T) {
	s, _ := newTestServer(t, &fakeHealth{}, &fakeControl{})

	if err := update.SaveState(s.opts.Updates.StatePath, update.State{
		Status:         update.StatusUpdated,
		CurrentVersion: "1.4.0",
	}); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/update/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var state update.State
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if state.Status != update.StatusUpdated {
		t.Errorf("state = %+v", state)
	}
}

func TestUpdateCheck(t *testing.T) {
	index := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(update.Manifest{Releases: []update.Release{
			{Version: "2.0.0"},
		}})
	}))
	defer index.Close()

	s, _ := newTestServer(t, &fakeHealth{}, &fakeControl{})
	s.opts.Updates.ManifestURL = index.URL + "/releases.json"

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/update/check", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	var doc struct {
		UpdateAvailable bool   `json:"update_available"`
		LatestVersion   string `json:"latest_version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if !doc.UpdateAvailable || doc.LatestVersion != "2.0.0" {
		t.Errorf("check result = %+v", doc)
	}
}

func TestFleetAuth(t *testing.T) {
	s, _ := newTestServer(t, &fakeHealth{}, &fakeControl{})

	req := httptest.NewRequest(http.MethodGet, "/api/fleet/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/fleet/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/fleet/status", nil)
	req.Header.Set("Authorization", "Bearer fleet-secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: %d, want 200", rec.Code)
	}

	// Unconfigured token disables the surface entirely.
	s.opts.Fleet.Token = ""
	req = httptest.NewRequest(http.MethodGet, "/api/fleet/status", nil)
	req.Header.Set("Authorization", "Bearer fleet-secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("disabled fleet: %d, want 403", rec.Code)
	}
}

func TestFleetConfig_Patch(t *testing.T) {
	s, _ := newTestServer(t, &fakeHealth{}, &fakeControl{})
	configPath := s.opts.Fleet.ConfigPath
	seed := "logging:\n  level: info\nmonitoring:\n  health_check_interval: 300\ndevice:\n  id: node-7\n"
	if err := os.WriteFile(configPath, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	patch := map[string]interface{}{
		"logging": map[string]interface{}{"level": "debug"},
	}
	body, _ := json.Marshal(patch)
	req := httptest.NewRequest(http.MethodPost, "/api/fleet/config", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer fleet-secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", rec.Code, rec.Body)
	}

	written, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(written), "level: debug") {
		t.Errorf("config not patched:\n%s", written)
	}
	if !strings.Contains(string(written), "id: node-7") {
		t.Errorf("untouched sections lost:\n%s", written)
	}

	// Keys outside the whitelist are refused outright.
	body, _ = json.Marshal(map[string]interface{}{"device": map[string]interface{}{"id": "evil"}})
	req = httptest.NewRequest(http.MethodPost, "/api/fleet/config", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer fleet-secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("disallowed key: %d, want 403", rec.Code)
	}
}

func TestWiFiAP_Toggle(t *testing.T) {
	s, _ := newTestServer(t, &fakeHealth{}, &fakeControl{})
	var actions []string
	s.wifi.runHelper = func(ctx context.Context, action string) error {
		actions = append(actions, action)
		return nil
	}

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/wifi_ap/enable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("enable: %d %s", rec.Code, rec.Body)
	}
	// Enabling twice is a no-op, not a second helper run.
	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/wifi_ap/enable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("re-enable: %d", rec.Code)
	}
	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/wifi_ap/disable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable: %d", rec.Code)
	}

	want := []string{"enable", "disable"}
	if len(actions) != 2 || actions[0] != want[0] || actions[1] != want[1] {
		t.Errorf("helper actions = %v, want %v", actions, want)
	}

	var state struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if state.Enabled {
		t.Error("state still enabled after disable")
	}
}
