package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
cameras:
  - id: north
    kind: rtsp
    url: rtsp://10.0.0.10/stream1
    username: viewer
    password: secret
    capture_interval: 30
  - id: south
    kind: usb
    device: /dev/video0
  - id: gate
    kind: onvif
    address: 10.0.0.11
    port: 8000
    username: admin
    password: secret

storage:
  base_path: /var/lib/sai-cam/images
  max_size_gb: 2.5
  retention_days: 3

server:
  url: https://ingest.example.org/api/upload
  auth_token: tok-123

device:
  id: node-7
  location: orchard west

logging:
  level: debug

updates:
  enabled: true
  channel: stable

portal:
  port: 8090
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	config, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(config.Cameras) != 3 {
		t.Fatalf("cameras = %d, want 3", len(config.Cameras))
	}
	if config.Cameras[0].Interval() != 30*time.Second {
		t.Errorf("north interval = %v, want 30s", config.Cameras[0].Interval())
	}
	// Default interval applied.
	if config.Cameras[1].IntervalSeconds != 60 {
		t.Errorf("south interval = %d, want default 60", config.Cameras[1].IntervalSeconds)
	}
	if config.Storage.MaxSizeGB != 2.5 {
		t.Errorf("max_size_gb = %v, want 2.5", config.Storage.MaxSizeGB)
	}
	// Defaults.
	if config.Storage.MinFreeMB != 200 {
		t.Errorf("min_free_mb = %d, want default 200", config.Storage.MinFreeMB)
	}
	if config.Monitoring.HealthCheckIntervalSeconds != 300 {
		t.Errorf("health_check_interval = %d, want default 300", config.Monitoring.HealthCheckIntervalSeconds)
	}
	if !config.Server.SSLVerifyEnabled() {
		t.Error("ssl_verify must default to on")
	}
	if config.Portal.Port != 8090 {
		t.Errorf("portal port = %d, want 8090", config.Portal.Port)
	}

	driver := config.Cameras[0].Driver()
	if driver.Kind != "rtsp" || driver.URL != "rtsp://10.0.0.10/stream1" {
		t.Errorf("driver config = %+v", driver)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("SAI_CAM_TOKEN", "secret-from-env")
	os.Unsetenv("SAI_CAM_MISSING")

	yaml := strings.Replace(validYAML, "auth_token: tok-123",
		"auth_token: ${SAI_CAM_TOKEN}", 1)
	yaml = strings.Replace(yaml, "location: orchard west",
		"location: ${SAI_CAM_MISSING:-fallback site}", 1)

	config, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if config.Server.AuthToken != "secret-from-env" {
		t.Errorf("auth_token = %q, want env value", config.Server.AuthToken)
	}
	if config.Device.Location != "fallback site" {
		t.Errorf("location = %q, want default expansion", config.Device.Location)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("A_SET_VAR", "value")
	os.Unsetenv("AN_UNSET_VAR")

	tests := []struct {
		in   string
		want string
	}{
		{"${A_SET_VAR}", "value"},
		{"${A_SET_VAR:-default}", "value"},
		{"${AN_UNSET_VAR}", ""},
		{"${AN_UNSET_VAR:-default}", "default"},
		{"prefix ${A_SET_VAR} suffix", "prefix value suffix"},
		{"no refs", "no refs"},
	}
	for _, tt := range tests {
		if got := ExpandEnv(tt.in); got != tt.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			"duplicate camera id",
			func(y string) string { return strings.Replace(y, "id: south", "id: north", 1) },
			"duplicate id",
		},
		{
			"invalid kind",
			func(y string) string { return strings.Replace(y, "kind: usb", "kind: webcam", 1) },
			"invalid kind",
		},
		{
			"zero capture interval",
			func(y string) string { return strings.Replace(y, "capture_interval: 30", "capture_interval: -1", 1) },
			"capture_interval",
		},
		{
			"missing storage path",
			func(y string) string {
				return strings.Replace(y, "base_path: /var/lib/sai-cam/images", "base_path: \"\"", 1)
			},
			"base_path",
		},
		{
			"missing server url",
			func(y string) string {
				return strings.Replace(y, "url: https://ingest.example.org/api/upload", "url: \"\"", 1)
			},
			"server.url",
		},
		{
			"bad update channel",
			func(y string) string { return strings.Replace(y, "channel: stable", "channel: nightly", 1) },
			"channel",
		},
		{
			"bad log level",
			func(y string) string { return strings.Replace(y, "level: debug", "level: verbose", 1) },
			"logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.mutate(validYAML)))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestService_ReloadAppliesSubsetOnly(t *testing.T) {
	path := writeConfig(t, validYAML)
	svc, err := NewService(path, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	updated := strings.Replace(validYAML, "level: debug", "level: warning", 1)
	updated = strings.Replace(updated, "id: north", "id: renamed", 1)
	updated = strings.Replace(updated, "auth_token: tok-123", "auth_token: tok-456", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	var gotOld, gotNew *Config
	svc.Subscribe(func(old, updated *Config) { gotOld, gotNew = old, updated })

	if err := svc.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	current := svc.Current()
	if current.Logging.Level != "warning" {
		t.Errorf("log level = %q, want reloaded warning", current.Logging.Level)
	}
	if current.Server.AuthToken != "tok-456" {
		t.Errorf("auth token = %q, want reloaded tok-456", current.Server.AuthToken)
	}
	// Camera changes need a restart: old id stays.
	if current.Cameras[0].ID != "north" {
		t.Errorf("camera id = %q, want boot-time north", current.Cameras[0].ID)
	}
	if gotOld == nil || gotNew == nil {
		t.Fatal("subscriber not notified")
	}
	if gotOld.Logging.Level != "debug" || gotNew.Logging.Level != "warning" {
		t.Errorf("subscriber saw %q -> %q", gotOld.Logging.Level, gotNew.Logging.Level)
	}
}

func TestService_InvalidReloadKeepsPrevious(t *testing.T) {
	path := writeConfig(t, validYAML)
	svc, err := NewService(path, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	broken := strings.Replace(validYAML, "kind: rtsp", "kind: broken", 1)
	if err := os.WriteFile(path, []byte(broken), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := svc.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if svc.Current().Cameras[0].Kind != "rtsp" {
		t.Error("invalid reload replaced the effective config")
	}
}

func TestService_WatchPicksUpChanges(t *testing.T) {
	path := writeConfig(t, validYAML)
	svc, err := NewService(path, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Watch(context.Background())
	}()

	updated := strings.Replace(validYAML, "level: debug", "level: error", 1)
	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for svc.Current().Logging.Level != "error" {
		select {
		case <-deadline:
			t.Fatalf("watch never applied the change, level = %q", svc.Current().Logging.Level)
		case <-time.After(50 * time.Millisecond):
		}
	}
}
