// Package config loads and validates the agent's YAML configuration
// and serves it to the rest of the process. Reloads at runtime apply
// only a narrow subset; everything else requires a restart.
package config

import (
	"time"

	"github.com/sai-cam/sai-cam/internal/camera"
	"github.com/sai-cam/sai-cam/internal/health"
)

// Config is the full configuration file.
type Config struct {
	Cameras    []CameraConfig `yaml:"cameras"`
	Storage    StorageConfig  `yaml:"storage"`
	Server     ServerConfig   `yaml:"server"`
	Device     DeviceConfig   `yaml:"device"`
	Monitoring Monitoring     `yaml:"monitoring"`
	Logging    Logging        `yaml:"logging"`
	Advanced   Advanced       `yaml:"advanced"`
	Updates    Updates        `yaml:"updates"`
	Portal     Portal         `yaml:"portal"`
	Fleet      Fleet          `yaml:"fleet"`
	WiFiAP     WiFiAP         `yaml:"wifi_ap"`

	// Network is advisory: consumed by the install scripts, carried
	// through verbatim so the portal can display it.
	Network map[string]interface{} `yaml:"network"`
}

// CameraConfig is one camera entry.
type CameraConfig struct {
	ID              string `yaml:"id"`
	Kind            string `yaml:"kind"`
	Position        string `yaml:"position"`
	IntervalSeconds int    `yaml:"capture_interval"`

	// usb
	Device string `yaml:"device"`

	// rtsp
	URL       string `yaml:"url"`
	Substream bool   `yaml:"substream"`

	// onvif
	Address      string `yaml:"address"`
	Port         int    `yaml:"port"`
	ProfileToken string `yaml:"profile_token"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	Width          int `yaml:"width"`
	Height         int `yaml:"height"`
	FPS            int `yaml:"fps"`
	TimeoutSeconds int `yaml:"timeout"`
}

// Driver maps a camera entry onto the driver config.
func (c CameraConfig) Driver() camera.Config {
	return camera.Config{
		ID:             c.ID,
		Kind:           c.Kind,
		Position:       c.Position,
		Device:         c.Device,
		URL:            c.URL,
		Address:        c.Address,
		Port:           c.Port,
		Username:       c.Username,
		Password:       c.Password,
		ProfileToken:   c.ProfileToken,
		Width:          c.Width,
		Height:         c.Height,
		FPS:            c.FPS,
		TimeoutSeconds: c.TimeoutSeconds,
		Substream:      c.Substream,
	}
}

// Interval returns the capture interval as a duration.
func (c CameraConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StorageConfig shapes the local image store.
type StorageConfig struct {
	BasePath      string  `yaml:"base_path"`
	MaxSizeGB     float64 `yaml:"max_size_gb"`
	RetentionDays int     `yaml:"retention_days"`
	MinFreeMB     int     `yaml:"min_free_mb"`
	QueueDepth    int     `yaml:"queue_depth"`
}

// ServerConfig points at the ingestion server.
type ServerConfig struct {
	Backend        string `yaml:"backend"`
	URL            string `yaml:"url"`
	SSLVerify      *bool  `yaml:"ssl_verify"`
	CertPath       string `yaml:"cert_path"`
	TimeoutSeconds int    `yaml:"timeout"`
	AuthToken      string `yaml:"auth_token"`

	// sftp backend
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	BasePath string `yaml:"base_path"`
}

// SSLVerifyEnabled reports server TLS verification, defaulting to on.
func (s ServerConfig) SSLVerifyEnabled() bool {
	return s.SSLVerify == nil || *s.SSLVerify
}

// DeviceConfig carries advisory identity labels.
type DeviceConfig struct {
	ID          string `yaml:"id"`
	Location    string `yaml:"location"`
	Description string `yaml:"description"`
}

// Monitoring tunes the health monitor. Thresholds are part of the
// hot-reloadable subset.
type Monitoring struct {
	HealthCheckIntervalSeconds int               `yaml:"health_check_interval"`
	NTPServer                  string            `yaml:"ntp_server"`
	SocketPath                 string            `yaml:"socket_path"`
	ControlSocketPath          string            `yaml:"control_socket_path"`
	Thresholds                 health.Thresholds `yaml:"thresholds"`
}

// Logging shapes the structured log output.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	LogDir     string `yaml:"log_dir"`
	LogFile    string `yaml:"log_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Advanced holds the runtime-tunable knobs.
type Advanced struct {
	ReconnectAttempts     int               `yaml:"reconnect_attempts"`
	ReconnectDelaySeconds int               `yaml:"reconnect_delay"`
	UploadMaxAttempts     int               `yaml:"upload_max_attempts"`
	UploadDrainSeconds    int               `yaml:"upload_drain_seconds"`
	CleanupSchedule       string            `yaml:"cleanup_schedule"`
	Options               map[string]string `yaml:"options"`
}

// Updates configures the self-updater.
type Updates struct {
	Enabled          bool   `yaml:"enabled"`
	Channel          string `yaml:"channel"`
	ApplyImmediately *bool  `yaml:"apply_immediately"`
	ManifestURL      string `yaml:"manifest_url"`
	StatePath        string `yaml:"state_path"`
	InstallRoot      string `yaml:"install_root"`
}

// ApplyImmediatelyEnabled defaults to true.
func (u Updates) ApplyImmediatelyEnabled() bool {
	return u.ApplyImmediately == nil || *u.ApplyImmediately
}

// Portal binds the local HTTP service.
type Portal struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
}

// Fleet guards the remote-control API.
type Fleet struct {
	Token             string   `yaml:"token"`
	AllowedConfigKeys []string `yaml:"allowed_config_keys"`
}

// WiFiAP configures the fallback access point. Toggling shells out to
// the host helper, which owns hostapd and dnsmasq.
type WiFiAP struct {
	Enabled       bool   `yaml:"enabled"`
	SSID          string `yaml:"ssid"`
	Password      string `yaml:"password"`
	CountryCode   string `yaml:"country_code"`
	Interface     string `yaml:"interface"`
	HelperCommand string `yaml:"helper_command"`
}
