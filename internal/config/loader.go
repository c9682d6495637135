package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${NAME} and ${NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads, expands, parses and validates the configuration file.
// A validation failure here is fatal at startup; callers decide.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse handles already-read config bytes.
func Parse(data []byte) (*Config, error) {
	expanded := ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&config)

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &config, nil
}

// ExpandEnv substitutes ${NAME} and ${NAME:-default} references. An
// unset variable without a default expands to the empty string.
func ExpandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, fallback := groups[1], groups[2]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return fallback
	})
}

func applyDefaults(c *Config) {
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.IntervalSeconds == 0 {
			cam.IntervalSeconds = 60
		}
	}

	if c.Storage.MaxSizeGB == 0 {
		c.Storage.MaxSizeGB = 5
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 7
	}
	if c.Storage.MinFreeMB == 0 {
		c.Storage.MinFreeMB = 200
	}
	if c.Storage.QueueDepth == 0 {
		c.Storage.QueueDepth = 1024
	}

	if c.Server.TimeoutSeconds == 0 {
		c.Server.TimeoutSeconds = 30
	}

	if c.Monitoring.HealthCheckIntervalSeconds == 0 {
		c.Monitoring.HealthCheckIntervalSeconds = 300
	}
	if c.Monitoring.SocketPath == "" {
		c.Monitoring.SocketPath = "/run/sai-cam/health.sock"
	}
	if c.Monitoring.ControlSocketPath == "" {
		c.Monitoring.ControlSocketPath = "/run/sai-cam/control.sock"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}

	if c.Advanced.ReconnectAttempts == 0 {
		c.Advanced.ReconnectAttempts = 3
	}
	if c.Advanced.ReconnectDelaySeconds == 0 {
		c.Advanced.ReconnectDelaySeconds = 5
	}
	if c.Advanced.UploadMaxAttempts == 0 {
		c.Advanced.UploadMaxAttempts = 5
	}
	if c.Advanced.UploadDrainSeconds == 0 {
		c.Advanced.UploadDrainSeconds = 25
	}
	if c.Advanced.CleanupSchedule == "" {
		c.Advanced.CleanupSchedule = "@hourly"
	}

	if c.Updates.Channel == "" {
		c.Updates.Channel = "stable"
	}

	if c.Portal.BindAddress == "" {
		c.Portal.BindAddress = "0.0.0.0"
	}
	if c.Portal.Port == 0 {
		c.Portal.Port = 8080
	}

	if c.WiFiAP.HelperCommand == "" {
		c.WiFiAP.HelperCommand = "/usr/local/sbin/sai-cam-ap"
	}
}
