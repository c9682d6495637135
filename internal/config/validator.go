package config

import (
	"fmt"
)

var validKinds = map[string]bool{
	"usb":   true,
	"rtsp":  true,
	"onvif": true,
}

var validLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warning": true,
	"warn":    true,
	"error":   true,
}

var validChannels = map[string]bool{
	"stable": true,
	"beta":   true,
}

// Validate checks the configuration. Any error here is a startup
// failure; the agent never runs with a half-valid config.
func Validate(c *Config) error {
	if len(c.Cameras) == 0 {
		return fmt.Errorf("no cameras configured")
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("camera %d: id is required", i)
		}
		if seen[cam.ID] {
			return fmt.Errorf("camera %d: duplicate id %q", i, cam.ID)
		}
		seen[cam.ID] = true

		if !validKinds[cam.Kind] {
			return fmt.Errorf("camera %q: invalid kind %q (want usb, rtsp or onvif)", cam.ID, cam.Kind)
		}
		if cam.IntervalSeconds <= 0 {
			return fmt.Errorf("camera %q: capture_interval must be positive", cam.ID)
		}

		switch cam.Kind {
		case "usb":
			if cam.Device == "" {
				return fmt.Errorf("camera %q: device is required for usb", cam.ID)
			}
		case "rtsp":
			if cam.URL == "" {
				return fmt.Errorf("camera %q: url is required for rtsp", cam.ID)
			}
		case "onvif":
			if cam.Address == "" {
				return fmt.Errorf("camera %q: address is required for onvif", cam.ID)
			}
		}
	}

	if c.Storage.BasePath == "" {
		return fmt.Errorf("storage.base_path is required")
	}
	if c.Storage.MaxSizeGB <= 0 {
		return fmt.Errorf("storage.max_size_gb must be positive")
	}
	if c.Storage.RetentionDays <= 0 {
		return fmt.Errorf("storage.retention_days must be positive")
	}

	switch c.Server.Backend {
	case "", "http", "https":
		if c.Server.URL == "" {
			return fmt.Errorf("server.url is required")
		}
	case "sftp":
		if c.Server.Host == "" {
			return fmt.Errorf("server.host is required for sftp")
		}
	default:
		return fmt.Errorf("unsupported server backend: %q", c.Server.Backend)
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}

	if !validChannels[c.Updates.Channel] {
		return fmt.Errorf("invalid updates.channel: %q (want stable or beta)", c.Updates.Channel)
	}

	if c.Portal.Port <= 0 || c.Portal.Port > 65535 {
		return fmt.Errorf("portal.port out of range: %d", c.Portal.Port)
	}

	return nil
}
