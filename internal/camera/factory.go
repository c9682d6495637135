package camera

import (
	"fmt"
)

// New creates a camera driver for the configured kind. The kind set
// is closed: "usb", "rtsp", and "onvif".
func New(config Config) (Camera, error) {
	switch config.Kind {
	case "usb":
		return NewUSBCamera(config)
	case "rtsp":
		return NewRTSPCamera(config)
	case "onvif":
		return NewONVIFCamera(config)
	default:
		return nil, fmt.Errorf("unsupported camera kind: %q", config.Kind)
	}
}
