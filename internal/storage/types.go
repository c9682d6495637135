// Package storage owns the on-disk image layout: captures land in
// pending/, move to uploaded/ after a successful POST, and age out
// under the retention policy.
package storage

import (
	"errors"
	"time"
)

// Errors
var (
	ErrDiskFull = errors.New("insufficient free disk space")
	ErrNoImage  = errors.New("no image for camera")
	ErrBadRef   = errors.New("ref does not point under the storage root")
)

// Upload status values recorded in metadata sidecars.
const (
	StatusPending         = "pending"
	StatusUploaded        = "uploaded"
	StatusFailedPermanent = "failed-permanent"
)

// Metadata is the JSON sidecar written next to every captured image.
type Metadata struct {
	RecordID       string          `json:"record_id"`
	DeviceID       string          `json:"device_id"`
	Location       string          `json:"location,omitempty"`
	CameraID       string          `json:"camera_id"`
	Position       string          `json:"position,omitempty"`
	CapturedAt     time.Time       `json:"captured_at"`
	Width          int             `json:"width,omitempty"`
	Height         int             `json:"height,omitempty"`
	MeanLuminance  float64         `json:"mean_luminance,omitempty"`
	ServiceVersion string          `json:"service_version,omitempty"`
	UploadStatus   string          `json:"upload_status"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	System         SystemAtCapture `json:"system,omitempty"`
}

// SystemAtCapture records node load at capture time for server-side
// fleet diagnostics.
type SystemAtCapture struct {
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	DiskPercent   float64 `json:"disk_percent,omitempty"`
}

// PendingRef identifies one stored image awaiting upload.
type PendingRef struct {
	CameraID   string
	Filename   string
	ImagePath  string
	MetaPath   string
	CapturedAt time.Time
	SizeBytes  int64
	Attempts   int
}

// Config controls the storage root and its limits.
type Config struct {
	BasePath      string
	MaxSizeGB     float64
	RetentionDays int
	// MinFreeMB is the free-space floor below which Store refuses new
	// captures with ErrDiskFull.
	MinFreeMB int64
	// QueueDepth bounds the in-memory upload queue. Under pressure the
	// oldest queued ref is dropped: the file stays on disk and is
	// rehydrated on restart.
	QueueDepth int
}

// DefaultConfig returns sensible storage defaults.
func DefaultConfig(basePath string) Config {
	return Config{
		BasePath:      basePath,
		MaxSizeGB:     5,
		RetentionDays: 7,
		MinFreeMB:     200,
		QueueDepth:    1024,
	}
}

// Stats summarizes the storage trees for the health snapshot and the
// portal's slow event.
type Stats struct {
	PendingCount   int     `json:"pending_count"`
	PendingSizeMB  float64 `json:"pending_size_mb"`
	UploadedCount  int     `json:"uploaded_count"`
	UploadedSizeMB float64 `json:"uploaded_size_mb"`
	TotalSizeMB    float64 `json:"total_size_mb"`
	CapPercent     float64 `json:"cap_percent"`
}

// Logger interface for dependency injection
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// defaultLogger is a no-op logger
type defaultLogger struct{}

func (d *defaultLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (d *defaultLogger) Info(msg string, keysAndValues ...interface{})  {}
func (d *defaultLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (d *defaultLogger) Error(msg string, keysAndValues ...interface{}) {}
