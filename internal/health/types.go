package health

import "time"

// SystemSnapshot is the slow-loop view of host resources.
type SystemSnapshot struct {
	CPUPercent     float64   `json:"cpu_percent"`
	CPULevel       Level     `json:"cpu_level"`
	MemUsedMB      float64   `json:"mem_used_mb"`
	MemTotalMB     float64   `json:"mem_total_mb"`
	MemPercent     float64   `json:"mem_percent"`
	MemLevel       Level     `json:"mem_level"`
	DiskUsedMB     float64   `json:"disk_used_mb"`
	DiskFreeMB     float64   `json:"disk_free_mb"`
	DiskTotalMB    float64   `json:"disk_total_mb"`
	DiskPercent    float64   `json:"disk_percent"`
	DiskLevel      Level     `json:"disk_level"`
	TemperatureC   float64   `json:"temperature_c,omitempty"`
	UptimeSeconds  uint64    `json:"uptime_seconds"`
	ClockOffsetMs  float64   `json:"clock_offset_ms"`
	ClockSynced    bool      `json:"clock_synced"`
	OverallLevel   Level     `json:"overall_level"`
	ServiceVersion string    `json:"service_version,omitempty"`
	TakenAt        time.Time `json:"taken_at"`
	Stale          bool      `json:"stale"`
}

// CameraState is the fast-loop view of one camera, fed by the
// capture coordinator.
type CameraState struct {
	ID                  string    `json:"id"`
	Kind                string    `json:"kind"`
	Position            string    `json:"position,omitempty"`
	State               string    `json:"state"`
	WorkerAlive         bool      `json:"worker_alive"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BackoffMultiplier   int       `json:"backoff_multiplier"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	TotalCaptures       uint64    `json:"total_captures"`
	TotalFailures       uint64    `json:"total_failures"`
}

// CamerasSnapshot is the cached fast-loop view.
type CamerasSnapshot struct {
	Cameras []CameraState `json:"cameras"`
	TakenAt time.Time     `json:"taken_at"`
	Stale   bool          `json:"stale"`
}

// ThreadsSnapshot is the worker census.
type ThreadsSnapshot struct {
	Goroutines int              `json:"goroutines"`
	Workers    []WorkerLiveness `json:"workers"`
	TakenAt    time.Time        `json:"taken_at"`
	Stale      bool             `json:"stale"`
}

// WorkerLiveness reports one named worker task.
type WorkerLiveness struct {
	Name  string `json:"name"`
	Alive bool   `json:"alive"`
}

// StorageTotals is the storage manager's contribution to the full
// snapshot.
type StorageTotals struct {
	PendingCount   int     `json:"pending_count"`
	PendingSizeMB  float64 `json:"pending_size_mb"`
	UploadedCount  int     `json:"uploaded_count"`
	UploadedSizeMB float64 `json:"uploaded_size_mb"`
	TotalSizeMB    float64 `json:"total_size_mb"`
	CapPercent     float64 `json:"cap_percent"`
}

// UploadTotals is the upload worker's contribution.
type UploadTotals struct {
	Uploaded  int64  `json:"uploaded"`
	Retries   int64  `json:"retries"`
	Failed    int64  `json:"failed"`
	Permanent int64  `json:"permanent"`
	Backlog   int    `json:"backlog"`
	LastError string `json:"last_error,omitempty"`
}

// FullSnapshot combines every section.
type FullSnapshot struct {
	System  SystemSnapshot  `json:"system"`
	Cameras CamerasSnapshot `json:"cameras"`
	Threads ThreadsSnapshot `json:"threads"`
	Storage StorageTotals   `json:"storage"`
	Upload  UploadTotals    `json:"upload"`
}
