package health

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Logger is the minimal logging interface the health package needs.
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

// Options configures the monitor. The provider funcs decouple it from
// the coordinator, storage manager and upload worker: each returns the
// owner's current view and may be nil.
type Options struct {
	// SystemInterval is the slow sampling cadence. Default 300 s.
	SystemInterval time.Duration

	// CameraInterval is the fast camera-state refresh cadence.
	// Default 1 s.
	CameraInterval time.Duration

	// DiskPath is the filesystem sampled for disk usage, normally
	// the storage root.
	DiskPath string

	// NTPServer enables the clock-offset check when non-empty.
	NTPServer string

	ServiceVersion string
	Thresholds     Thresholds

	CameraStates func() []CameraState
	WorkerStates func() []WorkerLiveness
	Storage      func() StorageTotals
	Upload       func() UploadTotals

	Logger Logger
}

// Monitor owns the cached health snapshots. Run keeps them fresh;
// the snapshot getters never sample and never block on sampling.
type Monitor struct {
	opts Options

	mu         sync.RWMutex
	thresholds Thresholds
	system     SystemSnapshot
	cameras    CamerasSnapshot
	threads    ThreadsSnapshot
	storage    StorageTotals
	upload     UploadTotals

	probe systemProbe
	now   func() time.Time

	// queryOffset is a seam for the NTP call.
	queryOffset func(server string) (time.Duration, error)
}

// NewMonitor creates a monitor. Snapshots are empty (and stale) until
// Run's first pass.
func NewMonitor(opts Options) *Monitor {
	if opts.SystemInterval <= 0 {
		opts.SystemInterval = 300 * time.Second
	}
	if opts.CameraInterval <= 0 {
		opts.CameraInterval = time.Second
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Logger == nil {
		opts.Logger = &defaultLogger{}
	}
	return &Monitor{
		opts:        opts,
		thresholds:  opts.Thresholds,
		probe:       gopsutilProbe{},
		now:         time.Now,
		queryOffset: queryClockOffset,
	}
}

// SetThresholds swaps the grading thresholds. Called on config reload.
func (m *Monitor) SetThresholds(t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = t
}

// Run samples until ctx is canceled. The slow loop covers system
// metrics and the clock offset; the fast loop covers camera state and
// the thread census.
func (m *Monitor) Run(ctx context.Context) error {
	m.refreshSystem(ctx)
	m.refreshTotals()
	m.refreshCameras()

	slow := time.NewTicker(m.opts.SystemInterval)
	fast := time.NewTicker(m.opts.CameraInterval)
	defer slow.Stop()
	defer fast.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-slow.C:
			m.refreshSystem(ctx)
			m.refreshTotals()
		case <-fast.C:
			m.refreshCameras()
		}
	}
}

// refreshTotals re-reads storage and upload totals on the slow
// cadence: the storage numbers come from a directory walk, which is
// too expensive for the socket handler's deadline.
func (m *Monitor) refreshTotals() {
	var st StorageTotals
	if m.opts.Storage != nil {
		st = m.opts.Storage()
	}
	var up UploadTotals
	if m.opts.Upload != nil {
		up = m.opts.Upload()
	}

	m.mu.Lock()
	m.storage = st
	m.upload = up
	m.mu.Unlock()
}

func (m *Monitor) refreshSystem(ctx context.Context) {
	reading, err := m.probe.Sample(ctx, m.opts.DiskPath)
	if err != nil {
		m.opts.Logger.Warn("system sampling failed", "error", err)
		return
	}

	snap := SystemSnapshot{
		CPUPercent:     reading.CPUPercent,
		MemUsedMB:      reading.MemUsedMB,
		MemTotalMB:     reading.MemTotalMB,
		MemPercent:     reading.MemPercent,
		DiskUsedMB:     reading.DiskUsedMB,
		DiskFreeMB:     reading.DiskFreeMB,
		DiskTotalMB:    reading.DiskTotalMB,
		DiskPercent:    reading.DiskPercent,
		TemperatureC:   reading.TemperatureC,
		UptimeSeconds:  reading.UptimeSeconds,
		ServiceVersion: m.opts.ServiceVersion,
		TakenAt:        m.now(),
	}

	if m.opts.NTPServer != "" {
		offset, err := m.queryOffset(m.opts.NTPServer)
		if err != nil {
			m.opts.Logger.Debug("clock offset query failed",
				"server", m.opts.NTPServer, "error", err)
		} else {
			snap.ClockOffsetMs = float64(offset.Milliseconds())
			snap.ClockSynced = offsetSynced(offset)
		}
	}

	m.mu.Lock()
	t := m.thresholds
	snap.CPULevel = levelFor(snap.CPUPercent, t.CPUWarning, t.CPUCritical)
	snap.MemLevel = levelFor(snap.MemPercent, t.MemWarning, t.MemCritical)
	snap.DiskLevel = levelFor(snap.DiskPercent, t.DiskWarning, t.DiskCritical)
	snap.OverallLevel = worstLevel(snap.CPULevel, snap.MemLevel, snap.DiskLevel)
	m.system = snap
	m.mu.Unlock()
}

func (m *Monitor) refreshCameras() {
	now := m.now()

	var cameras []CameraState
	if m.opts.CameraStates != nil {
		cameras = m.opts.CameraStates()
	}
	var workers []WorkerLiveness
	if m.opts.WorkerStates != nil {
		workers = m.opts.WorkerStates()
	}

	m.mu.Lock()
	m.cameras = CamerasSnapshot{Cameras: cameras, TakenAt: now}
	m.threads = ThreadsSnapshot{
		Goroutines: runtime.NumGoroutine(),
		Workers:    workers,
		TakenAt:    now,
	}
	m.mu.Unlock()
}

// System returns the cached slow-loop snapshot, flagged stale when it
// is older than twice the sampling interval.
func (m *Monitor) System() SystemSnapshot {
	m.mu.RLock()
	snap := m.system
	m.mu.RUnlock()
	snap.Stale = m.isStale(snap.TakenAt, m.opts.SystemInterval)
	return snap
}

// Cameras returns the cached camera states.
func (m *Monitor) Cameras() CamerasSnapshot {
	m.mu.RLock()
	snap := m.cameras
	m.mu.RUnlock()
	snap.Cameras = append([]CameraState(nil), snap.Cameras...)
	snap.Stale = m.isStale(snap.TakenAt, m.opts.CameraInterval)
	return snap
}

// Threads returns the cached worker census.
func (m *Monitor) Threads() ThreadsSnapshot {
	m.mu.RLock()
	snap := m.threads
	m.mu.RUnlock()
	snap.Workers = append([]WorkerLiveness(nil), snap.Workers...)
	snap.Stale = m.isStale(snap.TakenAt, m.opts.CameraInterval)
	return snap
}

// Full combines every section, entirely from the caches: the socket
// handler serving it runs under a tight deadline and must never
// trigger sampling.
func (m *Monitor) Full() FullSnapshot {
	full := FullSnapshot{
		System:  m.System(),
		Cameras: m.Cameras(),
		Threads: m.Threads(),
	}
	m.mu.RLock()
	full.Storage = m.storage
	full.Upload = m.upload
	m.mu.RUnlock()
	return full
}

func (m *Monitor) isStale(takenAt time.Time, interval time.Duration) bool {
	if takenAt.IsZero() {
		return true
	}
	return m.now().Sub(takenAt) > 2*interval
}
