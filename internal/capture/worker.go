package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sai-cam/sai-cam/internal/camera"
	"github.com/sai-cam/sai-cam/internal/storage"
	"github.com/sai-cam/sai-cam/internal/tracker"
)

// runtime is the per-camera worker state. It is owned by the
// coordinator; only its own goroutine touches the camera.
type runtime struct {
	camera       camera.Camera
	config       camera.Config
	interval     time.Duration
	tracker      *tracker.Tracker
	coordinator  *Coordinator
	captureLimit time.Duration

	forceCh   chan chan error
	restartCh chan chan error

	// position overrides config.Position when relabeled at runtime.
	position atomic.Value

	alive    atomic.Bool
	failed   atomic.Bool
	restarts atomic.Int32

	lastCapture   time.Time
	lastKeepAlive time.Time
}

// run is the worker loop. Each tick decides between backoff wait,
// keep-alive, and capture; forced captures and restarts arrive on
// their channels.
func (r *runtime) run(ctx context.Context) {
	defer r.alive.Store(false)
	defer func() {
		if rec := recover(); rec != nil {
			r.coordinator.logger.Error("camera worker panicked",
				"camera_id", r.config.ID, "panic", rec)
		}
	}()

	log := r.coordinator.logger
	log.Debug("camera worker started", "camera_id", r.config.ID)

	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("camera worker stopping", "camera_id", r.config.ID)
			return

		case reply := <-r.forceCh:
			reply <- r.captureOnce(ctx)

		case reply := <-r.restartCh:
			reply <- r.restart(ctx)

		case <-ticker.C:
			now := r.coordinator.now()

			if !r.tracker.ShouldAttempt() {
				r.maybeKeepAlive(ctx, now)
				continue
			}
			if now.Sub(r.lastCapture) < r.interval {
				continue
			}

			r.lastCapture = now
			if err := r.captureOnce(ctx); err != nil {
				log.Warn("capture failed", "camera_id", r.config.ID,
					"state", r.tracker.Snapshot().State, "error", err)
			}
		}
	}
}

// maybeKeepAlive probes the stream during backoff so the session stays
// warm. RTSP is the only driver with the capability; at most one probe
// per capture interval.
func (r *runtime) maybeKeepAlive(ctx context.Context, now time.Time) {
	ka, ok := r.camera.(camera.KeepAliver)
	if !ok {
		return
	}
	if now.Sub(r.lastKeepAlive) < r.interval {
		return
	}
	r.lastKeepAlive = now

	kctx, cancel := context.WithTimeout(ctx, r.captureLimit)
	defer cancel()
	if err := ka.KeepAlive(kctx); err != nil {
		r.coordinator.logger.Debug("keep-alive failed",
			"camera_id", r.config.ID, "error", err)
	}
}

// captureOnce runs one full capture cycle: reconnect if unhealthy,
// grab a frame, validate, store.
func (r *runtime) captureOnce(ctx context.Context) error {
	log := r.coordinator.logger

	if r.tracker.Snapshot().State != tracker.StateHealthy {
		if err := r.reconnect(ctx); err != nil {
			r.tracker.RecordFailure(err)
			return err
		}
	}

	cctx, cancel := context.WithTimeout(ctx, r.captureLimit)
	frame, err := r.camera.CaptureFrame(cctx)
	cancel()
	if err != nil {
		r.tracker.RecordFailure(err)
		return err
	}

	report, err := camera.ValidateFrame(r.config.ID, frame)
	if err != nil {
		r.tracker.RecordFailure(err)
		return err
	}
	if report.Warning != "" {
		log.Warn("frame validation warning", "camera_id", r.config.ID,
			"warning", report.Warning, "mean_luminance", report.MeanLuminance)
	}

	meta := r.buildMetadata(report)
	if _, err := r.coordinator.opts.Storage.Store(frame, meta); err != nil {
		// Disk pressure is a storage problem, not a camera fault;
		// run one cleanup pass and retry, then drop if still full.
		// The tracker stays untouched either way.
		if errors.Is(err, storage.ErrDiskFull) {
			if err := r.storeAfterCleanup(frame, meta); err != nil {
				log.Warn("frame dropped, disk full after cleanup",
					"camera_id", r.config.ID)
				return nil
			}
		} else {
			r.tracker.RecordFailure(err)
			return err
		}
	}

	r.tracker.RecordSuccess()
	log.Debug("frame captured", "camera_id", r.config.ID,
		"bytes", len(frame), "mean_luminance", report.MeanLuminance)
	return nil
}

// reconnect retries the driver's Reconnect with linear backoff
// (delay, 2*delay, ...) up to the configured attempt bound.
func (r *runtime) reconnect(ctx context.Context) error {
	attempts, delay := r.coordinator.reconnectPolicy()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, r.captureLimit)
		err = r.camera.Reconnect(rctx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * delay):
		}
	}
	return err
}

// storeAfterCleanup frees space and retries a store that failed with
// disk-full.
func (r *runtime) storeAfterCleanup(frame []byte, meta storage.Metadata) error {
	cs, ok := r.coordinator.opts.Storage.(CleanupStore)
	if !ok {
		return storage.ErrDiskFull
	}
	r.coordinator.logger.Warn("disk full, running cleanup",
		"camera_id", r.config.ID)
	cs.Cleanup()
	cs.EnforceCap()
	_, err := r.coordinator.opts.Storage.Store(frame, meta)
	return err
}

// restart tears the driver down and brings it back, clearing failure
// state on success.
func (r *runtime) restart(ctx context.Context) error {
	log := r.coordinator.logger
	log.Info("restarting camera", "camera_id", r.config.ID)

	r.camera.Cleanup()

	sctx, cancel := context.WithTimeout(ctx, r.captureLimit)
	defer cancel()
	if err := r.camera.Setup(sctx); err != nil {
		r.tracker.RecordFailure(err)
		return err
	}

	r.tracker.RecordSuccess()
	r.lastCapture = time.Time{}
	return nil
}

func (r *runtime) buildMetadata(report camera.FrameReport) storage.Metadata {
	opts := r.coordinator.opts
	meta := storage.Metadata{
		RecordID:       uuid.NewString(),
		DeviceID:       opts.DeviceID,
		Location:       opts.Location,
		CameraID:       r.config.ID,
		Position:       r.positionLabel(),
		CapturedAt:     r.coordinator.now().UTC(),
		Width:          report.Width,
		Height:         report.Height,
		MeanLuminance:  report.MeanLuminance,
		ServiceVersion: opts.ServiceVersion,
		UploadStatus:   storage.StatusPending,
	}
	if opts.SystemSample != nil {
		meta.System = opts.SystemSample()
	}
	return meta
}

func (r *runtime) positionLabel() string {
	if v, ok := r.position.Load().(string); ok {
		return v
	}
	return r.config.Position
}
