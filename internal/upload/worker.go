package upload

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sai-cam/sai-cam/internal/storage"
)

// Store is the slice of the storage manager the worker needs.
type Store interface {
	MarkUploaded(ref storage.PendingRef) error
	MarkFailedPermanent(ref storage.PendingRef, reason string) error
}

// WorkerConfig tunes the upload worker's retry behavior.
type WorkerConfig struct {
	// MaxAttempts is the total number of tries per item, first
	// attempt included.
	MaxAttempts int

	// DrainTimeout bounds how long the worker keeps uploading
	// queued items after shutdown begins.
	DrainTimeout time.Duration
}

// DefaultWorkerConfig returns the worker defaults: 5 attempts with
// delays of 1s, 4s, 16s and 64s between them, and a 25 second drain
// window on shutdown.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxAttempts:  5,
		DrainTimeout: 25 * time.Second,
	}
}

// WorkerStats is a snapshot of upload worker counters.
type WorkerStats struct {
	Uploaded      int64     `json:"uploaded"`
	Retries       int64     `json:"retries"`
	Failed        int64     `json:"failed"`
	Permanent     int64     `json:"permanent"`
	LastUploadAt  time.Time `json:"last_upload_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitzero"`
}

// Worker is the single consumer of the storage queue. It uploads items
// one at a time so the server never sees concurrent posts from one
// device, retries transient failures with exponential backoff, and
// marks permanent rejections so they are never retried.
type Worker struct {
	config WorkerConfig
	client Client
	store  Store
	queue  <-chan storage.PendingRef
	logger Logger

	mu    sync.Mutex
	stats WorkerStats

	alive atomic.Bool

	// test seams
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewWorker creates an upload worker consuming from queue.
func NewWorker(cfg WorkerConfig, client Client, store Store, queue <-chan storage.PendingRef, logger Logger) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultWorkerConfig().MaxAttempts
	}
	if logger == nil {
		logger = &defaultLogger{}
	}
	return &Worker{
		config: cfg,
		client: client,
		store:  store,
		queue:  queue,
		logger: logger,
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Run consumes the queue until ctx is canceled, then drains remaining
// items within the configured drain window. It returns nil on a clean
// shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.alive.Store(true)
	defer w.alive.Store(false)
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case ref, ok := <-w.queue:
			if !ok {
				return nil
			}
			w.process(ctx, ref)
		}
	}
}

// SetClient swaps the upload backend. The item in flight finishes on
// the old client; the next item uses the new one.
func (w *Worker) SetClient(client Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.client = client
}

// SetConfig applies new retry and drain settings to subsequent items.
func (w *Worker) SetConfig(cfg WorkerConfig) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultWorkerConfig().MaxAttempts
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
}

func (w *Worker) snapshotSetup() (Client, WorkerConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client, w.config
}

// drain uploads whatever is already queued, bounded by DrainTimeout.
// Items still queued when the window closes stay on disk and are
// rehydrated on the next start.
func (w *Worker) drain() {
	_, config := w.snapshotSetup()
	if config.DrainTimeout <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.DrainTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			w.logger.Warn("upload drain window closed with items still queued")
			return
		case ref, ok := <-w.queue:
			if !ok {
				return
			}
			w.process(ctx, ref)
		default:
			return
		}
	}
}

// process uploads one item, retrying transient failures.
func (w *Worker) process(ctx context.Context, ref storage.PendingRef) {
	image, err := os.ReadFile(ref.ImagePath)
	if err != nil {
		// Cleanup can delete queued files under disk pressure.
		w.logger.Debug("queued image no longer on disk, skipping",
			"camera_id", ref.CameraID, "file", ref.Filename)
		return
	}
	meta, err := os.ReadFile(ref.MetaPath)
	if err != nil {
		w.logger.Debug("queued sidecar no longer on disk, skipping",
			"camera_id", ref.CameraID, "file", ref.Filename)
		return
	}

	item := Item{
		CameraID: ref.CameraID,
		Filename: ref.Filename,
		Image:    image,
		Metadata: meta,
	}

	client, config := w.snapshotSetup()
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err = client.Upload(ctx, item)
		if err == nil {
			if markErr := w.store.MarkUploaded(ref); markErr != nil {
				w.logger.Warn("failed to mark item uploaded",
					"camera_id", ref.CameraID, "file", ref.Filename, "error", markErr)
			}
			w.recordSuccess()
			w.logger.Debug("uploaded", "camera_id", ref.CameraID,
				"file", ref.Filename, "attempt", attempt)
			return
		}

		if IsPermanent(err) {
			if markErr := w.store.MarkFailedPermanent(ref, err.Error()); markErr != nil {
				w.logger.Warn("failed to mark item failed-permanent",
					"camera_id", ref.CameraID, "file", ref.Filename, "error", markErr)
			}
			w.recordPermanent(err)
			w.logger.Warn("upload rejected by server, will not retry",
				"camera_id", ref.CameraID, "file", ref.Filename, "error", err)
			return
		}

		if attempt == config.MaxAttempts {
			break
		}
		w.recordRetry(err)
		delay := retryDelay(attempt)
		w.logger.Debug("upload failed, retrying",
			"camera_id", ref.CameraID, "file", ref.Filename,
			"attempt", attempt, "delay", delay, "error", err)
		if sleepErr := w.sleep(ctx, delay); sleepErr != nil {
			w.recordFailure(err)
			return
		}
	}

	// Exhausted. The files stay in pending/ and come back through
	// rehydration on the next start.
	w.recordFailure(err)
	w.logger.Warn("upload failed after all attempts",
		"camera_id", ref.CameraID, "file", ref.Filename,
		"attempts", config.MaxAttempts, "error", err)
}

// retryDelay returns the wait after the given attempt number:
// 1s, 4s, 16s, 64s, 256s, ...
func retryDelay(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 4
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stats returns a copy of the worker counters.
// Alive reports whether Run is currently consuming the queue.
func (w *Worker) Alive() bool { return w.alive.Load() }

func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) recordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.Uploaded++
	w.stats.LastUploadAt = w.now()
}

func (w *Worker) recordRetry(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.Retries++
	w.stats.LastError = err.Error()
	w.stats.LastErrorTime = w.now()
}

func (w *Worker) recordFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.Failed++
	if err != nil {
		w.stats.LastError = err.Error()
		w.stats.LastErrorTime = w.now()
	}
}

func (w *Worker) recordPermanent(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.Permanent++
	w.stats.LastError = err.Error()
	w.stats.LastErrorTime = w.now()
}
