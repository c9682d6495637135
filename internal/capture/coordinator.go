// Package capture runs one worker goroutine per camera and supervises
// them. The coordinator is the only owner of camera runtimes; the
// portal and health monitor interact with it through methods, never by
// touching a runtime directly.
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sai-cam/sai-cam/internal/camera"
	"github.com/sai-cam/sai-cam/internal/health"
	"github.com/sai-cam/sai-cam/internal/storage"
	"github.com/sai-cam/sai-cam/internal/tracker"
)

const (
	// pollTick is the worker loop cadence. Each tick re-checks backoff
	// and the interval gate, so shutdown and forced captures are picked
	// up quickly regardless of the capture interval.
	pollTick = 100 * time.Millisecond

	// superviseTick is how often dead workers are respawned.
	superviseTick = 10 * time.Second

	// maxWorkerRestarts is the respawn budget per camera per run.
	// A worker that keeps dying is marked permanently failed.
	maxWorkerRestarts = 5

	// setupRetryBase seeds the retry backoff for cameras whose initial
	// setup failed. Doubles per attempt up to setupRetryMax.
	setupRetryBase = 30 * time.Second
	setupRetryMax  = 10 * time.Minute

	// shutdownGrace bounds Stop.
	shutdownGrace = 30 * time.Second
)

// Logger is the minimal logging interface the capture package needs.
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

// Store is the slice of the storage manager the coordinator needs.
type Store interface {
	Store(image []byte, meta storage.Metadata) (storage.PendingRef, error)
}

// CleanupStore is implemented by stores that can free space on demand.
// When a store reports disk-full, the worker runs one cleanup pass and
// retries before dropping the frame.
type CleanupStore interface {
	Cleanup()
	EnforceCap()
}

// Options configures the coordinator.
type Options struct {
	Storage Store
	Logger  Logger

	// Metadata stamped into every sidecar.
	DeviceID       string
	Location       string
	ServiceVersion string

	// SystemSample, when set, contributes host metrics to sidecars.
	SystemSample func() storage.SystemAtCapture

	// ReconnectAttempts bounds reconnect tries within one failed
	// cycle; ReconnectDelay is the linear backoff unit between them
	// (delay, 2*delay, ...). Zero values take the defaults.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// Coordinator owns the set of camera runtimes.
type Coordinator struct {
	opts   Options
	logger Logger

	mu       sync.Mutex
	runtimes map[string]*runtime
	pending  []pendingSetup

	// reconnect policy, runtime-tunable via SetReconnectPolicy.
	reconnectAttempts int
	reconnectDelay    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	newCamera func(cfg camera.Config) (camera.Camera, error)
	now       func() time.Time
}

// pendingSetup is a camera whose initial setup failed and is awaiting
// retry.
type pendingSetup struct {
	config      camera.Config
	interval    time.Duration
	attempts    int
	nextAttempt time.Time
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = &defaultLogger{}
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 3
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &Coordinator{
		opts:              opts,
		logger:            opts.Logger,
		runtimes:          make(map[string]*runtime),
		reconnectAttempts: opts.ReconnectAttempts,
		reconnectDelay:    opts.ReconnectDelay,
		newCamera:         camera.New,
		now:               time.Now,
	}
}

// SetReconnectPolicy applies reloaded reconnect settings. Zero or
// negative values leave the current policy in place.
func (c *Coordinator) SetReconnectPolicy(attempts int, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if attempts > 0 {
		c.reconnectAttempts = attempts
	}
	if delay > 0 {
		c.reconnectDelay = delay
	}
}

func (c *Coordinator) reconnectPolicy() (int, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts, c.reconnectDelay
}

// AddCamera constructs the driver and attempts setup. A setup failure
// does not reject the camera: it goes on the retry list and the
// supervisor keeps trying, so one unreachable camera never blocks the
// rest of the fleet.
func (c *Coordinator) AddCamera(cfg camera.Config, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("camera %s: capture interval must be positive", cfg.ID)
	}

	c.mu.Lock()
	if _, exists := c.runtimes[cfg.ID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("camera %s already registered", cfg.ID)
	}
	c.mu.Unlock()

	cam, err := c.newCamera(cfg)
	if err != nil {
		return err
	}

	// Setup can take its full timeout; run it outside the lock so
	// state reads never queue behind a slow camera.
	setupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = cam.Setup(setupCtx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.runtimes[cfg.ID]; exists {
		cam.Cleanup()
		return fmt.Errorf("camera %s already registered", cfg.ID)
	}
	if err != nil {
		c.logger.Warn("camera setup failed, will retry in background",
			"camera_id", cfg.ID, "error", err)
		cam.Cleanup()
		c.pending = append(c.pending, pendingSetup{
			config:      cfg,
			interval:    interval,
			attempts:    1,
			nextAttempt: c.now().Add(setupRetryBase),
		})
		return nil
	}

	c.runtimes[cfg.ID] = c.newRuntime(cam, cfg, interval)
	c.logger.Info("camera added", "camera_id", cfg.ID,
		"kind", cfg.Kind, "interval", interval)
	return nil
}

func (c *Coordinator) newRuntime(cam camera.Camera, cfg camera.Config, interval time.Duration) *runtime {
	return &runtime{
		camera:       cam,
		config:       cfg,
		interval:     interval,
		tracker:      tracker.New(cfg.ID, interval),
		coordinator:  c,
		forceCh:      make(chan chan error),
		restartCh:    make(chan chan error),
		captureLimit: captureTimeout(cfg),
	}
}

// Start launches all workers plus the supervisor. It returns once
// everything is running; cancellation of ctx begins shutdown.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.mu.Lock()
	for _, rt := range c.runtimes {
		c.spawnLocked(rt)
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.supervise(c.ctx)
	}()
}

// spawnLocked starts a runtime's worker goroutine. Caller holds c.mu.
func (c *Coordinator) spawnLocked(rt *runtime) {
	rt.alive.Store(true)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		rt.run(c.ctx)
	}()
}

// Stop cancels all workers and waits up to the grace period.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("capture coordinator stopped")
	case <-time.After(shutdownGrace):
		c.logger.Warn("capture coordinator shutdown timed out",
			"grace", shutdownGrace)
	}

	c.mu.Lock()
	for _, rt := range c.runtimes {
		rt.camera.Cleanup()
	}
	c.mu.Unlock()
}

// ForceCapture triggers an immediate capture on the camera's own
// worker and waits for the result.
func (c *Coordinator) ForceCapture(ctx context.Context, cameraID string) error {
	rt, err := c.lookup(cameraID)
	if err != nil {
		return err
	}
	if !rt.alive.Load() {
		return fmt.Errorf("camera %s: worker is not running", cameraID)
	}

	reply := make(chan error, 1)
	select {
	case rt.forceCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestartCamera tears the driver down and sets it up again, resetting
// the camera's failure state.
func (c *Coordinator) RestartCamera(ctx context.Context, cameraID string) error {
	rt, err := c.lookup(cameraID)
	if err != nil {
		return err
	}
	if !rt.alive.Load() {
		return fmt.Errorf("camera %s: worker is not running", cameraID)
	}

	reply := make(chan error, 1)
	select {
	case rt.restartCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetPosition relabels a camera; the new label appears in subsequent
// sidecars and health snapshots.
func (c *Coordinator) SetPosition(cameraID, position string) error {
	rt, err := c.lookup(cameraID)
	if err != nil {
		return err
	}
	rt.position.Store(position)
	c.logger.Info("camera position updated",
		"camera_id", cameraID, "position", position)
	return nil
}

func (c *Coordinator) lookup(cameraID string) (*runtime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.runtimes[cameraID]
	if !ok {
		return nil, fmt.Errorf("unknown camera: %s", cameraID)
	}
	return rt, nil
}

// CameraStates reports every runtime for the health monitor, pending
// setups included.
func (c *Coordinator) CameraStates() []health.CameraState {
	c.mu.Lock()
	defer c.mu.Unlock()

	states := make([]health.CameraState, 0, len(c.runtimes)+len(c.pending))
	for _, rt := range c.runtimes {
		snap := rt.tracker.Snapshot()
		state := string(snap.State)
		if rt.failed.Load() {
			state = "FAILED"
		}
		states = append(states, health.CameraState{
			ID:                  rt.config.ID,
			Kind:                rt.config.Kind,
			Position:            rt.positionLabel(),
			State:               state,
			WorkerAlive:         rt.alive.Load(),
			ConsecutiveFailures: snap.ConsecutiveFailures,
			BackoffMultiplier:   snap.Multiplier,
			LastSuccess:         snap.LastSuccess,
			LastError:           snap.LastError,
			TotalCaptures:       snap.TotalSuccesses,
			TotalFailures:       snap.TotalFailures,
		})
	}
	for _, p := range c.pending {
		states = append(states, health.CameraState{
			ID:                  p.config.ID,
			Kind:                p.config.Kind,
			Position:            p.config.Position,
			State:               "SETUP_PENDING",
			ConsecutiveFailures: p.attempts,
		})
	}
	return states
}

// WorkerStates reports worker liveness for the thread census.
func (c *Coordinator) WorkerStates() []health.WorkerLiveness {
	c.mu.Lock()
	defer c.mu.Unlock()

	workers := make([]health.WorkerLiveness, 0, len(c.runtimes))
	for _, rt := range c.runtimes {
		workers = append(workers, health.WorkerLiveness{
			Name:  "capture:" + rt.config.ID,
			Alive: rt.alive.Load(),
		})
	}
	return workers
}

func captureTimeout(cfg camera.Config) time.Duration {
	if cfg.TimeoutSeconds > 0 {
		return time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}
