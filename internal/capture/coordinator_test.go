package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/sai-cam/sai-cam/internal/camera"
	"github.com/sai-cam/sai-cam/internal/health"
	"github.com/sai-cam/sai-cam/internal/storage"
	"github.com/sai-cam/sai-cam/internal/tracker"
)

// testFrame is a decodable midtone image.
func testFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func darkFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeCamera is a scriptable camera driver.
type fakeCamera struct {
	mu           sync.Mutex
	frame        []byte
	captureErr   error
	setupErr     error
	reconnectErr error
	panicNext    bool

	setups     int
	captures   int
	reconnects int
	cleanups   int
}

func (c *fakeCamera) Setup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setups++
	return c.setupErr
}

func (c *fakeCamera) CaptureFrame(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captures++
	if c.panicNext {
		c.panicNext = false
		panic("scripted panic")
	}
	if c.captureErr != nil {
		return nil, c.captureErr
	}
	return c.frame, nil
}

func (c *fakeCamera) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
	if c.reconnectErr != nil {
		return c.reconnectErr
	}
	return c.setupErr
}

func (c *fakeCamera) reconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *fakeCamera) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups++
}

func (c *fakeCamera) Describe() camera.Description {
	return camera.Description{ID: "fake", Kind: "fake"}
}

func (c *fakeCamera) setCaptureErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captureErr = err
}

func (c *fakeCamera) captureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures
}

// fakeKeepAliveCamera adds the keep-alive capability.
type fakeKeepAliveCamera struct {
	fakeCamera
	keepAlives int
}

func (c *fakeKeepAliveCamera) KeepAlive(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepAlives++
	return nil
}

// fakeStore records stored frames.
type fakeStore struct {
	mu     sync.Mutex
	err    error
	frames [][]byte
	metas  []storage.Metadata
}

func (s *fakeStore) Store(image []byte, meta storage.Metadata) (storage.PendingRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return storage.PendingRef{}, s.err
	}
	s.frames = append(s.frames, image)
	s.metas = append(s.metas, meta)
	return storage.PendingRef{CameraID: meta.CameraID}, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// diskFullStore rejects stores until a cleanup pass frees space.
type diskFullStore struct {
	fakeStore
	full       bool
	cleanups   int
	capEnforce int
}

func (s *diskFullStore) Store(image []byte, meta storage.Metadata) (storage.PendingRef, error) {
	s.mu.Lock()
	full := s.full
	s.mu.Unlock()
	if full {
		return storage.PendingRef{}, storage.ErrDiskFull
	}
	return s.fakeStore.Store(image, meta)
}

func (s *diskFullStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
	s.full = false
}

func (s *diskFullStore) EnforceCap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capEnforce++
}

func newTestCoordinator(store Store) (*Coordinator, *fakeCamera) {
	cam := &fakeCamera{}
	c := NewCoordinator(Options{
		Storage:        store,
		DeviceID:       "device-1",
		Location:       "test bench",
		ServiceVersion: "0.0.0-test",
	})
	c.newCamera = func(cfg camera.Config) (camera.Camera, error) { return cam, nil }
	return c, cam
}

func addTestCamera(t *testing.T, c *Coordinator, interval time.Duration) {
	t.Helper()
	if err := c.AddCamera(camera.Config{ID: "cam1", Kind: "rtsp"}, interval); err != nil {
		t.Fatalf("AddCamera: %v", err)
	}
}

func TestCoordinator_CapturesAndStores(t *testing.T) {
	store := &fakeStore{}
	c, cam := newTestCoordinator(store)
	cam.frame = testFrame(t)
	addTestCamera(t, c, 150*time.Millisecond)

	c.Start(context.Background())
	defer c.Stop()

	deadline := time.After(3 * time.Second)
	for store.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("only %d frames stored", store.count())
		case <-time.After(50 * time.Millisecond):
		}
	}

	store.mu.Lock()
	meta := store.metas[0]
	store.mu.Unlock()
	if meta.CameraID != "cam1" || meta.DeviceID != "device-1" {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.RecordID == "" {
		t.Error("metadata record id is empty")
	}
	if meta.Width != 32 || meta.Height != 32 {
		t.Errorf("dims = %dx%d, want 32x32", meta.Width, meta.Height)
	}

	states := c.CameraStates()
	if len(states) != 1 || states[0].State != string(tracker.StateHealthy) {
		t.Errorf("states = %+v, want single HEALTHY camera", states)
	}
	if states[0].TotalCaptures < 2 || states[0].TotalFailures != 0 {
		t.Errorf("capture totals = %d/%d, want >=2 successes and 0 failures",
			states[0].TotalCaptures, states[0].TotalFailures)
	}
}

func TestCoordinator_ReconnectBoundedWithBackoff(t *testing.T) {
	store := &fakeStore{}
	cam := &fakeCamera{}
	cam.frame = testFrame(t)
	cam.setCaptureErr(errors.New("stream unreachable"))
	cam.reconnectErr = errors.New("still unreachable")

	c := NewCoordinator(Options{
		Storage:           store,
		DeviceID:          "device-1",
		ReconnectAttempts: 2,
		ReconnectDelay:    10 * time.Millisecond,
	})
	c.newCamera = func(cfg camera.Config) (camera.Camera, error) { return cam, nil }
	addTestCamera(t, c, 100*time.Millisecond)

	c.Start(context.Background())
	defer c.Stop()

	// First cycle fails the capture; from then on every cycle runs the
	// bounded reconnect sequence before giving up.
	deadline := time.After(3 * time.Second)
	for cam.reconnectCount() < 4 {
		select {
		case <-deadline:
			t.Fatalf("reconnects = %d, want at least two bounded cycles", cam.reconnectCount())
		case <-time.After(20 * time.Millisecond):
		}
	}

	// A failing reconnect never reaches the capture call again.
	if got := cam.captureCount(); got != 1 {
		t.Errorf("captures = %d, want 1 while reconnect keeps failing", got)
	}
}

func TestCoordinator_SetReconnectPolicy(t *testing.T) {
	c, _ := newTestCoordinator(&fakeStore{})

	attempts, delay := c.reconnectPolicy()
	if attempts != 3 || delay != 5*time.Second {
		t.Errorf("defaults = %d/%s, want 3/5s", attempts, delay)
	}

	c.SetReconnectPolicy(5, 2*time.Second)
	attempts, delay = c.reconnectPolicy()
	if attempts != 5 || delay != 2*time.Second {
		t.Errorf("policy = %d/%s after update, want 5/2s", attempts, delay)
	}

	// Zero values keep the current policy.
	c.SetReconnectPolicy(0, 0)
	attempts, delay = c.reconnectPolicy()
	if attempts != 5 || delay != 2*time.Second {
		t.Errorf("policy = %d/%s after zero update, want unchanged", attempts, delay)
	}
}

func TestCoordinator_DiskFullRunsCleanupAndRetries(t *testing.T) {
	store := &diskFullStore{full: true}
	c, cam := newTestCoordinator(store)
	cam.frame = testFrame(t)
	addTestCamera(t, c, 100*time.Millisecond)

	c.Start(context.Background())
	defer c.Stop()

	deadline := time.After(3 * time.Second)
	for store.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no frame stored after cleanup freed space")
		case <-time.After(50 * time.Millisecond):
		}
	}

	store.mu.Lock()
	cleanups, enforces := store.cleanups, store.capEnforce
	store.mu.Unlock()
	if cleanups == 0 || enforces == 0 {
		t.Errorf("cleanup=%d enforce=%d, want both triggered by disk-full",
			cleanups, enforces)
	}

	// Disk pressure is not a camera fault: the tracker never leaves
	// HEALTHY.
	states := c.CameraStates()
	if len(states) != 1 || states[0].State != string(tracker.StateHealthy) {
		t.Errorf("states = %+v, want HEALTHY despite disk-full", states)
	}
	if states[0].TotalFailures != 0 {
		t.Errorf("failures = %d, want 0", states[0].TotalFailures)
	}
}

func TestCoordinator_FailuresGoOfflineThenRecover(t *testing.T) {
	store := &fakeStore{}
	c, cam := newTestCoordinator(store)
	cam.frame = testFrame(t)
	cam.setCaptureErr(errors.New("stream unreachable"))
	addTestCamera(t, c, 120*time.Millisecond)

	c.Start(context.Background())
	defer c.Stop()

	waitForState := func(want string) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			states := c.CameraStates()
			if len(states) == 1 && states[0].State == want {
				return
			}
			select {
			case <-deadline:
				t.Fatalf("state = %+v, want %s", states, want)
			case <-time.After(50 * time.Millisecond):
			}
		}
	}

	waitForState(string(tracker.StateOffline))

	cam.setCaptureErr(nil)
	waitForState(string(tracker.StateHealthy))

	if store.count() == 0 {
		t.Error("no frames stored after recovery")
	}
}

func TestCoordinator_ForceCapture(t *testing.T) {
	store := &fakeStore{}
	c, cam := newTestCoordinator(store)
	cam.frame = testFrame(t)
	// Interval long enough that only the forced capture can store.
	addTestCamera(t, c, time.Hour)

	c.Start(context.Background())
	defer c.Stop()

	// First periodic capture fires immediately; wait for it.
	deadline := time.After(2 * time.Second)
	for store.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("initial capture never happened")
		case <-time.After(20 * time.Millisecond):
		}
	}
	before := store.count()

	if err := c.ForceCapture(context.Background(), "cam1"); err != nil {
		t.Fatalf("ForceCapture: %v", err)
	}
	if store.count() != before+1 {
		t.Errorf("stored = %d, want %d", store.count(), before+1)
	}

	if err := c.ForceCapture(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown camera")
	}
}

func TestCoordinator_RestartCamera(t *testing.T) {
	store := &fakeStore{}
	c, cam := newTestCoordinator(store)
	cam.frame = testFrame(t)
	addTestCamera(t, c, time.Hour)

	c.Start(context.Background())
	defer c.Stop()

	if err := c.RestartCamera(context.Background(), "cam1"); err != nil {
		t.Fatalf("RestartCamera: %v", err)
	}

	cam.mu.Lock()
	cleanups, setups := cam.cleanups, cam.setups
	cam.mu.Unlock()
	if cleanups < 1 {
		t.Error("restart did not clean up the driver")
	}
	if setups < 2 {
		t.Errorf("setups = %d, want at least 2 (initial + restart)", setups)
	}
}

func TestCoordinator_DiskFullDoesNotFailCamera(t *testing.T) {
	store := &fakeStore{err: storage.ErrDiskFull}
	c, cam := newTestCoordinator(store)
	cam.frame = testFrame(t)
	addTestCamera(t, c, time.Hour)

	c.Start(context.Background())
	defer c.Stop()

	if err := c.ForceCapture(context.Background(), "cam1"); err != nil {
		t.Fatalf("ForceCapture: %v", err)
	}

	states := c.CameraStates()
	if states[0].State != string(tracker.StateHealthy) {
		t.Errorf("state = %s, want HEALTHY when only disk is full", states[0].State)
	}
}

func TestCoordinator_ValidationWarningStillStored(t *testing.T) {
	store := &fakeStore{}
	c, cam := newTestCoordinator(store)
	cam.frame = darkFrame(t)
	addTestCamera(t, c, time.Hour)

	c.Start(context.Background())
	defer c.Stop()

	if err := c.ForceCapture(context.Background(), "cam1"); err != nil {
		t.Fatalf("ForceCapture: %v", err)
	}
	if store.count() == 0 {
		t.Fatal("near-black frame was not stored")
	}
	store.mu.Lock()
	lum := store.metas[len(store.metas)-1].MeanLuminance
	store.mu.Unlock()
	if lum >= 5 {
		t.Errorf("mean luminance = %v, want < 5 for black frame", lum)
	}
}

func TestCoordinator_AddCameraValidation(t *testing.T) {
	c, _ := newTestCoordinator(&fakeStore{})

	if err := c.AddCamera(camera.Config{ID: "cam1", Kind: "rtsp"}, 0); err == nil {
		t.Error("zero interval accepted")
	}
	if err := c.AddCamera(camera.Config{ID: "cam1", Kind: "rtsp"}, time.Second); err != nil {
		t.Fatalf("AddCamera: %v", err)
	}
	if err := c.AddCamera(camera.Config{ID: "cam1", Kind: "rtsp"}, time.Second); err == nil {
		t.Error("duplicate camera id accepted")
	}
}

func TestCoordinator_SetupFailureGoesPending(t *testing.T) {
	store := &fakeStore{}
	c, cam := newTestCoordinator(store)
	cam.setupErr = errors.New("host unreachable")

	if err := c.AddCamera(camera.Config{ID: "cam1", Kind: "onvif"}, time.Second); err != nil {
		t.Fatalf("AddCamera must not reject a setup failure: %v", err)
	}

	states := c.CameraStates()
	if len(states) != 1 || states[0].State != "SETUP_PENDING" {
		t.Fatalf("states = %+v, want SETUP_PENDING", states)
	}

	// Clear the fault and force a retry pass.
	cam.mu.Lock()
	cam.setupErr = nil
	cam.mu.Unlock()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	defer c.cancel()
	c.mu.Lock()
	c.pending[0].nextAttempt = time.Time{}
	c.mu.Unlock()
	c.retrySetups(c.ctx)

	states = c.CameraStates()
	if len(states) != 1 || states[0].State == "SETUP_PENDING" {
		t.Fatalf("states = %+v, want running camera after retry", states)
	}
}

// blockingSetupCamera parks Setup until released, signalling entry.
type blockingSetupCamera struct {
	fakeCamera
	entered chan struct{}
	release chan struct{}
}

func (c *blockingSetupCamera) Setup(ctx context.Context) error {
	close(c.entered)
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestCoordinator_StateReadsNotBlockedBySetup(t *testing.T) {
	store := &fakeStore{}
	cam := &blockingSetupCamera{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := NewCoordinator(Options{
		Storage:        store,
		DeviceID:       "device-1",
		Location:       "test bench",
		ServiceVersion: "0.0.0-test",
	})
	c.newCamera = func(cfg camera.Config) (camera.Camera, error) { return cam, nil }

	added := make(chan error, 1)
	go func() {
		added <- c.AddCamera(camera.Config{ID: "cam1", Kind: "rtsp"}, time.Second)
	}()
	<-cam.entered

	// The camera is mid-setup; state queries must still answer.
	statesDone := make(chan []health.CameraState, 1)
	go func() { statesDone <- c.CameraStates() }()
	select {
	case states := <-statesDone:
		if len(states) != 0 {
			t.Fatalf("states = %+v, want none before setup completes", states)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CameraStates blocked behind an in-flight setup")
	}

	close(cam.release)
	if err := <-added; err != nil {
		t.Fatalf("AddCamera: %v", err)
	}
	if states := c.CameraStates(); len(states) != 1 {
		t.Fatalf("states = %+v, want one camera after setup", states)
	}
}

func TestCoordinator_RespawnsDeadWorker(t *testing.T) {
	store := &fakeStore{}
	c, cam := newTestCoordinator(store)
	cam.frame = testFrame(t)
	cam.panicNext = true
	addTestCamera(t, c, 100*time.Millisecond)

	c.Start(context.Background())
	defer c.Stop()

	rt, err := c.lookup("cam1")
	if err != nil {
		t.Fatal(err)
	}

	// The first capture panics; the worker must die.
	deadline := time.After(3 * time.Second)
	for rt.alive.Load() {
		select {
		case <-deadline:
			t.Fatal("worker did not die after panic")
		case <-time.After(20 * time.Millisecond):
		}
	}

	c.respawnDead()
	if !rt.alive.Load() {
		t.Fatal("worker not respawned")
	}

	// Captures resume after the respawn.
	before := cam.captureCount()
	deadline = time.After(3 * time.Second)
	for cam.captureCount() <= before {
		select {
		case <-deadline:
			t.Fatal("respawned worker never captured")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestCoordinator_RestartBudgetExhausted(t *testing.T) {
	store := &fakeStore{}
	c, cam := newTestCoordinator(store)
	cam.frame = testFrame(t)
	addTestCamera(t, c, time.Hour)

	c.ctx, c.cancel = context.WithCancel(context.Background())
	defer c.cancel()

	rt, err := c.lookup("cam1")
	if err != nil {
		t.Fatal(err)
	}
	rt.restarts.Store(maxWorkerRestarts)
	rt.alive.Store(false)

	c.respawnDead()

	if !rt.failed.Load() {
		t.Fatal("camera not marked failed after exhausting restarts")
	}
	states := c.CameraStates()
	if states[0].State != "FAILED" {
		t.Errorf("state = %s, want FAILED", states[0].State)
	}
}

func TestSetupBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{6, 10 * time.Minute},
		{20, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := setupBackoff(tt.attempts); got != tt.want {
			t.Errorf("setupBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestCoordinator_KeepAliveDuringBackoff(t *testing.T) {
	store := &fakeStore{}
	cam := &fakeKeepAliveCamera{}
	cam.frame = testFrame(t)
	cam.captureErr = errors.New("stream unreachable")

	c := NewCoordinator(Options{Storage: store})
	c.newCamera = func(cfg camera.Config) (camera.Camera, error) { return cam, nil }
	addTestCamera(t, c, 100*time.Millisecond)

	c.Start(context.Background())
	defer c.Stop()

	// Wait until the camera is backing off, then for a keep-alive probe.
	deadline := time.After(5 * time.Second)
	for {
		cam.mu.Lock()
		probes := cam.keepAlives
		cam.mu.Unlock()
		if probes > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("no keep-alive probe during backoff")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
