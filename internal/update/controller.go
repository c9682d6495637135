package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sys/unix"

	"github.com/sai-cam/sai-cam/internal/ipc"
)

const (
	// verifyWindow and verifyPoll shape the post-apply health check.
	verifyWindow = 120 * time.Second
	verifyPoll   = 10 * time.Second

	// maxConsecutiveFailures is the three-strike guard against a
	// broken release causing an update storm.
	maxConsecutiveFailures = 3
)

// Logger is the minimal logging interface the update package needs.
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

// Options configures one updater run.
type Options struct {
	Enabled          bool
	ApplyImmediately bool
	Force            bool
	Channel          string
	CurrentVersion   string

	ManifestURL string
	StatePath   string
	LockPath    string
	WorkDir     string
	BackupDir   string
	InstallRoot string

	// Health verification endpoints.
	HealthSocket string
	PortalURL    string

	Logger Logger
	Client *http.Client
}

// Controller runs the oneshot update algorithm.
type Controller struct {
	opts   Options
	logger Logger
	client *http.Client

	// seams for tests
	apply      func(ctx context.Context, dir string) error
	checkAgent func(ctx context.Context) error
	portalVer  func(ctx context.Context) (string, error)
	freeDiskMB func(path string) (int, error)
	freeMemMB  func() (int, error)
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewController creates a controller.
func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = &defaultLogger{}
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: requestTimeout}
	}
	c := &Controller{
		opts:   opts,
		logger: opts.Logger,
		client: opts.Client,
	}
	c.apply = c.runInstaller
	c.checkAgent = c.queryAgentSocket
	c.portalVer = c.queryPortalVersion
	c.freeDiskMB = statfsFreeMB
	c.freeMemMB = availableMemMB
	c.sleep = sleepCtx
	return c
}

// Run executes one update pass. A nil return means up-to-date, guard
// refusal, or a successfully applied update; any error maps to exit
// code 1 and is also recorded in the state file.
func (c *Controller) Run(ctx context.Context) error {
	unlock, err := acquireLock(c.opts.LockPath)
	if err != nil {
		if errors.Is(err, errLockHeld) {
			c.logger.Debug("another updater run holds the lock, exiting")
			return nil
		}
		return err
	}
	defer unlock()

	state, err := LoadState(c.opts.StatePath)
	if err != nil {
		return err
	}
	state.Channel = c.opts.Channel
	state.CurrentVersion = c.opts.CurrentVersion

	if !c.opts.Enabled {
		c.logger.Info("updates disabled, exiting")
		return nil
	}
	if state.ConsecutiveFailures >= maxConsecutiveFailures && !c.opts.Force {
		c.logger.Warn("refusing to update after repeated failures",
			"consecutive_failures", state.ConsecutiveFailures)
		return nil
	}

	state.LastCheck = time.Now().UTC()

	manifest, err := FetchManifest(ctx, c.client, c.opts.ManifestURL, c.opts.CurrentVersion)
	if err != nil {
		return c.fail(state, StatusCheckFailed, err, false)
	}

	release, found := SelectRelease(manifest, c.opts.Channel, c.opts.CurrentVersion)
	if !found {
		c.logger.Info("already up to date", "version", c.opts.CurrentVersion)
		state.Status = StatusUpToDate
		state.TargetVersion = ""
		state.LastError = ""
		return SaveState(c.opts.StatePath, state)
	}

	state.TargetVersion = release.Version
	if !c.opts.ApplyImmediately {
		c.logger.Info("update available but deferred",
			"version", release.Version, "channel", c.opts.Channel)
		state.Status = StatusUpToDate
		return SaveState(c.opts.StatePath, state)
	}

	c.logger.Info("updating", "from", c.opts.CurrentVersion, "to", release.Version)

	if err := FetchArtifacts(ctx, c.client, release, c.opts.WorkDir); err != nil {
		return c.fail(state, StatusFetchFailed, err, false)
	}

	if err := c.preflight(release); err != nil {
		return c.fail(state, StatusPreflightFailed, err, true)
	}

	// Point of no return: record what we are replacing before touching
	// the installation.
	if err := copyTree(c.opts.InstallRoot, c.opts.BackupDir); err != nil {
		return c.fail(state, StatusPreflightFailed,
			fmt.Errorf("back up current install: %w", err), true)
	}
	state.PreviousVersion = c.opts.CurrentVersion
	state.Status = StatusUpdating
	if err := SaveState(c.opts.StatePath, state); err != nil {
		return err
	}

	if err := c.apply(ctx, c.opts.WorkDir); err != nil {
		return c.rollback(ctx, state, fmt.Errorf("apply installer: %w", err))
	}

	if err := c.verify(ctx, release.Version); err != nil {
		return c.rollback(ctx, state, fmt.Errorf("health verification: %w", err))
	}

	state.Status = StatusUpdated
	state.ConsecutiveFailures = 0
	state.LastError = ""
	state.LastUpdate = time.Now().UTC()
	c.logger.Info("update applied", "version", release.Version)
	return SaveState(c.opts.StatePath, state)
}

// fail records a terminal failure status and returns the error.
func (c *Controller) fail(state State, status string, err error, countStrike bool) error {
	c.logger.Error("update failed", "status", status, "error", err)
	state.Status = status
	state.LastError = err.Error()
	if countStrike {
		state.ConsecutiveFailures++
	}
	if saveErr := SaveState(c.opts.StatePath, state); saveErr != nil {
		c.logger.Error("failed to persist update state", "error", saveErr)
	}
	return err
}

// preflight validates the fetched artifacts and host resources.
func (c *Controller) preflight(release Release) error {
	for _, art := range release.Artifacts {
		path := filepath.Join(c.opts.WorkDir, filepath.Base(art.Name))
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("required artifact missing: %s", art.Name)
		}
	}

	// A VERSION artifact must agree with the index.
	versionPath := filepath.Join(c.opts.WorkDir, "VERSION")
	if data, err := os.ReadFile(versionPath); err == nil {
		declared := strings.TrimSpace(string(data))
		if strings.TrimPrefix(declared, "v") != strings.TrimPrefix(release.Version, "v") {
			return fmt.Errorf("artifact version %q does not match release %q",
				declared, release.Version)
		}
	}

	if release.MinFreeDiskMB > 0 {
		free, err := c.freeDiskMB(c.opts.InstallRoot)
		if err != nil {
			return fmt.Errorf("check free disk: %w", err)
		}
		if free < release.MinFreeDiskMB {
			return fmt.Errorf("insufficient disk: %d MB free, need %d MB",
				free, release.MinFreeDiskMB)
		}
	}
	if release.MinFreeMemMB > 0 {
		free, err := c.freeMemMB()
		if err != nil {
			return fmt.Errorf("check free memory: %w", err)
		}
		if free < release.MinFreeMemMB {
			return fmt.Errorf("insufficient memory: %d MB free, need %d MB",
				free, release.MinFreeMemMB)
		}
	}
	return nil
}

// verify polls agent and portal until both are healthy on the new
// version or the window closes.
func (c *Controller) verify(ctx context.Context, wantVersion string) error {
	deadline := time.Now().Add(verifyWindow)
	var lastErr error

	for time.Now().Before(deadline) {
		lastErr = c.verifyOnce(ctx, wantVersion)
		if lastErr == nil {
			return nil
		}
		c.logger.Debug("health verification not yet passing", "error", lastErr)
		if err := c.sleep(ctx, verifyPoll); err != nil {
			return err
		}
	}
	return lastErr
}

func (c *Controller) verifyOnce(ctx context.Context, wantVersion string) error {
	if err := c.checkAgent(ctx); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	got, err := c.portalVer(ctx)
	if err != nil {
		return fmt.Errorf("portal: %w", err)
	}
	if strings.TrimPrefix(got, "v") != strings.TrimPrefix(wantVersion, "v") {
		return fmt.Errorf("portal reports version %q, want %q", got, wantVersion)
	}
	return nil
}

// rollback restores the backed-up artifact set and re-verifies.
func (c *Controller) rollback(ctx context.Context, state State, cause error) error {
	c.logger.Error("update failed, rolling back", "error", cause)
	state.Status = StatusRollingBack
	state.LastError = cause.Error()
	state.ConsecutiveFailures++
	if err := SaveState(c.opts.StatePath, state); err != nil {
		c.logger.Error("failed to persist rolling-back state", "error", err)
	}

	restoreErr := copyTree(c.opts.BackupDir, c.opts.InstallRoot)
	if restoreErr == nil {
		restoreErr = c.apply(ctx, c.opts.InstallRoot)
	}
	if restoreErr == nil {
		_ = c.sleep(ctx, verifyPoll)
		restoreErr = c.checkAgent(ctx)
	}

	if restoreErr != nil {
		c.logger.Error("rollback failed", "error", restoreErr)
		state.Status = StatusRollbackFailed
		state.LastError = fmt.Sprintf("%v (rollback: %v)", cause, restoreErr)
	} else {
		c.logger.Warn("rollback completed", "restored_version", state.PreviousVersion)
		state.Status = StatusRollbackCompleted
	}
	if err := SaveState(c.opts.StatePath, state); err != nil {
		c.logger.Error("failed to persist rollback state", "error", err)
	}
	return cause
}

// runInstaller executes the release's installer entry point in
// preserve-config mode.
func (c *Controller) runInstaller(ctx context.Context, dir string) error {
	script := filepath.Join(dir, "install.sh")
	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("installer entry point missing: %w", err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", script, "--preserve-config")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "SAI_CAM_INSTALL_ROOT="+c.opts.InstallRoot)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("installer: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *Controller) queryAgentSocket(ctx context.Context) error {
	client := ipc.NewClient(c.opts.HealthSocket)
	_, err := client.System(ctx)
	return err
}

func (c *Controller) queryPortalVersion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.PortalURL+"/api/status", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("portal status %d", resp.StatusCode)
	}

	var doc struct {
		Node struct {
			Version string `json:"version"`
		} `json:"node"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", err
	}
	return doc.Node.Version, nil
}

var errLockHeld = errors.New("update lock held")

// acquireLock takes the exclusive on-disk lock. errLockHeld means a
// concurrent run owns it.
func acquireLock(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errLockHeld
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func statfsFreeMB(path string) (int, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int(uint64(st.Bavail) * uint64(st.Bsize) / (1024 * 1024)), nil
}

func availableMemMB() (int, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return int(vm.Available / (1024 * 1024)), nil
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

// copyTree mirrors src into dst, replacing dst's contents.
func copyTree(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
