package capture

import (
	"context"
	"time"
)

// supervise respawns dead workers and retries failed camera setups.
func (c *Coordinator) supervise(ctx context.Context) {
	ticker := time.NewTicker(superviseTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.respawnDead()
			c.retrySetups(ctx)
		}
	}
}

// respawnDead restarts worker goroutines that have exited. A worker
// that exits repeatedly has a persistent fault; after the restart
// budget is spent the camera is marked failed for the rest of the run.
func (c *Coordinator) respawnDead() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}

	for id, rt := range c.runtimes {
		if rt.alive.Load() || rt.failed.Load() {
			continue
		}

		restarts := rt.restarts.Add(1)
		if restarts > maxWorkerRestarts {
			rt.failed.Store(true)
			c.logger.Error("camera worker restart budget exhausted, giving up",
				"camera_id", id, "restarts", restarts-1)
			continue
		}

		c.logger.Warn("respawning dead camera worker",
			"camera_id", id, "restart", restarts)
		c.spawnLocked(rt)
	}
}

// retrySetups re-attempts setup for cameras that failed at startup,
// with doubling backoff.
func (c *Coordinator) retrySetups(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	var due []pendingSetup
	remaining := c.pending[:0]
	for _, p := range c.pending {
		if now.Before(p.nextAttempt) {
			remaining = append(remaining, p)
			continue
		}
		due = append(due, p)
	}
	c.pending = remaining
	c.mu.Unlock()

	// Setup attempts run unlocked so a camera stuck at its timeout
	// does not stall state reads or the other supervised work.
	for _, p := range due {
		cam, err := c.newCamera(p.config)
		if err == nil {
			setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err = cam.Setup(setupCtx)
			cancel()
			if err != nil {
				cam.Cleanup()
			}
		}

		c.mu.Lock()
		if err != nil {
			p.attempts++
			p.nextAttempt = now.Add(setupBackoff(p.attempts))
			c.logger.Warn("camera setup retry failed",
				"camera_id", p.config.ID, "attempt", p.attempts,
				"next_attempt", p.nextAttempt, "error", err)
			c.pending = append(c.pending, p)
			c.mu.Unlock()
			continue
		}

		rt := c.newRuntime(cam, p.config, p.interval)
		c.runtimes[p.config.ID] = rt
		c.spawnLocked(rt)
		c.mu.Unlock()
		c.logger.Info("camera setup succeeded after retry",
			"camera_id", p.config.ID, "attempts", p.attempts)
	}
}

// setupBackoff doubles from the base per attempt, capped.
func setupBackoff(attempts int) time.Duration {
	d := setupRetryBase
	for i := 1; i < attempts && d < setupRetryMax; i++ {
		d *= 2
	}
	if d > setupRetryMax {
		d = setupRetryMax
	}
	return d
}
