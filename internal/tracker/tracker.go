// Package tracker implements the per-camera health state machine.
package tracker

import (
	"sync"
	"time"
)

// State describes camera health as seen by the capture scheduler.
type State string

const (
	StateHealthy State = "healthy"
	StateFailing State = "failing"
	StateOffline State = "offline"
)

// offlineAfter is the number of consecutive failures that move a
// camera from FAILING to OFFLINE.
const offlineAfter = 3

// multiplierLadder holds the allowed backoff multipliers. The
// multiplier advances one rung per failure while offline and is
// capped at the last rung.
var multiplierLadder = []int{1, 2, 4, 8, 12}

// Tracker tracks the health of a single camera. It is mutated only by
// the camera's own worker; other readers take Snapshot copies.
type Tracker struct {
	mu sync.Mutex

	cameraID string
	interval time.Duration

	state               State
	consecutiveFailures int
	multiplier          int
	nextAttempt         time.Time
	lastSuccess         time.Time
	lastError           string
	lastErrorTime       time.Time
	totalSuccesses      uint64
	totalFailures       uint64

	now func() time.Time
}

// Snapshot is a copy of tracker state safe to share across goroutines.
type Snapshot struct {
	CameraID            string    `json:"camera_id"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Multiplier          int       `json:"backoff_multiplier"`
	NextAttempt         time.Time `json:"next_attempt"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorTime       time.Time `json:"last_error_time,omitzero"`
	TotalSuccesses      uint64    `json:"total_successes"`
	TotalFailures       uint64    `json:"total_failures"`
}

// New creates a tracker for a camera with the given capture interval.
// A fresh tracker is HEALTHY and attempts immediately.
func New(cameraID string, interval time.Duration) *Tracker {
	return &Tracker{
		cameraID:   cameraID,
		interval:   interval,
		state:      StateHealthy,
		multiplier: multiplierLadder[0],
		now:        time.Now,
	}
}

// ShouldAttempt reports whether a capture should be attempted now.
func (t *Tracker) ShouldAttempt() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextAttempt.IsZero() || !t.now().Before(t.nextAttempt)
}

// RecordSuccess transitions to HEALTHY and resets failure counters
// and the backoff multiplier.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = StateHealthy
	t.consecutiveFailures = 0
	t.multiplier = multiplierLadder[0]
	t.lastSuccess = t.now()
	t.lastError = ""
	t.lastErrorTime = time.Time{}
	t.nextAttempt = time.Time{}
	t.totalSuccesses++
}

// RecordFailure registers a failed capture. The first failure moves
// HEALTHY to FAILING; the third consecutive failure moves to OFFLINE.
// While offline the multiplier climbs the ladder one rung per
// failure. The next attempt is scheduled multiplier capture-intervals
// from now.
func (t *Tracker) RecordFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFailures++
	t.totalFailures++
	if err != nil {
		t.lastError = err.Error()
		t.lastErrorTime = t.now()
	}

	switch {
	case t.consecutiveFailures >= offlineAfter:
		if t.state == StateOffline {
			t.multiplier = nextMultiplier(t.multiplier)
		}
		t.state = StateOffline
	default:
		t.state = StateFailing
	}

	t.nextAttempt = t.now().Add(time.Duration(t.multiplier) * t.interval)
}

// nextMultiplier returns the rung after m, capped at the top rung.
func nextMultiplier(m int) int {
	for i, rung := range multiplierLadder {
		if m == rung && i+1 < len(multiplierLadder) {
			return multiplierLadder[i+1]
		}
	}
	return multiplierLadder[len(multiplierLadder)-1]
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Snapshot{
		CameraID:            t.cameraID,
		State:               t.state,
		ConsecutiveFailures: t.consecutiveFailures,
		Multiplier:          t.multiplier,
		NextAttempt:         t.nextAttempt,
		LastSuccess:         t.lastSuccess,
		LastError:           t.lastError,
		LastErrorTime:       t.lastErrorTime,
		TotalSuccesses:      t.totalSuccesses,
		TotalFailures:       t.totalFailures,
	}
}

// State returns the current state without the full snapshot.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
