package logger

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Logger and collapses bursts of identical messages.
// Messages are keyed by their text; when a key exceeds its rate budget
// the entry is suppressed and counted, and the next permitted entry
// reports how many were dropped in between.
type RateLimited struct {
	logger   *Logger
	mu       sync.Mutex
	limiters map[string]*messageLimiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type messageLimiter struct {
	limiter    *rate.Limiter
	suppressed int
	lastLogged time.Time
	lastSeen   time.Time
}

// maxMessageKeys caps the limiter table; attacker- or bug-driven
// message variety must not grow it without bound.
const maxMessageKeys = 256

// keyIdleEvict is how long a key may sit unused before eviction.
const keyIdleEvict = 10 * time.Minute

// NewRateLimited creates a rate-limited logger allowing at most one
// entry per interval per message key, with the given burst allowance.
func NewRateLimited(logger *Logger, interval time.Duration, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		logger:   logger,
		limiters: make(map[string]*messageLimiter),
		limit:    rate.Every(interval),
		burst:    burst,
		now:      time.Now,
	}
}

// Debug logs a debug message subject to rate limiting.
func (r *RateLimited) Debug(msg string, keysAndValues ...interface{}) {
	r.log(r.logger.Debug, msg, keysAndValues...)
}

// Info logs an info message subject to rate limiting.
func (r *RateLimited) Info(msg string, keysAndValues ...interface{}) {
	r.log(r.logger.Info, msg, keysAndValues...)
}

// Warn logs a warning message subject to rate limiting.
func (r *RateLimited) Warn(msg string, keysAndValues ...interface{}) {
	r.log(r.logger.Warn, msg, keysAndValues...)
}

// Error logs an error message subject to rate limiting.
func (r *RateLimited) Error(msg string, keysAndValues ...interface{}) {
	r.log(r.logger.Error, msg, keysAndValues...)
}

func (r *RateLimited) log(fn func(string, ...interface{}), msg string, keysAndValues ...interface{}) {
	r.mu.Lock()
	now := r.now()
	ml, ok := r.limiters[msg]
	if !ok {
		if len(r.limiters) >= maxMessageKeys {
			r.evictLocked(now)
		}
		ml = &messageLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[msg] = ml
	}
	ml.lastSeen = now
	allowed := ml.limiter.AllowN(now, 1)
	suppressed := ml.suppressed
	since := now.Sub(ml.lastLogged)
	if allowed {
		ml.suppressed = 0
		ml.lastLogged = now
	} else {
		ml.suppressed++
	}
	r.mu.Unlock()

	if !allowed {
		return
	}
	if suppressed > 0 {
		msg = fmt.Sprintf("%s (repeated %dx in last %s)", msg, suppressed+1, since.Round(time.Second))
	}
	fn(msg, keysAndValues...)
}

// evictLocked drops keys idle past the eviction horizon; if none
// qualify it drops the single least recently seen key so the table
// stays under its cap.
func (r *RateLimited) evictLocked(now time.Time) {
	var oldestKey string
	var oldestSeen time.Time
	for key, ml := range r.limiters {
		if now.Sub(ml.lastSeen) >= keyIdleEvict {
			delete(r.limiters, key)
			continue
		}
		if oldestKey == "" || ml.lastSeen.Before(oldestSeen) {
			oldestKey, oldestSeen = key, ml.lastSeen
		}
	}
	if len(r.limiters) >= maxMessageKeys && oldestKey != "" {
		delete(r.limiters, oldestKey)
	}
}

// Suppressed reports how many entries for the given message key are
// currently pending a summary line.
func (r *RateLimited) Suppressed(msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ml, ok := r.limiters[msg]; ok {
		return ml.suppressed
	}
	return 0
}
