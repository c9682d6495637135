package config

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Logger is the minimal logging interface the config package needs.
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

// Service holds the effective configuration and applies reloads.
// Only the reloadable subset (log level, monitoring thresholds, server
// endpoint, advanced knobs) ever changes after startup; everything
// else keeps its boot-time value until a restart.
type Service struct {
	path   string
	logger Logger

	mu        sync.RWMutex
	current   *Config
	listeners []func(old, updated *Config)
}

// NewService loads the file and returns a service around it.
func NewService(path string, logger Logger) (*Service, error) {
	if logger == nil {
		logger = &defaultLogger{}
	}
	config, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Service{path: path, logger: logger, current: config}, nil
}

// Current returns the effective configuration.
func (s *Service) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers a listener invoked after each successful reload.
func (s *Service) Subscribe(fn func(old, updated *Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload re-reads the file and applies the reloadable subset. An
// invalid file leaves the effective configuration untouched.
func (s *Service) Reload() error {
	fresh, err := Load(s.path)
	if err != nil {
		s.logger.Warn("config reload rejected, keeping previous config",
			"path", s.path, "error", err)
		return err
	}

	s.mu.Lock()
	old := s.current
	updated := mergeReloadable(old, fresh)
	s.current = updated
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.logger.Info("config reloaded", "path", s.path,
		"log_level", updated.Logging.Level)
	for _, fn := range listeners {
		fn(old, updated)
	}
	return nil
}

// mergeReloadable produces the post-reload config: the fresh values
// for the reloadable subset over the old values for everything else.
func mergeReloadable(old, fresh *Config) *Config {
	updated := *old

	updated.Logging.Level = fresh.Logging.Level
	updated.Monitoring.Thresholds = fresh.Monitoring.Thresholds
	updated.Monitoring.HealthCheckIntervalSeconds = fresh.Monitoring.HealthCheckIntervalSeconds
	updated.Monitoring.NTPServer = fresh.Monitoring.NTPServer
	updated.Server = fresh.Server
	updated.Advanced = fresh.Advanced

	return &updated
}

// Watch reloads on file changes until ctx is canceled. Editors and
// config deployers replace the file via rename, so the watch is on the
// directory and filtered to our file.
func (s *Service) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	// Debounce: writes arrive as bursts of events.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", "error", err)
		case <-pending:
			pending = nil
			_ = s.Reload()
		}
	}
}
