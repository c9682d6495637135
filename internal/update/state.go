// Package update implements the oneshot self-update controller: guard,
// release check, fetch, pre-flight, apply, health verification and
// rollback. A host timer invokes it; it never runs as a daemon.
package update

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Update statuses as persisted in the state file.
const (
	StatusUpToDate          = "up_to_date"
	StatusUpdating          = "updating"
	StatusUpdated           = "updated"
	StatusCheckFailed       = "check_failed"
	StatusFetchFailed       = "fetch_failed"
	StatusPreflightFailed   = "preflight_failed"
	StatusRollingBack       = "rolling_back"
	StatusRollbackCompleted = "rollback_completed"
	StatusRollbackFailed    = "rollback_failed"
)

// State is the persisted update record. Every transition is written
// atomically so a crash mid-update leaves a readable record.
type State struct {
	Status              string    `json:"status"`
	CurrentVersion      string    `json:"current_version"`
	TargetVersion       string    `json:"target_version,omitempty"`
	PreviousVersion     string    `json:"previous_version,omitempty"`
	Channel             string    `json:"channel,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check,omitzero"`
	LastUpdate          time.Time `json:"last_update,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// LoadState reads the state file. A missing file yields a zero state,
// not an error: first run has no history.
func LoadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("read update state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parse update state: %w", err)
	}
	return s, nil
}

// SaveState writes atomically: temp file, fsync, rename.
func SaveState(path string, s State) error {
	s.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal update state: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".update-state-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename state into place: %w", err)
	}
	return nil
}
