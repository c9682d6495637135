package portal

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// fleetAuth guards /api/fleet/* with a constant-time bearer token
// comparison. An empty configured token disables the whole surface.
func (s *Server) fleetAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.opts.Fleet.Token
		if token == "" {
			writeError(w, http.StatusForbidden, "fleet API not configured")
			return
		}

		auth := r.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid fleet token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleFleetConfig patches whitelisted top-level sections of the
// config file. The agent picks reloadable changes up on its next
// reload; anything else waits for a restart.
func (s *Server) handleFleetConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(patch) == 0 {
		writeError(w, http.StatusBadRequest, "empty config patch")
		return
	}

	allowed := make(map[string]bool, len(s.opts.Fleet.AllowedKeys))
	for _, key := range s.opts.Fleet.AllowedKeys {
		allowed[key] = true
	}
	for key := range patch {
		if !allowed[key] {
			writeError(w, http.StatusForbidden,
				fmt.Sprintf("config key %q is not remotely writable", key))
			return
		}
	}

	applied, err := s.patchConfigFile(patch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("fleet config patch applied", "keys", applied)
	writeJSON(w, http.StatusOK, map[string]interface{}{"applied": applied})
}

// patchConfigFile merges the patch into the YAML document and writes
// it back atomically. The agent's file watcher sees the rename.
func (s *Server) patchConfigFile(patch map[string]interface{}) ([]string, error) {
	path := s.opts.Fleet.ConfigPath
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	applied := make([]string, 0, len(patch))
	for key, value := range patch {
		doc[key] = value
		applied = append(applied, key)
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*")
	if err != nil {
		return nil, fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("replace config: %w", err)
	}
	return applied, nil
}
