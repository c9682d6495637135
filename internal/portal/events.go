package portal

import (
	"context"
	"encoding/json"

	"github.com/sai-cam/sai-cam/internal/update"
)

// healthEvent carries cached system metrics and per-camera state.
func (s *Server) healthEvent(ctx context.Context) ([]byte, error) {
	snap, err := s.opts.Health.Full(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{
		"system":  snap.System,
		"cameras": snap.Cameras,
	})
}

// statusEvent carries network info, WiFi-AP state, and update state.
func (s *Server) statusEvent(ctx context.Context) ([]byte, error) {
	payload := map[string]interface{}{
		"network": s.networkInfo(),
		"wifi_ap": s.wifi.state(),
	}
	if state, err := update.LoadState(s.opts.Updates.StatePath); err == nil {
		payload["update"] = state
	}
	return json.Marshal(payload)
}

// slowEvent carries storage totals.
func (s *Server) slowEvent(ctx context.Context) ([]byte, error) {
	snap, err := s.opts.Health.Full(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{
		"storage": snap.Storage,
		"upload":  snap.Upload,
	})
}
