package portal

import (
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sai-cam/sai-cam/internal/update"
)

// upstreamProbeTimeout bounds the connectivity dial for the network
// info block.
const upstreamProbeTimeout = 3 * time.Second

// interfaceInfo is one network interface in the status document.
type interfaceInfo struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses"`
	Up        bool     `json:"up"`
}

// networkInfo summarizes host connectivity for the browser.
type networkInfo struct {
	Interfaces []interfaceInfo `json:"interfaces"`
	Upstream   bool            `json:"upstream"`
}

// handleStatus composes the full document the browser renders on
// first load. An unreachable agent degrades to partial data rather
// than an error: the browser still gets node identity, network, and
// update state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{}

	snap, err := s.opts.Health.Full(r.Context())
	if err != nil {
		data["agent_error"] = err.Error()
	} else {
		data["system"] = snap.System
		data["cameras"] = snap.Cameras
		data["storage"] = snap.Storage
		data["upload"] = snap.Upload
	}

	data["network"] = s.networkInfo()
	data["wifi_ap"] = s.wifi.state()

	if state, err := update.LoadState(s.opts.Updates.StatePath); err == nil {
		data["update"] = state
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node": map[string]string{
			"id":       s.opts.NodeID,
			"location": s.opts.Location,
			"version":  s.opts.Version,
		},
		"data":     data,
		"features": s.features(),
	})
}

// features tells the browser which panels to render.
func (s *Server) features() map[string]bool {
	storagePresent := false
	if s.opts.StorageRoot != "" {
		if _, err := os.Stat(s.opts.StorageRoot); err == nil {
			storagePresent = true
		}
	}
	return map[string]bool{
		"cameras": s.opts.Control != nil,
		"wifi_ap": s.opts.WiFi.SSID != "",
		"storage": storagePresent,
	}
}

func (s *Server) networkInfo() networkInfo {
	info := networkInfo{Interfaces: []interfaceInfo{}}

	ifaces, err := net.Interfaces()
	if err != nil {
		s.logger.Debug("interface enumeration failed", "error", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		entry := interfaceInfo{
			Name: iface.Name,
			Up:   iface.Flags&net.FlagUp != 0,
		}
		addrs, err := iface.Addrs()
		if err == nil {
			for _, addr := range addrs {
				entry.Addresses = append(entry.Addresses, addr.String())
			}
		}
		info.Interfaces = append(info.Interfaces, entry)
	}

	info.Upstream = s.probeUpstream()
	return info
}

// probeUpstream dials the ingestion endpoint. A refused connection
// still proves routing works, so only timeouts and resolution
// failures count as down.
func (s *Server) probeUpstream() bool {
	if s.opts.UpstreamAddr == "" {
		return false
	}
	conn, err := s.dial("tcp", s.opts.UpstreamAddr, upstreamProbeTimeout)
	if err != nil {
		return strings.Contains(err.Error(), "connection refused")
	}
	conn.Close()
	return true
}
