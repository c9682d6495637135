package portal

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Event stream cadences. Health is near-realtime but coalesced; the
// status tier carries network/wifi/update; the slow tier carries
// storage totals, which barely move.
const (
	healthTick = 1 * time.Second
	statusTick = 20 * time.Second
	slowTick   = 500 * time.Second

	// subscriberBuffer absorbs bursts; a subscriber that cannot keep
	// up loses events rather than stalling the hub.
	subscriberBuffer = 32
)

type event struct {
	name string
	data []byte
}

// hubSources produce the payload for each periodic tier. A nil error
// with nil data means "nothing to emit this tick".
type hubSources struct {
	health func(ctx context.Context) ([]byte, error)
	status func(ctx context.Context) ([]byte, error)
	slow   func(ctx context.Context) ([]byte, error)
}

// hub fans periodic and log events out to every connected browser.
type hub struct {
	sources hubSources
	logger  Logger

	mu   sync.Mutex
	subs map[chan event]struct{}

	// lastHealth coalesces the health tier: identical consecutive
	// payloads are suppressed.
	lastHealth []byte
}

func newHub(sources hubSources, logger Logger) *hub {
	return &hub{
		sources: sources,
		logger:  logger,
		subs:    make(map[chan event]struct{}),
	}
}

func (h *hub) subscribe() chan event {
	ch := make(chan event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// broadcast delivers to every subscriber without blocking; slow
// subscribers drop.
func (h *hub) broadcast(ev event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// run drives the periodic tiers until ctx is canceled.
func (h *hub) run(ctx context.Context) {
	healthTicker := time.NewTicker(healthTick)
	statusTicker := time.NewTicker(statusTick)
	slowTicker := time.NewTicker(slowTick)
	defer healthTicker.Stop()
	defer statusTicker.Stop()
	defer slowTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-healthTicker.C:
			h.emitHealth(ctx)
		case <-statusTicker.C:
			h.emit(ctx, "status", h.sources.status)
		case <-slowTicker.C:
			h.emit(ctx, "slow", h.sources.slow)
		}
	}
}

func (h *hub) emitHealth(ctx context.Context) {
	if h.subscriberCount() == 0 {
		return
	}
	data, err := h.sources.health(ctx)
	if err != nil {
		h.logger.Debug("health event skipped", "error", err)
		return
	}
	if bytes.Equal(data, h.lastHealth) {
		return
	}
	h.lastHealth = data
	h.broadcast(event{name: "health", data: data})
}

func (h *hub) emit(ctx context.Context, name string, source func(ctx context.Context) ([]byte, error)) {
	if h.subscriberCount() == 0 {
		return
	}
	data, err := source(ctx)
	if err != nil {
		h.logger.Debug("event skipped", "event", name, "error", err)
		return
	}
	h.broadcast(event{name: name, data: data})
}

// handleEvents is the long-lived SSE connection. The browser
// reconnects with backoff on loss and re-renders from /api/status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)
	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)

	// Seed the new connection so the browser renders without waiting
	// a full tick.
	if data, err := s.healthEvent(r.Context()); err == nil {
		writeEvent(w, event{name: "health", data: data})
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case ev := <-ch:
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev event) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
	return err
}
