package portal

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sai-cam/sai-cam/internal/health"
)

func TestHub_BroadcastAndDrop(t *testing.T) {
	h := newHub(hubSources{}, &defaultLogger{})

	fast := h.subscribe()
	defer h.unsubscribe(fast)

	h.broadcast(event{name: "log", data: []byte("one")})
	h.broadcast(event{name: "log", data: []byte("two")})

	got := <-fast
	if got.name != "log" || string(got.data) != "one" {
		t.Errorf("first event = %s %q", got.name, got.data)
	}
	got = <-fast
	if string(got.data) != "two" {
		t.Errorf("second event = %q", got.data)
	}

	// A full subscriber drops instead of blocking the hub.
	for i := 0; i < subscriberBuffer+10; i++ {
		h.broadcast(event{name: "log", data: []byte("burst")})
	}
	if len(fast) != subscriberBuffer {
		t.Errorf("buffered = %d, want capped at %d", len(fast), subscriberBuffer)
	}
}

func TestHub_HealthCoalescing(t *testing.T) {
	payload := []byte(`{"cpu":1}`)
	calls := 0
	h := newHub(hubSources{
		health: func(ctx context.Context) ([]byte, error) {
			calls++
			return payload, nil
		},
	}, &defaultLogger{})

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	h.emitHealth(context.Background())
	h.emitHealth(context.Background()) // identical payload, suppressed
	payload = []byte(`{"cpu":2}`)
	h.emitHealth(context.Background())

	if calls != 3 {
		t.Errorf("source calls = %d, want 3", calls)
	}
	if got := len(ch); got != 2 {
		t.Fatalf("delivered = %d events, want 2 (coalesced)", got)
	}
	first := <-ch
	second := <-ch
	if string(first.data) != `{"cpu":1}` || string(second.data) != `{"cpu":2}` {
		t.Errorf("events = %q, %q", first.data, second.data)
	}
}

func TestHub_SkipsWithNoSubscribers(t *testing.T) {
	calls := 0
	h := newHub(hubSources{
		health: func(ctx context.Context) ([]byte, error) {
			calls++
			return []byte("{}"), nil
		},
	}, &defaultLogger{})

	h.emitHealth(context.Background())
	if calls != 0 {
		t.Error("source sampled with nobody listening")
	}
}

func TestHub_SourceErrorSuppressed(t *testing.T) {
	h := newHub(hubSources{
		status: func(ctx context.Context) ([]byte, error) {
			return nil, errors.New("agent down")
		},
	}, &defaultLogger{})

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	h.emit(context.Background(), "status", h.sources.status)
	if len(ch) != 0 {
		t.Error("error tick still emitted an event")
	}
}

func TestEvents_StreamFraming(t *testing.T) {
	hs := &fakeHealth{full: health.FullSnapshot{
		System: health.SystemSnapshot{CPUPercent: 42},
	}}
	s, _ := newTestServer(t, hs, &fakeControl{})

	server := httptest.NewServer(s.Handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("cache control = %q", cc)
	}

	// The connection is seeded with one health event immediately.
	reader := bufio.NewReader(resp.Body)
	eventLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(eventLine, "event: health") {
		t.Errorf("first line = %q, want health event", eventLine)
	}
	dataLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(dataLine, "data: ") || !strings.Contains(dataLine, "42") {
		t.Errorf("data line = %q", dataLine)
	}

	// Log lines pushed through the hub arrive framed the same way.
	for i := 0; i < 50 && s.hub.subscriberCount() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	s.hub.broadcast(event{name: "log", data: []byte("hello from the log")})

	// Skip the blank separator after the first event.
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if strings.HasPrefix(line, "event: log") {
			break
		}
	}
	dataLine, err = reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(dataLine, "hello from the log") {
		t.Errorf("log data line = %q", dataLine)
	}
}
