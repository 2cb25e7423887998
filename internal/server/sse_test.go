package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acplink/acplink/internal/event"
)

// mockResponseWriter implements http.Flusher for testing.
type mockResponseWriter struct {
	*httptest.ResponseRecorder
	flushed int
}

func (m *mockResponseWriter) Flush() {
	m.flushed++
}

func newMockResponseWriter() *mockResponseWriter {
	return &mockResponseWriter{
		ResponseRecorder: httptest.NewRecorder(),
	}
}

type noFlushWriter struct{}

func (n *noFlushWriter) Header() http.Header       { return http.Header{} }
func (n *noFlushWriter) Write([]byte) (int, error) { return 0, nil }
func (n *noFlushWriter) WriteHeader(int)           {}

func TestNewSSEWriter(t *testing.T) {
	w := newMockResponseWriter()
	sse, err := newSSEWriter(w)
	if err != nil {
		t.Fatalf("newSSEWriter failed: %v", err)
	}
	if sse == nil {
		t.Fatal("SSE writer should not be nil")
	}
}

func TestNewSSEWriter_NoFlusher(t *testing.T) {
	if _, err := newSSEWriter(&noFlushWriter{}); err == nil {
		t.Error("Expected error for writer without Flusher")
	}
}

func TestSSEWriter_WriteEvent(t *testing.T) {
	w := newMockResponseWriter()
	sse, _ := newSSEWriter(w)

	err := sse.writeEvent("message", StreamEvent{
		Type:       event.SessionState,
		Properties: event.SessionStateData{AgentID: "coder", State: "ready"},
	})
	if err != nil {
		t.Fatalf("writeEvent failed: %v", err)
	}

	body := w.Body.String()
	if !strings.Contains(body, "event: message\n") {
		t.Error("Expected event line")
	}
	if !strings.Contains(body, `"type":"session.state"`) {
		t.Errorf("Expected event type in data, got: %s", body)
	}
	if w.flushed == 0 {
		t.Error("Expected Flush to be called")
	}

	lines := strings.Split(body, "\n")
	if len(lines) < 3 {
		t.Fatalf("Expected at least 3 lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[1], "data: ") {
		t.Errorf("Second line should be data, got: %s", lines[1])
	}
	if lines[2] != "" {
		t.Errorf("Third line should terminate the event, got: %s", lines[2])
	}
}

func TestSSEWriter_WriteHeartbeat(t *testing.T) {
	w := newMockResponseWriter()
	sse, _ := newSSEWriter(w)

	sse.writeHeartbeat()

	if !strings.Contains(w.Body.String(), ": heartbeat\n") {
		t.Errorf("Expected heartbeat comment, got: %s", w.Body.String())
	}
}

func TestAllEvents_Integration(t *testing.T) {
	env := newServerEnv(t)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/event", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Expected text/event-stream, got: %s", ct)
	}

	var mu sync.Mutex
	var received []StreamEvent
	done := make(chan struct{})

	go func() {
		defer close(done)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var evt StreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
				continue
			}
			mu.Lock()
			received = append(received, evt)
			n := len(received)
			mu.Unlock()
			if n >= 2 {
				cancel()
				return
			}
		}
	}()

	// Give the subscription time to register before publishing.
	time.Sleep(100 * time.Millisecond)

	env.bus.PublishSync(event.Event{
		Type: event.SessionState,
		Data: event.SessionStateData{AgentID: "coder", State: "ready"},
	})

	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(received) < 2 {
		t.Fatalf("Expected connected + published event, got %d events", len(received))
	}
	if received[0].Type != "server.connected" {
		t.Errorf("First event should be server.connected, got: %s", received[0].Type)
	}
	if received[1].Type != event.SessionState {
		t.Errorf("Second event should be session.state, got: %s", received[1].Type)
	}
}
