package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clone-bench/internal/events"
	"clone-bench/internal/status"
)

func newTestServer(t *testing.T) (*httptest.Server, *events.Broker, *status.Memory) {
	t.Helper()
	broker := events.NewBroker()
	store := status.NewMemory()
	srv := httptest.NewServer(NewServer(broker, store).Handler())
	t.Cleanup(func() {
		broker.Close()
		srv.Close()
	})
	return srv, broker, store
}

// readEvent returns the event name and data of the next SSE event.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if name != "" || data != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEvents_StreamsChannel(t *testing.T) {
	srv, broker, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/run_progress", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	reader := bufio.NewReader(resp.Body)
	if name, _ := readEvent(t, reader); name != "ready" {
		t.Fatalf("expected ready event, got %q", name)
	}

	broker.Publish(events.ChannelLogs, []byte(`{"message":"other channel"}`))
	broker.Publish(events.ChannelProgress, []byte(`{"status":"running","currentStep":1}`))

	name, data := readEvent(t, reader)
	if name != events.ChannelProgress {
		t.Fatalf("unexpected event %q", name)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["status"] != "running" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestEvents_UnknownChannel(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/events/run_secrets")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	srv, _, store := newTestServer(t)
	_ = store.Set(status.KeyStatus, status.Running)
	_ = store.Set(status.KeyRunID, "r1")
	_ = store.SetFields(status.KeyProgress, map[string]string{"isExecuted": "True", "currentStep": "2"})

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("missing request id")
	}

	var snap status.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != status.Running || snap.RunID != "r1" || snap.Progress["currentStep"] != "2" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestAbort(t *testing.T) {
	srv, _, store := newTestServer(t)

	resp, err := http.Post(srv.URL+"/abort", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("abort without a run must conflict, got %d", resp.StatusCode)
	}

	_ = store.SetFields(status.KeyProgress, map[string]string{"isExecuted": "True"})
	resp, err = http.Post(srv.URL+"/abort", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if v, _ := store.Get(status.KeyAbort); v != "True" {
		t.Fatalf("abort flag not set: %q", v)
	}
}
