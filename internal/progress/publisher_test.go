package progress

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"clone-bench/internal/events"
	"clone-bench/internal/status"
)

type recordingTransport struct {
	mu       sync.Mutex
	messages map[string][]string
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{messages: make(map[string][]string)}
}

func (r *recordingTransport) Publish(channel string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[channel] = append(r.messages[channel], string(data))
}

func (r *recordingTransport) count(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages[channel])
}

func TestPublisher_EventsAndStore(t *testing.T) {
	transport := newRecordingTransport()
	store := status.NewMemory()
	p := NewPublisher(transport, store, 2)

	if err := p.Publish(Startup, "Starting run"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	p.Advance()
	p.SetBenchmark("BigCloneEval")
	if err := p.Publish(Running, "executing container for 'ToolA'"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var ev Event
	if err := json.Unmarshal([]byte(transport.messages[events.ChannelProgress][1]), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != "container" || ev.ProgressBar != "enabled" || ev.CurrentStep != 1 || ev.TotalSteps != 2 || ev.IsExecuted != "True" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.CurrentMessage != "executing container for 'ToolA' (in BigCloneEval)" {
		t.Fatalf("unexpected message %q", ev.CurrentMessage)
	}

	fields, err := store.GetFields(status.KeyProgress)
	if err != nil {
		t.Fatalf("GetFields: %v", err)
	}
	if fields["currentStep"] != "1" || fields["status"] != Running {
		t.Fatalf("progress not mirrored: %v", fields)
	}

	if err := p.Publish(Finished, "done"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if p.Last().CurrentMessage != "done" {
		t.Fatalf("only running messages carry the benchmark: %q", p.Last().CurrentMessage)
	}
	if p.Last().IsExecuted != "False" {
		t.Fatalf("finished event must not be executing: %+v", p.Last())
	}
}

func TestPublisher_AdvanceIsBounded(t *testing.T) {
	p := NewPublisher(newRecordingTransport(), nil, 2)
	prev := p.Step()
	for i := 0; i < 5; i++ {
		step := p.Advance()
		if step < prev {
			t.Fatalf("step decreased from %d to %d", prev, step)
		}
		prev = step
	}
	if p.Step() != 2 {
		t.Fatalf("expected step capped at total, got %d", p.Step())
	}
}

func TestIsExecuted(t *testing.T) {
	for _, s := range []string{Error, Failure, Aborted, Finished} {
		if IsExecuted(s) {
			t.Fatalf("%s must not be executing", s)
		}
	}
	for _, s := range []string{Startup, Running} {
		if !IsExecuted(s) {
			t.Fatalf("%s must be executing", s)
		}
	}
}

func TestHeartbeat_StopsOnDemand(t *testing.T) {
	transport := newRecordingTransport()
	p := NewPublisher(transport, nil, 1)

	stop := p.StartHeartbeat(context.Background(), 10*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for transport.count(events.ChannelHeartbeats) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected heartbeats, got %d", transport.count(events.ChannelHeartbeats))
		}
		time.Sleep(5 * time.Millisecond)
	}
	stop()
	stop()

	after := transport.count(events.ChannelHeartbeats)
	time.Sleep(50 * time.Millisecond)
	if transport.count(events.ChannelHeartbeats) != after {
		t.Fatalf("heartbeat kept running after stop")
	}
	if transport.messages[events.ChannelHeartbeats][0] != `{"message":"`+HeartbeatMessage+`"}` {
		t.Fatalf("unexpected heartbeat payload %q", transport.messages[events.ChannelHeartbeats][0])
	}
}

func TestPublishLog(t *testing.T) {
	transport := newRecordingTransport()
	p := NewPublisher(transport, nil, 1)
	p.PublishLog("2026-01-01 10:00:00 | INFO | hello")
	if transport.count(events.ChannelLogs) != 1 {
		t.Fatalf("expected one log line")
	}
	var msg struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(transport.messages[events.ChannelLogs][0]), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Message != "2026-01-01 10:00:00 | INFO | hello" {
		t.Fatalf("unexpected log payload %q", msg.Message)
	}
}
