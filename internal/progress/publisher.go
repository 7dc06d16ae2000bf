// Package progress emits run progress events, log lines and heartbeats.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"clone-bench/internal/events"
	"clone-bench/internal/status"
)

// Event statuses.
const (
	Startup  = "startup"
	Running  = "running"
	Finished = "finished"
	Aborted  = "aborted"
	Error    = "error"
	Failure  = "failure"
)

const HeartbeatMessage = "HEARTBEAT: ExecuteRun"

// Event is the payload published on the run_progress channel.
type Event struct {
	Type           string `json:"type"`
	Status         string `json:"status"`
	ProgressBar    string `json:"progressBar"`
	CurrentStep    int    `json:"currentStep"`
	TotalSteps     int    `json:"totalSteps"`
	CurrentMessage string `json:"currentMessage"`
	IsExecuted     string `json:"isExecuted"`
}

// Fields renders the event as the run.progress hash.
func (e Event) Fields() map[string]string {
	return map[string]string{
		"type":           e.Type,
		"status":         e.Status,
		"progressBar":    e.ProgressBar,
		"currentStep":    strconv.Itoa(e.CurrentStep),
		"totalSteps":     strconv.Itoa(e.TotalSteps),
		"currentMessage": e.CurrentMessage,
		"isExecuted":     e.IsExecuted,
	}
}

// IsExecuted reports whether a run with the given event status is still active.
func IsExecuted(eventStatus string) bool {
	switch eventStatus {
	case Error, Failure, Aborted, Finished:
		return false
	default:
		return true
	}
}

// Transport delivers payloads to observers, e.g. *events.Broker.
type Transport interface {
	Publish(channel string, data []byte)
}

// Publisher is owned by a single run. Only the driving goroutine calls
// Publish and Advance; heartbeat and log lines may come from any goroutine.
type Publisher struct {
	transport Transport
	store     status.Store
	total     int

	mu        sync.Mutex
	step      int
	benchmark string
	last      Event
}

func NewPublisher(transport Transport, store status.Store, totalSteps int) *Publisher {
	return &Publisher{transport: transport, store: store, total: totalSteps}
}

// Advance increments the current step and returns it.
func (p *Publisher) Advance() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.step < p.total {
		p.step++
	}
	return p.step
}

func (p *Publisher) Step() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step
}

func (p *Publisher) Total() int {
	return p.total
}

// SetBenchmark sets the display name appended to running messages.
func (p *Publisher) SetBenchmark(displayName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.benchmark = displayName
}

// Last returns the most recently published event.
func (p *Publisher) Last() Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Publish emits a progress event carrying the current counters and mirrors
// it into the status store. The event is published even if the store write fails.
// Running messages get the current benchmark appended.
func (p *Publisher) Publish(eventStatus, message string) error {
	p.mu.Lock()
	if eventStatus == Running && p.benchmark != "" {
		message = fmt.Sprintf("%s (in %s)", message, p.benchmark)
	}
	ev := Event{
		Type:           "container",
		Status:         eventStatus,
		ProgressBar:    "enabled",
		CurrentStep:    p.step,
		TotalSteps:     p.total,
		CurrentMessage: message,
		IsExecuted:     "True",
	}
	if !IsExecuted(eventStatus) {
		ev.IsExecuted = "False"
	}
	p.last = ev
	p.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode progress event: %w", err)
	}
	p.transport.Publish(events.ChannelProgress, data)

	if p.store != nil {
		if err := p.store.SetFields(status.KeyProgress, ev.Fields()); err != nil {
			return fmt.Errorf("failed to store progress: %w", err)
		}
	}
	return nil
}

type logMessage struct {
	Message string `json:"message"`
}

// PublishLog forwards one log line to the run_logs channel.
func (p *Publisher) PublishLog(line string) {
	p.publishMessage(events.ChannelLogs, line)
}

func (p *Publisher) publishMessage(channel, msg string) {
	data, err := json.Marshal(logMessage{Message: msg})
	if err != nil {
		return
	}
	p.transport.Publish(channel, data)
}

// StartHeartbeat emits a heartbeat every interval until the returned stop
// function is called or ctx ends. Stop waits for the goroutine to exit.
func (p *Publisher) StartHeartbeat(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		p.publishMessage(events.ChannelHeartbeats, HeartbeatMessage)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.publishMessage(events.ChannelHeartbeats, HeartbeatMessage)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
