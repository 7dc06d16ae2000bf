package abort

import (
	"context"
	"testing"
	"time"

	"clone-bench/internal/status"
)

func TestController_SetOnce(t *testing.T) {
	c := NewController()
	if c.Aborted() {
		t.Fatalf("fresh controller must not be aborted")
	}

	c.Cancel("signal")
	c.Cancel("api")

	if !c.Aborted() {
		t.Fatalf("expected aborted")
	}
	if c.Reason() != "signal" {
		t.Fatalf("first reason must win, got %q", c.Reason())
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done must be closed")
	}
}

func TestController_WatchStore(t *testing.T) {
	store := status.NewMemory()
	c := NewController()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	finished := make(chan struct{})
	go func() {
		c.Watch(ctx, store, 5*time.Millisecond)
		close(finished)
	}()

	time.Sleep(20 * time.Millisecond)
	if c.Aborted() {
		t.Fatalf("aborted without request")
	}
	if err := RequestAbort(store); err != nil {
		t.Fatalf("RequestAbort: %v", err)
	}

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatalf("abort request not observed")
	}
	<-finished
	if c.Reason() != "status store" {
		t.Fatalf("unexpected reason %q", c.Reason())
	}
}

func TestController_WatchStopsWithContext(t *testing.T) {
	c := NewController()
	ctx, cancel := context.WithCancel(context.Background())

	finished := make(chan struct{})
	go func() {
		c.Watch(ctx, status.NewMemory(), time.Millisecond)
		close(finished)
	}()
	cancel()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("Watch did not return after cancel")
	}
	if c.Aborted() {
		t.Fatalf("context end is not an abort")
	}
}
