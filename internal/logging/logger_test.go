package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type recordingPublisher struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingPublisher) PublishLog(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func TestAttachRun_WritesFileAndPublishes(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "run.log")
	pub := &recordingPublisher{}

	detach, err := AttachRun(logFile, pub)
	if err != nil {
		t.Fatalf("AttachRun: %v", err)
	}
	GetLogger().WithField("detector", "NiCad").Info("container started")
	detach()
	GetLogger().Info("after detach")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "| INFO | container started detector=NiCad") {
		t.Fatalf("unexpected run log content: %q", content)
	}
	if strings.Contains(content, "after detach") {
		t.Fatalf("log written after detach: %q", content)
	}
	if len(pub.lines) != 1 {
		t.Fatalf("expected 1 published line, got %d (%v)", len(pub.lines), pub.lines)
	}
}

func TestAttachRun_DetachIsIdempotent(t *testing.T) {
	detach, err := AttachRun(filepath.Join(t.TempDir(), "run.log"), nil)
	if err != nil {
		t.Fatalf("AttachRun: %v", err)
	}
	detach()
	detach()
}

func TestSetLogLevel_RejectsUnknown(t *testing.T) {
	if err := SetLogLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
