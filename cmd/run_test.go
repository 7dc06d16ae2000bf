package cmd

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"clone-bench/internal/abort"
	"clone-bench/internal/config"
	"clone-bench/internal/database"
	"clone-bench/internal/dockerapi/dockertest"
	"clone-bench/internal/orchestrator"
	"clone-bench/internal/status"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		Run: config.RunSettings{
			Name:              "demo",
			RunsDir:           filepath.Join(root, "runs"),
			PollInterval:      10 * time.Millisecond,
			StopTimeout:       50 * time.Millisecond,
			HeartbeatInterval: time.Hour,
		},
		Archive: config.ArchiveConfig{Enabled: true, Dir: filepath.Join(root, "downloads")},
		Benchmarks: []config.BenchmarkConfig{{
			Name:          "BigCloneEval",
			Image:         "ghcr.io/example/bigcloneeval",
			BenchmarkPath: "/cloneDetection/benchmark/",
		}},
		Detectors: []config.DetectorConfig{{
			Name:                       "NiCad",
			Image:                      "ghcr.io/example/nicad",
			MountpointBase:             "/cloneDetection/",
			MountpointDetectorConfig:   "/cloneDetection/Applications/NiCad/config/myconfig.cfg",
			MountpointEntrypointConfig: "/cloneDetection/entrypoint.cfg",
		}},
	}
}

func TestExecuteRun_SpoolsAndArchives(t *testing.T) {
	cfg := testConfig(t)
	store := status.NewMemory()
	_ = store.Set(status.KeyAbort, "True")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	state, err := executeRun(ctx, runEnv{
		cfg:        cfg,
		docker:     dockertest.New(),
		store:      store,
		controller: abort.NewController(),
		now:        now,
	})
	if err != nil {
		t.Fatalf("executeRun: %v", err)
	}
	if state != orchestrator.Finished {
		t.Fatalf("a stale abort flag must not abort the new run, got %s", state)
	}

	runID := "2026-01-01___10-00-00_demo"
	runDir := filepath.Join(cfg.Run.RunsDir, runID)
	artifact, err := database.ReadSpoolArtifact(filepath.Join(runDir, database.SpoolFileName))
	if err != nil {
		t.Fatalf("ReadSpoolArtifact: %v", err)
	}
	if artifact.RunID != runID || len(artifact.Cells) != 1 || artifact.Metadata == nil {
		t.Fatalf("unexpected artifact %+v", artifact)
	}
	if artifact.Metadata.State != string(orchestrator.Finished) {
		t.Fatalf("unexpected metadata state %q", artifact.Metadata.State)
	}

	if v, _ := store.Get(status.KeyTaskID); v == "" {
		t.Fatalf("task id not stored")
	}

	zr, err := zip.OpenReader(filepath.Join(cfg.Archive.Dir, runID+".zip"))
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	defer zr.Close()
	found := false
	for _, f := range zr.File {
		if f.Name == config.RunLogName {
			found = true
		}
	}
	if !found {
		t.Fatalf("archive misses %s", config.RunLogName)
	}
}

func TestExecuteRun_RefusesWhileExecuting(t *testing.T) {
	cfg := testConfig(t)
	store := status.NewMemory()
	_ = store.Set(status.KeyRunID, "other")
	_ = store.SetFields(status.KeyProgress, map[string]string{"isExecuted": "True"})
	fake := dockertest.New()

	_, err := executeRun(context.Background(), runEnv{
		cfg:        cfg,
		docker:     fake,
		store:      store,
		controller: abort.NewController(),
		now:        time.Now(),
	})
	if err == nil || !strings.Contains(err.Error(), "other") {
		t.Fatalf("expected refusal naming the active run, got %v", err)
	}
	if len(fake.CallLog()) != 0 {
		t.Fatalf("no docker calls expected: %v", fake.CallLog())
	}
	if _, statErr := os.Stat(cfg.Run.RunsDir); !os.IsNotExist(statErr) {
		t.Fatalf("no run directory may be created")
	}
}

func TestStopRun(t *testing.T) {
	store := status.NewMemory()
	if err := stopRun(store); err != nil {
		t.Fatalf("stopRun without a run: %v", err)
	}
	if _, err := store.Get(status.KeyAbort); err == nil {
		t.Fatalf("no abort flag expected without an active run")
	}

	_ = store.SetFields(status.KeyProgress, map[string]string{"isExecuted": "True"})
	if err := stopRun(store); err != nil {
		t.Fatalf("stopRun: %v", err)
	}
	if v, _ := store.Get(status.KeyAbort); v != "True" {
		t.Fatalf("abort flag = %q", v)
	}
}

func TestValidateConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yml")
	content := `run:
  name: demo
  runs_dir: ` + filepath.Join(dir, "runs") + `
benchmarks:
  - name: BigCloneEval
    image: ghcr.io/example/bigcloneeval
    benchmark_path: /cloneDetection/benchmark/
detectors:
  - name: NiCad
    image: ghcr.io/example/nicad
    mountpoint_base: /cloneDetection/
    mountpoint_detector_config: /cloneDetection/Applications/NiCad/config/myconfig.cfg
    mountpoint_entrypoint_config: /cloneDetection/entrypoint.cfg
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := validateConfig(path); err != nil {
		t.Fatalf("validateConfig: %v", err)
	}
	if err := validateConfig(filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}

func TestHandleSignals_RepeatedSignalCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	controller := abort.NewController()
	sigChan := make(chan os.Signal, 1)

	done := make(chan struct{})
	go func() {
		handleSignals(ctx, sigChan, controller, cancel)
		close(done)
	}()

	sigChan <- syscall.SIGINT
	select {
	case <-controller.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("first signal must abort the run")
	}
	if ctx.Err() != nil {
		t.Fatalf("first signal must leave the context alive")
	}

	sigChan <- syscall.SIGINT
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("second signal was swallowed")
	}
	if ctx.Err() == nil {
		t.Fatalf("second signal must cancel the context")
	}
}
