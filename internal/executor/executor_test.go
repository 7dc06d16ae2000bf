package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"clone-bench/internal/abort"
	"clone-bench/internal/config"
	"clone-bench/internal/dockerapi/dockertest"
	"clone-bench/internal/logging"
	"clone-bench/internal/mounts"
	"clone-bench/internal/volume"
)

const (
	testRunID   = "2026-01-01___10-00-00_demo"
	nicadImage  = "ghcr.io/example/nicad"
	testVolName = testRunID + "_benchmark_BigCloneEval_shared_volume"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) PublishLog(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) contains(substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func testSettings() config.RunSettings {
	return config.RunSettings{
		PollInterval: 10 * time.Millisecond,
		StopTimeout:  50 * time.Millisecond,
	}
}

func newSpec(t *testing.T, fake *dockertest.Fake) Spec {
	t.Helper()
	runDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(runDir, "BigCloneEval", "NiCad"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	detector := config.DetectorConfig{
		Name:                       "NiCad",
		Image:                      nicadImage,
		MountpointBase:             "/cloneDetection/",
		MountpointDetectorConfig:   "/cloneDetection/Applications/NiCad/config/myconfig.cfg",
		MountpointEntrypointConfig: "/cloneDetection/entrypoint.cfg",
	}
	set, err := mounts.Resolver{RunDir: runDir}.Prepare("BigCloneEval", detector)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := fake.VolumeCreate(context.Background(), testVolName); err != nil {
		t.Fatalf("VolumeCreate: %v", err)
	}

	return Spec{
		RunID:     testRunID,
		Benchmark: config.BenchmarkConfig{Name: "BigCloneEval", Image: "ghcr.io/example/bigcloneeval"},
		Detector:  detector,
		Mounts:    set,
		Volume:    volume.Volume{Name: testVolName, Benchmark: "BigCloneEval"},
	}
}

func TestRun_Completes(t *testing.T) {
	fake := dockertest.New()
	fake.LogLines[nicadImage] = []string{"detecting clones", "", "evaluation done"}
	spec := newSpec(t, fake)

	collector := &lineCollector{}
	detach, err := logging.AttachRun(filepath.Join(t.TempDir(), "run.log"), collector)
	if err != nil {
		t.Fatalf("AttachRun: %v", err)
	}
	defer detach()

	e := New(fake, abort.NewController(), testSettings())
	out, err := e.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.State != Completed || out.ExitCode != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Handle.Name != testRunID+"-NiCad" || out.Handle.ID == "" {
		t.Fatalf("unexpected handle %+v", out.Handle)
	}

	c := fake.ByName(out.Handle.Name)
	if !c.Config.NetworkDisabled || !c.HostConfig.AutoRemove {
		t.Fatalf("detector container must be isolated and auto-removed")
	}
	if strings.Join(c.Config.Entrypoint, " ") != config.DefaultEntrypointCommand {
		t.Fatalf("unexpected entrypoint %v", c.Config.Entrypoint)
	}
	env := strings.Join(c.Config.Env, ",")
	if !strings.Contains(env, "CLONE_DETECTOR_TOOL_NAME=NiCad") || !strings.Contains(env, "BENCHMARK_NAME=BigCloneEval") {
		t.Fatalf("unexpected env %v", c.Config.Env)
	}
	if c.HostConfig.Binds[0] != testVolName+":/cloneDetection/benchmark/:rw" {
		t.Fatalf("unexpected volume bind %v", c.HostConfig.Binds)
	}
	if len(c.HostConfig.Mounts) != 5 {
		t.Fatalf("expected 5 file mounts, got %d", len(c.HostConfig.Mounts))
	}

	if !collector.contains("detecting clones") || !collector.contains("evaluation done") {
		t.Fatalf("container output not republished: %v", collector.lines)
	}
	if !collector.contains("detector=NiCad") {
		t.Fatalf("log lines must carry the detector: %v", collector.lines)
	}
}

func TestRun_NonZeroExitIsCompleted(t *testing.T) {
	fake := dockertest.New()
	fake.ExitCodes[nicadImage] = 3
	spec := newSpec(t, fake)

	out, err := New(fake, abort.NewController(), testSettings()).Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.State != Completed || out.ExitCode != 3 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestRun_AbortDuringWait(t *testing.T) {
	fake := dockertest.New()
	fake.Hold[nicadImage] = true
	spec := newSpec(t, fake)

	controller := abort.NewController()
	fake.OnStart = func(name string) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			controller.Cancel("test")
		}()
	}

	start := time.Now()
	out, err := New(fake, controller, testSettings()).Run(context.Background(), spec)
	if !errors.Is(err, abort.ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if out.State != Aborted {
		t.Fatalf("expected ABORTED, got %s", out.State)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("abort took too long: %s", time.Since(start))
	}
	if n := fake.Count("container-stop:" + out.Handle.Name); n != 1 {
		t.Fatalf("expected exactly one stop, got %d (%v)", n, fake.CallLog())
	}
}

func TestRun_AbortedBeforeStart(t *testing.T) {
	fake := dockertest.New()
	spec := newSpec(t, fake)
	controller := abort.NewController()
	controller.Cancel("test")

	out, err := New(fake, controller, testSettings()).Run(context.Background(), spec)
	if !errors.Is(err, abort.ErrAborted) || out.State != Aborted {
		t.Fatalf("expected abort, got %+v, %v", out, err)
	}
	if n := fake.Count("container-create:"); n != 0 {
		t.Fatalf("no container may be created after abort")
	}
}

func TestRun_StartFailureCrashes(t *testing.T) {
	fake := dockertest.New()
	spec := newSpec(t, fake)
	fake.StartErr[ContainerName(testRunID, "NiCad")] = errors.New("OCI runtime create failed")

	out, err := New(fake, abort.NewController(), testSettings()).Run(context.Background(), spec)
	if err == nil {
		t.Fatalf("expected error")
	}
	if out.State != Crashed {
		t.Fatalf("expected CRASHED, got %s", out.State)
	}
}

func TestRun_MissingVolumeCrashes(t *testing.T) {
	fake := dockertest.New()
	spec := newSpec(t, fake)
	spec.Volume.Name = "missing"

	out, err := New(fake, abort.NewController(), testSettings()).Run(context.Background(), spec)
	if err == nil || out.State != Crashed {
		t.Fatalf("expected crash, got %+v, %v", out, err)
	}
	if n := fake.Count("container-start:"); n != 0 {
		t.Fatalf("container must not start without its volume")
	}
}

func TestRun_WaitErrorIsRetried(t *testing.T) {
	fake := dockertest.New()
	fake.Hold[nicadImage] = true
	fake.WaitErr = errors.New("connection reset by peer")
	fake.WaitFailures = 2
	spec := newSpec(t, fake)

	fake.OnStart = func(name string) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			fake.Finish(name, 0)
		}()
	}

	out, err := New(fake, abort.NewController(), testSettings()).Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.State != Completed {
		t.Fatalf("expected COMPLETED, got %s", out.State)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	fake := dockertest.New()
	fake.Hold[nicadImage] = true
	spec := newSpec(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	out, err := New(fake, abort.NewController(), testSettings()).Run(ctx, spec)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if out.State != Crashed {
		t.Fatalf("expected CRASHED, got %s", out.State)
	}
	if n := fake.Count("container-stop:"); n != 1 {
		t.Fatalf("container must be stopped on cancel, got %d", n)
	}
}
