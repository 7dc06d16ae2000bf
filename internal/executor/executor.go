// Package executor runs a single detector container for one benchmark.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clone-bench/internal/abort"
	"clone-bench/internal/config"
	"clone-bench/internal/dockerapi"
	"clone-bench/internal/logging"
	"clone-bench/internal/mounts"
	"clone-bench/internal/volume"

	"github.com/docker/docker/api/types/container"
	"github.com/sirupsen/logrus"
)

type State string

const (
	Prepared  State = "PREPARED"
	Running   State = "RUNNING"
	Completed State = "COMPLETED"
	Aborted   State = "ABORTED"
	Crashed   State = "CRASHED"
)

const (
	EnvToolName      = "CLONE_DETECTOR_TOOL_NAME"
	EnvBenchmarkName = "BENCHMARK_NAME"
)

// Spec is everything needed to run one cell.
type Spec struct {
	RunID     string
	Benchmark config.BenchmarkConfig
	Detector  config.DetectorConfig
	Mounts    mounts.MountSet
	Volume    volume.Volume
}

// Handle identifies the container of one execution.
type Handle struct {
	ID   string
	Name string
}

type Outcome struct {
	Handle   Handle
	State    State
	ExitCode int64
	Duration time.Duration
}

type Executor struct {
	cli            dockerapi.Client
	abort          *abort.Controller
	pollInterval   time.Duration
	stopTimeout    time.Duration
	entrypoint     []string
	benchmarkMount string
}

func New(cli dockerapi.Client, controller *abort.Controller, settings config.RunSettings) *Executor {
	return &Executor{
		cli:            cli,
		abort:          controller,
		pollInterval:   settings.GetPollInterval(),
		stopTimeout:    settings.GetStopTimeout(),
		entrypoint:     strings.Fields(settings.GetEntrypointCommand()),
		benchmarkMount: settings.GetBenchmarkMount(),
	}
}

// ContainerName is "{runID}-{detector}" with characters Docker rejects replaced.
func ContainerName(runID, detector string) string {
	return volume.SanitizeName(runID + "-" + strings.TrimSpace(detector))
}

func (e *Executor) containerSpec(spec Spec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:      spec.Detector.Image,
		Entrypoint: e.entrypoint,
		Env: []string{
			EnvToolName + "=" + spec.Detector.Name,
			EnvBenchmarkName + "=" + spec.Benchmark.Name,
		},
		NetworkDisabled: true,
	}
	hostCfg := &container.HostConfig{
		Mounts:     spec.Mounts.DockerMounts(),
		Binds:      []string{spec.Volume.Name + ":" + e.benchmarkMount + ":rw"},
		AutoRemove: true,
	}
	return cfg, hostCfg
}

// Run starts the detector container, streams its output into the run log and
// waits for it to finish. When the abort controller fires, the container is
// stopped and abort.ErrAborted is returned. A non-zero exit code is reported
// in the outcome, not as an error.
func (e *Executor) Run(ctx context.Context, spec Spec) (Outcome, error) {
	logger := logging.GetLogger().WithFields(logrus.Fields{
		"benchmark": spec.Benchmark.Name,
		"detector":  spec.Detector.Name,
	})

	out := Outcome{
		Handle: Handle{Name: ContainerName(spec.RunID, spec.Detector.Name)},
		State:  Prepared,
	}
	if e.abort.Aborted() {
		out.State = Aborted
		return out, abort.ErrAborted
	}

	cfg, hostCfg := e.containerSpec(spec)
	id, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, out.Handle.Name)
	if err != nil {
		out.State = Crashed
		return out, fmt.Errorf("failed to create container %s: %w", out.Handle.Name, err)
	}
	out.Handle.ID = id
	logger = logger.WithField("container_id", dockerapi.ShortID(id))

	started := time.Now()
	if err := e.cli.ContainerStart(ctx, id); err != nil {
		out.State = Crashed
		e.stop(ctx, out.Handle, logger)
		return out, fmt.Errorf("failed to start container %s: %w", out.Handle.Name, err)
	}
	out.State = Running
	logger.WithField("image", spec.Detector.Image).Info("Detector container started")

	logsCtx, cancelLogs := context.WithCancel(ctx)
	defer cancelLogs()
	logsDone := e.streamLogs(logsCtx, id, logger)

	code, waitErr := e.waitForCompletion(ctx, out.Handle, logger)
	out.Duration = time.Since(started)

	// the abort and cancel paths have stopped the container already
	if waitErr == nil {
		e.stop(ctx, out.Handle, logger)
	}

	select {
	case <-logsDone:
	case <-time.After(e.stopTimeout):
		cancelLogs()
		<-logsDone
	}

	switch {
	case errors.Is(waitErr, abort.ErrAborted):
		out.State = Aborted
		logger.Warn("Detector container aborted")
		return out, waitErr
	case waitErr != nil:
		out.State = Crashed
		return out, waitErr
	}

	out.State = Completed
	out.ExitCode = code
	entry := logger.WithFields(logrus.Fields{
		"exit_code": code,
		"duration":  out.Duration.Round(time.Millisecond).String(),
	})
	if code != 0 {
		entry.Warn("Detector container exited with non-zero code")
	} else {
		entry.Info("Detector container finished")
	}
	return out, nil
}

// streamLogs republishes every output line of the container through the run
// logger until the stream ends.
func (e *Executor) streamLogs(ctx context.Context, id string, logger *logrus.Entry) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		rc, err := e.cli.ContainerLogs(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).Warn("Failed to attach to container logs")
			}
			return
		}
		defer rc.Close()

		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if line == "" {
				continue
			}
			logger.Info(line)
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			logger.WithError(err).Debug("Container log stream ended with error")
		}
	}()
	return done
}

// waitForCompletion waits for the container to stop running, checking the
// abort controller at least every poll interval. Errors from the wait call
// are retried on the next tick.
func (e *Executor) waitForCompletion(ctx context.Context, h Handle, logger *logrus.Entry) (int64, error) {
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()

	statusCh, errCh := e.cli.ContainerWait(waitCtx, h.ID)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case resp := <-statusCh:
			if resp.Error != nil && resp.Error.Message != "" {
				logger.WithField("wait_error", resp.Error.Message).Warn("Container reported an error on exit")
			}
			return resp.StatusCode, nil

		case err, ok := <-errCh:
			if !ok || err == nil {
				errCh = nil
				continue
			}
			if errors.Is(err, dockerapi.ErrNotFound) {
				// auto-removed before the wait was registered
				logger.Debug("Container already gone while waiting")
				return 0, nil
			}
			if ctx.Err() != nil {
				continue
			}
			logger.WithError(err).Warn("Waiting for container failed, retrying")
			statusCh, errCh = nil, nil

		case <-e.abort.Done():
			logger.Info("Abort requested, stopping detector container")
			e.stop(ctx, h, logger)
			return 0, abort.ErrAborted

		case <-ticker.C:
			if e.abort.Aborted() {
				e.stop(ctx, h, logger)
				return 0, abort.ErrAborted
			}
			if statusCh == nil {
				statusCh, errCh = e.cli.ContainerWait(waitCtx, h.ID)
			}

		case <-ctx.Done():
			e.stop(context.WithoutCancel(ctx), h, logger)
			return 0, fmt.Errorf("waiting for container %s: %w", h.Name, ctx.Err())
		}
	}
}

// stop stops the container. A container that is already gone counts as
// stopped; other failures are logged only.
func (e *Executor) stop(ctx context.Context, h Handle, logger *logrus.Entry) {
	if h.ID == "" {
		return
	}
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	err := e.cli.ContainerStop(ctx, h.ID, e.stopTimeout)
	switch {
	case err == nil:
		logger.Debug("Container stopped")
	case errors.Is(err, dockerapi.ErrNotFound):
		logger.Debug("Container already removed")
	default:
		logger.WithError(err).Warn("Failed to stop container")
	}
}
