// Package orchestrator drives a run through the benchmark x detector matrix.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"clone-bench/internal/abort"
	"clone-bench/internal/archive"
	"clone-bench/internal/config"
	"clone-bench/internal/database"
	"clone-bench/internal/dockerapi"
	"clone-bench/internal/events"
	"clone-bench/internal/executor"
	"clone-bench/internal/logging"
	"clone-bench/internal/mounts"
	"clone-bench/internal/progress"
	"clone-bench/internal/statistics"
	"clone-bench/internal/status"
	"clone-bench/internal/volume"

	"github.com/sirupsen/logrus"
)

type RunState string

const (
	Starting RunState = "STARTING"
	Running  RunState = "RUNNING"
	Finished RunState = "FINISHED"
	Failed   RunState = "FAILED"
	Aborted  RunState = "ABORTED"
)

// cleanupTimeout bounds volume removal once the process context is gone.
const cleanupTimeout = 30 * time.Second

// Cell is the benchmark/detector pair currently processed.
type Cell struct {
	Benchmark config.BenchmarkConfig
	Detector  config.DetectorConfig
	Step      int
}

// StatisticsExtractor summarizes the reports of a benchmark.
type StatisticsExtractor interface {
	Extract(benchmark string) ([]statistics.Row, error)
}

// ResultRecorder receives cell outcomes and statistics.
type ResultRecorder interface {
	RecordCell(result database.CellResult)
	RecordRecall(benchmark string, rows []statistics.Row)
}

type Options struct {
	Plan       *config.RunPlan
	Settings   config.RunSettings
	Docker     dockerapi.Client
	Store      status.Store
	Transport  progress.Transport
	Abort      *abort.Controller
	Statistics StatisticsExtractor
	Recorder   ResultRecorder
}

type Driver struct {
	plan       *config.RunPlan
	settings   config.RunSettings
	store      status.Store
	abort      *abort.Controller
	statistics StatisticsExtractor
	recorder   ResultRecorder

	publisher *progress.Publisher
	volumes   *volume.Manager
	executor  *executor.Executor
	resolver  mounts.Resolver

	mu    sync.Mutex
	state RunState
}

func NewDriver(opts Options) *Driver {
	controller := opts.Abort
	if controller == nil {
		controller = abort.NewController()
	}
	transport := opts.Transport
	if transport == nil {
		transport = events.NewBroker()
	}
	total := 0
	runID := ""
	var resolver mounts.Resolver
	if opts.Plan != nil {
		total = opts.Plan.TotalSteps()
		runID = opts.Plan.RunID
		resolver = mounts.Resolver{RunDir: opts.Plan.RunDir, HostRunDir: opts.Plan.HostRunDir}
	}

	return &Driver{
		plan:       opts.Plan,
		settings:   opts.Settings,
		store:      opts.Store,
		abort:      controller,
		statistics: opts.Statistics,
		recorder:   opts.Recorder,
		publisher:  progress.NewPublisher(transport, opts.Store, total),
		volumes:    volume.NewManager(opts.Docker, runID, opts.Settings),
		executor:   executor.New(opts.Docker, controller, opts.Settings),
		resolver:   resolver,
		state:      Starting,
	}
}

// SetVolumeRetryDelay overrides the backoff of volume removal.
func (d *Driver) SetVolumeRetryDelay(delay time.Duration) {
	d.volumes.SetRetryDelay(delay)
}

func (d *Driver) Publisher() *progress.Publisher {
	return d.publisher
}

func (d *Driver) State() RunState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s RunState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

// ArchiveName is the name of the run archive for the current state.
func (d *Driver) ArchiveName() string {
	if d.plan == nil {
		return ""
	}
	return archive.Name(d.plan.RunID, d.State() == Aborted)
}

func (d *Driver) setStatus(key, value string) {
	if d.store == nil {
		return
	}
	if err := d.store.Set(key, value); err != nil {
		logging.GetLogger().WithError(err).WithField("key", key).Warn("Failed to update status store")
	}
}

func (d *Driver) publish(eventStatus, msg string) {
	if err := d.publisher.Publish(eventStatus, msg); err != nil {
		logging.GetLogger().WithError(err).Warn("Failed to publish progress")
	}
}

// Execute runs the whole plan and returns the terminal state. FAILED comes
// with the causing error; ABORTED and FINISHED return nil.
func (d *Driver) Execute(ctx context.Context) (RunState, error) {
	logger := logging.GetLogger()

	if err := d.plan.Validate(); err != nil {
		d.setState(Failed)
		d.setStatus(status.KeyStatus, status.Failed)
		d.publish(progress.Error, fmt.Sprintf("Run configuration invalid: %v", err))
		return Failed, &ConfigurationError{Err: err}
	}

	runLog := filepath.Join(d.plan.RunDir, config.RunLogName)
	detach, err := logging.AttachRun(runLog, d.publisher)
	if err != nil {
		d.setState(Failed)
		d.setStatus(status.KeyStatus, status.Failed)
		return Failed, &ConfigurationError{Err: err}
	}
	defer detach()

	d.setStatus(status.KeyStatus, status.Starting)
	d.setStatus(status.KeyRunID, d.plan.RunID)
	d.setStatus(status.KeyDirectory, d.plan.RunDir)
	d.setStatus(status.KeyLog, runLog)

	logger.WithFields(logrus.Fields{
		"run_id":      d.plan.RunID,
		"benchmarks":  len(d.plan.Benchmarks),
		"detectors":   len(d.plan.Detectors),
		"total_steps": d.plan.TotalSteps(),
	}).Infof("Run '%s' started", d.plan.RunID)

	// observers clear their log view on startup
	d.publish(progress.Startup, "startup")
	d.setStatus(status.KeyStatus, status.Started)

	stopHeartbeat := d.publisher.StartHeartbeat(ctx, d.settings.GetHeartbeatInterval())
	defer stopHeartbeat()

	d.setState(Running)
	d.setStatus(status.KeyStatus, status.Running)

	runErr := d.runMatrix(ctx)
	stopHeartbeat()

	switch {
	case runErr == nil:
		d.setState(Finished)
		d.setStatus(status.KeyStatus, status.Finished)
		logger.Infof("All container executions of '%s' completed", d.plan.RunID)
		d.publish(progress.Finished, fmt.Sprintf("Run '%s' completed", d.plan.RunID))
		return Finished, nil

	case errors.Is(runErr, abort.ErrAborted):
		d.setState(Aborted)
		d.setStatus(status.KeyStatus, status.Aborted)
		d.publish(progress.Aborted, fmt.Sprintf("Run '%s' aborted", d.plan.RunID))
		logger.WithField("reason", d.abort.Reason()).Errorf("Run '%s' aborted", d.plan.RunID)
		return Aborted, nil

	default:
		d.setState(Failed)
		d.setStatus(status.KeyStatus, status.Failed)
		d.publish(progress.Error, fmt.Sprintf("Run '%s' failed", d.plan.RunID))
		logger.WithError(runErr).Errorf("Run '%s' failed", d.plan.RunID)

		var failure *ExecutionFailure
		if !errors.As(runErr, &failure) {
			runErr = &ExecutionFailure{Err: runErr}
		}
		return Failed, runErr
	}
}

// runMatrix runs the benchmarks ordered by name, whatever order the plan
// holds them in.
func (d *Driver) runMatrix(ctx context.Context) error {
	benchmarks := slices.Clone(d.plan.Benchmarks)
	sort.SliceStable(benchmarks, func(i, j int) bool {
		return benchmarks[i].Name < benchmarks[j].Name
	})
	for _, b := range benchmarks {
		if d.abort.Aborted() {
			return abort.ErrAborted
		}
		if err := d.runBenchmark(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// runBenchmark creates and seeds the benchmark volume, runs every detector
// against it and removes it again on every path.
func (d *Driver) runBenchmark(ctx context.Context, b config.BenchmarkConfig) (err error) {
	logger := logging.GetLogger().WithField("benchmark", b.Name)

	d.publisher.SetBenchmark(b.DisplayName())
	logger.Infof("Executing in benchmark: %s", b.DisplayName())
	d.publish(progress.Running, fmt.Sprintf("preparing container for benchmark: '%s'", b.DisplayName()))

	vol, err := d.volumes.Create(ctx, b.Name)
	if err != nil {
		return &ExecutionFailure{Benchmark: b.Name, Err: err}
	}
	defer func() {
		if rmErr := d.removeVolume(ctx, vol); rmErr != nil && err == nil {
			err = &ExecutionFailure{Benchmark: b.Name, Err: rmErr}
		}
	}()

	d.publish(progress.Running, fmt.Sprintf("start benchmark container for benchmark: '%s'", b.DisplayName()))
	logger.Debug("Seeding benchmark volume, this copies the whole dataset")
	if err := d.volumes.Populate(ctx, vol, b); err != nil {
		return &ExecutionFailure{Benchmark: b.Name, Err: err}
	}

	for _, det := range d.plan.Detectors {
		if d.abort.Aborted() {
			return abort.ErrAborted
		}
		cell := Cell{Benchmark: b, Detector: det, Step: d.publisher.Advance()}
		if err := d.runCell(ctx, cell, vol); err != nil {
			return err
		}
		d.collectStatistics(b)
	}
	return nil
}

func (d *Driver) runCell(ctx context.Context, cell Cell, vol volume.Volume) error {
	b, det := cell.Benchmark, cell.Detector
	logger := logging.GetLogger().WithFields(logrus.Fields{
		"benchmark": b.Name,
		"detector":  det.Name,
		"step":      cell.Step,
	})

	d.publish(progress.Running, fmt.Sprintf("preparing container for '%s'", det.Name))
	set, err := d.resolver.Prepare(b.Name, det)
	if err != nil {
		return &ExecutionFailure{Benchmark: b.Name, Detector: det.Name, Err: err}
	}

	d.publish(progress.Running, fmt.Sprintf("executing container for '%s'", det.Name))
	logger.Infof("start container for '%s'", det.Name)

	started := time.Now()
	out, err := d.executor.Run(ctx, executor.Spec{
		RunID:     d.plan.RunID,
		Benchmark: b,
		Detector:  det,
		Mounts:    set,
		Volume:    vol,
	})
	d.recordCell(cell, out, started)

	if errors.Is(err, abort.ErrAborted) {
		logger.Warnf("aborting run and stopping Container '%s'", det.Name)
		// the terminal aborted event follows once the volume is gone
		d.publish(progress.Running, fmt.Sprintf("aborting run and stopping Container '%s'", det.Name))
		return err
	}
	if err != nil {
		return &ExecutionFailure{Benchmark: b.Name, Detector: det.Name, Err: err}
	}

	d.publish(progress.Running, fmt.Sprintf("Container run for '%s' finished", det.Name))
	logger.Infof("Container run for '%s' finished", det.Name)
	return nil
}

func (d *Driver) recordCell(cell Cell, out executor.Outcome, started time.Time) {
	if d.recorder == nil {
		return
	}
	d.recorder.RecordCell(database.CellResult{
		Benchmark:       cell.Benchmark.Name,
		Detector:        cell.Detector.Name,
		Image:           cell.Detector.Image,
		State:           string(out.State),
		ExitCode:        out.ExitCode,
		Started:         started,
		DurationSeconds: out.Duration.Seconds(),
	})
}

// collectStatistics is best effort, failures never change the run state.
func (d *Driver) collectStatistics(b config.BenchmarkConfig) {
	if d.statistics == nil {
		return
	}
	logger := logging.GetLogger().WithField("benchmark", b.Name)

	d.publish(progress.Running, "Creating statistics file")
	logger.Info("Creating statistics file")
	rows, err := d.statistics.Extract(b.Name)
	if err != nil {
		logger.WithError(err).Error("Failed to extract statistics from the report files, maybe lines are missing in a report")
		return
	}
	if d.recorder != nil {
		d.recorder.RecordRecall(b.Name, rows)
	}
}

// removeVolume keeps retrying while the volume is in use. Once ctx is gone
// the removal gets a bounded context of its own.
func (d *Driver) removeVolume(ctx context.Context, vol volume.Volume) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
	}
	return d.volumes.Remove(ctx, vol)
}
