// Package volume manages the shared per-benchmark dataset volumes.
package volume

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clone-bench/internal/config"
	"clone-bench/internal/dockerapi"
	"clone-bench/internal/logging"

	"github.com/docker/docker/api/types/container"
	"github.com/sirupsen/logrus"
)

// ErrVolumeExists reports a naming collision on Create.
var ErrVolumeExists = errors.New("volume already exists")

// Volume is the shared dataset volume of one benchmark.
type Volume struct {
	Name      string
	Benchmark string
}

type Manager struct {
	cli            dockerapi.Client
	runID          string
	benchmarkMount string
	retryDelay     time.Duration
	stopTimeout    time.Duration
}

func NewManager(cli dockerapi.Client, runID string, settings config.RunSettings) *Manager {
	return &Manager{
		cli:            cli,
		runID:          runID,
		benchmarkMount: settings.GetBenchmarkMount(),
		retryDelay:     config.DefaultVolumeRetryDelay,
		stopTimeout:    settings.GetStopTimeout(),
	}
}

// SetRetryDelay overrides the backoff between removal attempts.
func (m *Manager) SetRetryDelay(d time.Duration) {
	m.retryDelay = d
}

func Name(runID, benchmark string) string {
	return fmt.Sprintf("%s_benchmark_%s_shared_volume", runID, benchmark)
}

// Create allocates the benchmark's volume. An existing volume with the same
// name is never reused.
func (m *Manager) Create(ctx context.Context, benchmark string) (Volume, error) {
	v := Volume{Name: Name(m.runID, benchmark), Benchmark: benchmark}

	exists, err := m.cli.VolumeExists(ctx, v.Name)
	if err != nil {
		return Volume{}, fmt.Errorf("failed to inspect volume %s: %w", v.Name, err)
	}
	if exists {
		return Volume{}, fmt.Errorf("%w: %s", ErrVolumeExists, v.Name)
	}
	if err := m.cli.VolumeCreate(ctx, v.Name); err != nil {
		return Volume{}, fmt.Errorf("failed to create volume %s: %w", v.Name, err)
	}

	logging.GetLogger().WithFields(logrus.Fields{
		"volume":    v.Name,
		"benchmark": benchmark,
	}).Info("Benchmark volume created")
	return v, nil
}

// Populate seeds the volume by starting the benchmark image once with the
// volume mounted at the benchmark path and stopping it right away. Docker
// copies the image content at the mount point into an empty named volume
// when the container is created, before it starts.
func (m *Manager) Populate(ctx context.Context, v Volume, benchmark config.BenchmarkConfig) error {
	logger := logging.GetLogger().WithFields(logrus.Fields{
		"volume":    v.Name,
		"benchmark": benchmark.Name,
	})

	target := benchmark.BenchmarkPath
	if target == "" {
		target = m.benchmarkMount
	}

	cfg := &container.Config{
		Image:           benchmark.Image,
		NetworkDisabled: true,
		Env:             []string{"BENCHMARK_NAME=" + benchmark.Name},
	}
	hostCfg := &container.HostConfig{
		Binds:      []string{v.Name + ":" + target + ":rw"},
		AutoRemove: true,
	}

	name := containerName(m.runID, "benchmark-"+benchmark.Name)
	id, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, name)
	if err != nil {
		return fmt.Errorf("failed to create benchmark container %s: %w", name, err)
	}
	if err := m.cli.ContainerStart(ctx, id); err != nil {
		return fmt.Errorf("failed to start benchmark container %s: %w", name, err)
	}

	if err := m.cli.ContainerStop(ctx, id, m.stopTimeout); err != nil && !errors.Is(err, dockerapi.ErrNotFound) {
		logger.WithError(err).Warn("Failed to stop benchmark container")
	}

	logger.WithField("container_id", dockerapi.ShortID(id)).Info("Benchmark volume populated")
	return nil
}

// Remove deletes the volume. A missing volume is not an error. While Docker
// still reports the volume in use, removal is retried until ctx ends.
func (m *Manager) Remove(ctx context.Context, v Volume) error {
	logger := logging.GetLogger().WithField("volume", v.Name)

	for attempt := 1; ; attempt++ {
		err := m.cli.VolumeRemove(ctx, v.Name)
		switch {
		case err == nil:
			logger.Info("Benchmark volume removed")
			return nil
		case errors.Is(err, dockerapi.ErrNotFound):
			logger.Debug("Benchmark volume already removed")
			return nil
		case errors.Is(err, dockerapi.ErrInUse):
			logger.WithField("attempt", attempt).Debug("Benchmark volume still in use, retrying")
		default:
			logger.WithError(err).WithField("attempt", attempt).Warn("Failed to remove benchmark volume, retrying")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to remove volume %s: %w", v.Name, ctx.Err())
		case <-time.After(m.retryDelay):
		}
	}
}

// containerName builds a Docker container name, replacing characters Docker
// does not accept.
func containerName(runID, suffix string) string {
	return SanitizeName(runID + "-" + suffix)
}

func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
