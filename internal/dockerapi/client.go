package dockerapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

var (
	// ErrNotFound is returned when the container or volume does not exist (any more).
	ErrNotFound = errors.New("not found")
	// ErrInUse is returned when a volume is still attached to a container.
	ErrInUse = errors.New("in use")
)

// Client is the subset of the Docker Engine API the orchestrator needs.
type Client interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (string, error)
	ContainerStart(ctx context.Context, containerID string) error
	// ContainerWait reports when the container stops running. Errors arrive on the
	// second channel; a context deadline surfaces as context.DeadlineExceeded.
	ContainerWait(ctx context.Context, containerID string) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, timeout time.Duration) error
	// ContainerLogs follows the combined, demultiplexed stdout/stderr of a container.
	ContainerLogs(ctx context.Context, containerID string) (io.ReadCloser, error)
	ContainerMounts(ctx context.Context, containerID string) ([]types.MountPoint, error)

	VolumeCreate(ctx context.Context, name string) error
	VolumeExists(ctx context.Context, name string) (bool, error)
	VolumeRemove(ctx context.Context, name string) error

	ImagePull(ctx context.Context, ref string, registryAuth string) error
	Close() error
}

// Docker implements Client on top of the Docker Engine SDK.
type Docker struct {
	cli *client.Client
}

func NewDockerClient() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", classify(err)
	}
	return resp.ID, nil
}

func (d *Docker) ContainerStart(ctx context.Context, containerID string) error {
	return classify(d.cli.ContainerStart(ctx, containerID, container.StartOptions{}))
}

func (d *Docker) ContainerWait(ctx context.Context, containerID string) (<-chan container.WaitResponse, <-chan error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	out := make(chan error, 1)
	go func() {
		select {
		case err, ok := <-errCh:
			if ok && err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				out <- classify(err)
			}
		case <-ctx.Done():
		}
		close(out)
	}()
	return statusCh, out
}

func (d *Docker) ContainerStop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	return classify(d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}))
}

func (d *Docker) ContainerLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	rc, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, classify(err)
	}

	// containers run without a TTY, so the stream is multiplexed
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		rc.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (d *Docker) ContainerMounts(ctx context.Context, containerID string) ([]types.MountPoint, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, classify(err)
	}
	return info.Mounts, nil
}

func (d *Docker) VolumeCreate(ctx context.Context, name string) error {
	_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	return classify(err)
}

func (d *Docker) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := d.cli.VolumeInspect(ctx, name)
	if err == nil {
		return true, nil
	}
	err = classify(err)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (d *Docker) VolumeRemove(ctx context.Context, name string) error {
	return classify(d.cli.VolumeRemove(ctx, name, true))
}

func (d *Docker) ImagePull(ctx context.Context, ref string, registryAuth string) error {
	pullResp, err := d.cli.ImagePull(ctx, ref, types.ImagePullOptions{RegistryAuth: registryAuth})
	if err != nil {
		return classify(err)
	}
	defer pullResp.Close()

	// Read the pull response to completion
	if _, err := io.Copy(io.Discard, pullResp); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", ref, err)
	}
	return nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

// classify wraps Docker API errors with the package sentinels while keeping
// the original message.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err) || client.IsErrNotFound(err):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errdefs.IsConflict(err) || strings.Contains(err.Error(), "volume is in use"):
		return fmt.Errorf("%w: %w", ErrInUse, err)
	default:
		return err
	}
}

// ShortID truncates a container id for logging.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
