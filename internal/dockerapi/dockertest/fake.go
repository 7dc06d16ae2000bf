// Package dockertest provides an in-memory dockerapi.Client for tests.
package dockertest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"clone-bench/internal/dockerapi"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
)

// Container is the fake's record of a created container.
type Container struct {
	ID         string
	Name       string
	Config     *container.Config
	HostConfig *container.HostConfig

	started  bool
	removed  bool
	exitCode int64
	exited   chan struct{}
	once     sync.Once
}

func (c *Container) exit(code int64) {
	c.once.Do(func() {
		c.exitCode = code
		close(c.exited)
	})
}

// Fake records every call in order. By default a started container exits
// immediately with code 0; images listed in Hold keep running until Finish or
// ContainerStop is called.
type Fake struct {
	mu sync.Mutex

	Calls      []string
	Volumes    map[string]bool
	Containers map[string]*Container
	nextID     int

	Hold      map[string]bool
	ExitCodes map[string]int64
	LogLines  map[string][]string
	Mounts    []types.MountPoint

	// VolumeBusy makes the next n VolumeRemove calls report the volume in use.
	VolumeBusy int
	StartErr   map[string]error
	StopErr    error
	PullErr    error

	// WaitErr is returned by the next WaitFailures ContainerWait calls.
	WaitErr      error
	WaitFailures int

	// OnStart runs after a container named name was started, outside the lock.
	OnStart func(name string)
}

func New() *Fake {
	return &Fake{
		Volumes:    make(map[string]bool),
		Containers: make(map[string]*Container),
		Hold:       make(map[string]bool),
		ExitCodes:  make(map[string]int64),
		LogLines:   make(map[string][]string),
		StartErr:   make(map[string]error),
	}
}

var _ dockerapi.Client = (*Fake)(nil)

func (f *Fake) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// CallLog returns a copy of the recorded calls.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// Count returns how many recorded calls start with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, c := range f.CallLog() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// ByName returns the container created with the given name.
func (f *Fake) ByName(name string) *Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Containers {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Finish lets a held container exit with code.
func (f *Fake) Finish(name string, code int64) {
	c := f.ByName(name)
	if c == nil {
		return
	}
	f.mu.Lock()
	if c.HostConfig != nil && c.HostConfig.AutoRemove {
		c.removed = true
	}
	f.mu.Unlock()
	c.exit(code)
}

func (f *Fake) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if hostConfig != nil {
		for _, bind := range hostConfig.Binds {
			source := strings.SplitN(bind, ":", 2)[0]
			if !strings.HasPrefix(source, "/") && !f.Volumes[source] {
				return "", fmt.Errorf("volume %s does not exist", source)
			}
		}
	}
	for _, c := range f.Containers {
		if c.Name == name && !c.removed {
			return "", fmt.Errorf("%w: container name %s", dockerapi.ErrInUse, name)
		}
	}

	f.nextID++
	id := fmt.Sprintf("%064d", f.nextID)
	f.Containers[id] = &Container{
		ID:         id,
		Name:       name,
		Config:     config,
		HostConfig: hostConfig,
		exited:     make(chan struct{}),
	}
	f.record("container-create:%s", name)
	return id, nil
}

func (f *Fake) ContainerStart(ctx context.Context, containerID string) error {
	f.mu.Lock()
	c, ok := f.Containers[containerID]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: container %s", dockerapi.ErrNotFound, containerID)
	}
	if err := f.StartErr[c.Name]; err != nil {
		f.mu.Unlock()
		return err
	}
	c.started = true
	f.record("container-start:%s", c.Name)
	hold := f.Hold[c.Config.Image]
	code := f.ExitCodes[c.Config.Image]
	hook := f.OnStart
	f.mu.Unlock()

	if !hold {
		f.Finish(c.Name, code)
	}
	if hook != nil {
		hook(c.Name)
	}
	return nil
}

func (f *Fake) ContainerWait(ctx context.Context, containerID string) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)

	f.mu.Lock()
	c, ok := f.Containers[containerID]
	var waitErr error
	if f.WaitFailures > 0 && f.WaitErr != nil {
		f.WaitFailures--
		waitErr = f.WaitErr
	}
	f.mu.Unlock()

	if !ok {
		errCh <- fmt.Errorf("%w: container %s", dockerapi.ErrNotFound, containerID)
		return statusCh, errCh
	}
	if waitErr != nil {
		errCh <- waitErr
		return statusCh, errCh
	}

	go func() {
		select {
		case <-c.exited:
			statusCh <- container.WaitResponse{StatusCode: c.exitCode}
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()
	return statusCh, errCh
}

func (f *Fake) ContainerStop(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	c, ok := f.Containers[containerID]
	if !ok || c.removed {
		f.mu.Unlock()
		return fmt.Errorf("%w: container %s", dockerapi.ErrNotFound, containerID)
	}
	f.record("container-stop:%s", c.Name)
	if f.StopErr != nil {
		err := f.StopErr
		f.mu.Unlock()
		return err
	}
	if c.HostConfig != nil && c.HostConfig.AutoRemove {
		c.removed = true
	}
	f.mu.Unlock()

	c.exit(137)
	return nil
}

func (f *Fake) ContainerLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[containerID]
	if !ok {
		return nil, fmt.Errorf("%w: container %s", dockerapi.ErrNotFound, containerID)
	}
	lines := f.LogLines[c.Config.Image]
	if len(lines) == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n")), nil
}

func (f *Fake) ContainerMounts(ctx context.Context, containerID string) ([]types.MountPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Mounts == nil {
		return nil, fmt.Errorf("%w: container %s", dockerapi.ErrNotFound, containerID)
	}
	return f.Mounts, nil
}

func (f *Fake) VolumeCreate(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Volumes[name] = true
	f.record("volume-create:%s", name)
	return nil
}

func (f *Fake) VolumeExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Volumes[name], nil
}

func (f *Fake) VolumeRemove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Volumes[name] {
		return fmt.Errorf("%w: volume %s", dockerapi.ErrNotFound, name)
	}
	if f.VolumeBusy > 0 {
		f.VolumeBusy--
		f.record("volume-remove-busy:%s", name)
		return fmt.Errorf("%w: volume is in use", dockerapi.ErrInUse)
	}
	for _, c := range f.Containers {
		if c.removed || c.HostConfig == nil {
			continue
		}
		for _, bind := range c.HostConfig.Binds {
			if strings.HasPrefix(bind, name+":") {
				f.record("volume-remove-busy:%s", name)
				return fmt.Errorf("%w: volume is in use by %s", dockerapi.ErrInUse, c.Name)
			}
		}
	}
	delete(f.Volumes, name)
	f.record("volume-remove:%s", name)
	return nil
}

func (f *Fake) ImagePull(ctx context.Context, ref string, registryAuth string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("image-pull:%s", ref)
	return f.PullErr
}

func (f *Fake) Close() error {
	return nil
}
