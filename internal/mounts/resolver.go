// Package mounts maps the files of one benchmark/detector cell into the three
// coordinate spaces involved: this process, the Docker host and the detector
// container.
package mounts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"clone-bench/internal/config"

	"github.com/docker/docker/api/types/mount"
	"github.com/go-ini/ini"
)

type Role string

const (
	DetectedClones   Role = "detected_clones"
	Report           Role = "report"
	ToolConfig       Role = "tool_config"
	EntrypointConfig Role = "entrypoint_config"
	VerboseLog       Role = "verbose_log"
)

// Roles in mount order.
var Roles = []Role{DetectedClones, Report, ToolConfig, EntrypointConfig, VerboseLog}

const (
	detectClonesSection = "detectClones"
	evaluateToolSection = "evaluateTool"
	storageKey          = "storage"
)

type Mount struct {
	Role     Role
	Filename string
	// Path is the file as seen by this process.
	Path string
	// HostPath is the bind source on the Docker host.
	HostPath string
	// ContainerPath is the bind target inside the detector container.
	ContainerPath string
	ReadOnly      bool
}

// MountSet holds one Mount per role.
type MountSet map[Role]Mount

// Resolver resolves cell files below a run directory. HostRunDir may be left
// empty when this process sees the same paths as the Docker host.
type Resolver struct {
	RunDir     string
	HostRunDir string
}

func Filename(role Role, detector string) (string, error) {
	switch role {
	case DetectedClones:
		return detector + config.DetectedClonesExtension, nil
	case Report:
		return detector + config.ReportExtension, nil
	case ToolConfig:
		return detector + config.ToolConfigExtension, nil
	case EntrypointConfig:
		return config.EntrypointConfigName, nil
	case VerboseLog:
		return config.VerboseLogName, nil
	default:
		return "", fmt.Errorf("unknown mount role %q", role)
	}
}

// Resolve returns the mount for role and makes sure the local file exists.
// Existing content is kept. A missing cell directory is an error.
func (r Resolver) Resolve(role Role, benchmark string, detector config.DetectorConfig) (Mount, error) {
	filename, err := Filename(role, detector.Name)
	if err != nil {
		return Mount{}, err
	}

	hostRunDir := r.HostRunDir
	if hostRunDir == "" {
		hostRunDir = r.RunDir
	}

	m := Mount{
		Role:     role,
		Filename: filename,
		Path:     filepath.Join(r.RunDir, benchmark, detector.Name, filename),
		HostPath: filepath.Join(hostRunDir, benchmark, detector.Name, filename),
		ReadOnly: role == EntrypointConfig,
	}

	switch role {
	case ToolConfig:
		m.ContainerPath = detector.MountpointDetectorConfig
	case EntrypointConfig:
		m.ContainerPath = detector.MountpointEntrypointConfig
	default:
		m.ContainerPath = path.Join(detector.MountpointBase, filename)
	}

	if err := touch(m.Path); err != nil {
		return Mount{}, err
	}
	return m, nil
}

// Prepare resolves every role for a cell and writes the container paths of
// the result and report files into the cell's entrypoint.cfg.
func (r Resolver) Prepare(benchmark string, detector config.DetectorConfig) (MountSet, error) {
	set := make(MountSet, len(Roles))
	for _, role := range Roles {
		m, err := r.Resolve(role, benchmark, detector)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare %s mount for %s/%s: %w", role, benchmark, detector.Name, err)
		}
		set[role] = m
	}

	entries := map[string]string{
		detectClonesSection: set[DetectedClones].ContainerPath,
		evaluateToolSection: set[Report].ContainerPath,
	}
	if err := updateEntrypointConfig(set[EntrypointConfig].Path, entries); err != nil {
		return nil, err
	}
	return set, nil
}

// DockerMounts converts the set to bind mounts in role order.
func (s MountSet) DockerMounts() []mount.Mount {
	out := make([]mount.Mount, 0, len(s))
	for _, role := range Roles {
		m, ok := s[role]
		if !ok {
			continue
		}
		out = append(out, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}

// updateEntrypointConfig sets storage=<path> in the given sections, keeping
// everything else in the file.
func updateEntrypointConfig(file string, storage map[string]string) error {
	cfg, err := ini.LoadSources(ini.LoadOptions{Loose: true}, file)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", file, err)
	}
	for section, value := range storage {
		cfg.Section(section).Key(storageKey).SetValue(value)
	}
	if err := cfg.SaveTo(file); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}
	return nil
}

func touch(p string) error {
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cell directory %s does not exist: %w", filepath.Dir(p), err)
		}
		return err
	}
	return f.Close()
}
