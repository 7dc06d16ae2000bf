package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var runNamePattern = regexp.MustCompile(`^[\w.-]*$`)

// RunPlan is the immutable input of one run.
type RunPlan struct {
	RunID string
	// RunDir is the run directory as seen by this process.
	RunDir string
	// HostRunDir is the same directory as seen by the container runtime's host.
	// Empty means both coordinate spaces are identical.
	HostRunDir string
	Detectors  []DetectorConfig
	Benchmarks []BenchmarkConfig
}

func ValidateRunName(name string) error {
	if !runNamePattern.MatchString(name) {
		return fmt.Errorf("run name %q: only [a-z A-Z 0-9 _ . -] allowed, no whitespaces", name)
	}
	return nil
}

// NewRunDir returns the directory for a new run below runsDir, named
// "2006-01-02___15-04-05" with an optional "_<name>" suffix. Nothing is created.
func NewRunDir(runsDir, name string, now time.Time) (string, error) {
	if err := ValidateRunName(name); err != nil {
		return "", err
	}
	dir := now.Format("2006-01-02___15-04-05")
	if name != "" {
		dir = dir + "_" + name
	}
	return filepath.Join(runsDir, dir), nil
}

// NewRunPlan snapshots the configuration into a plan rooted at runDir.
func (c *Config) NewRunPlan(runDir string) *RunPlan {
	plan := &RunPlan{
		RunID:      filepath.Base(runDir),
		RunDir:     runDir,
		Detectors:  append([]DetectorConfig(nil), c.Detectors...),
		Benchmarks: c.GetBenchmarksSorted(),
	}
	if c.Run.HostRunsDir != "" {
		plan.HostRunDir = filepath.Join(c.Run.HostRunsDir, plan.RunID)
	}
	return plan
}

func (p *RunPlan) TotalSteps() int {
	return len(p.Detectors) * len(p.Benchmarks)
}

func (p *RunPlan) Validate() error {
	if p == nil {
		return errors.New("run plan is nil")
	}
	if p.RunID == "" || p.RunDir == "" {
		return errors.New("run plan requires a run id and a run directory")
	}
	if len(p.Detectors) == 0 {
		return errors.New("run plan contains no detectors")
	}
	if len(p.Benchmarks) == 0 {
		return errors.New("run plan contains no benchmarks")
	}
	for _, d := range p.Detectors {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("detector: %w", err)
		}
	}
	for _, b := range p.Benchmarks {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("benchmark: %w", err)
		}
	}
	info, err := os.Stat(p.RunDir)
	if err != nil {
		return fmt.Errorf("run directory %s: %w", p.RunDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("run directory %s is not a directory", p.RunDir)
	}
	return nil
}

// CellDir is {runDir}/{benchmark}/{detector}.
func (p *RunPlan) CellDir(benchmark, detector string) string {
	return filepath.Join(p.RunDir, benchmark, detector)
}

// PrepareRunDir creates the run directory tree and copies the configured tool
// and entrypoint configuration files into every cell directory.
func PrepareRunDir(plan *RunPlan) error {
	if err := os.MkdirAll(plan.RunDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	for _, b := range plan.Benchmarks {
		for _, d := range plan.Detectors {
			dir := plan.CellDir(b.Name, d.Name)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
			if d.ConfigFile != "" {
				if err := copyFile(d.ConfigFile, filepath.Join(dir, d.Name+ToolConfigExtension)); err != nil {
					return fmt.Errorf("detector %s: %w", d.Name, err)
				}
			}
			if b.EntrypointConfig != "" {
				if err := copyFile(b.EntrypointConfig, filepath.Join(dir, EntrypointConfigName)); err != nil {
					return fmt.Errorf("benchmark %s: %w", b.Name, err)
				}
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}
