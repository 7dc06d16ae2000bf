package orchestrator

import (
	"fmt"
)

// ConfigurationError is returned before any container was started.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid run configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ExecutionFailure wraps an error that failed the run. Benchmark and Detector
// name the cell, Detector is empty for benchmark level steps.
type ExecutionFailure struct {
	Benchmark string
	Detector  string
	Err       error
}

func (e *ExecutionFailure) Error() string {
	if e.Detector == "" {
		return fmt.Sprintf("benchmark %s: %v", e.Benchmark, e.Err)
	}
	return fmt.Sprintf("benchmark %s, detector %s: %v", e.Benchmark, e.Detector, e.Err)
}

func (e *ExecutionFailure) Unwrap() error {
	return e.Err
}
