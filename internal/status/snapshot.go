package status

import (
	"errors"
	"strings"
)

// Snapshot is the observable state of the latest run.
type Snapshot struct {
	Status         string            `json:"status"`
	RunID          string            `json:"run_id"`
	TaskID         string            `json:"task_id"`
	Directory      string            `json:"directory"`
	Log            string            `json:"log"`
	AbortRequested bool              `json:"abort_requested"`
	Progress       map[string]string `json:"progress"`
}

// Executing reports whether the stored progress marks a run as active.
func (s Snapshot) Executing() bool {
	return s.Progress["isExecuted"] == "True"
}

// Read collects a Snapshot. Missing keys stay empty.
func Read(store Store) (Snapshot, error) {
	var snap Snapshot
	for key, dst := range map[string]*string{
		KeyStatus:    &snap.Status,
		KeyRunID:     &snap.RunID,
		KeyTaskID:    &snap.TaskID,
		KeyDirectory: &snap.Directory,
		KeyLog:       &snap.Log,
	} {
		v, err := store.Get(key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Snapshot{}, err
		}
		*dst = v
	}

	abortFlag, err := store.Get(KeyAbort)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Snapshot{}, err
	}
	snap.AbortRequested = strings.EqualFold(strings.TrimSpace(abortFlag), "true")

	progress, err := store.GetFields(KeyProgress)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Snapshot{}, err
	}
	if progress == nil {
		progress = map[string]string{}
	}
	snap.Progress = progress
	return snap, nil
}
