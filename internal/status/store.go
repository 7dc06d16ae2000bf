// Package status is the key-value system of record for run status. A run
// worker, the stop command and the observer API all share one store.
package status

import (
	"errors"
	"os"
	"strings"
	"sync"
)

const (
	KeyStatus    = "run.status"
	KeyProgress  = "run.progress"
	KeyRunID     = "run.id"
	KeyTaskID    = "run.task.id"
	KeyDirectory = "run.directory"
	KeyLog       = "run.log"
	KeyAbort     = "run.abort"
)

// Values of run.status.
const (
	Starting = "starting"
	Started  = "started"
	Running  = "running"
	Finished = "finished"
	Failed   = "failed"
	Aborted  = "aborted"
)

// ErrNotFound is returned by Get and GetFields for unknown keys.
var ErrNotFound = errors.New("status key not found")

// Store holds plain string keys and string hashes. Writes are last-write-wins.
type Store interface {
	Set(key, value string) error
	Get(key string) (string, error)
	Delete(key string) error
	SetFields(key string, fields map[string]string) error
	GetFields(key string) (map[string]string, error)
}

func DefaultStatusDir() string {
	if v := strings.TrimSpace(os.Getenv("CLONE_BENCH_STATUS_DIR")); v != "" {
		return v
	}
	return "status"
}

// Memory is a process-local Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
	hashes map[string]map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]string),
		hashes: make(map[string]map[string]string),
	}
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.hashes, key)
	return nil
}

// SetFields merges fields into the hash stored at key.
func (m *Memory) SetFields(key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *Memory) GetFields(key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}
