package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Dir is a Store shared between processes on one host. Every key lives in its
// own file below the directory, so writers owning different keys never clobber
// each other. Files are replaced atomically.
type Dir struct {
	path string
	mu   sync.Mutex
}

func NewDir(path string) (*Dir, error) {
	if path == "" {
		path = DefaultStatusDir()
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create status directory: %w", err)
	}
	return &Dir{path: path}, nil
}

func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) valueFile(key string) string {
	return filepath.Join(d.path, key)
}

func (d *Dir) hashFile(key string) string {
	return filepath.Join(d.path, key+".json")
}

func (d *Dir) Set(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return writeAtomic(d.valueFile(key), []byte(value))
}

func (d *Dir) Get(key string) (string, error) {
	data, err := os.ReadFile(d.valueFile(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *Dir) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range []string{d.valueFile(key), d.hashFile(key)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (d *Dir) SetFields(key string, fields map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, err := d.readHash(key)
	if errors.Is(err, ErrNotFound) {
		h = make(map[string]string, len(fields))
	} else if err != nil {
		return err
	}
	for k, v := range fields {
		h[k] = v
	}

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return writeAtomic(d.hashFile(key), data)
}

func (d *Dir) GetFields(key string) (map[string]string, error) {
	return d.readHash(key)
}

func (d *Dir) readHash(key string) (map[string]string, error) {
	data, err := os.ReadFile(d.hashFile(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	h := make(map[string]string)
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return h, nil
}

func writeAtomic(finalPath string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(finalPath), filepath.Base(finalPath)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}
	ok = true
	return nil
}
