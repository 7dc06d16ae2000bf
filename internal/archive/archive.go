// Package archive packs a finished run directory into a zip file and
// optionally uploads it to object storage.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"clone-bench/internal/logging"

	"github.com/sirupsen/logrus"
)

// AbortedSuffix marks archives of aborted runs.
const AbortedSuffix = "---aborted"

// Name returns the archive name of a run.
func Name(runID string, aborted bool) string {
	if aborted {
		return runID + AbortedSuffix
	}
	return runID
}

// Uploader stores a local file under key.
type Uploader interface {
	Upload(ctx context.Context, key, path string) error
}

type Archiver struct {
	Dir      string
	Uploader Uploader
}

// Create writes {Dir}/{name}.zip containing every file below runDir, with
// paths relative to runDir. An existing archive is replaced.
func (a Archiver) Create(runDir, name string) (string, error) {
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	finalPath := filepath.Join(a.Dir, name+".zip")
	tmp, err := os.CreateTemp(a.Dir, name+".zip.tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)
	err = filepath.WalkDir(runDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(runDir, path)
		if err != nil {
			return err
		}
		return addFile(zw, path, filepath.ToSlash(rel))
	})
	if err != nil {
		_ = zw.Close()
		return "", fmt.Errorf("failed to archive %s: %w", runDir, err)
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	}
	header.SetMode(info.Mode())

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(writer, f)
	return err
}

// Run archives the run directory and uploads the result when an uploader is
// configured. Upload failures are returned after the local archive exists.
func (a Archiver) Run(ctx context.Context, runDir, name string) (string, error) {
	logger := logging.GetLogger().WithField("archive", name)

	path, err := a.Create(runDir, name)
	if err != nil {
		return "", err
	}
	logger.WithField("path", path).Info("Run archive created")

	if a.Uploader == nil {
		return path, nil
	}
	key := filepath.Base(path)
	if err := a.Uploader.Upload(ctx, key, path); err != nil {
		return path, fmt.Errorf("failed to upload archive %s: %w", key, err)
	}
	logger.WithFields(logrus.Fields{"key": key}).Info("Run archive uploaded")
	return path, nil
}
