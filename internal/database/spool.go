package database

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const SpoolFileName = "results.json.gz"

// SpoolArtifact keeps the results of one run on disk so they can be written
// to the results database later.
type SpoolArtifact struct {
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`

	RunID        string `json:"run_id"`
	PlanChecksum string `json:"plan_checksum"`

	Cells    []CellResult   `json:"cells"`
	Recall   []RecallResult `json:"recall"`
	Metadata *RunMetadata   `json:"metadata"`
}

// WriteSpoolArtifact writes a gzip-compressed JSON artifact to dir atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, artifact *SpoolArtifact) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("spool artifact is nil")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	finalPath := filepath.Join(dir, SpoolFileName)

	tmp, err := os.CreateTemp(dir, SpoolFileName+".tmp.*")
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

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
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

func ReadSpoolArtifact(path string) (*SpoolArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool %s: %w", path, err)
	}
	defer gz.Close()

	var artifact SpoolArtifact
	if err := json.NewDecoder(gz).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("failed to decode spool %s: %w", path, err)
	}
	return &artifact, nil
}

// Import writes a spooled run into the results database.
func Import(ctx context.Context, w ResultsWriter, artifact *SpoolArtifact) error {
	if err := w.WriteCells(ctx, artifact.Cells); err != nil {
		return err
	}
	if err := w.WriteRecall(ctx, artifact.Recall); err != nil {
		return err
	}
	if artifact.Metadata != nil {
		if err := w.WriteMetadata(ctx, artifact.Metadata); err != nil {
			return err
		}
	}
	return nil
}
