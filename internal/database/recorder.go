package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"clone-bench/internal/logging"
	"clone-bench/internal/statistics"

	"github.com/sirupsen/logrus"
)

// Recorder collects the results of a run while it executes and hands them to
// the spool and the results database at the end.
type Recorder struct {
	mu     sync.Mutex
	runID  string
	writer ResultsWriter
	cells  []CellResult
	recall map[string][]RecallResult
}

// NewRecorder returns a recorder. writer may be nil when no results database
// is configured.
func NewRecorder(runID string, writer ResultsWriter) *Recorder {
	return &Recorder{
		runID:  runID,
		writer: writer,
		recall: make(map[string][]RecallResult),
	}
}

func (r *Recorder) RecordCell(c CellResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.RunID = r.runID
	r.cells = append(r.cells, c)
}

// RecordRecall replaces the recall rows of a benchmark with the latest summary.
func (r *Recorder) RecordRecall(benchmark string, rows []statistics.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recall[benchmark] = RecallFromRows(r.runID, benchmark, rows)
}

// Completed counts cells that ran to completion.
func (r *Recorder) Completed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.cells {
		if c.State == "COMPLETED" {
			n++
		}
	}
	return n
}

func (r *Recorder) artifact(metadata *RunMetadata) *SpoolArtifact {
	r.mu.Lock()
	defer r.mu.Unlock()

	benchmarks := make([]string, 0, len(r.recall))
	for b := range r.recall {
		benchmarks = append(benchmarks, b)
	}
	sort.Strings(benchmarks)

	var recall []RecallResult
	for _, b := range benchmarks {
		recall = append(recall, r.recall[b]...)
	}

	a := &SpoolArtifact{
		Version:   1,
		CreatedAt: time.Now(),
		RunID:     r.runID,
		Cells:     append([]CellResult(nil), r.cells...),
		Recall:    recall,
		Metadata:  metadata,
	}
	if metadata != nil {
		a.PlanChecksum = metadata.PlanChecksum
	}
	return a
}

// Flush spools the results into dir and writes them to the results database
// if one is configured. The spool is written first so a database failure
// loses nothing.
func (r *Recorder) Flush(ctx context.Context, dir string, metadata *RunMetadata) error {
	logger := logging.GetLogger()
	artifact := r.artifact(metadata)

	var errs []error
	path, err := WriteSpoolArtifact(dir, artifact)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to spool results: %w", err))
	} else {
		logger.WithField("path", path).Debug("Results spooled")
	}

	if r.writer != nil {
		if err := Import(ctx, r.writer, artifact); err != nil {
			errs = append(errs, fmt.Errorf("failed to write results: %w", err))
		} else {
			logger.WithFields(logrus.Fields{
				"cells":  len(artifact.Cells),
				"recall": len(artifact.Recall),
			}).Info("Results written to InfluxDB")
		}
	}
	return errors.Join(errs...)
}
