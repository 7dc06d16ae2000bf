// Package statistics turns BigCloneEval report files into per-benchmark
// summary tables.
package statistics

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"clone-bench/internal/config"
	"clone-bench/internal/logging"

	"github.com/sirupsen/logrus"
)

const recallHeader = "-- Recall Per Clone Type (type: numDetected / numClones = recall) --"

// SummaryColumns is the header of summary.csv.
var SummaryColumns = []string{
	"Name",
	"Runtime",
	"TotalReportedClones (true and false positives)",
	"Type",
	"numDetected",
	"numClones",
	"recall",
}

// Row is one clone type of one detector.
type Row struct {
	Name                string
	Runtime             string
	TotalReportedClones string
	Type                string
	NumDetected         string
	NumClones           string
	Recall              string
}

func (r Row) record() []string {
	return []string{r.Name, r.Runtime, r.TotalReportedClones, r.Type, r.NumDetected, r.NumClones, r.Recall}
}

// ParseReport reads a report file. The detector name is taken from the
// parent directory.
func ParseReport(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	name := filepath.Base(filepath.Dir(path))
	var runtime, total string
	var rows []Row

	scanner := bufio.NewScanner(f)
	inRecall := false
	for scanner.Scan() {
		line := scanner.Text()

		if inRecall {
			if strings.TrimSpace(line) == "" {
				break
			}
			row, err := parseRecallLine(line)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			rows = append(rows, row)
			continue
		}

		switch {
		case strings.Contains(line, "#Clones:"):
			total = valueAfterColon(line)
		case strings.Contains(line, "Runtime (s) of detectClones:"):
			runtime = valueAfterColon(line)
		case strings.Contains(line, recallHeader):
			inRecall = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !inRecall {
		return nil, fmt.Errorf("%s: no recall section found", path)
	}

	for i := range rows {
		rows[i].Name = name
		rows[i].Runtime = runtime
		rows[i].TotalReportedClones = total
	}
	return rows, nil
}

// parseRecallLine parses "Type-1: 18358 / 47146 = 0.389".
func parseRecallLine(line string) (Row, error) {
	colon := strings.LastIndex(line, ":")
	if colon < 0 {
		return Row{}, fmt.Errorf("malformed recall line %q", line)
	}
	cloneType := strings.TrimSpace(line[:colon])
	rest := line[colon+1:]

	slash := strings.Index(rest, "/")
	eq := strings.LastIndex(rest, "=")
	if slash < 0 || eq < slash {
		return Row{}, fmt.Errorf("malformed recall line %q", line)
	}
	return Row{
		Type:        cloneType,
		NumDetected: strings.TrimSpace(rest[:slash]),
		NumClones:   strings.TrimSpace(rest[slash+1 : eq]),
		Recall:      strings.TrimSpace(rest[eq+1:]),
	}, nil
}

func valueAfterColon(line string) string {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Extractor builds summary.csv for a benchmark from all detector reports
// found below {runDir}/{benchmark}.
type Extractor struct {
	RunDir string
}

// Extract rewrites the summary of the benchmark and returns the rows written.
// Empty reports of detectors that have not run yet are skipped.
func (e Extractor) Extract(benchmark string) ([]Row, error) {
	logger := logging.GetLogger()
	dir := filepath.Join(e.RunDir, benchmark)

	reports, err := filepath.Glob(filepath.Join(dir, "*", "*"+config.ReportExtension))
	if err != nil {
		return nil, err
	}
	sort.Strings(reports)

	var rows []Row
	for _, report := range reports {
		info, err := os.Stat(report)
		if err != nil {
			return nil, err
		}
		if info.Size() == 0 {
			continue
		}
		parsed, err := ParseReport(report)
		if err != nil {
			return nil, err
		}
		rows = append(rows, parsed...)
	}

	path := filepath.Join(dir, config.SummaryName)
	if err := WriteSummary(path, rows); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"benchmark": benchmark,
		"reports":   len(reports),
		"rows":      len(rows),
	}).Info("Statistics summary written")
	return rows, nil
}

func WriteSummary(path string, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(SummaryColumns); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Write(row.record()); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
