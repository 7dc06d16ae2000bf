package statistics

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
)

const sampleReport = `-- Tool: NiCad - Java --
#Clones: 1030568
Runtime (s) of detectClones: 6719.07
================================================================================
    All Functionalities
================================================================================
-- Recall Per Clone Type (type: numDetected / numClones = recall) --
              Type-1: 20777 / 47146 = 0.44069486276672465
              Type-2: 3474 / 4609 = 0.7537426773703624
      Type-2 (blind): 242 / 386 = 0.6269430051813472
Weakly Type-3/Type-4: 2583 / 8219320 = 3.1425957378469267E-4

-- Recall Per Clone Type (ignored second block) --
`

func writeReport(t *testing.T, dir, detector, content string) string {
	t.Helper()
	cell := filepath.Join(dir, detector)
	if err := os.MkdirAll(cell, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	path := filepath.Join(cell, detector+".report")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParseReport(t *testing.T) {
	path := writeReport(t, t.TempDir(), "NiCad", sampleReport)

	rows, err := ParseReport(path)
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d: %+v", len(rows), rows)
	}

	first := rows[0]
	if first.Name != "NiCad" || first.Runtime != "6719.07" || first.TotalReportedClones != "1030568" {
		t.Fatalf("unexpected header fields %+v", first)
	}
	if first.Type != "Type-1" || first.NumDetected != "20777" || first.NumClones != "47146" || first.Recall != "0.44069486276672465" {
		t.Fatalf("unexpected row %+v", first)
	}

	last := rows[3]
	if last.Type != "Weakly Type-3/Type-4" || last.NumClones != "8219320" || last.Recall != "3.1425957378469267E-4" {
		t.Fatalf("unexpected last row %+v", last)
	}
}

func TestParseReport_MissingRecallSection(t *testing.T) {
	path := writeReport(t, t.TempDir(), "NiCad", "#Clones: 12\n")
	if _, err := ParseReport(path); err == nil {
		t.Fatalf("expected error for report without recall section")
	}
}

func TestExtract_WritesSummary(t *testing.T) {
	runDir := t.TempDir()
	benchDir := filepath.Join(runDir, "BigCloneEval")
	writeReport(t, benchDir, "NiCad", sampleReport)
	writeReport(t, benchDir, "Oreo", "")

	rows, err := Extractor{RunDir: runDir}.Extract("BigCloneEval")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}

	f, err := os.Open(filepath.Join(benchDir, "summary.csv"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected header + 4 rows, got %d", len(records))
	}
	if records[0][2] != "TotalReportedClones (true and false positives)" {
		t.Fatalf("unexpected header %v", records[0])
	}
	if records[3][3] != "Type-2 (blind)" {
		t.Fatalf("unexpected row %v", records[3])
	}
}
