package config

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
)

type planChecksumEntry struct {
	Benchmark      string `json:"benchmark"`
	BenchmarkImage string `json:"benchmark_image"`
	Detector       string `json:"detector"`
	DetectorImage  string `json:"detector_image"`
}

type planChecksumPayload struct {
	Cells []planChecksumEntry `json:"cells"`
}

// PlanChecksum returns a short, stable checksum that identifies the executed
// matrix (benchmarks in name order x detectors in plan order with their images),
// independent of the run id and directory.
//
// It computes MD5 over a canonical JSON representation and returns the first 6 hex
// characters (equivalent to `md5sum | cut -c1-6`).
func PlanChecksum(plan *RunPlan) (string, error) {
	if plan == nil {
		return "", nil
	}

	cells := make([]planChecksumEntry, 0, plan.TotalSteps())
	for _, b := range plan.Benchmarks {
		for _, d := range plan.Detectors {
			cells = append(cells, planChecksumEntry{
				Benchmark:      b.Name,
				BenchmarkImage: b.Image,
				Detector:       d.Name,
				DetectorImage:  d.Image,
			})
		}
	}

	b, err := json.Marshal(planChecksumPayload{Cells: cells})
	if err != nil {
		return "", err
	}

	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])[:6], nil
}
