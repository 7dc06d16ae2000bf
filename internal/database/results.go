package database

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"clone-bench/internal/config"
	"clone-bench/internal/statistics"
)

// CellResult is the outcome of one detector execution on one benchmark.
type CellResult struct {
	RunID           string    `json:"run_id"`
	Benchmark       string    `json:"benchmark"`
	Detector        string    `json:"detector"`
	Image           string    `json:"image"`
	State           string    `json:"state"`
	ExitCode        int64     `json:"exit_code"`
	Started         time.Time `json:"started"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// RecallResult is one clone type row of a detector's evaluation report.
type RecallResult struct {
	RunID               string  `json:"run_id"`
	Benchmark           string  `json:"benchmark"`
	Detector            string  `json:"detector"`
	CloneType           string  `json:"clone_type"`
	NumDetected         int64   `json:"num_detected"`
	NumClones           int64   `json:"num_clones"`
	Recall              float64 `json:"recall"`
	RuntimeSeconds      float64 `json:"runtime_seconds"`
	TotalReportedClones int64   `json:"total_reported_clones"`
}

// RecallFromRows converts summary rows. Unparsable numbers are left at zero.
func RecallFromRows(runID, benchmark string, rows []statistics.Row) []RecallResult {
	out := make([]RecallResult, 0, len(rows))
	for _, row := range rows {
		out = append(out, RecallResult{
			RunID:               runID,
			Benchmark:           benchmark,
			Detector:            row.Name,
			CloneType:           row.Type,
			NumDetected:         parseInt(row.NumDetected),
			NumClones:           parseInt(row.NumClones),
			Recall:              parseFloat(row.Recall),
			RuntimeSeconds:      parseFloat(row.Runtime),
			TotalReportedClones: parseInt(row.TotalReportedClones),
		})
	}
	return out
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

// RunMetadata describes a whole run.
type RunMetadata struct {
	RunID           string `json:"run_id"`
	State           string `json:"state"`
	PlanChecksum    string `json:"plan_checksum"`
	RunStarted      string `json:"run_started"`  // RFC3339 timestamp
	RunFinished     string `json:"run_finished"` // RFC3339 timestamp
	DurationSeconds int64  `json:"duration_seconds"`
	TotalCells      int    `json:"total_cells"`
	CompletedCells  int    `json:"completed_cells"`
	Benchmarks      string `json:"benchmarks"`
	Detectors       string `json:"detectors"`
	DriverVersion   string `json:"driver_version"`
	Hostname        string `json:"hostname"`
	OSInfo          string `json:"os_info"`
	KernelVersion   string `json:"kernel_version"`
	CPUVendor       string `json:"cpu_vendor"`
	CPUModel        string `json:"cpu_model"`
	CPUThreads      int    `json:"cpu_threads"`
	ConfigFile      string `json:"config_file"`
}

// SystemInfo contains host system information
type SystemInfo struct {
	Hostname      string
	OSInfo        string
	KernelVersion string
	CPUVendor     string
	CPUModel      string
	CPUThreads    int
}

// collectSystemInfo gathers host system information
func collectSystemInfo() *SystemInfo {
	info := &SystemInfo{}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info.Hostname = hostname
	info.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	// Get kernel version from /proc/version
	if data, err := os.ReadFile("/proc/version"); err == nil {
		parts := strings.Fields(string(data))
		if len(parts) >= 3 {
			info.KernelVersion = parts[2]
		}
	}
	if info.KernelVersion == "" {
		info.KernelVersion = "unknown"
	}

	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			switch strings.TrimSpace(key) {
			case "vendor_id":
				info.CPUVendor = strings.TrimSpace(value)
			case "model name":
				info.CPUModel = strings.TrimSpace(value)
			}
		}
	}
	if info.CPUVendor == "" {
		info.CPUVendor = "unknown"
	}
	if info.CPUModel == "" {
		info.CPUModel = "unknown"
	}

	info.CPUThreads = runtime.NumCPU()
	return info
}

func CollectRunMetadata(plan *config.RunPlan, configContent, state string, completed int, startTime, endTime time.Time, driverVersion string) *RunMetadata {
	sysInfo := collectSystemInfo()

	checksum, err := config.PlanChecksum(plan)
	if err != nil {
		checksum = ""
	}

	benchmarks := make([]string, 0, len(plan.Benchmarks))
	for _, b := range plan.Benchmarks {
		benchmarks = append(benchmarks, b.Name)
	}
	detectors := make([]string, 0, len(plan.Detectors))
	for _, d := range plan.Detectors {
		detectors = append(detectors, d.Name)
	}

	return &RunMetadata{
		RunID:           plan.RunID,
		State:           state,
		PlanChecksum:    checksum,
		RunStarted:      startTime.Format(time.RFC3339),
		RunFinished:     endTime.Format(time.RFC3339),
		DurationSeconds: int64(endTime.Sub(startTime).Seconds()),
		TotalCells:      plan.TotalSteps(),
		CompletedCells:  completed,
		Benchmarks:      strings.Join(benchmarks, ","),
		Detectors:       strings.Join(detectors, ","),
		DriverVersion:   driverVersion,
		Hostname:        sysInfo.Hostname,
		OSInfo:          sysInfo.OSInfo,
		KernelVersion:   sysInfo.KernelVersion,
		CPUVendor:       sysInfo.CPUVendor,
		CPUModel:        sysInfo.CPUModel,
		CPUThreads:      sysInfo.CPUThreads,
		ConfigFile:      configContent,
	}
}
