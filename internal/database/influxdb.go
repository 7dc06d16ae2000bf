package database

import (
	"context"
	"fmt"
	"time"

	"clone-bench/internal/config"
	"clone-bench/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

const (
	measurementCell   = "cell_execution"
	measurementRecall = "clone_recall"
	measurementMeta   = "run_meta"
)

// ResultsWriter stores run results in a results database.
type ResultsWriter interface {
	WriteCells(ctx context.Context, cells []CellResult) error
	WriteRecall(ctx context.Context, rows []RecallResult) error
	WriteMetadata(ctx context.Context, metadata *RunMetadata) error
	Close()
}

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
}

var _ ResultsWriter = (*InfluxDBClient)(nil)

func NewInfluxDBClient(ctx context.Context, config config.DatabaseConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(config.Host, config.Password)

	// Test connection
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", config.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}

	if health.Status != "pass" {
		message := ""
		if health.Message != nil {
			message = *health.Message
		}
		logger.WithFields(logrus.Fields{
			"host":    config.Host,
			"status":  health.Status,
			"message": message,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb health check failed: %s", health.Status)
	}

	logger.WithFields(logrus.Fields{
		"host":   config.Host,
		"bucket": config.Name,
		"org":    config.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(config.Org, config.Name),
		bucket:   config.Name,
		org:      config.Org,
	}, nil
}

func cellPoint(c CellResult) *write.Point {
	return influxdb2.NewPoint(measurementCell,
		map[string]string{
			"run_id":    c.RunID,
			"benchmark": c.Benchmark,
			"detector":  c.Detector,
			"image":     c.Image,
			"state":     c.State,
		},
		map[string]interface{}{
			"exit_code":        c.ExitCode,
			"duration_seconds": c.DurationSeconds,
		},
		c.Started)
}

func recallPoint(r RecallResult, ts time.Time) *write.Point {
	return influxdb2.NewPoint(measurementRecall,
		map[string]string{
			"run_id":     r.RunID,
			"benchmark":  r.Benchmark,
			"detector":   r.Detector,
			"clone_type": r.CloneType,
		},
		map[string]interface{}{
			"num_detected":          r.NumDetected,
			"num_clones":            r.NumClones,
			"recall":                r.Recall,
			"runtime_seconds":       r.RuntimeSeconds,
			"total_reported_clones": r.TotalReportedClones,
		},
		ts)
}

func metadataPoint(metadata *RunMetadata, ts time.Time) *write.Point {
	return influxdb2.NewPoint(measurementMeta,
		map[string]string{
			"run_id": metadata.RunID,
			"state":  metadata.State,
		},
		map[string]interface{}{
			"plan_checksum":    metadata.PlanChecksum,
			"run_started":      metadata.RunStarted,
			"run_finished":     metadata.RunFinished,
			"duration_seconds": metadata.DurationSeconds,
			"total_cells":      metadata.TotalCells,
			"completed_cells":  metadata.CompletedCells,
			"benchmarks":       metadata.Benchmarks,
			"detectors":        metadata.Detectors,
			"driver_version":   metadata.DriverVersion,
			"hostname":         metadata.Hostname,
			"os_info":          metadata.OSInfo,
			"kernel_version":   metadata.KernelVersion,
			"cpu_vendor":       metadata.CPUVendor,
			"cpu_model":        metadata.CPUModel,
			"cpu_threads":      metadata.CPUThreads,
			"config_file":      metadata.ConfigFile,
		},
		ts)
}

func (idb *InfluxDBClient) WriteCells(ctx context.Context, cells []CellResult) error {
	if len(cells) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(cells))
	for _, c := range cells {
		points = append(points, cellPoint(c))
	}
	if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write cell points: %w", err)
	}
	return nil
}

func (idb *InfluxDBClient) WriteRecall(ctx context.Context, rows []RecallResult) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now()
	points := make([]*write.Point, 0, len(rows))
	for _, r := range rows {
		points = append(points, recallPoint(r, now))
	}
	if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write recall points: %w", err)
	}
	return nil
}

func (idb *InfluxDBClient) WriteMetadata(ctx context.Context, metadata *RunMetadata) error {
	if err := idb.writeAPI.WritePoint(ctx, metadataPoint(metadata, time.Now())); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func (idb *InfluxDBClient) Close() {
	if idb.client != nil {
		idb.client.Close()
	}
}
