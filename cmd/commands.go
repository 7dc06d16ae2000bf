package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"clone-bench/internal/abort"
	"clone-bench/internal/config"
	"clone-bench/internal/database"
	"clone-bench/internal/logging"
	"clone-bench/internal/status"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var configFile string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a run configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(configFile)
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to run configuration file")
	validateCmd.MarkFlagRequired("config")
	return validateCmd
}

func validateConfig(configFile string) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
		return err
	}
	logger.WithFields(logrus.Fields{
		"config_file": configFile,
		"benchmarks":  len(cfg.Benchmarks),
		"detectors":   len(cfg.Detectors),
	}).Info("Configuration is valid")
	return nil
}

func newStopCmd() *cobra.Command {
	var statusDir string
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Request an abort of the running run",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStatusStore(statusDir)
			if err != nil {
				return err
			}
			return stopRun(store)
		},
	}
	stopCmd.Flags().StringVar(&statusDir, "status-dir", "", "Status store directory (default $CLONE_BENCH_STATUS_DIR or ./status)")
	return stopCmd
}

func stopRun(store status.Store) error {
	logger := logging.GetLogger()

	snap, err := status.Read(store)
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	if !snap.Executing() {
		logger.Info("No run is executing")
		return nil
	}
	if err := abort.RequestAbort(store); err != nil {
		return fmt.Errorf("failed to request abort: %w", err)
	}
	logger.WithField("run_id", snap.RunID).Warn("Abort requested, the run stops at the next check")
	return nil
}

func newStatusCmd() *cobra.Command {
	var statusDir string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of the latest run as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStatusStore(statusDir)
			if err != nil {
				return err
			}
			snap, err := status.Read(store)
			if err != nil {
				return fmt.Errorf("failed to read status: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	statusCmd.Flags().StringVar(&statusDir, "status-dir", "", "Status store directory (default $CLONE_BENCH_STATUS_DIR or ./status)")
	return statusCmd
}

func newImportCmd() *cobra.Command {
	var configFile string
	importCmd := &cobra.Command{
		Use:   "import <results.json.gz>",
		Short: "Write a spooled results file into InfluxDB",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return importResults(cmd.Context(), configFile, args[0])
		},
	}
	importCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to run configuration file")
	importCmd.MarkFlagRequired("config")
	return importCmd
}

func importResults(ctx context.Context, configFile, path string) error {
	logger := logging.GetLogger()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Results.InfluxDB == nil {
		return errors.New("config has no results.influxdb section")
	}

	if _, err := os.Stat(path); err != nil {
		return err
	}
	artifact, err := database.ReadSpoolArtifact(path)
	if err != nil {
		return err
	}

	client, err := database.NewInfluxDBClient(ctx, *cfg.Results.InfluxDB)
	if err != nil {
		return fmt.Errorf("failed to create database client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if err := database.Import(ctx, client, artifact); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"run_id": artifact.RunID,
		"cells":  len(artifact.Cells),
		"recall": len(artifact.Recall),
	}).Info("Results imported")
	return nil
}
