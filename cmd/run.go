package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"clone-bench/internal/abort"
	"clone-bench/internal/api"
	"clone-bench/internal/archive"
	"clone-bench/internal/config"
	"clone-bench/internal/database"
	"clone-bench/internal/dockerapi"
	"clone-bench/internal/events"
	"clone-bench/internal/logging"
	"clone-bench/internal/mounts"
	"clone-bench/internal/orchestrator"
	"clone-bench/internal/progress"
	"clone-bench/internal/statistics"
	"clone-bench/internal/status"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// finalizeTimeout bounds result spooling, database writes and archive upload
// after the run ended.
const finalizeTimeout = 2 * time.Minute

func newRunCmd() *cobra.Command {
	var configFile, listen string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run every detector against every benchmark",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmark(configFile, listen)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to run configuration file")
	runCmd.Flags().StringVar(&listen, "listen", "", "Serve the observer API on this address, e.g. :8080")
	runCmd.MarkFlagRequired("config")
	return runCmd
}

func runBenchmark(configFile, listen string) error {
	logger := logging.GetLogger()

	cfg, content, err := config.LoadConfigWithContent(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Failed to load configuration")
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Run.LogLevel != "" {
		if err := logging.SetLogLevel(cfg.Run.LogLevel); err != nil {
			logger.WithField("log_level", cfg.Run.LogLevel).WithError(err).Warn("Invalid log level in config, using INFO")
			logging.SetLogLevel("info")
		}
	}

	store, err := openStatusStore(cfg.Status.Path)
	if err != nil {
		return err
	}

	cli, err := dockerapi.NewDockerClient()
	if err != nil {
		logger.WithError(err).Error("Failed to create Docker client")
		return fmt.Errorf("failed to create Docker client: %w", err)
	}
	defer cli.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controller := abort.NewController()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go handleSignals(ctx, sigChan, controller, cancel)

	broker := events.NewBroker()
	defer broker.Close()

	if listen != "" {
		go func() {
			if err := api.Run(ctx, api.Config{Addr: listen}, api.NewServer(broker, store).Handler()); err != nil {
				logger.WithError(err).Error("Observer API stopped")
			}
		}()
	}

	state, err := executeRun(ctx, runEnv{
		cfg:        cfg,
		content:    content,
		docker:     cli,
		store:      store,
		transport:  broker,
		controller: controller,
		now:        time.Now(),
	})
	if err != nil {
		return err
	}
	logger.WithField("state", string(state)).Info("Run ended")
	return nil
}

// handleSignals aborts the run on the first signal, so the process still
// cleans up its volumes. A repeated signal cancels ctx, which also ends
// cleanup that is stuck retrying.
func handleSignals(ctx context.Context, sigChan <-chan os.Signal, controller *abort.Controller, cancel context.CancelFunc) {
	logger := logging.GetLogger()
	received := 0
	for {
		select {
		case sig := <-sigChan:
			received++
			if received == 1 {
				logger.WithField("signal", sig.String()).Warn("Received interrupt signal, aborting run")
				controller.Cancel("signal " + sig.String())
				continue
			}
			logger.WithField("signal", sig.String()).Warn("Received repeated interrupt signal, shutting down")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

type runEnv struct {
	cfg        *config.Config
	content    string
	docker     dockerapi.Client
	store      status.Store
	transport  progress.Transport
	controller *abort.Controller
	now        time.Time
	// results overrides the InfluxDB writer built from the config.
	results database.ResultsWriter
}

// executeRun sets up the run directory, runs the plan and finalizes results
// and archive. Only a FAILED run returns an error.
func executeRun(ctx context.Context, env runEnv) (orchestrator.RunState, error) {
	logger := logging.GetLogger()
	cfg := env.cfg

	snap, err := status.Read(env.store)
	if err != nil {
		return orchestrator.Failed, fmt.Errorf("failed to read status: %w", err)
	}
	if snap.Executing() {
		return orchestrator.Failed, fmt.Errorf("run %s is still executing, stop it first", snap.RunID)
	}
	if err := env.store.Delete(status.KeyAbort); err != nil {
		return orchestrator.Failed, fmt.Errorf("failed to clear abort flag: %w", err)
	}

	runsDir, err := filepath.Abs(cfg.Run.RunsDir)
	if err != nil {
		return orchestrator.Failed, err
	}
	runDir, err := config.NewRunDir(runsDir, cfg.Run.Name, env.now)
	if err != nil {
		return orchestrator.Failed, &orchestrator.ConfigurationError{Err: err}
	}
	plan := cfg.NewRunPlan(runDir)
	if err := config.PrepareRunDir(plan); err != nil {
		return orchestrator.Failed, &orchestrator.ConfigurationError{Err: err}
	}

	if plan.HostRunDir == "" {
		hostDir, err := mounts.DiscoverHostPath(ctx, env.docker, plan.RunDir)
		if err != nil {
			logger.WithError(err).Warn("Failed to discover host path of the run directory, using local path")
		} else if hostDir != plan.RunDir {
			plan.HostRunDir = hostDir
			logger.WithField("host_run_dir", hostDir).Info("Running inside a container, using host path for mounts")
		}
	}

	taskID := uuid.NewString()
	if err := env.store.Set(status.KeyTaskID, taskID); err != nil {
		logger.WithError(err).Warn("Failed to store task id")
	}
	logger.WithFields(logrus.Fields{
		"run_id":  plan.RunID,
		"task_id": taskID,
		"run_dir": plan.RunDir,
	}).Info("Run prepared")

	go env.controller.Watch(ctx, env.store, config.DefaultAbortPollInterval)

	if cfg.Run.PullImages {
		logger.Info("Pulling container images")
		if err := dockerapi.PullImages(ctx, env.docker, cfg.Images(), cfg.Registry); err != nil {
			return orchestrator.Failed, fmt.Errorf("failed to pull images: %w", err)
		}
	}

	writer := env.results
	if writer == nil && cfg.Results.InfluxDB != nil {
		client, err := database.NewInfluxDBClient(ctx, *cfg.Results.InfluxDB)
		if err != nil {
			logger.WithError(err).Warn("InfluxDB unavailable, results are only spooled into the run directory")
		} else {
			defer client.Close()
			writer = client
		}
	}
	recorder := database.NewRecorder(plan.RunID, writer)

	driver := orchestrator.NewDriver(orchestrator.Options{
		Plan:       plan,
		Settings:   cfg.Run,
		Docker:     env.docker,
		Store:      env.store,
		Transport:  env.transport,
		Abort:      env.controller,
		Statistics: statistics.Extractor{RunDir: plan.RunDir},
		Recorder:   recorder,
	})

	start := time.Now()
	state, runErr := driver.Execute(ctx)
	end := time.Now()

	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	metadata := database.CollectRunMetadata(plan, env.content, string(state), recorder.Completed(), start, end, Version)
	if err := recorder.Flush(finalizeCtx, plan.RunDir, metadata); err != nil {
		logger.WithError(err).Warn("Failed to store run results")
	}

	if cfg.Archive.Enabled {
		if err := archiveRun(finalizeCtx, cfg.Archive, plan.RunDir, driver.ArchiveName()); err != nil {
			logger.WithError(err).Warn("Failed to archive run")
		}
	}

	if runErr != nil {
		var cfgErr *orchestrator.ConfigurationError
		if errors.As(runErr, &cfgErr) {
			return state, runErr
		}
		return state, fmt.Errorf("run %s failed: %w", plan.RunID, runErr)
	}
	return state, nil
}

func archiveRun(ctx context.Context, cfg config.ArchiveConfig, runDir, name string) error {
	archiver := archive.Archiver{Dir: cfg.Dir}
	if cfg.Upload != nil {
		uploader, err := archive.NewMinIOUploader(*cfg.Upload)
		if err != nil {
			return err
		}
		archiver.Uploader = uploader
	}
	_, err := archiver.Run(ctx, runDir, name)
	return err
}
