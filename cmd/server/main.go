package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"charlora/api/rest/handlers"
	"charlora/api/rest/routes"
	"charlora/config"
	"charlora/core/bus"
	"charlora/core/executor"
	"charlora/core/models"
	"charlora/core/monitoring"
	"charlora/core/repository"
	"charlora/core/scheduler"
	"charlora/core/spec"
	"charlora/providers/aws"
	"charlora/storage"
	"charlora/training/frameworks"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
)

// backendSet is everything main builds around the execution mode
type backendSet struct {
	backend executor.Backend
	shell   monitoring.ShellRunner
	prices  monitoring.PriceSource
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	backends, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("configure backend", "mode", cfg.Mode, "error", err)
		os.Exit(1)
	}

	sinks := []scheduler.EventSink{store.CreateJobEvent}
	if cfg.NATSURL != "" {
		nc, err := bus.Connect(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			logger.Error("connect nats", "url", cfg.NATSURL, "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		sinks = append(sinks, nc.PublishJobEvent)
		logger.Info("publishing job events", "subject", cfg.NATSSubject)
	}

	metrics := monitoring.NewMetricsExporter()
	costs := monitoring.NewCostTracker(backends.prices, cfg.AWS.HourlyPrice, metrics, logger)
	probe := monitoring.NewEnvironmentProbe(backends.backend, cfg.Mode, cfg.OutputDir, cfg.BaseModel, logger)
	gpu := monitoring.NewGPUDiagnostics(backends.shell, backends.backend.Name())

	setup := &frameworks.KohyaSetup{Kohya: cfg.Kohya, Train: cfg.Train}
	manager := scheduler.NewManager(scheduler.Options{
		Preparer:              executor.NewDatasetPreparer(logger),
		Trainer:               executor.NewKohyaTrainer(backends.backend, setup, cfg.BaseModel, logger),
		Deployer:              executor.NewArtifactDeployer(cfg.OutputDir, cfg.Kohya, cfg.Pipeline.OverwriteArtifacts, store, logger),
		Probe:                 probe,
		RequireReady:          cfg.Pipeline.RequireReady,
		JobsRoot:              cfg.JobsRoot,
		MaxConcurrentPrepares: cfg.Pipeline.MaxConcurrentPrepares,
		PrepareTimeout:        cfg.Pipeline.PrepareTimeout,
		TrainTimeout:          cfg.Pipeline.TrainTimeout,
		DeployTimeout:         cfg.Pipeline.DeployTimeout,
		Retention:             cfg.Pipeline.Retention,
		Archive:               store,
		EventSinks:            sinks,
		Metrics:               metrics,
		Checkpoints:           storage.NewCheckpointManager(store),
		Cost:                  costs,
		Logger:                logger,
	})

	monitor := monitoring.NewJobMonitor(manager, time.Minute, logger)
	go monitor.Start(ctx)

	jobHandler := handlers.NewJobHandler(manager, store, submissionDefaults(cfg), cfg.MaxUploadBytes, logger)
	envHandler := handlers.NewEnvironmentHandler(probe, gpu)

	r := mux.NewRouter()
	routes.SetupRoutes(r, jobHandler, envHandler, metrics.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort, "mode", cfg.Mode, "backend", backends.backend.Name())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error("pipelines did not stop in time", "error", err)
	}
	logger.Info("server exited")
}

// openStore connects Postgres when a database URL is configured and falls
// back to memory otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("no database configured, keeping events and archive in memory")
		return repository.NewMemoryStore(), func() {}, nil
	}
	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("database connected")
	return repository.NewPostgresStore(db), func() { db.Close() }, nil
}

func buildBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backendSet, error) {
	var set backendSet

	var awsClient *aws.Client
	if cfg.SSH.EC2InstanceID != "" {
		c, err := aws.NewClient(ctx, cfg.AWS.Region, cfg.SSH.EC2InstanceID, cfg.AWS.InstanceType)
		if err != nil {
			return set, err
		}
		awsClient = c
		set.prices = c
	}

	switch cfg.Mode {
	case models.ModeRemote:
		key, err := os.ReadFile(cfg.SSH.KeyPath)
		if err != nil {
			return set, fmt.Errorf("read ssh key: %w", err)
		}
		client, err := executor.NewSSHClient(key, cfg.SSH.User, cfg.SSH.KnownHostsPath, cfg.SSH.Port)
		if err != nil {
			return set, err
		}
		var hosts executor.HostResolver = executor.StaticHost(cfg.SSH.Host)
		if awsClient != nil {
			hosts = awsClient
		}
		remote := executor.NewRemoteBackend(client, hosts, cfg.SSH.Workdir, logger)
		set.backend, set.shell = remote, remote
	default:
		local := executor.NewLocalBackend(cfg.Docker, logger)
		set.backend, set.shell = local, local
	}
	return set, nil
}

func submissionDefaults(cfg *config.Config) spec.Defaults {
	var bases []string
	for name := range cfg.BaseModel.Paths {
		if _, ok := cfg.BaseModel.Path(name); ok {
			bases = append(bases, name)
		}
	}
	sort.Strings(bases)
	return spec.Defaults{
		TriggerToken: cfg.TriggerToken,
		BaseModel:    cfg.BaseModel.Use,
		Config: models.TrainingConfig{
			Resolution: cfg.Train.Resolution,
			NetworkDim: cfg.Train.NetworkDim,
			Steps:      cfg.Train.Steps,
			UnetOnly:   cfg.Train.UnetOnly,
		},
		BaseModels: bases,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
