package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"Conductor/internal/api"
	"Conductor/internal/config"
	"Conductor/internal/github"
	"Conductor/internal/installer"
	"Conductor/internal/instancelock"
	"Conductor/internal/layout"
	"Conductor/internal/metrics"
	"Conductor/internal/reconciler"
	"Conductor/internal/store"
	"Conductor/internal/supervisor"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
)

const version = "1.0.0"

func main() {
	configPath := pflag.StringP("config", "c", "settings.json", "Path to settings file (YAML or JSON)")
	logLevel := pflag.String("log-level", "", "Override log_level from the settings file")
	showVersion := pflag.Bool("version", false, "Print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println("conductor", version)
		return
	}

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	runID := uuid.New().String()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel).With("run_id", runID)
	logger.Info("starting conductor",
		"version", version,
		"org", cfg.Org,
		"root", cfg.Root,
		"platform", cfg.Runner.Platform,
		"repos", len(cfg.Repos),
	)

	paths := layout.New(cfg.Root)
	if err := os.MkdirAll(paths.Root(), 0755); err != nil {
		return fmt.Errorf("failed to create root: %w", err)
	}

	lock, err := instancelock.Acquire(paths.LockFile(), logger)
	if err != nil {
		return err
	}
	defer lock.Release()

	// Reconciliation is cancelled by SIGINT/SIGTERM. Once runners are started
	// the signal bridge takes over.
	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Initialize metrics
	registry := prometheus.NewRegistry()
	met := metrics.NewMetrics(registry)
	met.ConductorInfo.WithLabelValues(version, cfg.Runner.Platform).Set(1)

	// Initialize store
	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = paths.EventsFile()
	}
	st, err := store.New(store.StoreConfig{
		Enabled:   cfg.Store.Enabled,
		Path:      storePath,
		MaxEvents: cfg.Store.MaxEvents,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	logger.Info("killing all active runners", "pattern", cfg.Runner.KillStalePattern)
	if err := supervisor.KillStale(ctx, cfg.Runner.KillStalePattern, logger); err != nil {
		return err
	}

	// Initialize GitHub client
	ghClient, err := github.NewClient(github.Config{
		BaseURL:    cfg.GitHub.APIURL,
		Owner:      cfg.Org,
		Token:      cfg.Token,
		PerPage:    cfg.GitHub.PerPage,
		HTTPClient: &http.Client{Timeout: cfg.GitHub.RequestTimeout},
		Metrics:    met,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create github client: %w", err)
	}

	inst := installer.New(installer.Config{
		Layout:        paths,
		Platform:      cfg.Runner.Platform,
		WebURL:        cfg.GitHub.WebURL,
		Owner:         cfg.Org,
		ConfigCommand: cfg.Runner.ConfigCommand,
		Metrics:       met,
		Logger:        logger,
	})

	release, err := ghClient.LatestRunnerRelease(ctx)
	if err != nil {
		return registryError(ghClient, err)
	}
	if _, err := inst.Prepare(ctx, release); err != nil {
		return fmt.Errorf("failed to fetch runner package: %w", err)
	}

	sup := supervisor.New(supervisor.Config{
		Platform:     supervisor.NewUnixPlatform(),
		Layout:       paths,
		StartCommand: cfg.Runner.StartCommand,
		ExtraEnv:     cfg.ExtraEnv,
		Store:        st,
		Metrics:      met,
		Logger:       logger,
		RunID:        runID,
	})

	// Start API server
	apiCtx, stopAPI := context.WithCancel(context.Background())
	defer stopAPI()
	if cfg.Server.Enabled {
		apiServer := api.New(cfg, sup, st, registry, logger, runID)
		go func() {
			if err := apiServer.Start(apiCtx); err != nil {
				logger.Error("API server error", "error", err)
			}
		}()
	}

	rec := reconciler.New(reconciler.Config{
		Registry:  ghClient,
		Installer: inst,
		Layout:    paths,
		Store:     st,
		Metrics:   met,
		Logger:    logger,
		RunID:     runID,
	})

	fleet, err := rec.Reconcile(ctx, cfg.Repos)
	if err != nil {
		return registryError(ghClient, err)
	}

	stopBridge := sup.InstallSignalBridge()
	defer stopBridge()
	stopSignals()

	logger.Info("starting runners")
	startErr := sup.StartAll(fleet)

	logger.Info("waiting for runners", "running", sup.Running())
	if err := sup.Wait(); err != nil {
		return err
	}

	if startErr != nil && !errors.Is(startErr, supervisor.ErrShuttingDown) {
		return startErr
	}

	logger.Info("all runners stopped, exiting")
	return nil
}

// registryError points at the token when GitHub refuses it.
func registryError(client *github.Client, err error) error {
	if github.IsUnauthorized(err) {
		return fmt.Errorf("github rejected the token for %s, check that it can manage self-hosted runners: %w", client.Owner(), err)
	}
	return err
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
