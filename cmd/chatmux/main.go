package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"chatmux/internal/config"
	"chatmux/internal/constants"
	"chatmux/internal/database"
	"chatmux/internal/events"
	"chatmux/internal/gateway"
	"chatmux/internal/models"
	"chatmux/internal/retry"
	"chatmux/internal/service"
	"chatmux/internal/syncengine"
	"chatmux/internal/tracing"
	"chatmux/internal/vault"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatmux %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting chatmux")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			if level > logrus.InfoLevel {
				level = logrus.InfoLevel
			}
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// The vault needs a credential store, which lives in the database, which
	// needs the vault as its content cipher. Open the vault keyless first,
	// then attach the store.
	v, err := vault.New(cfg.Vault.DataDir, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize credential vault: %w", err)
	}

	// Initialize database with exponential backoff retry
	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Jitter:       true,
	})
	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path, v)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	v.AttachStore(db)

	bus := events.NewBus()

	sessions := make([]*gateway.Session, 0, len(cfg.Gateways))
	senders := make([]service.GatewaySender, 0, len(cfg.Gateways))
	for _, gwCfg := range cfg.Gateways {
		session := gateway.NewSession(gwCfg, db, v, bus, logger)
		sessions = append(sessions, session)
		senders = append(senders, session)
		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s gateway session: %w", gwCfg.Platform, err)
		}
	}
	defer func() {
		for _, session := range sessions {
			if err := session.Stop(); err != nil {
				logger.WithError(err).Warn("Failed to stop gateway session")
			}
		}
	}()

	engine := syncengine.New(cfg.Sync, gatewayPlatforms(cfg), db, v, bus, logger)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync engine: %w", err)
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop sync engine")
		}
	}()

	scheduler := service.NewScheduler(db, cfg.RetentionDays, constants.DefaultCleanupIntervalHours, logger)
	go scheduler.Start(ctx)
	defer scheduler.Stop()

	aggregator := service.NewAggregator(db, senders, engine, bus, logger)

	server := NewServer(cfg.Server, aggregator, v, logger)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownSec*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

func gatewayPlatforms(cfg *models.Config) []models.Platform {
	platforms := make([]models.Platform, 0, len(cfg.Gateways))
	for _, gw := range cfg.Gateways {
		platforms = append(platforms, gw.Platform)
	}
	return platforms
}
