package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/config"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/database"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		action     = flag.String("action", "up", "Migration action: up, down, status")
		steps      = flag.Int("steps", 0, "Number of migrations to apply or revert (0 = all)")
		dsn        = flag.String("database-url", "", "Override the configured database URL")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	url := cfg.Database.URL
	if *dsn != "" {
		url = *dsn
	}
	if url == "" {
		logger.Fatal("database URL is required")
	}

	if err := run(url, *action, *steps, logger); err != nil {
		logger.Error("migration failed", zap.String("action", *action), zap.Error(err))
		os.Exit(1)
	}
}

func run(url, action string, steps int, logger *zap.Logger) error {
	mg, err := database.NewMigrator(url, logger)
	if err != nil {
		return err
	}
	defer mg.Close()

	switch action {
	case "up":
		return mg.Up(steps)
	case "down":
		return mg.Down(steps)
	case "status":
		version, dirty, err := mg.Version()
		if err != nil {
			return err
		}
		logger.Info("schema status", zap.Uint("version", version), zap.Bool("dirty", dirty))
		return nil
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}
