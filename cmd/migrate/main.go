// Package main applies schema migrations for the job store and the bulk action archive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/job-pipeline/internal/config"
	"github.com/job-pipeline/internal/logging"
	"github.com/job-pipeline/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		target = flag.String("db", "", "Target database: postgres, sqlite, clickhouse (default: DB_DRIVER)")
		dir    = flag.String("dir", "migrations", "Root directory holding postgres/ and clickhouse/ migrations")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer logger.Sync()

	db := *target
	if db == "" {
		db = cfg.Database.Driver
	}
	logger = logger.WithFields(map[string]interface{}{"db": db, "action": *action})

	switch db {
	case "postgres":
		err = migratePostgres(cfg, *action, filepath.Join(*dir, "postgres"), logger)
	case "sqlite":
		err = migrateSQLite(cfg, *action, logger)
	case "clickhouse":
		err = migrateClickHouse(cfg, *action, filepath.Join(*dir, "clickhouse"), logger)
	default:
		err = fmt.Errorf("unknown database %q", db)
	}
	if err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}
}

func migratePostgres(cfg *config.Config, action, migrationsPath string, logger *logging.Logger) error {
	databaseURL := cfg.Database.Postgres.URL()

	switch action {
	case "up":
		if err := storage.RunMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		logger.Info("Postgres schema is up to date")
	case "down":
		if err := storage.RollbackMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		logger.Info("Rolled back one Postgres migration")
	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{"version": version, "dirty": dirty}).Info("Postgres migration version")
	default:
		return fmt.Errorf("unknown action: %s", action)
	}
	return nil
}

// migrateSQLite creates the schema in the configured file. It is idempotent and has no history.
func migrateSQLite(cfg *config.Config, action string, logger *logging.Logger) error {
	if action != "up" {
		return fmt.Errorf("sqlite only supports the 'up' action")
	}
	store, err := storage.OpenSQLite(cfg.Database.SQLite.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.WithField("path", cfg.Database.SQLite.Path).Info("SQLite schema is up to date")
	return nil
}

func migrateClickHouse(cfg *config.Config, action, migrationsPath string, logger *logging.Logger) error {
	if action != "up" {
		return fmt.Errorf("clickhouse only supports the 'up' action")
	}
	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}

	db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := storage.RunClickHouseMigrations(ctx, db, migrationsPath); err != nil {
		return err
	}
	logger.Info("ClickHouse archive schema is up to date")
	return nil
}
