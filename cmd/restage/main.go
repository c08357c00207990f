// Package main provides the restage worker entry point.
// It recomputes every job's stage from its dates and metadata and reports bulk action
// logs that were never finalized. With -daily it repeats at 00:00 UTC.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/job-pipeline/internal/config"
	"github.com/job-pipeline/internal/logging"
	"github.com/job-pipeline/internal/pipeline"
	"github.com/job-pipeline/internal/storage"
)

func main() {
	var (
		dryRun     = flag.Bool("dry-run", false, "Report drifted stages without writing them")
		daily      = flag.Bool("daily", false, "Keep running and restage every day at 00:00 UTC")
		staleAfter = flag.Duration("stale-after", time.Hour, "Report bulk action logs still started after this long")
	)
	flag.Parse()

	fmt.Println("Job Pipeline Restage Worker")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open job store")
	}
	defer store.Close()

	opts := pipeline.Options{Logger: logger}
	if cfg.Database.Redis.Enabled {
		redisClient, err := storage.NewRedisClient(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, stage count cache will expire on its own")
		} else {
			defer redisClient.Close()
			opts.Cache = storage.NewCacheService(redisClient, cfg.Cache.TTL)
		}
	}
	engine := pipeline.NewEngine(store, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !*daily {
		if err := runOnce(ctx, engine, *dryRun, *staleAfter, logger); err != nil {
			logger.WithError(err).Fatal("Restage failed")
		}
		return
	}

	go runScheduler(ctx, engine, *dryRun, *staleAfter, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down restage worker...")
	cancel()
	logger.Info("Worker stopped")
}

func runOnce(ctx context.Context, engine *pipeline.Engine, dryRun bool, staleAfter time.Duration, logger *logging.Logger) error {
	report, err := engine.Restage(ctx, dryRun)
	if err != nil {
		return err
	}
	for _, change := range report.Changed {
		logger.WithFields(map[string]interface{}{
			"jobId":  change.JobID,
			"from":   string(change.From),
			"to":     string(change.To),
			"dryRun": dryRun,
		}).Info("Stage drift")
	}
	for _, itemErr := range report.Errors {
		logger.WithFields(map[string]interface{}{
			"jobId": itemErr.JobID,
			"error": itemErr.Error,
		}).Warn(itemErr.Message)
	}

	stale, err := engine.ListStaleBulkActions(ctx, staleAfter)
	if err != nil {
		return err
	}
	for _, entry := range stale {
		logger.WithFields(map[string]interface{}{
			"logId":     entry.ID,
			"action":    string(entry.ActionType),
			"jobs":      entry.JobCount,
			"createdAt": entry.CreatedAt.Format(time.RFC3339),
		}).Warn("Bulk action log was never finalized")
	}
	return nil
}

// runScheduler restages at 00:00 UTC daily
func runScheduler(ctx context.Context, engine *pipeline.Engine, dryRun bool, staleAfter time.Duration, logger *logging.Logger) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
		wait := next.Sub(now)

		logger.WithFields(map[string]interface{}{
			"next_run": next.Format(time.RFC3339),
			"wait":     wait.String(),
		}).Info("Waiting for next restage")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			if err := runOnce(ctx, engine, dryRun, staleAfter, logger); err != nil {
				logger.WithError(err).Error("Daily restage failed")
			}
		}
	}
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Database.Driver == "sqlite" {
		return storage.OpenSQLite(cfg.Database.SQLite.Path)
	}
	db, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, err
	}
	return storage.NewPostgresStore(db), nil
}
