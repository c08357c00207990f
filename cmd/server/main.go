// Package main provides the API server entry point for the job pipeline service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/job-pipeline/internal/api"
	"github.com/job-pipeline/internal/config"
	"github.com/job-pipeline/internal/logging"
	"github.com/job-pipeline/internal/notify"
	"github.com/job-pipeline/internal/pipeline"
	"github.com/job-pipeline/internal/storage"
)

func main() {
	fmt.Println("Job Pipeline API Server")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer logger.Sync()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	store, err := openStore(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open job store")
	}
	defer store.Close()
	logger.WithField("driver", cfg.Database.Driver).Info("Job store ready")

	opts := pipeline.Options{
		BulkConcurrency: cfg.Pipeline.BulkConcurrency,
		MaxBulkJobs:     cfg.Pipeline.MaxBulkJobs,
		LinkBase:        cfg.Notify.AppBaseURL,
		Logger:          logger,
	}
	var serverOpts []api.Option

	// Redis backs the stage count cache and in-app notifications. Without it notifications
	// are only logged.
	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.Database.Redis.Enabled {
		redisClient, err := storage.NewRedisClient(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, running without cache and in-app notifications")
		} else {
			defer redisClient.Close()
			opts.Cache = storage.NewCacheService(redisClient, cfg.Cache.TTL)
			redisNotifier := notify.NewRedisNotifier(redisClient, cfg.Notify.Channel, cfg.Notify.ListLimit)
			notifier = redisNotifier
			serverOpts = append(serverOpts, api.WithNotifications(redisNotifier))
		}
	}

	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable, bulk action logs will not be archived")
		} else {
			defer clickhouse.Close()
			archive := storage.NewAuditArchiveRepository(clickhouse)
			opts.Archiver = archive
			serverOpts = append(serverOpts, api.WithArchiveStats(archive))
		}
	}

	mailer, err := newMailer(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up email delivery")
	}

	dispatcherCfg := notify.DefaultDispatcherConfig()
	dispatcherCfg.Workers = cfg.Notify.Workers
	dispatcherCfg.MaxAttempts = cfg.Notify.MaxAttempts
	dispatcher := notify.NewDispatcher(notifier, mailer, dispatcherCfg, logger)

	engine := pipeline.NewEngine(store, dispatcher, opts)

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * cfg.Server.ReadTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		DefaultRPS:      cfg.RateLimit.DefaultRPS,
		StaffRPS:        cfg.RateLimit.StaffRPS,
	}
	server := api.NewServer(serverConfig, engine, store, append(serverOpts, api.WithLogger(logger))...)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		logger.WithError(err).Error("Server failed")
	}

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	// HTTP first so no new effects arrive, then drain the dispatcher and archive writes
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := dispatcher.Stop(ctx); err != nil {
		logger.WithError(err).Warn("Dispatcher did not drain before the deadline")
	}
	engine.Wait()

	stats := dispatcher.Stats()
	logger.WithFields(map[string]interface{}{
		"delivered": stats.Delivered,
		"failed":    stats.Failed,
		"dropped":   stats.Dropped,
	}).Info("Server exited")
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return storage.OpenSQLite(cfg.Database.SQLite.Path)
	case "postgres":
		db, err := storage.NewPostgresDB(&cfg.Database.Postgres)
		if err != nil {
			return nil, err
		}
		return storage.NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// newMailer sends through SendGrid when an API key is configured and logs messages otherwise
func newMailer(cfg *config.Config, logger *logging.Logger) (*notify.TemplateMailer, error) {
	var transport notify.MailTransport = notify.NewLogTransport(logger)
	if cfg.Notify.SendGridAPIKey != "" {
		sg, err := notify.NewSendGridTransport(notify.SendGridConfig{
			APIKey:  cfg.Notify.SendGridAPIKey,
			BaseURL: cfg.Notify.SendGridBaseURL,
		})
		if err != nil {
			return nil, err
		}
		transport = sg
	} else {
		logger.Warn("SENDGRID_API_KEY not set, emails will only be logged")
	}

	from := notify.Address{Email: cfg.Notify.EmailFrom, Name: cfg.Notify.EmailFromName}
	return notify.NewTemplateMailer(transport, from, cfg.Notify.EmailTemplatesDir, logger)
}
