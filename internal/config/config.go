// Package config provides configuration management for the job pipeline service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Pipeline  PipelineConfig
	Notify    NotifyConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver     string // postgres or sqlite
	Postgres   PostgresConfig
	SQLite     SQLiteConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by migrations
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// SQLiteConfig holds the local SQLite configuration
type SQLiteConfig struct {
	Path string
}

// ClickHouseConfig holds the audit archive configuration
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// PipelineConfig holds bulk execution settings
type PipelineConfig struct {
	BulkConcurrency int // concurrent mutators per bulk call
	MaxBulkJobs     int // upper bound on job ids per bulk call
}

// NotifyConfig holds side-effect dispatcher settings
type NotifyConfig struct {
	Workers           int
	MaxAttempts       int
	Channel           string // redis pub/sub channel for in-app notifications
	ListLimit         int    // notifications kept per user list
	EmailFrom         string
	EmailFromName     string
	EmailTemplatesDir string
	SendGridAPIKey    string
	SendGridBaseURL   string
	AppBaseURL        string // prefix for notification links
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	TTL time.Duration
}

// RateLimitConfig holds per-role request rates (requests per second)
type RateLimitConfig struct {
	DefaultRPS int
	StaffRPS   int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional, environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "job_pipeline"),
				User:           getEnv("POSTGRES_USER", "pipeline"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			SQLite: SQLiteConfig{
				Path: getEnv("SQLITE_PATH", "job_pipeline.db"),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "job_pipeline"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", true),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Pipeline: PipelineConfig{
			BulkConcurrency: getEnvAsInt("PIPELINE_BULK_CONCURRENCY", 4),
			MaxBulkJobs:     getEnvAsInt("PIPELINE_MAX_BULK_JOBS", 500),
		},
		Notify: NotifyConfig{
			Workers:           getEnvAsInt("NOTIFY_WORKERS", 2),
			MaxAttempts:       getEnvAsInt("NOTIFY_MAX_ATTEMPTS", 3),
			Channel:           getEnv("NOTIFY_CHANNEL", "notifications"),
			ListLimit:         getEnvAsInt("NOTIFY_LIST_LIMIT", 200),
			EmailFrom:         getEnv("EMAIL_FROM", "ops@example.com"),
			EmailFromName:     getEnv("EMAIL_FROM_NAME", "Flight Ops"),
			EmailTemplatesDir: getEnv("EMAIL_TEMPLATES_DIR", ""),
			SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
			SendGridBaseURL:   getEnv("SENDGRID_BASE_URL", "https://api.sendgrid.com"),
			AppBaseURL:        getEnv("APP_BASE_URL", ""),
		},
		Cache: CacheConfig{
			TTL: getEnvAsDuration("CACHE_TTL", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			DefaultRPS: getEnvAsInt("RATE_LIMIT_DEFAULT_RPS", 10),
			StaffRPS:   getEnvAsInt("RATE_LIMIT_STAFF_RPS", 50),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q (want postgres or sqlite)", c.Database.Driver)
	}
	if c.Pipeline.BulkConcurrency < 1 {
		return fmt.Errorf("PIPELINE_BULK_CONCURRENCY must be at least 1, got %d", c.Pipeline.BulkConcurrency)
	}
	if c.Pipeline.MaxBulkJobs < 1 {
		return fmt.Errorf("PIPELINE_MAX_BULK_JOBS must be at least 1, got %d", c.Pipeline.MaxBulkJobs)
	}
	if c.Notify.Workers < 1 {
		return fmt.Errorf("NOTIFY_WORKERS must be at least 1, got %d", c.Notify.Workers)
	}
	if c.Database.Postgres.MaxConnections < 1 {
		return fmt.Errorf("POSTGRES_MAX_CONNECTIONS must be at least 1, got %d", c.Database.Postgres.MaxConnections)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
