// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/job-pipeline/internal/logging"
	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/notify"
	"github.com/job-pipeline/internal/pipeline"
	"github.com/job-pipeline/internal/storage"
	"github.com/job-pipeline/internal/types"
)

// Service interfaces for dependency injection and testing

// PipelineService is the part of the pipeline engine the API drives
type PipelineService interface {
	CreateJob(ctx context.Context, actor types.Actor, in pipeline.NewJob) (*models.Job, error)
	GetJob(ctx context.Context, jobID int64) (*models.JobView, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]*models.Job, error)
	StageCounts(ctx context.Context) ([]models.StageCount, error)
	Apply(ctx context.Context, actor types.Actor, action types.ActionType, jobID int64, payload pipeline.Payload) (*models.Job, error)
	Delete(ctx context.Context, actor types.Actor, jobID int64) error
	ResolveJob(ctx context.Context, actor types.Actor, jobID int64) (*models.Job, error)
	Bulk(ctx context.Context, actor types.Actor, req pipeline.BulkRequest) (*pipeline.BulkResult, error)
	GetBulkAction(ctx context.Context, id int64) (*models.BulkActionLog, error)
	ListBulkActions(ctx context.Context, filter storage.BulkActionLogFilter) ([]*models.BulkActionLog, error)
	ListStaleBulkActions(ctx context.Context, olderThan time.Duration) ([]*models.BulkActionLog, error)
}

// NotificationLister reads a user's in-app notifications
type NotificationLister interface {
	List(ctx context.Context, userID int64, limit int) ([]notify.InAppNotification, error)
}

// ArchiveStatsReader aggregates archived bulk actions
type ArchiveStatsReader interface {
	Stats(ctx context.Context, since time.Time) ([]storage.BulkActionStat, error)
}

// HealthChecker reports whether the primary store is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router        *mux.Router
	handler       http.Handler
	httpServer    *http.Server
	pipeline      PipelineService
	health        HealthChecker
	notifications NotificationLister
	archiveStats  ArchiveStatsReader
	logger        *logging.Logger
	config        *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	DefaultRPS      int // Requests per second for pilots, clients and anonymous callers
	StaffRPS        int // Requests per second for admins and managers
}

// Option configures optional server dependencies
type Option func(*Server)

// WithNotifications enables GET /api/notifications
func WithNotifications(n NotificationLister) Option {
	return func(s *Server) { s.notifications = n }
}

// WithArchiveStats enables GET /api/bulk-actions/stats
func WithArchiveStats(a ArchiveStatsReader) Option {
	return func(s *Server) { s.archiveStats = a }
}

// WithLogger sets the base request logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, engine PipelineService, health HealthChecker, opts ...Option) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		pipeline: engine,
		health:   health,
		logger:   logging.GetGlobalLogger(),
		config:   config,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.DefaultRPS, s.config.StaffRPS)

	s.setupRoutes()

	// Preflight requests and unmatched routes go through the chain too, so it wraps the
	// router instead of router.Use. The rate limiter needs the actor.
	var handler http.Handler = s.router
	handler = CompressionMiddleware(handler)
	handler = RateLimitMiddleware(rateLimiter)(handler)
	handler = ActorMiddleware(handler)
	handler = CORSMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RequireActorMiddleware)

	// Jobs
	api.HandleFunc("/jobs", s.handleCreateJob).Methods("POST")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id:[0-9]+}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id:[0-9]+}", s.handleDeleteJob).Methods("DELETE")
	api.HandleFunc("/jobs/{id:[0-9]+}/resolve", s.handleResolveJob).Methods("POST")
	api.HandleFunc("/jobs/{id:[0-9]+}/{action}", s.handleJobAction).Methods("POST")
	api.HandleFunc("/pipeline/counts", s.handleStageCounts).Methods("GET")

	// Bulk actions
	api.HandleFunc("/bulk/{action}", s.handleBulk).Methods("POST")
	api.HandleFunc("/bulk-actions", s.handleListBulkActions).Methods("GET")
	api.HandleFunc("/bulk-actions/stale", s.handleStaleBulkActions).Methods("GET")
	api.HandleFunc("/bulk-actions/stats", s.handleBulkActionStats).Methods("GET")
	api.HandleFunc("/bulk-actions/{id:[0-9]+}", s.handleGetBulkAction).Methods("GET")

	// Notifications
	api.HandleFunc("/notifications", s.handleListNotifications).Methods("GET")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("Health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "job-pipeline",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "job-pipeline",
	})
}

// Handler returns the router wrapped in the middleware chain
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
