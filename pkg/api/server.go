package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/orchestrix/pipeline/internal/config"
	"github.com/orchestrix/pipeline/pkg/auth"
	"github.com/orchestrix/pipeline/pkg/metrics"
	"github.com/orchestrix/pipeline/pkg/pipeline/engine"
	"github.com/orchestrix/pipeline/pkg/pipeline/store"
)

// Server is the HTTP control surface: pipeline CRUD, health, Prometheus
// scraping, and a websocket progress stream, fronting the same
// StageEngine/PipelineStore the background OrchestratorLoop drives.
type Server struct {
	cfg       *config.Config
	pipelines *store.PipelineStore
	tasks     *store.TaskStore
	engine    *engine.StageEngine
	collector *metrics.Collectors
	jwtSvc    *auth.JWTService
	authMw    *auth.AuthMiddleware
	webhooks  *auth.WebhookSecretStore
	logger    *slog.Logger

	hub        *ProgressHub
	httpServer *http.Server
}

// NewServer wires a Server around the given dependencies.
func NewServer(cfg *config.Config, pipelines *store.PipelineStore, tasks *store.TaskStore, eng *engine.StageEngine, collector *metrics.Collectors, logger *slog.Logger) (*Server, error) {
	jwtSvc, err := auth.NewJWTService(cfg.API.JWTSecret, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("create jwt service: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		pipelines: pipelines,
		tasks:     tasks,
		engine:    eng,
		collector: collector,
		jwtSvc:    jwtSvc,
		authMw:    auth.NewAuthMiddleware(jwtSvc),
		webhooks:  auth.NewWebhookSecretStore(),
		logger:    logger,
		hub:       NewProgressHub(pipelines, logger),
	}
	return s, nil
}

// Start runs the HTTP server until Stop is called. It blocks; call it from
// its own goroutine.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         s.cfg.API.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.Run(ctx)

	s.logger.Info("starting control surface", "address", s.cfg.API.Listen)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the HTTP server and progress hub down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping control surface")
	s.hub.Stop()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRouter() *gin.Engine {
	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(s.loggingMiddleware())
	router.Use(gin.Recovery())
	router.Use(s.corsMiddleware())
	router.Use(s.securityMiddleware())
	router.Use(s.rateLimitMiddleware())

	router.GET("/healthz", s.healthzHandler)
	router.GET("/metrics", s.metricsHandler)

	pipelines := router.Group("/pipelines")
	pipelines.Use(s.authMw.RequireAuth())
	{
		pipelines.POST("", s.authMw.RequirePermission(auth.PermissionPipelineWrite), s.createPipelineHandler)
		pipelines.GET("", s.authMw.RequirePermission(auth.PermissionPipelineRead), s.listPipelinesHandler)
		pipelines.GET("/:id", s.authMw.RequirePermission(auth.PermissionPipelineRead), s.getPipelineHandler)
		pipelines.GET("/:id/tasks", s.authMw.RequirePermission(auth.PermissionPipelineRead), s.listTasksHandler)
		pipelines.POST("/:id/cancel", s.authMw.RequirePermission(auth.PermissionPipelineManage), s.cancelPipelineHandler)
		pipelines.GET("/:id/stream", s.authMw.RequirePermission(auth.PermissionPipelineRead), s.streamPipelineHandler)
	}

	router.POST("/admin/webhook-secret", s.authMw.RequirePermission(auth.PermissionPipelineManage), s.rotateWebhookSecretHandler)
	// Analyzer callbacks authenticate with the rotated shared secret rather
	// than an operator JWT: the analyzer fleet has no token to mint one with.
	router.POST("/webhooks/analyzer-callback", s.analyzerCallbackHandler)

	return router
}
