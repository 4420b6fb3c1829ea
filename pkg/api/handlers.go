package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orchestrix/pipeline/pkg/pipeline"
	pipelineerrs "github.com/orchestrix/pipeline/pkg/pipeline/errs"
)

// createPipelineRequest is the body of POST /pipelines.
type createPipelineRequest struct {
	Models                  []string `json:"models" binding:"required,min=1"`
	Templates               []string `json:"templates" binding:"required,min=1"`
	Tools                   []string `json:"tools" binding:"required,min=1"`
	MaxConcurrentGeneration int      `json:"max_concurrent_generation"`
	MaxConcurrentAnalysis   int      `json:"max_concurrent_analysis"`
}

// createPipelineHandler implements POST /pipelines: validates the request,
// persists a pending pipeline with config defaults filled in, then starts it
// so the next poll tick picks it up.
func (s *Server) createPipelineHandler(c *gin.Context) {
	var req createPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	cfg := pipeline.Config{
		Models:                  req.Models,
		Templates:               req.Templates,
		Tools:                   req.Tools,
		MaxConcurrentGeneration: req.MaxConcurrentGeneration,
		MaxConcurrentAnalysis:   req.MaxConcurrentAnalysis,
	}
	if cfg.MaxConcurrentGeneration <= 0 {
		cfg.MaxConcurrentGeneration = s.cfg.Engine.DefaultMaxConcurrentGeneration
	}
	if cfg.MaxConcurrentAnalysis <= 0 {
		cfg.MaxConcurrentAnalysis = s.cfg.Engine.DefaultMaxConcurrentAnalysis
	}

	p, err := s.pipelines.Create(c.Request.Context(), cfg)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.pipelines.Start(c.Request.Context(), p); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, p)
}

// listPipelinesHandler implements GET /pipelines.
func (s *Server) listPipelinesHandler(c *gin.Context) {
	all, err := s.pipelines.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": all})
}

// getPipelineHandler implements GET /pipelines/:id.
func (s *Server) getPipelineHandler(c *gin.Context) {
	p, err := s.pipelines.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// cancelPipelineHandler implements POST /pipelines/:id/cancel.
func (s *Server) cancelPipelineHandler(c *gin.Context) {
	p, err := s.pipelines.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.engine.Cancel(c.Request.Context(), p); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// listTasksHandler implements GET /pipelines/:id/tasks: every main analysis
// task this pipeline created, each with its per-service subtasks nested so
// an operator can see exactly where a stuck app is without a separate call.
func (s *Server) listTasksHandler(c *gin.Context) {
	pipelineID := c.Param("id")
	if _, err := s.pipelines.Load(c.Request.Context(), pipelineID); err != nil {
		s.writeError(c, err)
		return
	}

	mains, err := s.tasks.ListMainTasks(c.Request.Context(), pipelineID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	type taskView struct {
		*pipeline.AnalysisTask
		Subtasks []*pipeline.AnalysisTask `json:"subtasks"`
	}

	views := make([]taskView, 0, len(mains))
	for _, main := range mains {
		subs, err := s.tasks.Subtasks(c.Request.Context(), main.TaskID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		views = append(views, taskView{AnalysisTask: main, Subtasks: subs})
	}

	c.JSON(http.StatusOK, gin.H{"tasks": views})
}

// healthzHandler reports liveness. It intentionally does not touch the
// database: a control-surface process that can still answer HTTP is alive
// regardless of storage health, which /metrics and pipeline reads surface
// independently.
func (s *Server) healthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// metricsHandler recomputes the pipeline-count gauges from current store
// state, then delegates to the standard Prometheus exposition handler.
func (s *Server) metricsHandler(c *gin.Context) {
	if err := s.collector.Refresh(c.Request.Context(), s.pipelines); err != nil {
		s.logger.Error("metrics refresh failed", "error", err)
	}
	promhttp.Handler().ServeHTTP(c.Writer, c.Request)
}

// writeError maps the orchestrator's error taxonomy onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch pipelineerrs.KindOf(err) {
	case pipelineerrs.KindConfiguration:
		status = http.StatusBadRequest
	case pipelineerrs.KindResourceContention:
		status = http.StatusConflict
	case pipelineerrs.KindTransient:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
