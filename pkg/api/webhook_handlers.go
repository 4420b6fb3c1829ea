package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// rotateWebhookSecretHandler implements POST /admin/webhook-secret. It mints
// a fresh shared secret for analyzer callbacks and returns it once; the
// caller is responsible for distributing it to the analyzer fleet.
func (s *Server) rotateWebhookSecretHandler(c *gin.Context) {
	secret, err := s.webhooks.Rotate()
	if err != nil {
		s.logger.Error("rotate webhook secret", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rotation_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook_secret": secret})
}

// analyzerCallbackRequest is the body an analyzer service posts when it
// wants to nudge the orchestrator about an out-of-band event (e.g. a slow
// scan finishing after the poll loop gave up waiting). The orchestrator
// still reconciles state from its own store on the next tick; this is a
// latency optimization, not the source of truth.
type analyzerCallbackRequest struct {
	Service string `json:"service" binding:"required"`
	AppKey  string `json:"app_key" binding:"required"`
}

// analyzerCallbackHandler implements POST /webhooks/analyzer-callback,
// authenticated with the X-Webhook-Secret header instead of an operator JWT.
func (s *Server) analyzerCallbackHandler(c *gin.Context) {
	if !s.webhooks.Verify(c.GetHeader("X-Webhook-Secret")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_webhook_secret"})
		return
	}

	var req analyzerCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	s.logger.Info("analyzer callback received", "service", req.Service, "app_key", req.AppKey)
	c.Status(http.StatusAccepted)
}
