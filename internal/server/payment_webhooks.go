package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// maxWebhookBody bounds the raw payload read before signature verification.
const maxWebhookBody = 1 << 20

// HandlePaymentWebhook answers 200 only after the event passed the durable
// idempotency check. Replays and ignored event types are successes too.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	processor := strings.TrimSpace(c.Param("processor"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.webhookSvc.IngestWebhook(c.Request.Context(), processor, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if result.EventID != "" {
		c.Set("event_id", result.EventID)
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": result})
}
