package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/auwntech/walletd/internal/logging"
	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	reporter *Reporter
	timeout  time.Duration
}

// NewHandler creates a new admin handler. timeout bounds each request's
// storage reads.
func NewHandler(reporter *Reporter, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Handler{reporter: reporter, timeout: timeout}
}

// RegisterRoutes sets up admin routes. The group must already require the
// admin role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/summary", h.getSummary)
}

// getSummary returns wallet totals, suspensions and open alerts.
func (h *Handler) getSummary(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	summary, err := h.reporter.Summary(ctx)
	if err != nil {
		logging.L(c.Request.Context()).Error("summary failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "storage_unavailable",
			"message":   "Storage is temporarily unavailable, retry the request",
			"retryable": true,
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}
