package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// GetHealth handles GET /api/health. A reachable database with no terminal
// dead letters is "ok"; stranded batches degrade the status without failing
// the endpoint, since reads still work while writes are stuck.
func (h *Handler) GetHealth(c *gin.Context) {
	status := "ok"
	httpStatus := http.StatusOK

	sqlDB, err := h.store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	terminal, err := h.store.TerminalDeadLetterCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	if terminal > 0 {
		status = "degraded"
	}

	c.JSON(httpStatus, gin.H{
		"status":                status,
		"terminal_dead_letters": terminal,
		"time":                  time.Now().UTC(),
	})
}
