package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"oee-monitor-backend/internal/model"
)

type classifyStoppageRequest struct {
	CategoryCode int    `json:"category_code" binding:"required"`
	Subcode      int    `json:"subcode" binding:"required"`
	Comments     string `json:"comments"`
	Operator     string `json:"operator" binding:"required"`
}

// ClassifyStoppage handles POST /api/stoppages/:id/classify.
func (h *Handler) ClassifyStoppage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stoppage ID"})
		return
	}

	var req classifyStoppageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev, err := h.classifier.Classify(c.Request.Context(), id, req.CategoryCode, req.Subcode, req.Comments, req.Operator)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

type unclassifiedStoppageResponse struct {
	model.StoppageEvent
	DurationSeconds  float64 `json:"duration_seconds"`
	RequiresAttention bool   `json:"requires_attention"`
}

// GetUnclassifiedStoppages handles GET /api/stoppages/unclassified. Long
// unclassified stoppages are flagged as requiring attention; the request
// itself always succeeds.
func (h *Handler) GetUnclassifiedStoppages(c *gin.Context) {
	minSeconds := 0
	if v := c.Query("min_seconds"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min_seconds"})
			return
		}
		minSeconds = parsed
	}

	now := time.Now().UTC()
	events, err := h.store.UnclassifiedStoppages(c.Request.Context(), time.Duration(minSeconds)*time.Second, now)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}

	response := make([]unclassifiedStoppageResponse, 0, len(events))
	for _, ev := range events {
		response = append(response, unclassifiedStoppageResponse{
			StoppageEvent:     ev,
			DurationSeconds:   ev.DurationAt(now).Seconds(),
			RequiresAttention: ev.Alerted,
		})
	}
	c.JSON(http.StatusOK, response)
}
