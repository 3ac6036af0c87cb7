package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"oee-monitor-backend/internal/job"
)

type startJobRequest struct {
	DeviceID        string  `json:"device_id" binding:"required"`
	Name            string  `json:"name" binding:"required"`
	TargetRate      float64 `json:"target_rate" binding:"required"`
	PlannedQuantity int64   `json:"planned_quantity" binding:"required"`
	ReasonCode      *int    `json:"reason_code"`
}

// PostJob handles POST /api/jobs: start a job, ending any active one at the
// boundary.
func (h *Handler) PostJob(c *gin.Context) {
	var req startJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	started, err := h.jobs.Start(c.Request.Context(), job.StartParams{
		DeviceID:        req.DeviceID,
		Name:            req.Name,
		TargetRate:      req.TargetRate,
		PlannedQuantity: req.PlannedQuantity,
		ReasonCode:      req.ReasonCode,
	})
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, started)
}

type endJobRequest struct {
	ReasonCode *int `json:"reason_code"`
}

// EndJob handles POST /api/jobs/:id/end.
func (h *Handler) EndJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	var req endJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ended, err := h.jobs.End(c.Request.Context(), id, req.ReasonCode)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, ended)
}
