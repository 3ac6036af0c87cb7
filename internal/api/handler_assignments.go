package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"oee-monitor-backend/internal/assign"
	"oee-monitor-backend/internal/job"
)

type assignmentRequest struct {
	DeviceID      string    `json:"device_id" binding:"required"`
	BoundaryTime  time.Time `json:"boundary_time" binding:"required"`
	EndingJobID   int64     `json:"ending_job_id" binding:"required"`
	StartingJobID int64     `json:"starting_job_id"`
	NewJob        *struct {
		Name            string  `json:"name" binding:"required"`
		TargetRate      float64 `json:"target_rate" binding:"required"`
		PlannedQuantity int64   `json:"planned_quantity" binding:"required"`
	} `json:"new_job"`
	Reason           string `json:"reason" binding:"required"`
	PerformedBy      string `json:"performed_by" binding:"required"`
	RecordChangeover bool   `json:"record_changeover"`
}

// PostAssignment handles POST /api/assignments: a retrospective job-boundary
// correction.
func (h *Handler) PostAssignment(c *gin.Context) {
	var req assignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := assign.Params{
		DeviceID:         req.DeviceID,
		BoundaryTime:     req.BoundaryTime,
		EndingJobID:      req.EndingJobID,
		StartingJobID:    req.StartingJobID,
		Reason:           req.Reason,
		PerformedBy:      req.PerformedBy,
		RecordChangeover: req.RecordChangeover,
	}
	if req.NewJob != nil {
		params.NewJob = &job.StartParams{
			DeviceID:        req.DeviceID,
			Name:            req.NewJob.Name,
			TargetRate:      req.NewJob.TargetRate,
			PlannedQuantity: req.NewJob.PlannedQuantity,
		}
	}

	annotation, err := h.assign.Assign(c.Request.Context(), params)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, annotation)
}

// GetOrphanPeriods handles GET /api/devices/:device_id/orphans: spans with
// production but no job, candidates for retrospective assignment.
func (h *Handler) GetOrphanPeriods(c *gin.Context) {
	deviceID := c.Param("device_id")
	start, end, ok := parsePeriod(c)
	if !ok {
		return
	}

	orphans, err := h.assign.FindOrphanPeriods(c.Request.Context(), deviceID, start, end)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	if orphans == nil {
		orphans = []assign.OrphanPeriod{}
	}
	c.JSON(http.StatusOK, orphans)
}

// GetOverproduction handles GET /api/devices/:device_id/overproduction.
func (h *Handler) GetOverproduction(c *gin.Context) {
	over, err := h.assign.FindOverproduction(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	if over == nil {
		over = []assign.Overproduction{}
	}
	c.JSON(http.StatusOK, over)
}
