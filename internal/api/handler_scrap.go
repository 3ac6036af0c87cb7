package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"oee-monitor-backend/internal/model"
)

type recordScrapRequest struct {
	DeviceID   string     `json:"device_id" binding:"required"`
	Quantity   int64      `json:"quantity" binding:"required"`
	ReasonCode int        `json:"reason_code" binding:"required"`
	RecordedAt *time.Time `json:"recorded_at"`
	RecordedBy string     `json:"recorded_by"`
}

// PostScrap handles POST /api/scrap: a manual scrap entry for devices
// without a reject counter channel, or on top of one.
func (h *Handler) PostScrap(c *gin.Context) {
	var req recordScrapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Quantity <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must be positive"})
		return
	}

	recordedAt := time.Now().UTC()
	if req.RecordedAt != nil {
		recordedAt = req.RecordedAt.UTC()
	}

	entry := model.ScrapEntry{
		DeviceID:   req.DeviceID,
		Quantity:   req.Quantity,
		ReasonCode: req.ReasonCode,
		RecordedAt: recordedAt,
		RecordedBy: req.RecordedBy,
	}
	// Attribute the entry to the job covering its timestamp, if any.
	covering, err := h.store.JobCovering(c.Request.Context(), req.DeviceID, recordedAt)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	if covering != nil {
		entry.JobID = &covering.ID
	}

	if err := h.store.CreateScrap(c.Request.Context(), &entry); err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}
