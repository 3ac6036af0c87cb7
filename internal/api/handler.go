package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"oee-monitor-backend/internal/assign"
	"oee-monitor-backend/internal/job"
	"oee-monitor-backend/internal/oee"
	"oee-monitor-backend/internal/stoppage"
	"oee-monitor-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store      store.Store
	jobs       *job.Manager
	classifier *stoppage.Classifier
	assign     *assign.Engine
	calc       *oee.Calculator
	webpush    *webpush.Options
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, jobs *job.Manager, classifier *stoppage.Classifier, engine *assign.Engine, calc *oee.Calculator, webpushOptions *webpush.Options) *Handler {
	return &Handler{
		store:      s,
		jobs:       jobs,
		classifier: classifier,
		assign:     engine,
		calc:       calc,
		webpush:    webpushOptions,
	}
}

// abortWithDomainError maps typed core errors onto HTTP statuses. The core
// packages return typed errors only; translation happens at this boundary.
func abortWithDomainError(c *gin.Context, err error) {
	var premature *job.PrematureJobEndError
	if errors.As(err, &premature) {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":          premature.Error(),
			"kind":           "premature_job_end",
			"job_id":         premature.JobID,
			"completion_pct": premature.CompletionPct,
			"threshold_pct":  premature.ThresholdPct,
		})
		return
	}

	var violation *job.InvariantViolationError
	if errors.As(err, &violation) {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error": violation.Error(),
			"kind":  "invariant_violation",
		})
		return
	}

	var invalidReason *stoppage.InvalidReasonError
	if errors.As(err, &invalidReason) {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error": invalidReason.Error(),
			"kind":  "invalid_reason_code",
		})
		return
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
