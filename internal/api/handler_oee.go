package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// parsePeriod reads the start/end RFC3339 query parameters. end defaults to
// now, start to one hour before end.
func parsePeriod(c *gin.Context) (start, end time.Time, ok bool) {
	end = time.Now().UTC()
	if v := c.Query("end"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'end' timestamp format. Use RFC3339."})
			return start, end, false
		}
		end = parsed.UTC()
	}

	start = end.Add(-time.Hour)
	if v := c.Query("start"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'start' timestamp format. Use RFC3339."})
			return start, end, false
		}
		start = parsed.UTC()
	}

	if !end.After(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "'end' must be after 'start'"})
		return start, end, false
	}
	return start, end, true
}

// GetOee handles GET /api/devices/:device_id/oee.
func (h *Handler) GetOee(c *gin.Context) {
	deviceID := c.Param("device_id")
	start, end, ok := parsePeriod(c)
	if !ok {
		return
	}

	res, err := h.calc.Calculate(c.Request.Context(), deviceID, start, end)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetOeeHistory handles GET /api/devices/:device_id/oee/history with a
// bucket query parameter ("15m", "1h", ...).
func (h *Handler) GetOeeHistory(c *gin.Context) {
	deviceID := c.Param("device_id")
	start, end, ok := parsePeriod(c)
	if !ok {
		return
	}

	bucket := time.Hour
	if v := c.Query("bucket"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'bucket' duration"})
			return
		}
		bucket = parsed
	}

	results, err := h.calc.History(c.Request.Context(), deviceID, start, end, bucket)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}
