package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"oee-monitor-backend/config"
	"oee-monitor-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, serverCfg config.ServerConfig) *gin.Engine {
	r := gin.Default()

	rateLimit := serverCfg.RateLimitPerSec
	if rateLimit <= 0 {
		rateLimit = 10
	}
	burst := serverCfg.RateLimitBurst
	if burst <= 0 {
		burst = 5
	}
	rateLimiter := mw.RateLimiter(rate.Limit(rateLimit), burst)

	cacheTTL := time.Duration(serverCfg.CacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 15 * time.Second
	}
	cacheStore := cache.New(cacheTTL, 2*cacheTTL)
	caching := mw.Cache(cacheStore, cacheTTL)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.POST("/jobs", caching, h.PostJob)
		api.POST("/jobs/:id/end", caching, h.EndJob)
		api.POST("/scrap", caching, h.PostScrap)

		api.POST("/stoppages/:id/classify", caching, h.ClassifyStoppage)
		api.GET("/stoppages/unclassified", h.GetUnclassifiedStoppages)

		api.POST("/assignments", caching, h.PostAssignment)

		// OEE reads are pure and cacheable.
		api.GET("/devices/:device_id/oee", caching, h.GetOee)
		api.GET("/devices/:device_id/oee/history", caching, h.GetOeeHistory)
		api.GET("/devices/:device_id/orphans", h.GetOrphanPeriods)
		api.GET("/devices/:device_id/overproduction", h.GetOverproduction)

		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)

		api.GET("/health", h.GetHealth)
	}

	return r
}
