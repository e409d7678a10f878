package ops

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// NewRouter creates and configures the ops HTTP router.
func NewRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.Healthz)

	// Rate limit: 10 requests per second with a burst of 5
	rateLimiter := RateLimited(rate.Limit(10), 5)

	// Cache: status endpoints change at cycle cadence, not per request.
	cacheStore := cache.New(15*time.Second, time.Minute)
	caching := Cached(cacheStore, 15*time.Second)

	api := r.Group("/api/v1")
	api.Use(rateLimiter)
	{
		api.GET("/worker/status", h.WorkerStatus)
		api.POST("/worker/commands", h.WorkerCommand)

		api.GET("/supervisor/restarts", h.SupervisorRestarts)
		api.POST("/supervisor/reset", h.SupervisorReset)

		api.GET("/validation/report", caching, h.ValidationReport)
		api.GET("/validation/stats", caching, h.ValidationStats)

		api.POST("/upload/run", h.RunUpload)
		api.POST("/sync/run", h.RunConfigSync)
		api.GET("/sync/stats", caching, h.SyncStats)
		api.GET("/sync/logs", caching, h.SyncLogs)
	}

	return r
}
