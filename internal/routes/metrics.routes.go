package routes

import (
	"pushwatch/internal/controllers"
	"pushwatch/internal/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterMonitorRoutes registers ingestion, health and the hosts view.
// Health is the only route that needs no credentials.
func RegisterMonitorRoutes(r *gin.Engine, mc *controllers.MetricsController, auth gin.HandlerFunc, limit gin.HandlerFunc) {
	r.GET("/health", mc.GetHealth)

	api := r.Group("/api", auth)
	{
		api.POST("/metrics", mc.ReceiveMetrics)
		api.GET("/hosts", limit, mc.GetHosts)
	}
}

// RegisterStreamRoutes registers the live feed WebSocket endpoint
func RegisterStreamRoutes(r *gin.Engine, sc *controllers.StreamController, auth gin.HandlerFunc, limit gin.HandlerFunc) {
	r.GET("/api/stream", limit, auth, sc.HandleStream)
}

// Dependencies are the collaborators a collector router is built from
type Dependencies struct {
	Metrics  *controllers.MetricsController
	Stream   *controllers.StreamController
	Auth     middleware.Authenticator
	Security *middleware.SecurityLogger
	Limiter  *middleware.RateLimiter
}

// NewRouter builds the collector's gin engine
func NewRouter(d Dependencies, requestLog gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if requestLog != nil {
		r.Use(requestLog)
	}
	r.Use(middleware.SecurityHeadersMiddleware())

	limit := middleware.RateLimitMiddleware(d.Limiter, d.Security)
	RegisterMonitorRoutes(r, d.Metrics, middleware.BearerAuthMiddleware(d.Auth, d.Security, false), limit)
	if d.Stream != nil {
		RegisterStreamRoutes(r, d.Stream, middleware.BearerAuthMiddleware(d.Auth, d.Security, true), limit)
	}
	return r
}
