package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/recrutea/proctor-backend/internal/config"
	"github.com/recrutea/proctor-backend/internal/handler"
	"github.com/recrutea/proctor-backend/internal/middleware"
	"github.com/recrutea/proctor-backend/internal/response"
	"github.com/recrutea/proctor-backend/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	Health  *handler.HealthHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	tokens *service.TokenService,
	limiter *middleware.RateLimiter,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Operational endpoints.
	router.GET("/health", handlers.Health.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ─── 1. Session API (rate limited, never cached) ──────────────────
	api := router.Group("/api/v1/sessions")
	api.Use(
		limiter.Middleware(),
		middleware.NoStore(),
		middleware.Brotli(),
	)
	{
		api.POST("", handlers.Session.Open)

		session := api.Group("/:key")
		session.Use(middleware.RequireSessionToken(tokens))
		{
			session.GET("", handlers.Session.Get)
			session.PUT("/answers/:index", handlers.Session.SelectAnswer)
			session.POST("/next", handlers.Session.Next)
			session.POST("/goto/:index", handlers.Session.GoTo)
			session.GET("/completeness", handlers.Session.Completeness)
			session.POST("/submit", handlers.Session.Submit)
			session.POST("/signals", handlers.Session.Signal)
			// sendBeacon target; the token travels in the query string.
			session.POST("/unload", handlers.Session.Unload)
		}
	}

	// ─── 2. WebSocket Group (token in query string) ────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(limiter.Middleware())
	{
		ws.GET("/sessions/:key/stream", middleware.RequireSessionToken(tokens), handlers.WS.SessionStream)
	}

	return router
}
