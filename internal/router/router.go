package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/handler"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Participant *handler.ParticipantHandler
	WS          *handler.WSHandler
	Health      *handler.HealthHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// limiter may be nil, which disables rate limiting.
func SetupRouter(
	auth middleware.TokenValidator,
	handlers *Handlers,
	limiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

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

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.Brotli(middleware.BrotliOptions{
		MinLength: 1024,
		SkipPaths: []string{"/ws/"},
	}))

	router.GET("/health", handlers.Health.Health)

	// ─── Participant Group (JWT + Rate Limit) ──────────────────────────
	participant := router.Group("/api/v1/participant")
	participant.Use(middleware.RequireParticipantJWT(auth), middleware.NoStore())
	if limiter != nil {
		participant.Use(limiter.Middleware())
	}
	{
		participant.POST("/exams/:exam_id/start", handlers.Participant.StartExam)
		participant.GET("/exams/:exam_id/result", handlers.Participant.GetResult)

		participant.PUT("/sessions/:session_id/answers", handlers.Participant.SetAnswer)
		participant.PUT("/sessions/:session_id/flags", handlers.Participant.SetFlag)
		participant.GET("/sessions/:session_id/confirmation", handlers.Participant.GetConfirmation)
		participant.POST("/sessions/:session_id/submit", handlers.Participant.Submit)
		participant.POST("/sessions/:session_id/visibility", handlers.Participant.ReportVisibility)
	}

	// ─── WebSocket Group (token via query) ─────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireParticipantJWT(auth))
	{
		ws.GET("/participant/sessions/:session_id/stream", handlers.WS.SessionStream)
	}

	return router
}
