package bridge

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/response"
)

// SetupRouter configures the localhost bridge routes.
func SetupRouter(h *Handler, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// The exam shell is served from the school's origin; restrict when
	// configured, allow all in dev.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/stream", h.Stream)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/session", h.GetSession)
		v1.POST("/answers", h.SaveAnswer)
		v1.POST("/answers/flush", h.FlushAnswers)
		v1.POST("/submit", h.SubmitAttempt)
		v1.POST("/connectivity", h.SetConnectivity)

		v1.GET("/queue/stats", h.GetQueueStats)
		v1.GET("/queue/abandoned", h.GetAbandoned)
		v1.POST("/queue/retry", h.RetryAbandoned)

		v1.POST("/proctor/consent", h.SetConsent)
		v1.POST("/proctor/visibility", h.ReportVisibility)
		v1.POST("/proctor/snapshot", h.CaptureSnapshot)
	}

	return router
}
