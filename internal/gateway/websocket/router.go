package websocket

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skylightos/skylight/internal/common/config"
	"github.com/skylightos/skylight/internal/common/httpmw"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/sessionlog"
	v1 "github.com/skylightos/skylight/pkg/api/v1"
)

// NewRouter builds the HTTP surface: the WebSocket endpoint plus health,
// metrics, and the read-only session API.
func NewRouter(cfg config.ServerConfig, g *Gateway, catalog *sessionlog.Catalog, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "skylight"))
	router.Use(httpmw.OtelTracing("skylight"))
	router.Use(httpmw.CORS(cfg.AllowedOrigins))

	router.GET("/ws", g.HandleConnection)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "skylight"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.GET("/sessions", listSessions(catalog))
	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, g.pool.GetStats())
	})

	return router
}

// listSessions serves the catalog newest-first. A nil catalog answers with
// an empty list so the endpoint works without persistence configured.
func listSessions(catalog *sessionlog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		if catalog == nil {
			c.JSON(http.StatusOK, []v1.SessionSummary{})
			return
		}
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		sessions, err := catalog.List(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sessions == nil {
			sessions = []v1.SessionSummary{}
		}
		c.JSON(http.StatusOK, sessions)
	}
}
