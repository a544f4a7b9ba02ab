package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"yade-server/pkg/middleware"
)

type RouterConfig struct {
	CORSOrigins []string
	ServiceName string
	Tracing     bool
	Metrics     bool
}

// NewRouter собирает gin с общими middleware, REST маршрутами и чатом.
func NewRouter(cfg RouterConfig, game *GameHandler, chatWS gin.HandlerFunc, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.ZapLogger(logger.Named("HTTP")))
	if cfg.Tracing {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}

	// до маршрутов, иначе middleware не попадет в их цепочки; заодно регистрирует /metrics
	if cfg.Metrics {
		p := ginprometheus.NewPrometheus("gin")
		p.Use(router)
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", middleware.RequestIDHeader}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", health)
	router.HEAD("/health", health)

	api := router.Group("/api")
	game.RegisterRoutes(api)
	if chatWS != nil {
		router.GET("/ws/chat/:id", chatWS)
	}
	return router
}
