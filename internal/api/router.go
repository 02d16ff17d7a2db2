package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"runbox/internal/middleware"
	"runbox/pkg/utils/logger"
)

// NewRouter builds the gin engine with the standard middleware chain.
func NewRouter(ctrl *Controller) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceContext())
	router.Use(requestLogger())

	router.POST("/run", ctrl.Run)
	router.GET("/results/:jobId", ctrl.Result)
	router.GET("/health", ctrl.Health)

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
