// Package server wires HTTP handlers into a gin engine for the chat gateway
// via routing helpers.
package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRoutes configures and returns a gin engine with all application routes.
// Internal routes require the X-Notify-Secret header when a secret is configured.
func SetupRoutes(g *Gateway) *gin.Engine {
	engine := gin.New()
	engine.Use(recovery(g.log), accessLog(g.log))

	engine.GET("/", g.HealthHandler)
	engine.GET("/api/health", g.HealthHandler)
	engine.GET("/ws", g.ServeWS)
	if g.cfg.EnableTestPage {
		engine.GET("/test", TestPageHandler)
	}

	internal := engine.Group("/internal", requireSecret(g.cfg.NotifySecret))
	internal.POST("/notify/messages", g.NotifyMessage)
	internal.POST("/notify/reactions", g.NotifyReaction)
	internal.POST("/notify/contacts", g.InvalidateContacts)
	internal.GET("/presence/:userId", g.PresenceHandler)

	return engine
}

func accessLog(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			log.Warn("Request completed with errors", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		log.Debug("Request completed", fields...)
	}
}

func recovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("Recovered from panic in HTTP handler",
			zap.String("path", c.Request.URL.Path),
			zap.Any("panic", recovered),
			zap.Stack("stack"))
		c.AbortWithStatusJSON(500, errorResponse{Error: "internal error"})
	})
}
