package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(ErrorHandler())
	router.Use(CORS())

	// Health check (public)
	router.GET("/health", handlers.HealthCheck)

	// API v1
	v1 := router.Group("/api/v1")
	v1.Use(RateLimiter(300)) // 300 requests per minute per IP

	// Device state
	devices := v1.Group("/devices")
	{
		devices.GET("", handlers.ListDevices)
		devices.GET("/:uid", handlers.GetDevice)
		devices.POST("/:uid/status", handlers.ReportDeviceStatus)
		devices.POST("/:uid/telemetry", handlers.IngestTelemetry)
		devices.GET("/:uid/analytics", handlers.GetDeviceAnalytics)
		devices.POST("/:uid/commands", handlers.SubmitCommand)
	}

	// Command tracking
	commands := v1.Group("/commands")
	{
		commands.GET("/:id", handlers.GetCommand)
		commands.POST("/:id/cancel", handlers.CancelCommand)
	}

	// Alerts
	v1.GET("/alerts", handlers.ListAlerts)
	v1.GET("/ws/alerts", handlers.AlertStream)

	// Admin endpoints
	admin := v1.Group("/admin")
	{
		admin.GET("/stats", handlers.GetSystemStats)
		admin.POST("/commands/expire", handlers.ExpireCommands)
	}
}
