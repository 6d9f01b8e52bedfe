package api

import (
	"grade-publisher/internal/config"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, handler *Handler) {
	// Health check
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		courses := v1.Group("/courses/:course_id")
		{
			// Final grade publishing
			courses.POST("/grade_publishing", handler.PublishGrades)
			courses.GET("/grade_publishing", handler.GetPublishingStatus)
			courses.POST("/grade_publishing/expire", handler.ExpirePublishing)
			courses.POST("/grade_publishing/confirm", handler.ConfirmPublishing)

			courses.POST("/scores/recompute", handler.RecomputeScores)

			// Gradebook exports
			courses.GET("/gradebook.csv", handler.GradebookCSV)
			courses.POST("/gradebook_exports", handler.CreateExport)
		}

		v1.GET("/gradebook_exports/:export_id", handler.GetExport)
		v1.GET("/gradebook_exports/:export_id/download", handler.DownloadExport)
	}
}

// NewRouter builds the engine with the service middleware stack.
func NewRouter(cfg *config.Config, handler *Handler) *gin.Engine {
	SetupValidator()

	router := gin.New()
	router.Use(RecoveryMiddleware())
	router.Use(LoggingMiddleware())
	router.Use(CORSMiddleware(cfg.Server.AllowedOrigins))

	SetupRoutes(router, handler)
	return router
}
