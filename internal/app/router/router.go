package router

import (
	"loan-sync-worker/internal/app/handlers"
	"loan-sync-worker/internal/app/middleware"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"
)

func SetupRouter(meter metric.Meter, syncService handlers.SyncServiceInterface) *gin.Engine {
	server := gin.Default()
	server.Use(middleware.NewMetricMiddleware(meter))

	healthCheckHandler := handlers.NewHealthCheckHandler()
	server.GET("/health", healthCheckHandler.HealthCheck)

	syncHandler := handlers.NewSyncHandler(syncService)
	server.POST("/sync", syncHandler.StartSync)
	server.GET("/sync/status", syncHandler.GetStatus)

	return server
}
