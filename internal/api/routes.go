package api

import (
	"time"

	"example.com/backstage/services/dispenser/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RouteOptions tunes the shared middleware.
type RouteOptions struct {
	Counter         WindowCounter
	RateLimit       int
	RateLimitWindow time.Duration
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, services *core.ServiceRegistry, logger *logrus.Logger, opts RouteOptions) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(CORS())

	router.GET("/health", handlers.HealthCheck)

	// Device endpoints, addressed by device code
	deviceAPI := router.Group("/api/device")
	{
		byCode := deviceAPI.Group("")
		byCode.Use(DeviceLookup(services.Devices))
		{
			byCode.POST("/heartbeat/:code", handlers.Heartbeat)
			byCode.POST("/sync_done/:code", handlers.SyncDone)
			byCode.GET("/download/config/:code", handlers.DownloadConfig)
			byCode.GET("/download/schedule/:code", handlers.DownloadSchedule)
			byCode.GET("/download/audio_manifest/:code", handlers.DownloadAudioManifest)
			byCode.POST("/upload_logs/:code", handlers.UploadLogs)
			byCode.POST("/upload_state/:code", handlers.UploadState)
			byCode.POST("/notify/:code", handlers.NotifyProgress)
		}

		deviceAPI.GET("/audio/*filepath", handlers.ServeAudio)
	}

	// Portal endpoints
	v1 := router.Group("/api/v1")
	v1.Use(RateLimiter(opts.Counter, opts.RateLimit, opts.RateLimitWindow, logger))

	patient := v1.Group("/patients/:patient_id")
	patient.Use(PatientParam())
	{
		patient.POST("/device", handlers.RegisterDevice)
		patient.GET("/device/status", handlers.DeviceStatus)
		patient.PUT("/device/language", handlers.SetLanguage)
		patient.POST("/commands", handlers.EnqueueCommand)

		patient.GET("/medications", handlers.ListMedications)
		patient.PUT("/medications", handlers.SaveMedication)
		patient.POST("/medications/:med_id/dosages", handlers.AddDosage)
		patient.DELETE("/medications/:med_id", handlers.DeleteMedication)

		patient.GET("/analytics", handlers.GetAnalytics)
		patient.POST("/compliance/sweep", handlers.RunSweep)

		patient.GET("/alerts", handlers.ListAlerts)
		patient.POST("/alerts/:alert_id/read", handlers.MarkAlertRead)
	}
}
