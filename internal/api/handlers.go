// services/dispenser/internal/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/dispenser/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services *core.ServiceRegistry
	logger   *logrus.Logger
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(services *core.ServiceRegistry, logger *logrus.Logger) *APIHandlers {
	return &APIHandlers{services: services, logger: logger}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "dispenser-api",
	})
}

// writeError maps domain errors onto HTTP responses. Unexpected errors are
// logged and reported without detail.
func (h *APIHandlers) writeError(c *gin.Context, err error) {
	var businessErr core.BusinessError
	switch {
	case errors.As(err, &businessErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": businessErr.Message, "code": businessErr.Code})
	case errors.Is(err, core.ErrNoDevice):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "NO_DEVICE"})
	case errors.Is(err, core.ErrDeviceNotFound),
		errors.Is(err, core.ErrPatientNotFound),
		errors.Is(err, core.ErrMedicationNotFound),
		errors.Is(err, core.ErrAlertNotFound),
		errors.Is(err, core.ErrAssetNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

// --- Device Endpoints ---

// Heartbeat records liveness and hands out pending commands.
func (h *APIHandlers) Heartbeat(c *gin.Context) {
	resp, err := h.services.Sync.Heartbeat(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// SyncDone clears the dirty flag after a full pull.
func (h *APIHandlers) SyncDone(c *gin.Context) {
	if err := h.services.Sync.SyncDone(c.Request.Context(), c.Param("code")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *APIHandlers) DownloadConfig(c *gin.Context) {
	cfg, err := h.services.Artifacts.Config(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *APIHandlers) DownloadSchedule(c *gin.Context) {
	schedule, err := h.services.Artifacts.Schedule(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

// DownloadAudioManifest rebuilds the speech assets and returns their paths.
// This can take a while; rebuilds for the same patient queue up.
func (h *APIHandlers) DownloadAudioManifest(c *gin.Context) {
	manifest, err := h.services.Artifacts.AudioManifest(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, manifest)
}

// ServeAudio streams a rendered WAV file.
func (h *APIHandlers) ServeAudio(c *gin.Context) {
	full, err := h.services.Artifacts.Assets().Open(c.Param("filepath"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Content-Type", "audio/wav")
	c.File(full)
}

// UploadLogs stores a batch of intake logs. The body is a JSON array.
func (h *APIHandlers) UploadLogs(c *gin.Context) {
	var entries []core.LogEntry
	if err := c.ShouldBindJSON(&entries); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	result, err := h.services.Sync.UploadLogs(c.Request.Context(), c.Param("code"), entries)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandlers) UploadState(c *gin.Context) {
	var req core.StateUpload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	if _, err := h.services.Sync.UploadState(c.Request.Context(), c.Param("code"), req); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// NotifyProgress forwards a sync progress report to the owner.
func (h *APIHandlers) NotifyProgress(c *gin.Context) {
	var req struct {
		Message string `json:"msg"`
		Percent int    `json:"pct"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
			return
		}
	}

	if err := h.services.Sync.NotifyProgress(c.Request.Context(), c.Param("code"), req.Message, req.Percent); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// --- Portal Endpoints ---

// RegisterDevice binds a new dispenser to the patient.
func (h *APIHandlers) RegisterDevice(c *gin.Context) {
	patientID := c.GetUint(patientKey)

	var req struct {
		DeviceCode        string `json:"device_code" binding:"required"`
		Language          string `json:"language"`
		AlarmTone         string `json:"alarm_tone"`
		TotalCompartments int    `json:"total_compartments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	if _, err := h.services.Medications.Patient(c.Request.Context(), patientID); err != nil {
		h.writeError(c, err)
		return
	}

	device := &core.Device{
		DeviceCode:        req.DeviceCode,
		OwnerID:           &patientID,
		Language:          req.Language,
		AlarmTone:         req.AlarmTone,
		TotalCompartments: req.TotalCompartments,
	}
	if err := h.services.Devices.Register(c.Request.Context(), device); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, device)
}

// EnqueueCommand queues a command for the patient's device.
func (h *APIHandlers) EnqueueCommand(c *gin.Context) {
	var req struct {
		Command string          `json:"command" binding:"required"`
		Data    json.RawMessage `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	cmd, err := h.services.Commands.EnqueueForOwner(c.Request.Context(), c.GetUint(patientKey), req.Command, req.Data)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, cmd)
}

func (h *APIHandlers) ListMedications(c *gin.Context) {
	meds, err := h.services.Medications.List(c.Request.Context(), c.GetUint(patientKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"medications": meds,
		"count":       len(meds),
	})
}

// SaveMedication creates or replaces the medication in a compartment.
func (h *APIHandlers) SaveMedication(c *gin.Context) {
	var req core.MedicationInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	med, err := h.services.Medications.Save(c.Request.Context(), c.GetUint(patientKey), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, med)
}

func (h *APIHandlers) AddDosage(c *gin.Context) {
	medID, ok := uintParam(c, "med_id")
	if !ok {
		return
	}

	var req core.DosageInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	dosage, err := h.services.Medications.AddDosage(c.Request.Context(), c.GetUint(patientKey), medID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dosage)
}

func (h *APIHandlers) DeleteMedication(c *gin.Context) {
	medID, ok := uintParam(c, "med_id")
	if !ok {
		return
	}

	if err := h.services.Medications.Delete(c.Request.Context(), c.GetUint(patientKey), medID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetLanguage changes the device language and asks it to resync.
func (h *APIHandlers) SetLanguage(c *gin.Context) {
	var req struct {
		Language string `json:"language" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	device, err := h.services.Devices.SetLanguage(c.Request.Context(), c.GetUint(patientKey), req.Language)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device_code": device.DeviceCode,
		"language":    core.NormalizeLanguage(req.Language),
	})
}

func (h *APIHandlers) DeviceStatus(c *gin.Context) {
	status, err := h.services.Devices.StatusForOwner(c.Request.Context(), c.GetUint(patientKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *APIHandlers) GetAnalytics(c *gin.Context) {
	analytics, err := h.services.Compliance.Analytics(c.Request.Context(), c.GetUint(patientKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, analytics)
}

// RunSweep runs the compliance sweep for one patient on demand. The
// optional lookback query parameter is a Go duration such as "48h".
func (h *APIHandlers) RunSweep(c *gin.Context) {
	var lookback time.Duration
	if raw := c.Query("lookback"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lookback"})
			return
		}
		lookback = d
	}

	result, err := h.services.Compliance.Sweep(c.Request.Context(), c.GetUint(patientKey), lookback)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandlers) ListAlerts(c *gin.Context) {
	unreadOnly := c.Query("unread") == "true"

	alerts, err := h.services.Alerts.List(c.Request.Context(), c.GetUint(patientKey), unreadOnly)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (h *APIHandlers) MarkAlertRead(c *gin.Context) {
	alertID, ok := uintParam(c, "alert_id")
	if !ok {
		return
	}

	if err := h.services.Alerts.MarkRead(c.Request.Context(), c.GetUint(patientKey), alertID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
