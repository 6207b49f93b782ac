package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/backstage/services/dispenser/config"
	"example.com/backstage/services/dispenser/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var apiNow = time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC)

type echoSpeech struct{}

func (echoSpeech) Render(_ context.Context, text, language string) ([]byte, error) {
	return []byte(language + ":" + text), nil
}

type wavTranscoder struct{}

func (wavTranscoder) Transcode(_ context.Context, raw []byte) ([]byte, error) {
	return append([]byte("RIFF"), raw...), nil
}

type testServer struct {
	router  *gin.Engine
	store   *core.MemoryStore
	patient *core.User
}

func newTestServer(t *testing.T, opts RouteOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	assets, err := core.NewAssetCache(t.TempDir())
	require.NoError(t, err)

	store := core.NewMemoryStore()
	services := core.NewServiceRegistry(core.ServiceConfig{
		Store:      store,
		Speech:     echoSpeech{},
		Transcoder: wavTranscoder{},
		Assets:     assets,
		Device: config.DeviceConfig{
			OnlineWindow:      120 * time.Second,
			SnoozeMinutes:     10,
			Volume:            100,
			TotalCompartments: 8,
			DefaultLanguage:   "en",
		},
		Compliance: config.ComplianceConfig{
			Lookback:      24 * time.Hour,
			LateThreshold: 30 * time.Minute,
			Timezone:      "UTC",
			TrendDays:     7,
		},
		OwnerTopicPrefix: "owners",
		Logger:           logger,
		Clock:            func() time.Time { return apiNow },
	})

	patient := &core.User{Name: "Asha", Username: "asha", Role: core.RolePatient}
	require.NoError(t, store.CreateUser(context.Background(), patient))

	router := gin.New()
	SetupRoutes(router, NewAPIHandlers(services, logger), services, logger, opts)
	return &testServer{router: router, store: store, patient: patient}
}

func (s *testServer) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) portal(path string) string {
	return fmt.Sprintf("/api/v1/patients/%d%s", s.patient.ID, path)
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func (s *testServer) registerDevice(t *testing.T, code string) {
	t.Helper()
	w := s.do(t, http.MethodPost, s.portal("/device"), gin.H{"device_code": code})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func (s *testServer) saveAspirin(t *testing.T) core.Medication {
	t.Helper()
	w := s.do(t, http.MethodPut, s.portal("/medications"), gin.H{
		"name":        "Aspirin",
		"compartment": 1,
		"dosages":     []gin.H{{"start": "08:00", "end": "10:00", "food_status": "After food"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var med core.Medication
	decode(t, w, &med)
	require.NotZero(t, med.ID)
	return med
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	w := s.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestHeartbeatCommandsAndSyncDone(t *testing.T) {
	s := newTestServer(t, RouteOptions{})
	s.registerDevice(t, "DEV1")

	w := s.do(t, http.MethodPost, s.portal("/commands"), gin.H{
		"command": core.CommandDispenseNow,
		"data":    gin.H{"compartment": 1},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/device/heartbeat/DEV1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hb core.HeartbeatResponse
	decode(t, w, &hb)
	assert.Equal(t, "ok", hb.Status)
	assert.True(t, hb.Sync.All)
	require.Len(t, hb.Commands, 1)
	assert.Equal(t, core.CommandDispenseNow, hb.Commands[0].Command)
	assert.JSONEq(t, `{"compartment":1}`, string(hb.Commands[0].Data))

	w = s.do(t, http.MethodPost, "/api/device/sync_done/DEV1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/device/heartbeat/DEV1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &hb)
	assert.False(t, hb.Sync.All)
	assert.Empty(t, hb.Commands)
}

func TestUnknownDeviceIsNotFound(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	for _, target := range []string{
		"/api/device/heartbeat/NOPE",
		"/api/device/sync_done/NOPE",
		"/api/device/upload_state/NOPE",
	} {
		w := s.do(t, http.MethodPost, target, gin.H{})
		assert.Equal(t, http.StatusNotFound, w.Code, target)
	}

	w := s.do(t, http.MethodGet, "/api/device/download/config/NOPE", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCommandWithoutDeviceIsConflict(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	w := s.do(t, http.MethodPost, s.portal("/commands"), gin.H{"command": core.CommandReboot})

	assert.Equal(t, http.StatusConflict, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "NO_DEVICE", body["code"])
}

func TestUnknownCommandIsRejected(t *testing.T) {
	s := newTestServer(t, RouteOptions{})
	s.registerDevice(t, "DEV1")

	w := s.do(t, http.MethodPost, s.portal("/commands"), gin.H{"command": "self_destruct"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), core.CodeInvalidCommand)
}

func TestInvalidPatientID(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	w := s.do(t, http.MethodGet, "/api/v1/patients/abc/medications", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/patients/999/medications", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestArtifactsAndAudioDownload(t *testing.T) {
	s := newTestServer(t, RouteOptions{})
	s.registerDevice(t, "DEV1")
	med := s.saveAspirin(t)

	w := s.do(t, http.MethodGet, "/api/device/download/config/DEV1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cfg core.ConfigArtifact
	decode(t, w, &cfg)
	assert.Equal(t, "DEV1", cfg.Config.DeviceCode)
	assert.Equal(t, s.patient.ID, cfg.Config.PatientID)

	w = s.do(t, http.MethodGet, "/api/device/download/schedule/DEV1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Aspirin")

	w = s.do(t, http.MethodGet, "/api/device/download/audio_manifest/DEV1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var manifest core.AudioManifest
	decode(t, w, &manifest)
	assert.Empty(t, manifest.Failed)

	snooze := manifest.AudioFiles.Global["snooze"]
	require.NotEmpty(t, snooze)
	w = s.do(t, http.MethodGet, "/api/device/"+snooze, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/wav", w.Header().Get("Content-Type"))
	assert.Equal(t, "RIFFen:I will remind you again.", w.Body.String())

	dose := manifest.AudioFiles.Medicines[fmt.Sprint(med.ID)]
	assert.Len(t, dose, 1)

	w = s.do(t, http.MethodGet, "/api/device/audio/../../etc/passwd", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadLogs(t *testing.T) {
	s := newTestServer(t, RouteOptions{})
	s.registerDevice(t, "DEV1")
	med := s.saveAspirin(t)

	w := s.do(t, http.MethodPost, "/api/device/upload_logs/DEV1", []gin.H{{
		"med_id":     med.ID,
		"dose_id":    med.Dosages[0].ID,
		"status":     "eaten",
		"taken_time": "2026-10-16T08:10:00Z",
	}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), core.CodeInvalidLog)

	w = s.do(t, http.MethodPost, "/api/device/upload_logs/DEV1", []gin.H{{
		"med_id":     med.ID,
		"dose_id":    med.Dosages[0].ID,
		"status":     core.LogStatusTaken,
		"taken_time": "2026-10-16T08:10:00Z",
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result core.UploadResult
	decode(t, w, &result)
	assert.Equal(t, "ok", result.Status)
	assert.True(t, result.Delete)
	assert.Equal(t, 1, result.Stored)

	w = s.do(t, http.MethodPost, "/api/device/upload_logs/DEV1", gin.H{"status": "taken"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadStateAndNotify(t *testing.T) {
	s := newTestServer(t, RouteOptions{})
	s.registerDevice(t, "DEV1")

	w := s.do(t, http.MethodPost, "/api/device/upload_state/DEV1", gin.H{
		"files":         []string{"a.wav"},
		"storage_used":  10,
		"storage_total": 100,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/device/notify/DEV1", gin.H{"msg": "Downloading audio", "pct": 40})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"sent"}`, w.Body.String())

	w = s.do(t, http.MethodGet, s.portal("/device/status"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status core.DeviceStatus
	decode(t, w, &status)
	assert.Equal(t, "DEV1", status.DeviceCode)
	require.NotNil(t, status.Storage)
	assert.EqualValues(t, 10, status.Storage.StorageUsed)
	require.NotNil(t, status.Progress)
	assert.Equal(t, 40, status.Progress.Percent)
}

func TestMedicationLifecycle(t *testing.T) {
	s := newTestServer(t, RouteOptions{})
	s.registerDevice(t, "DEV1")
	med := s.saveAspirin(t)

	w := s.do(t, http.MethodPost, s.portal(fmt.Sprintf("/medications/%d/dosages", med.ID)), gin.H{"start": "09:00", "end": "11:00"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), core.CodeOverlappingWindow)

	w = s.do(t, http.MethodPost, s.portal(fmt.Sprintf("/medications/%d/dosages", med.ID)), gin.H{"start": "20:00", "end": "21:00"})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, s.portal("/medications"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Medications []core.Medication `json:"medications"`
		Count       int               `json:"count"`
	}
	decode(t, w, &list)
	require.Equal(t, 1, list.Count)
	assert.Len(t, list.Medications[0].Dosages, 2)

	w = s.do(t, http.MethodDelete, s.portal(fmt.Sprintf("/medications/%d", med.ID)), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodDelete, s.portal(fmt.Sprintf("/medications/%d", med.ID)), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodDelete, s.portal("/medications/zero"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetLanguage(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	w := s.do(t, http.MethodPut, s.portal("/device/language"), gin.H{"language": "Hindi"})
	assert.Equal(t, http.StatusConflict, w.Code)

	s.registerDevice(t, "DEV1")
	w = s.do(t, http.MethodPut, s.portal("/device/language"), gin.H{"language": "Hindi"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"device_code":"DEV1","language":"hi"}`, w.Body.String())
}

func TestSweepAnalyticsAndAlerts(t *testing.T) {
	s := newTestServer(t, RouteOptions{})
	s.registerDevice(t, "DEV1")
	s.saveAspirin(t)

	w := s.do(t, http.MethodPost, s.portal("/compliance/sweep?lookback=bogus"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, s.portal("/compliance/sweep"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sweep core.SweepResult
	decode(t, w, &sweep)
	assert.Equal(t, 1, sweep.Missed)

	w = s.do(t, http.MethodGet, s.portal("/analytics"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var analytics core.Analytics
	decode(t, w, &analytics)
	assert.Equal(t, 1, analytics.Missed)

	w = s.do(t, http.MethodGet, s.portal("/alerts?unread=true"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var alerts struct {
		Alerts []core.Alert `json:"alerts"`
		Count  int          `json:"count"`
	}
	decode(t, w, &alerts)
	require.Equal(t, 1, alerts.Count)
	assert.Equal(t, core.AlertTitleMissedDose, alerts.Alerts[0].Title)

	w = s.do(t, http.MethodPost, s.portal(fmt.Sprintf("/alerts/%d/read", alerts.Alerts[0].ID)), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, s.portal("/alerts?unread=true"), nil)
	decode(t, w, &alerts)
	assert.Zero(t, alerts.Count)

	w = s.do(t, http.MethodPost, s.portal("/alerts/9999/read"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimiterFallsBackToMemory(t *testing.T) {
	s := newTestServer(t, RouteOptions{RateLimit: 2, RateLimitWindow: time.Minute})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, s.portal("/alerts"), nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, s.portal("/alerts"), nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodGet, s.portal("/alerts"), nil).Code)

	// device endpoints are not limited
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code)
}

type failingCounter struct{ calls int }

func (f *failingCounter) IncrWindow(context.Context, string, time.Duration) (int64, error) {
	f.calls++
	return 0, fmt.Errorf("redis down")
}

func TestRateLimiterCounterErrorUsesLocalCount(t *testing.T) {
	counter := &failingCounter{}
	s := newTestServer(t, RouteOptions{Counter: counter, RateLimit: 1, RateLimitWindow: time.Minute})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, s.portal("/alerts"), nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodGet, s.portal("/alerts"), nil).Code)
	assert.Equal(t, 2, counter.calls)
}
