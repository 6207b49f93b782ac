// services/dispenser/internal/core/sync.go
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/backstage/services/dispenser/config"
	"github.com/sirupsen/logrus"
)

// HeartbeatResponse is returned to the device on every poll.
type HeartbeatResponse struct {
	Status   string            `json:"status"`
	Sync     SyncFlags         `json:"sync"`
	Commands []CommandEnvelope `json:"commands"`
}

type SyncFlags struct {
	All bool `json:"all"`
}

// CommandEnvelope is the wire form of a drained command.
type CommandEnvelope struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data"`
}

// LogEntry is one intake record as uploaded by a device.
type LogEntry struct {
	MedName       string `json:"med_name"`
	MedID         uint   `json:"med_id"`
	DoseID        uint   `json:"dose_id"`
	Status        string `json:"status"`
	TakenTime     string `json:"taken_time"`
	Mode          string `json:"mode"`
	Delay         int    `json:"delay"`
	PillSensor    bool   `json:"pill_sensor"`
	DustbinSensor bool   `json:"dustbin_sensor"`
}

// UploadResult tells the device whether it may purge its local buffer.
type UploadResult struct {
	Status string       `json:"status"`
	Delete bool         `json:"delete"`
	Stored int          `json:"stored"`
	Sweep  *SweepResult `json:"sweep,omitempty"`
}

// StateUpload is the storage snapshot a device reports.
type StateUpload struct {
	Files        json.RawMessage `json:"files"`
	StorageUsed  int64           `json:"storage_used"`
	StorageTotal int64           `json:"storage_total"`
}

// --- Sync Coordinator Implementation ---

type SyncCoordinator struct {
	store      DataStore
	devices    *DeviceRegistry
	queue      *CommandQueue
	compliance *ComplianceEngine
	notifier   Notifier
	logger     *logrus.Logger
	cfg        config.ComplianceConfig
	now        func() time.Time
}

func NewSyncCoordinator(store DataStore, devices *DeviceRegistry, queue *CommandQueue, compliance *ComplianceEngine, notifier Notifier, logger *logrus.Logger, cfg config.ComplianceConfig, now func() time.Time) *SyncCoordinator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &SyncCoordinator{
		store:      store,
		devices:    devices,
		queue:      queue,
		compliance: compliance,
		notifier:   notifier,
		logger:     logger,
		cfg:        cfg,
		now:        now,
	}
}

// Heartbeat records liveness, drains pending commands and reports the
// dirty flag. The drained commands are consumed by this call.
func (c *SyncCoordinator) Heartbeat(ctx context.Context, code string) (*HeartbeatResponse, error) {
	liveness, err := c.devices.RecordHeartbeat(ctx, code)
	if err != nil {
		return nil, err
	}

	cmds, err := c.queue.DrainPending(ctx, code)
	if err != nil {
		return nil, err
	}

	resp := &HeartbeatResponse{
		Status:   "ok",
		Sync:     SyncFlags{All: liveness.Dirty},
		Commands: make([]CommandEnvelope, 0, len(cmds)),
	}
	for _, cmd := range cmds {
		data := json.RawMessage(cmd.Data)
		if len(data) == 0 || string(data) == "null" {
			data = json.RawMessage("{}")
		}
		resp.Commands = append(resp.Commands, CommandEnvelope{Command: cmd.Command, Data: data})
	}
	return resp, nil
}

// SyncDone clears the dirty flag.
func (c *SyncCoordinator) SyncDone(ctx context.Context, code string) error {
	return c.devices.MarkSyncDone(ctx, code)
}

// UploadLogs validates and stores a batch of intake logs. Every entry must
// name a medication of the device's owner. The batch is stored whole or not
// at all. When configured, the owner's compliance sweep
// runs right after; its failure does not fail the upload.
func (c *SyncCoordinator) UploadLogs(ctx context.Context, code string, entries []LogEntry) (*UploadResult, error) {
	device, err := c.store.GetDeviceByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	logs := make([]*Log, 0, len(entries))
	owned := map[uint]bool{}
	for i, e := range entries {
		l, err := c.toLog(device, e)
		if err != nil {
			return nil, validationError(CodeInvalidLog, "entry %d: %v", i, err)
		}
		ok, err := c.ownsMedication(ctx, device, l.MedID, owned)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, validationError(CodeInvalidLog, "entry %d: medication %d does not belong to this device's patient", i, l.MedID)
		}
		logs = append(logs, l)
	}

	err = c.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		return tx.CreateLogs(ctx, logs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store logs: %w", err)
	}

	result := &UploadResult{Status: "ok", Delete: true, Stored: len(logs)}
	c.logger.WithFields(logrus.Fields{
		"device_code": code,
		"stored":      len(logs),
	}).Info("Device logs stored")

	if c.cfg.SweepAfterUpload && device.OwnerID != nil && len(logs) > 0 {
		sweep, err := c.compliance.Sweep(ctx, *device.OwnerID, 0)
		if err != nil {
			c.logger.WithError(err).WithField("device_code", code).Warn("Post-upload compliance sweep failed")
		} else {
			result.Sweep = sweep
		}
	}
	return result, nil
}

func (c *SyncCoordinator) ownsMedication(ctx context.Context, device *Device, medID uint, seen map[uint]bool) (bool, error) {
	if ok, cached := seen[medID]; cached {
		return ok, nil
	}
	if device.OwnerID == nil {
		return false, nil
	}
	med, err := c.store.GetMedication(ctx, medID)
	switch {
	case errors.Is(err, ErrMedicationNotFound):
		seen[medID] = false
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to look up medication: %w", err)
	}
	seen[medID] = med.PatientID == *device.OwnerID
	return seen[medID], nil
}

// layouts accepted for timestamps without an offset; those are device-local
var localTimeLayouts = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

func (c *SyncCoordinator) parseTakenTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range localTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, c.cfg.Location()); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("taken_time %q is not ISO-8601", s)
}

func (c *SyncCoordinator) toLog(device *Device, e LogEntry) (*Log, error) {
	if !validLogStatus[e.Status] {
		return nil, fmt.Errorf("unknown status %q", e.Status)
	}
	mode := e.Mode
	if mode == "" {
		mode = LogModeDevice
	}
	if !validLogMode[mode] {
		return nil, fmt.Errorf("unknown mode %q", e.Mode)
	}
	if e.MedID == 0 {
		return nil, fmt.Errorf("med_id is required")
	}
	taken, err := c.parseTakenTime(e.TakenTime)
	if err != nil {
		return nil, err
	}

	deviceID := device.ID
	return &Log{
		DeviceID:      &deviceID,
		MedName:       e.MedName,
		MedID:         e.MedID,
		DoseID:        e.DoseID,
		TakenTime:     taken,
		Status:        e.Status,
		Mode:          mode,
		DelayMinutes:  e.Delay,
		PillSensor:    e.PillSensor,
		DustbinSensor: e.DustbinSensor,
	}, nil
}

// UploadState replaces the device's storage snapshot.
func (c *SyncCoordinator) UploadState(ctx context.Context, code string, in StateUpload) (*DeviceState, error) {
	return c.devices.UpsertState(ctx, code, in.Files, in.StorageUsed, in.StorageTotal)
}

// NotifyProgress records the device's sync progress and forwards it to the
// owner's live session. Delivery is best-effort.
func (c *SyncCoordinator) NotifyProgress(ctx context.Context, code, msg string, pct int) error {
	device, err := c.devices.Lookup(ctx, code)
	if err != nil {
		return err
	}

	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	now := c.now()

	if err := c.store.SaveSyncProgress(ctx, &SyncProgress{
		DeviceCode: code,
		Message:    msg,
		Percent:    pct,
		UpdatedAt:  now,
	}); err != nil {
		c.logger.WithError(err).WithField("device_code", code).Warn("Failed to store sync progress")
	}

	if device.OwnerID == nil {
		return nil
	}
	event := ProgressEvent{Type: EventDeviceProgress, Device: code, Message: msg, Percent: pct, At: now}
	if err := c.notifier.Notify(ctx, *device.OwnerID, event); err != nil {
		c.logger.WithError(err).WithField("device_code", code).Debug("Progress notification dropped")
	}
	return nil
}
