// services/dispenser/internal/core/service.go
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/dispenser/config"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// --- Device Registry Implementation ---

// Liveness is what a heartbeat learns about the device.
type Liveness struct {
	Online        bool      `json:"online"`
	Dirty         bool      `json:"dirty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// DeviceStatus is the derived protocol state shown to the portal.
type DeviceStatus struct {
	DeviceCode       string        `json:"device_code"`
	State            string        `json:"state"`
	Online           bool          `json:"online"`
	Dirty            bool          `json:"dirty"`
	Language         string        `json:"language"`
	LastHeartbeat    *time.Time    `json:"last_heartbeat"`
	LastIncomingSync *time.Time    `json:"last_incoming_sync"`
	LastOutgoingSync *time.Time    `json:"last_outgoing_sync"`
	PendingCommands  int           `json:"pending_commands"`
	Storage          *DeviceState  `json:"storage,omitempty"`
	Progress         *SyncProgress `json:"progress,omitempty"`
}

type DeviceRegistry struct {
	store     DataStore
	cache     Cache
	queue     *CommandQueue
	logger    *logrus.Logger
	cfg       config.DeviceConfig
	deviceTTL time.Duration
	now       func() time.Time
}

func NewDeviceRegistry(store DataStore, cache Cache, queue *CommandQueue, logger *logrus.Logger, cfg config.DeviceConfig, deviceTTL time.Duration, now func() time.Time) *DeviceRegistry {
	if deviceTTL <= 0 {
		deviceTTL = 10 * time.Minute
	}
	if cfg.OnlineWindow <= 0 {
		cfg.OnlineWindow = 120 * time.Second
	}
	return &DeviceRegistry{
		store:     store,
		cache:     cache,
		queue:     queue,
		logger:    logger,
		cfg:       cfg,
		deviceTTL: deviceTTL,
		now:       now,
	}
}

// Register stores a new device. New devices start dirty so the first sync
// pulls every artifact.
func (r *DeviceRegistry) Register(ctx context.Context, device *Device) error {
	if device.DeviceCode == "" {
		return validationError(CodeInvalidInput, "device code is required")
	}
	if device.Language == "" {
		device.Language = r.cfg.DefaultLanguage
	}
	device.Language = NormalizeLanguage(device.Language)
	if device.TotalCompartments <= 0 {
		device.TotalCompartments = r.cfg.TotalCompartments
	}
	if device.AlarmTone == "" {
		device.AlarmTone = "default"
	}
	device.DataDirty = true

	if err := r.store.CreateDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}

	r.cacheDevice(ctx, device)
	r.logger.WithFields(logrus.Fields{
		"device_code": device.DeviceCode,
		"owner_id":    device.OwnerID,
	}).Info("Device registered successfully")
	return nil
}

// Lookup resolves a device by code through the cache. Cached copies are
// used for identity, owner and language only; dirty and liveness are always
// read from the store.
func (r *DeviceRegistry) Lookup(ctx context.Context, code string) (*Device, error) {
	if cached, err := r.getCachedDevice(ctx, code); err == nil && cached != nil {
		return cached, nil
	}

	device, err := r.store.GetDeviceByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	r.cacheDevice(ctx, device)
	return device, nil
}

// RecordHeartbeat stamps the device's liveness. It never touches the dirty
// flag.
func (r *DeviceRegistry) RecordHeartbeat(ctx context.Context, code string) (*Liveness, error) {
	now := r.now()
	if err := r.store.TouchHeartbeat(ctx, code, now); err != nil {
		return nil, err
	}

	device, err := r.store.GetDeviceByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	return &Liveness{
		Online:        device.IsOnline(now, r.cfg.OnlineWindow),
		Dirty:         device.DataDirty,
		LastHeartbeat: now,
	}, nil
}

// MarkSyncDone clears the dirty flag after the device confirmed a full pull.
func (r *DeviceRegistry) MarkSyncDone(ctx context.Context, code string) error {
	if err := r.store.MarkSyncDone(ctx, code, r.now()); err != nil {
		return err
	}

	r.evictDevice(ctx, code)
	r.logger.WithField("device_code", code).Info("Device sync acknowledged")
	return nil
}

// MarkDirty flags every device owned by ownerID. Owners without a device are
// a no-op.
func (r *DeviceRegistry) MarkDirty(ctx context.Context, ownerID uint) error {
	n, err := r.store.MarkOwnerDirty(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("failed to mark device dirty: %w", err)
	}
	if n > 0 {
		r.logger.WithField("owner_id", ownerID).Debug("Device marked dirty")
	}
	return nil
}

// UpsertState replaces the device's storage snapshot.
func (r *DeviceRegistry) UpsertState(ctx context.Context, code string, files json.RawMessage, used, total int64) (*DeviceState, error) {
	device, err := r.store.GetDeviceByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		files = json.RawMessage("[]")
	}
	state := &DeviceState{
		DeviceID:     device.ID,
		Files:        datatypes.JSON(files),
		StorageUsed:  used,
		StorageTotal: total,
		UpdatedAt:    r.now(),
	}
	if err := r.store.UpsertDeviceState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to store device state: %w", err)
	}
	return state, nil
}

// Status derives the protocol state of a device.
func (r *DeviceRegistry) Status(ctx context.Context, code string) (*DeviceStatus, error) {
	device, err := r.store.GetDeviceByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return r.status(ctx, device)
}

// StatusForOwner derives the protocol state of the owner's device.
func (r *DeviceRegistry) StatusForOwner(ctx context.Context, ownerID uint) (*DeviceStatus, error) {
	device, err := r.store.GetDeviceByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return r.status(ctx, device)
}

func (r *DeviceRegistry) status(ctx context.Context, device *Device) (*DeviceStatus, error) {
	online := device.IsOnline(r.now(), r.cfg.OnlineWindow)
	status := &DeviceStatus{
		DeviceCode:       device.DeviceCode,
		State:            deriveState(device, online),
		Online:           online,
		Dirty:            device.DataDirty,
		Language:         device.Language,
		LastHeartbeat:    device.LastHeartbeat,
		LastIncomingSync: device.LastIncomingSync,
		LastOutgoingSync: device.LastOutgoingSync,
	}

	pending, err := r.store.ListPendingCommands(ctx, device.DeviceCode)
	if err != nil {
		return nil, err
	}
	status.PendingCommands = len(pending)

	if st, err := r.store.GetDeviceState(ctx, device.ID); err == nil {
		status.Storage = st
	}
	if p, err := r.store.GetSyncProgress(ctx, device.DeviceCode); err == nil {
		status.Progress = p
	}
	return status, nil
}

func deriveState(device *Device, online bool) string {
	switch {
	case device.LastHeartbeat == nil:
		return DeviceStateUnknown
	case !online:
		return DeviceStateOffline
	case device.DataDirty:
		return DeviceStateOnlineDirty
	default:
		return DeviceStateOnlineClean
	}
}

// SetLanguage changes the owner's device language, marks it dirty and asks
// it to resync.
func (r *DeviceRegistry) SetLanguage(ctx context.Context, ownerID uint, language string) (*Device, error) {
	code := NormalizeLanguage(language)
	if err := r.store.SetDeviceLanguage(ctx, ownerID, code); err != nil {
		return nil, err
	}

	device, err := r.store.GetDeviceByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	r.evictDevice(ctx, device.DeviceCode)

	if _, err := r.queue.Enqueue(ctx, device.DeviceCode, CommandForceSync, nil); err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"device_code": device.DeviceCode,
		"language":    code,
	}).Info("Device language changed")
	return device, nil
}

func deviceCacheKey(code string) string {
	return fmt.Sprintf("device:%s", code)
}

func (r *DeviceRegistry) cacheDevice(ctx context.Context, device *Device) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(device)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, deviceCacheKey(device.DeviceCode), string(data), r.deviceTTL); err != nil {
		r.logger.WithError(err).Warn("Failed to cache device")
	}
}

func (r *DeviceRegistry) getCachedDevice(ctx context.Context, code string) (*Device, error) {
	if r.cache == nil {
		return nil, errors.New("cache not available")
	}

	data, err := r.cache.Get(ctx, deviceCacheKey(code))
	if err != nil {
		return nil, err
	}

	var device Device
	if err := json.Unmarshal([]byte(data), &device); err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *DeviceRegistry) evictDevice(ctx context.Context, code string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, deviceCacheKey(code)); err != nil {
		r.logger.WithError(err).Warn("Failed to evict cached device")
	}
}

// --- Command Queue Implementation ---

type CommandQueue struct {
	store  DataStore
	logger *logrus.Logger
}

func NewCommandQueue(store DataStore, logger *logrus.Logger) *CommandQueue {
	return &CommandQueue{store: store, logger: logger}
}

// Enqueue adds a command for the device unless one of the same type is
// already pending, in which case the pending one is returned unchanged.
// The payload is stored as-is.
func (q *CommandQueue) Enqueue(ctx context.Context, code, commandType string, payload interface{}) (*Command, error) {
	if _, err := q.store.GetDeviceByCode(ctx, code); err != nil {
		return nil, err
	}

	data, err := encodePayload(payload)
	if err != nil {
		return nil, validationError(CodeInvalidCommand, "payload is not valid JSON: %v", err)
	}

	cmd, created, err := q.store.EnqueueCommand(ctx, &Command{
		DeviceCode: code,
		Command:    commandType,
		Data:       data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue command: %w", err)
	}

	q.logger.WithFields(logrus.Fields{
		"device_code": code,
		"command":     commandType,
		"command_id":  cmd.ID,
		"created":     created,
	}).Info("Command enqueued")
	return cmd, nil
}

// EnqueueForOwner validates the command type and queues it on the owner's
// device.
func (q *CommandQueue) EnqueueForOwner(ctx context.Context, ownerID uint, commandType string, payload interface{}) (*Command, error) {
	if !IsKnownCommand(commandType) {
		return nil, validationError(CodeInvalidCommand, "unknown command %q", commandType)
	}
	device, err := q.store.GetDeviceByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, device.DeviceCode, commandType, payload)
}

// DrainPending returns the device's pending commands in creation order and
// marks them processed in the same step. Drained commands are consumed even
// if the response never reaches the device.
func (q *CommandQueue) DrainPending(ctx context.Context, code string) ([]Command, error) {
	if _, err := q.store.GetDeviceByCode(ctx, code); err != nil {
		return nil, err
	}

	cmds, err := q.store.DrainCommands(ctx, code)
	if err != nil {
		return nil, err
	}
	if len(cmds) > 0 {
		q.logger.WithFields(logrus.Fields{
			"device_code": code,
			"count":       len(cmds),
		}).Info("Commands drained")
	}
	return cmds, nil
}

func encodePayload(payload interface{}) (datatypes.JSON, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, errors.New("invalid raw JSON")
		}
		return datatypes.JSON(p), nil
	case datatypes.JSON:
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		return datatypes.JSON(data), nil
	}
}
