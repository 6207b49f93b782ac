package core

import (
	"time"

	"example.com/backstage/services/dispenser/config"
	"github.com/sirupsen/logrus"
)

// ServiceConfig carries the collaborators and settings the services need.
// Optional collaborators (Cache, Locker, Events, Bus) may be left nil.
type ServiceConfig struct {
	Store      DataStore
	Cache      Cache
	Locker     Locker
	Events     EventPublisher
	Bus        Broadcaster
	Speech     SpeechRenderer
	Transcoder Transcoder
	Assets     *AssetCache

	Device           config.DeviceConfig
	Compliance       config.ComplianceConfig
	DeviceTTL        time.Duration
	OwnerTopicPrefix string

	Logger *logrus.Logger
	Clock  func() time.Time
}

// ServiceRegistry holds all domain services
type ServiceRegistry struct {
	Devices     *DeviceRegistry
	Commands    *CommandQueue
	Artifacts   *ArtifactRenderer
	Sync        *SyncCoordinator
	Compliance  *ComplianceEngine
	Medications *MedicationService
	Alerts      *AlertService
	Notifier    Notifier
}

// NewServiceRegistry wires the services together.
func NewServiceRegistry(cfg ServiceConfig) *ServiceRegistry {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	var notifier Notifier = NopNotifier{}
	if cfg.Bus != nil {
		notifier = NewBusNotifier(cfg.Bus, cfg.OwnerTopicPrefix)
	}

	commands := NewCommandQueue(cfg.Store, cfg.Logger)
	devices := NewDeviceRegistry(cfg.Store, cfg.Cache, commands, cfg.Logger, cfg.Device, cfg.DeviceTTL, now)
	compliance := NewComplianceEngine(cfg.Store, cfg.Events, notifier, cfg.Logger, cfg.Compliance, now)

	return &ServiceRegistry{
		Devices:     devices,
		Commands:    commands,
		Artifacts:   NewArtifactRenderer(cfg.Store, cfg.Assets, cfg.Speech, cfg.Transcoder, cfg.Locker, cfg.Logger, cfg.Device, now),
		Sync:        NewSyncCoordinator(cfg.Store, devices, commands, compliance, notifier, cfg.Logger, cfg.Compliance, now),
		Compliance:  compliance,
		Medications: NewMedicationService(cfg.Store, cfg.Logger, cfg.Device),
		Alerts:      NewAlertService(cfg.Store, cfg.Logger),
		Notifier:    notifier,
	}
}
