package cmd

import (
	"fmt"
	"time"

	"example.com/backstage/services/dispenser/internal/core"
	"example.com/backstage/services/dispenser/internal/infrastructure"
)

// runtime is the wired process: infrastructure clients plus the domain
// services built on them. Optional clients are nil when not configured.
type runtime struct {
	db        *infrastructure.Database
	store     core.DataStore
	cache     *infrastructure.Cache
	messaging *infrastructure.Messaging
	wal       *infrastructure.WAL
	outbox    *infrastructure.Outbox
	bus       *infrastructure.MQTTBus
	assets    *core.AssetCache
	services  *core.ServiceRegistry
}

// openStore connects the configured record store.
func openStore() (*infrastructure.Database, core.DataStore, error) {
	if cfg.Storage.Driver == "memory" {
		logger.Warn("Using in-memory store, data is lost on exit")
		return nil, core.NewMemoryStore(), nil
	}

	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, core.NewGormStore(db.DB), nil
}

// bootstrap wires every service. withBus connects MQTT when configured.
func bootstrap(withBus bool) (*runtime, error) {
	rt := &runtime{}
	var err error

	rt.db, rt.store, err = openStore()
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled() {
		logger.Info("Connecting to cache...")
		rt.cache, err = infrastructure.NewCache(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Cache unavailable, continuing without it")
			rt.cache = nil
		}
	}

	if cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		rt.messaging, err = infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, alert events go to the WAL")
			rt.messaging = nil
		}
	}

	rt.wal, err = infrastructure.NewWAL(cfg.Storage.WALPath)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if rt.messaging != nil {
		rt.outbox = infrastructure.NewOutbox(rt.messaging, rt.wal, logger)
	} else {
		rt.outbox = infrastructure.NewOutbox(nil, rt.wal, logger)
	}

	rt.assets, err = core.NewAssetCache(cfg.Storage.AudioRoot)
	if err != nil {
		rt.Close()
		return nil, err
	}

	ownerPrefix := "owners"
	if withBus && cfg.MQTT != nil && cfg.MQTT.BrokerURL != "" {
		rt.bus, err = infrastructure.NewMQTTBus(*cfg.MQTT, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
	}
	if cfg.MQTT != nil && cfg.MQTT.OwnerTopicPrefix != "" {
		ownerPrefix = cfg.MQTT.OwnerTopicPrefix
	}

	serviceConfig := core.ServiceConfig{
		Store:            rt.store,
		Events:           rt.outbox,
		Speech:           infrastructure.NewSpeechClient(cfg.Speech),
		Transcoder:       infrastructure.NewFFmpegTranscoder(cfg.Speech),
		Assets:           rt.assets,
		Device:           cfg.Device,
		Compliance:       cfg.Compliance,
		DeviceTTL:        cfg.Redis.DeviceTTL,
		OwnerTopicPrefix: ownerPrefix,
		Logger:           logger,
		Clock:            time.Now,
	}
	// interfaces stay nil when the client is absent
	if rt.cache != nil {
		serviceConfig.Cache = rt.cache
		serviceConfig.Locker = rt.cache
	}
	if rt.bus != nil {
		serviceConfig.Bus = rt.bus
	}

	rt.services = core.NewServiceRegistry(serviceConfig)
	return rt, nil
}

// Close releases every client in reverse order of creation.
func (rt *runtime) Close() {
	if rt.bus != nil {
		rt.bus.Stop()
	}
	if rt.wal != nil {
		if err := rt.wal.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close WAL")
		}
	}
	if rt.messaging != nil {
		if err := rt.messaging.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close messaging client")
		}
	}
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close cache")
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}
}
