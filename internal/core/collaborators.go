// services/dispenser/internal/core/collaborators.go
package core

import (
	"context"
	"time"
)

// Cache is the key/value cache used for device lookups.
type Cache interface {
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Locker hands out an exclusive lock for a key across service instances.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// EventPublisher ships domain events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

// Broadcaster pushes a payload to live subscribers of a topic.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, payload interface{}) error
}

// SpeechRenderer turns text into raw audio in the given language.
type SpeechRenderer interface {
	Render(ctx context.Context, text, language string) ([]byte, error)
}

// Transcoder converts raw audio into the fixed PCM format the device plays.
type Transcoder interface {
	Transcode(ctx context.Context, raw []byte) ([]byte, error)
}
