// services/dispenser/internal/infrastructure/outbox.go
package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrNoPublisher is returned by Replay when no broker is configured.
var ErrNoPublisher = errors.New("no event publisher configured")

// RawPublisher sends an encoded event body to a topic.
type RawPublisher interface {
	PublishRaw(ctx context.Context, topic string, body []byte) error
}

// Outbox publishes events to the broker and parks them in the WAL when the
// broker is unreachable or not configured.
type Outbox struct {
	publisher  RawPublisher
	wal        *WAL
	logger     *logrus.Logger
	maxRetries int
}

// NewOutbox builds an outbox. publisher may be nil.
func NewOutbox(publisher RawPublisher, wal *WAL, logger *logrus.Logger) *Outbox {
	return &Outbox{publisher: publisher, wal: wal, logger: logger, maxRetries: 5}
}

// Publish implements core.EventPublisher.
func (o *Outbox) Publish(ctx context.Context, topic string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if o.publisher != nil {
		err = o.publisher.PublishRaw(ctx, topic, body)
		if err == nil {
			return nil
		}
		o.logger.WithError(err).WithField("topic", topic).Warn("Publish failed, writing event to WAL")
	}

	if o.wal == nil {
		return err
	}
	if walErr := o.wal.Append(topic, body); walErr != nil {
		return fmt.Errorf("failed to park event: %w", walErr)
	}
	return nil
}

// ReplayResult counts what a replay did with the parked events.
type ReplayResult struct {
	Published int `json:"published"`
	Remaining int `json:"remaining"`
	Dropped   int `json:"dropped"`
}

// Replay republishes parked events in order. Failures stay in the WAL with
// their retry count bumped; entries past the retry limit are dropped. The
// WAL stays locked for the whole pass.
func (o *Outbox) Replay(ctx context.Context) (*ReplayResult, error) {
	if o.publisher == nil {
		return nil, ErrNoPublisher
	}
	if o.wal == nil {
		return &ReplayResult{}, nil
	}

	result := &ReplayResult{}
	err := o.wal.Compact(func(entries []WALEntry) ([]WALEntry, error) {
		var keep []WALEntry
		for _, entry := range entries {
			if ctx.Err() != nil {
				keep = append(keep, entry)
				continue
			}
			if err := o.publisher.PublishRaw(ctx, entry.Topic, entry.Data); err != nil {
				entry.Retries++
				if entry.Retries >= o.maxRetries {
					result.Dropped++
					o.logger.WithError(err).WithFields(logrus.Fields{
						"entry_id": entry.ID,
						"topic":    entry.Topic,
					}).Error("Dropping event after repeated publish failures")
					continue
				}
				keep = append(keep, entry)
				continue
			}
			result.Published++
		}
		result.Remaining = len(keep)
		return keep, nil
	})
	if err != nil {
		return result, err
	}

	o.logger.WithFields(logrus.Fields{
		"published": result.Published,
		"remaining": result.Remaining,
		"dropped":   result.Dropped,
	}).Info("WAL replay finished")
	return result, ctx.Err()
}
