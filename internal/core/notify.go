// services/dispenser/internal/core/notify.go
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types pushed to owners and downstream consumers.
const (
	EventDeviceProgress = "device_progress"
	EventAlertCreated   = "alert_created"

	// AlertTopic is the outbox topic for alert events.
	AlertTopic = "dispenser.alerts"
)

// ProgressEvent reports sync progress from a device to its owner.
type ProgressEvent struct {
	Type    string    `json:"type"`
	Device  string    `json:"device"`
	Message string    `json:"msg"`
	Percent int       `json:"pct"`
	At      time.Time `json:"at"`
}

// AlertEvent announces a new alert to the notification collaborator.
type AlertEvent struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	AlertID uint      `json:"alert_id"`
	UserID  uint      `json:"user_id"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func newAlertEvent(a *Alert) AlertEvent {
	return AlertEvent{
		ID:      uuid.New().String(),
		Type:    EventAlertCreated,
		AlertID: a.ID,
		UserID:  a.UserID,
		Title:   a.Title,
		Message: a.Message,
		At:      a.CreatedAt,
	}
}

// Notifier delivers best-effort events to an owner's live session.
// Implementations must not block on absent listeners.
type Notifier interface {
	Notify(ctx context.Context, ownerID uint, event interface{}) error
}

// BusNotifier publishes owner events on "<prefix>/<owner>/events".
type BusNotifier struct {
	bus    Broadcaster
	prefix string
}

func NewBusNotifier(bus Broadcaster, prefix string) *BusNotifier {
	if prefix == "" {
		prefix = "owners"
	}
	return &BusNotifier{bus: bus, prefix: prefix}
}

func (n *BusNotifier) Notify(ctx context.Context, ownerID uint, event interface{}) error {
	return n.bus.Broadcast(ctx, OwnerTopic(n.prefix, ownerID), event)
}

// OwnerTopic is the topic an owner's session listens on.
func OwnerTopic(prefix string, ownerID uint) string {
	return fmt.Sprintf("%s/%d/events", prefix, ownerID)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, uint, interface{}) error { return nil }
