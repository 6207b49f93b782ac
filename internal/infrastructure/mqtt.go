// services/dispenser/internal/infrastructure/mqtt.go
package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/dispenser/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned when publishing without a broker session.
var ErrNotConnected = errors.New("MQTT client not connected")

// MessageHandler processes MQTT messages
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

// MQTTBus carries owner notifications out and device progress reports in.
type MQTTBus struct {
	config    config.MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	handlers  map[string]MessageHandler
	mu        sync.RWMutex
	connected bool
	wg        sync.WaitGroup
}

// NewMQTTBus creates a new MQTT bus
func NewMQTTBus(cfg config.MQTTConfig, logger *logrus.Logger) (*MQTTBus, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("dispenser-portal-%d", time.Now().UnixNano())
	}

	return &MQTTBus{
		config:   cfg,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
	}, nil
}

// RegisterHandler registers a handler for a message type. The type is the
// last segment of the topic, e.g. "progress" for devices/DEV1/progress.
func (b *MQTTBus) RegisterHandler(messageType string, handler MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[messageType] = handler
}

// Start connects to MQTT broker and subscribes to topics
func (b *MQTTBus) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.config.BrokerURL)
	opts.SetClientID(b.config.ClientID)

	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
	}
	if b.config.Password != "" {
		opts.SetPassword(b.config.Password)
	}

	opts.SetCleanSession(b.config.CleanSession)
	opts.SetKeepAlive(b.config.KeepAlive)
	opts.SetConnectTimeout(b.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(b.config.MaxReconnectDelay)

	// Connection handlers
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	opts.SetReconnectingHandler(b.onReconnecting)

	// Message handler
	opts.SetDefaultPublishHandler(b.messageHandler)

	b.client = mqtt.NewClient(opts)

	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	b.logger.Info("MQTT bus started")
	return nil
}

// Stop gracefully shuts down the MQTT bus
func (b *MQTTBus) Stop() {
	b.logger.Info("Stopping MQTT bus...")

	if b.client != nil && b.client.IsConnected() {
		for _, topic := range b.config.Topics {
			if token := b.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
				b.logger.WithError(token.Error()).WithField("topic", topic).
					Error("Failed to unsubscribe from topic")
			}
		}

		b.client.Disconnect(250)
	}

	b.wg.Wait()
	b.logger.Info("MQTT bus stopped")
}

// IsConnected returns the connection status
func (b *MQTTBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *MQTTBus) onConnect(client mqtt.Client) {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	b.logger.Info("Connected to MQTT broker")

	for _, topic := range b.config.Topics {
		if token := client.Subscribe(topic, b.config.QoS, nil); token.Wait() && token.Error() != nil {
			b.logger.WithError(token.Error()).WithField("topic", topic).
				Error("Failed to subscribe to topic")
		} else {
			b.logger.WithField("topic", topic).Info("Subscribed to topic")
		}
	}
}

func (b *MQTTBus) onConnectionLost(client mqtt.Client, err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	b.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (b *MQTTBus) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	b.logger.Info("Attempting to reconnect to MQTT broker...")
}

func (b *MQTTBus) messageHandler(client mqtt.Client, msg mqtt.Message) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processMessage(msg)
	}()
}

func (b *MQTTBus) processMessage(msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	b.logger.WithFields(logrus.Fields{
		"topic":      topic,
		"message_id": msg.MessageID(),
		"qos":        msg.Qos(),
		"retained":   msg.Retained(),
		"size":       len(payload),
	}).Debug("Received MQTT message")

	kind := messageType(topic)

	b.mu.RLock()
	handler, exists := b.handlers[kind]
	b.mu.RUnlock()

	if !exists {
		b.logger.WithFields(logrus.Fields{
			"topic":        topic,
			"message_type": kind,
		}).Warn("No handler registered for message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := handler(ctx, topic, payload); err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"topic":      topic,
			"message_id": msg.MessageID(),
		}).Error("Failed to process MQTT message")
	}
}

// Broadcast publishes payload as JSON on topic. It implements
// core.Broadcaster; a disconnected bus fails fast instead of queueing.
func (b *MQTTBus) Broadcast(ctx context.Context, topic string, payload interface{}) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	token := b.client.Publish(topic, b.config.QoS, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// messageType is the last segment of the topic.
func messageType(topic string) string {
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// DeviceCodeFromTopic extracts the device code from devices/<code>/<type>.
func DeviceCodeFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "devices" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
