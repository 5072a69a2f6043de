// services/habitat/internal/infrastructure/mqtt.go
package infrastructure

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MessageHandler processes inbound MQTT messages
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	BrokerURL         string
	ClientID          string
	Username          string
	Password          string
	TopicPrefix       string
	QoS               byte
	CleanSession      bool
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	MaxReconnectDelay time.Duration
	TLSConfig         *tls.Config
}

// MQTTTransport handles the broker connection for the device fleet. It
// subscribes to the per-message-type wildcard topics under the configured
// prefix and publishes commands back to individual devices.
type MQTTTransport struct {
	config    MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	handlers  map[string]MessageHandler
	mu        sync.RWMutex
	connected bool
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// NewMQTTTransport creates a new transport
func NewMQTTTransport(config MQTTConfig, logger *logrus.Logger) (*MQTTTransport, error) {
	if config.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if config.TopicPrefix == "" {
		return nil, fmt.Errorf("MQTT topic prefix is required")
	}

	if config.ClientID == "" {
		config.ClientID = fmt.Sprintf("habitat-service-%d", time.Now().UnixNano())
	}

	return &MQTTTransport{
		config:   config,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
		shutdown: make(chan struct{}),
	}, nil
}

// RegisterHandler registers a handler for a message type. The transport
// subscribes to <prefix>/+/<messageType> for every registered type, so
// handlers must be registered before Start.
func (t *MQTTTransport) RegisterHandler(messageType string, handler MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[messageType] = handler
}

// Start connects to the broker. Subscriptions are established in the
// on-connect callback, so every reconnect restores them before messages
// are processed.
func (t *MQTTTransport) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.config.BrokerURL)
	opts.SetClientID(t.config.ClientID)

	if t.config.Username != "" {
		opts.SetUsername(t.config.Username)
	}
	if t.config.Password != "" {
		opts.SetPassword(t.config.Password)
	}

	opts.SetCleanSession(t.config.CleanSession)
	opts.SetKeepAlive(t.config.KeepAlive)
	opts.SetConnectTimeout(t.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(t.config.MaxReconnectDelay)

	if t.config.TLSConfig != nil {
		opts.SetTLSConfig(t.config.TLSConfig)
	}

	// Connection handlers
	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(t.onConnectionLost)
	opts.SetReconnectingHandler(t.onReconnecting)

	// Message handler
	opts.SetDefaultPublishHandler(t.messageHandler)

	t.client = mqtt.NewClient(opts)

	if token := t.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	t.logger.Info("MQTT transport started")
	return nil
}

// Stop gracefully shuts down the transport
func (t *MQTTTransport) Stop() {
	t.logger.Info("Stopping MQTT transport...")

	close(t.shutdown)

	if t.client != nil && t.client.IsConnected() {
		for _, topic := range t.subscriptionTopics() {
			if token := t.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
				t.logger.WithError(token.Error()).WithField("topic", topic).
					Error("Failed to unsubscribe from topic")
			}
		}

		t.client.Disconnect(250)
	}

	t.wg.Wait()
	t.logger.Info("MQTT transport stopped")
}

// IsConnected returns the connection status
func (t *MQTTTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// PublishCommand publishes a command payload to one device on
// <prefix>/<deviceUID>/command at the configured QoS.
func (t *MQTTTransport) PublishCommand(ctx context.Context, deviceUID string, payload []byte) error {
	if !t.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := fmt.Sprintf("%s/%s/command", t.config.TopicPrefix, deviceUID)
	token := t.client.Publish(topic, t.config.QoS, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}

	return nil
}

// subscriptionTopics builds the wildcard topic per registered handler.
func (t *MQTTTransport) subscriptionTopics() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	topics := make([]string, 0, len(t.handlers))
	for messageType := range t.handlers {
		topics = append(topics, fmt.Sprintf("%s/+/%s", t.config.TopicPrefix, messageType))
	}
	return topics
}

// onConnect handles successful connection
func (t *MQTTTransport) onConnect(client mqtt.Client) {
	t.logger.Info("Connected to MQTT broker")

	// Re-subscribe on every connect so a reconnect restores the full set.
	// The connected flag flips only afterwards: publishes gated on
	// IsConnected must not slip out while subscriptions are still being
	// restored.
	for _, topic := range t.subscriptionTopics() {
		if token := client.Subscribe(topic, t.config.QoS, nil); token.Wait() && token.Error() != nil {
			t.logger.WithError(token.Error()).WithField("topic", topic).
				Error("Failed to subscribe to topic")
		} else {
			t.logger.WithField("topic", topic).Info("Subscribed to topic")
		}
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
}

// onConnectionLost handles connection loss
func (t *MQTTTransport) onConnectionLost(client mqtt.Client, err error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()

	t.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

// onReconnecting handles reconnection attempts
func (t *MQTTTransport) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	t.logger.Info("Attempting to reconnect to MQTT broker...")
}

// messageHandler processes incoming MQTT messages
func (t *MQTTTransport) messageHandler(client mqtt.Client, msg mqtt.Message) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.processMessage(msg)
	}()
}

// processMessage handles individual message processing
func (t *MQTTTransport) processMessage(msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	t.logger.WithFields(logrus.Fields{
		"topic":      topic,
		"message_id": msg.MessageID(),
		"qos":        msg.Qos(),
		"retained":   msg.Retained(),
		"size":       len(payload),
	}).Debug("Received MQTT message")

	messageType := t.getMessageType(topic)

	t.mu.RLock()
	handler, exists := t.handlers[messageType]
	t.mu.RUnlock()

	if !exists {
		t.logger.WithFields(logrus.Fields{
			"topic":        topic,
			"message_type": messageType,
		}).Warn("No handler registered for message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := handler(ctx, topic, payload); err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"topic":      topic,
			"message_id": msg.MessageID(),
		}).Error("Failed to process MQTT message")
	}
}

// getMessageType extracts the message type from the last topic segment.
// Topic structure: <prefix>/<device_uid>/<message_type>.
func (t *MQTTTransport) getMessageType(topic string) string {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 || idx == len(topic)-1 {
		return "unknown"
	}
	return topic[idx+1:]
}
