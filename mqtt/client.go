// Package mqtt ingests real device samples published on devices/{type}/{id}.
package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/ddg-agent/config"
	"github.com/eddielth/ddg-agent/logger"
	"github.com/eddielth/ddg-agent/telemetry"
	"github.com/eddielth/ddg-agent/transformer"
	"github.com/eddielth/ddg-agent/validator"
)

const (
	connectTimeout      = 10 * time.Second
	subscribeTimeout    = 5 * time.Second
	disconnectQuiesceMs = 250
)

var errEmptyBroker = errors.New("MQTT broker address cannot be empty")

// MessageHandler handles one raw message
type MessageHandler func(topic string, payload []byte)

// Sink receives validated samples
type Sink interface {
	Put(s telemetry.Sample)
}

// Manager owns the broker session and feeds decoded samples into a Sink.
// Subscriptions are re-issued from the OnConnect handler, so they survive
// automatic reconnects.
type Manager struct {
	client  paho.Client
	cfg     config.MQTTConfig
	handler MessageHandler
}

// NewManager creates a new MQTT ingestion manager
func NewManager(cfg config.MQTTConfig, transformers *transformer.Manager, v validator.Validator, sink Sink) (*Manager, error) {
	if cfg.Broker == "" {
		return nil, errEmptyBroker
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("ddg-agent-%d", time.Now().Unix())
	}

	m := &Manager{
		cfg:     cfg,
		handler: createMessageHandler(transformers, v, sink, time.Now),
	}
	m.client = paho.NewClient(m.clientOptions())
	return m, nil
}

func (m *Manager) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(paho.Client) { m.subscribeAll() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Error("MQTT connection lost: %v", err)
		}).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			logger.Info("reconnecting to MQTT broker %s", m.cfg.Broker)
		})

	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username).SetPassword(m.cfg.Password)
	}
	return opts
}

// Start connects to the broker; topics are subscribed once the session is up
func (m *Manager) Start() error {
	token := m.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect to MQTT broker %s: timed out", m.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to MQTT broker %s: %w", m.cfg.Broker, err)
	}

	logger.Info("connected to MQTT broker %s as %s", m.cfg.Broker, m.cfg.ClientID)
	return nil
}

// Stop disconnects from the broker
func (m *Manager) Stop() {
	m.client.Disconnect(disconnectQuiesceMs)
	logger.Info("disconnected from MQTT broker")
}

func (m *Manager) subscribeAll() {
	for _, topic := range m.cfg.Topics {
		if err := m.subscribe(topic); err != nil {
			logger.Warn("subscribe %s failed: %v", topic, err)
		}
	}
}

func (m *Manager) subscribe(topic string) error {
	token := m.client.Subscribe(topic, m.cfg.QoS, func(_ paho.Client, msg paho.Message) {
		m.handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(subscribeTimeout) {
		return errors.New("timed out")
	}
	if err := token.Error(); err != nil {
		return err
	}

	logger.Info("subscribed to %s (qos %d)", topic, m.cfg.QoS)
	return nil
}

// createMessageHandler maps a message through topic -> transformer -> validator -> sink.
// Messages failing any step are logged and dropped.
func createMessageHandler(transformers *transformer.Manager, v validator.Validator, sink Sink, now func() time.Time) MessageHandler {
	return func(topic string, payload []byte) {
		deviceType, deviceID := ParseTopic(topic)
		if deviceType == "" {
			logger.Warn("ignoring message on unexpected topic %s", topic)
			return
		}
		logger.Debug("message %s/%s: %s", deviceType, deviceID, payload)

		reading, err := transformers.Transform(deviceType, deviceID, payload)
		if err != nil {
			logger.Error("transform %s payload from %s: %v", deviceType, deviceID, err)
			return
		}

		sample := reading.Sample(now())
		if v != nil {
			if err := v.Validate(&sample); err != nil {
				logger.Warn("dropping invalid sample from %s: %v", deviceID, err)
				return
			}
		}

		sink.Put(sample)
		logger.Debug("ingested %s", sample)
	}
}

// ParseTopic splits devices/{device_type}/{device_id}; any other shape yields empty strings
func ParseTopic(topic string) (deviceType, deviceID string) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) != 3 || parts[0] != "devices" || parts[1] == "" || parts[2] == "" {
		return "", ""
	}
	return parts[1], parts[2]
}
