// Package telemetry holds the optional outputs besides the D-Bus services:
// an MQTT feed of snapshots and alerts, and Prometheus gauges.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/internal/cellmonitor"
	"github.com/TheCacophonyProject/bms-controller/internal/logging"
	"github.com/TheCacophonyProject/bms-controller/internal/virtual"
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

type MQTTConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Broker      string        `mapstructure:"broker"`
	ClientID    string        `mapstructure:"client-id"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	TopicPrefix string        `mapstructure:"topic-prefix"`
	QoS         byte          `mapstructure:"qos"`
	Retain      bool          `mapstructure:"retain"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:      "tcp://localhost:1883",
		ClientID:    "bms-controller",
		TopicPrefix: "bms",
		Timeout:     5 * time.Second,
	}
}

func (c MQTTConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Broker == "" {
		return fmt.Errorf("mqtt broker is empty")
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt qos %d is not 0, 1 or 2", c.QoS)
	}
	if c.TopicPrefix == "" || strings.ContainsAny(c.TopicPrefix, "#+") {
		return fmt.Errorf("invalid mqtt topic prefix %q", c.TopicPrefix)
	}
	return nil
}

// Client is the part of the paho client the sink uses.
type Client interface {
	IsConnected() bool
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each battery snapshot as JSON to <prefix>/<id> and cell
// monitor alerts to <prefix>/alerts.
type MQTTSink struct {
	client Client
	cfg    MQTTConfig
}

// NewMQTTSink connects to the broker. The client reconnects by itself after
// the first connection succeeds.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(cfg.Timeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnf("MQTT connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connecting to %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	log.Infof("Connected to MQTT broker %s", cfg.Broker)
	return newMQTTSink(client, cfg), nil
}

func newMQTTSink(client Client, cfg MQTTConfig) *MQTTSink {
	return &MQTTSink{client: client, cfg: cfg}
}

// Topic maps an id onto a topic below the prefix. Characters with a meaning
// in MQTT topics are replaced.
func (s *MQTTSink) Topic(id string) string {
	id = strings.NewReplacer("/", "_", "#", "_", "+", "_").Replace(strings.TrimPrefix(id, "/"))
	return s.cfg.TopicPrefix + "/" + id
}

func (s *MQTTSink) publish(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := s.client.Publish(topic, s.cfg.QoS, s.cfg.Retain, payload)
	if !token.WaitTimeout(s.cfg.Timeout) {
		return fmt.Errorf("publishing to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

func (s *MQTTSink) PublishSnapshot(snap battery.Snapshot) error {
	return s.publish(s.Topic(snap.ID), snap)
}

func (s *MQTTSink) PublishVirtual(v virtual.Snapshot) error {
	return s.publish(s.Topic(v.ID), v)
}

// SendAlert makes the sink usable as a cell monitor alert sink.
func (s *MQTTSink) SendAlert(a cellmonitor.Alert) error {
	return s.publish(s.cfg.TopicPrefix+"/alerts", a)
}

func (s *MQTTSink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
