// Package mqttpublish consumes RegisterUpdates from the Broadcast Bus and
// publishes one MQTT message per update. Grounded on
// original_source/src/mqtt/mod.rs for the event-loop/backoff/QoS-mapping
// shape and on the teacher's pkg/nodes/network/mqtt_out.go for the
// paho.mqtt.golang client wiring idiom (NewClientOptions,
// SetOnConnectHandler, SetConnectionLostHandler).
package mqttpublish

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fieldbridge/fieldbridge/internal/bus"
	"github.com/fieldbridge/fieldbridge/internal/modbusmodel"
	"go.uber.org/zap"
)

// Config is the publisher's connection and topic shape, taken directly
// from the mqtt: section of the bridge config file.
type Config struct {
	Host        string
	Port        int
	ClientID    string
	TopicPrefix string
	QoS         int
	Username    string
	Password    string
	Retain      bool
}

// reconnectBackoff is the pause between the paho client's retries of the
// initial broker connection (SetConnectRetryInterval), per spec.md §4.5
// ("bounded back-off, ≥5 seconds"). Reconnects after a lost connection are
// left to the paho client's own auto-reconnect timing.
const reconnectBackoff = 5 * time.Second

// Publisher is the sole subscriber to the Bus that turns RegisterUpdates
// into MQTT publishes. A publish failure is logged and never propagates:
// the receive loop must never block waiting on broker connectivity.
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	qos         byte
	retain      bool
	log         *zap.Logger
	connected   atomic.Bool
}

// payload is the JSON body published for every value update.
type payload struct {
	Value     float64   `json:"value"`
	Raw       []uint16  `json:"raw"`
	Unit      *string   `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates a Publisher and starts connecting in the background. The
// returned Publisher is usable immediately: publishes attempted before the
// connection completes are queued by the underlying client or fail, and
// either way the error is only logged.
func New(cfg Config, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	qos, qosValid := mapQoS(cfg.QoS)
	if !qosValid {
		log.Warn("invalid mqtt qos, defaulting to at-least-once", zap.Int("configured", cfg.QoS))
	}
	p := &Publisher{
		topicPrefix: cfg.TopicPrefix,
		qos:         qos,
		retain:      cfg.Retain,
		log:         log,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("fieldbridge-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(reconnectBackoff)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.connected.Store(true)
		p.log.Info("connected to mqtt broker", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.connected.Store(false)
		p.log.Warn("disconnected from mqtt broker", zap.Error(err))
	})

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Error("initial mqtt connect failed, will keep retrying", zap.Error(err))
		}
	}()

	return p
}

// mapQoS implements the {0,1,2}->QoS mapping from spec.md §4.5. The bool
// return is false when qos was out of range and the AtLeastOnce fallback
// was used, so callers can decide how to log it.
func mapQoS(qos int) (byte, bool) {
	switch qos {
	case 0, 1, 2:
		return byte(qos), true
	default:
		return 1, false
	}
}

func valueTopic(prefix, deviceID, registerName string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, deviceID, registerName)
}

func statusTopic(prefix, deviceID string) string {
	return fmt.Sprintf("%s/%s/status", prefix, deviceID)
}

func buildPayload(update modbusmodel.RegisterUpdate) ([]byte, error) {
	var unit *string
	if update.Unit != "" {
		unit = &update.Unit
	}
	return json.Marshal(payload{
		Value:     update.Value,
		Raw:       update.Raw,
		Unit:      unit,
		Timestamp: update.Timestamp,
	})
}

// IsConnected reports whether the last known event-loop state is
// connected, for health checks.
func (p *Publisher) IsConnected() bool { return p.connected.Load() }

// Run publishes every update received on sub until sub.C closes (the bus
// was closed) or stop is closed.
func (p *Publisher) Run(sub *bus.Subscription, stop <-chan struct{}) {
	p.log.Info("mqtt publishing loop started")
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-sub.C:
			if !ok {
				p.log.Info("broadcast bus closed, stopping mqtt publisher")
				return
			}
			if ev.Lagged > 0 {
				p.log.Warn("mqtt publisher lagged", zap.Int("missed", ev.Lagged))
			}
			if err := p.PublishUpdate(ev.Update); err != nil {
				p.log.Error("mqtt publish failed", zap.Error(err))
			}
		}
	}
}

// PublishUpdate publishes update's value to
// {prefix}/{device_id}/{register_name}.
func (p *Publisher) PublishUpdate(update modbusmodel.RegisterUpdate) error {
	topic := valueTopic(p.topicPrefix, update.DeviceID, update.RegisterName)

	body, err := buildPayload(update)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, body)
	token.Wait()
	return token.Error()
}

// PublishStatus publishes the device's online/offline status, always
// retained so late subscribers learn last-known device liveness.
func (p *Publisher) PublishStatus(deviceID string, online bool) error {
	topic := statusTopic(p.topicPrefix, deviceID)
	msg := "offline"
	if online {
		msg = "online"
	}
	token := p.client.Publish(topic, p.qos, true, []byte(msg))
	token.Wait()
	return token.Error()
}

// Close disconnects from the broker, waiting up to 250ms to flush
// in-flight publishes.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
