// Package mqttbus is the MQTT bus worker: it owns the broker connection,
// subscribes to every configured bus object's command topic, and exposes
// the inbound/outbound translation spec.md §4.8 describes so the process
// owner can route WriteValues/RegisterValues between this worker and the
// Modbus network workers without either side knowing about paho directly.
//
// Grounded on github.com/eclipse/paho.mqtt.golang's callback-based client
// (OnConnect/OnConnectionLost, per-topic subscribe handlers), which is
// exactly the "opaque bus with connect/subscribe/publish/on-message/
// on-disconnect callbacks" shape spec.md §9 asks the transport layer to
// mirror; also grounded on the config shape in other_examples/manifests/
// bcdiaconu-chint-mqtt-modbus-bridge's go.mod pairing of paho with yaml.v3.
package mqttbus

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/modmqttd/modmqttd/internal/config"
)

// Binding pairs a register binding with the topics it publishes/subscribes.
type Binding struct {
	Config     config.RegisterBinding
	SetTopic   string
	StateTopic string
}

// NewBinding derives a binding's topics from its owning object: a single
// unnamed binding uses "<topic>/set"/"<topic>/state" directly; a named
// binding within a composite object is namespaced under its own name.
func NewBinding(obj config.BusObject, rb config.RegisterBinding) Binding {
	prefix := obj.Topic
	if rb.Name != "" {
		prefix = obj.Topic + "/" + rb.Name
	}
	return Binding{Config: rb, SetTopic: prefix + "/set", StateTopic: prefix + "/state"}
}

// IncomingCommand is one decoded "<topic>/set" publish, handed to the
// process owner for translation into a register.Write against the target
// network.
type IncomingCommand struct {
	Binding Binding
	Payload string
}

// Bus owns the MQTT client connection and the topic routing table.
type Bus struct {
	client   mqtt.Client
	logger   *zap.Logger
	bindings []Binding

	incoming chan IncomingCommand
	onState  func(up bool)
}

// New builds a bus worker for cfg, subscribing to every binding's set
// topic once connected. onNetworkUp is called on every connect/disconnect
// transition, matching spec.md §4.6 step 3's MqttNetworkState signal.
func New(cfg config.BrokerConfig, bindings []Binding, onNetworkUp func(up bool), logger *zap.Logger) *Bus {
	b := &Bus{
		logger:   logger,
		bindings: bindings,
		incoming: make(chan IncomingCommand, 256),
		onState:  onNetworkUp,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(clientID(cfg)).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetOnConnectHandler(b.handleConnect).
		SetConnectionLostHandler(b.handleConnectionLost)
	if cfg.Keepalive > 0 {
		opts.SetKeepAlive(cfg.Keepalive)
	}

	b.client = mqtt.NewClient(opts)
	return b
}

func clientID(cfg config.BrokerConfig) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	return "modmqttd"
}

// Connect blocks until the broker connection succeeds or ctx expires.
func (b *Bus) Connect(ctx context.Context) error {
	token := b.client.Connect()
	if !token.WaitTimeout(deadlineFrom(ctx)) {
		return fmt.Errorf("mqttbus: connect timed out")
	}
	return token.Error()
}

func deadlineFrom(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return 10 * time.Second
}

// Disconnect gracefully closes the connection, waiting up to quiesceMs for
// in-flight publishes to drain.
func (b *Bus) Disconnect(quiesceMs uint) {
	b.client.Disconnect(quiesceMs)
}

// Incoming returns the channel of decoded set-topic publishes.
func (b *Bus) Incoming() <-chan IncomingCommand {
	return b.incoming
}

// PublishState publishes payload (retained) to binding's state topic.
func (b *Bus) PublishState(binding Binding, payload string) error {
	token := b.client.Publish(binding.StateTopic, 0, true, payload)
	token.Wait()
	return token.Error()
}

// PublishNetworkState publishes a retained up/down marker to
// "modmqttd/<network>/state".
func (b *Bus) PublishNetworkState(network string, up bool) error {
	payload := "0"
	if up {
		payload = "1"
	}
	topic := fmt.Sprintf("modmqttd/%s/state", network)
	token := b.client.Publish(topic, 0, true, payload)
	token.Wait()
	return token.Error()
}

func (b *Bus) handleConnect(client mqtt.Client) {
	b.logger.Info("mqtt connected")
	for _, binding := range b.bindings {
		bnd := binding
		token := client.Subscribe(bnd.SetTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			b.incoming <- IncomingCommand{Binding: bnd, Payload: string(msg.Payload())}
		})
		token.Wait()
		if err := token.Error(); err != nil {
			b.logger.Error("subscribe failed", zap.String("topic", bnd.SetTopic), zap.Error(err))
		}
	}
	if b.onState != nil {
		b.onState(true)
	}
}

func (b *Bus) handleConnectionLost(_ mqtt.Client, err error) {
	b.logger.Warn("mqtt connection lost", zap.Error(err))
	if b.onState != nil {
		b.onState(false)
	}
}
