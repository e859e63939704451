// Package messages defines the typed traffic that flows between the
// network worker goroutines and the process owner: inbound commands
// (configuration, poll specifications, writes, bus state) and outbound
// events (register values, read/write failures, network state).
//
// Grounded on the original mqmgateway's libmodmqttsrv/modbus_messages.hpp
// (MsgRegisterValues/MsgRegisterReadFailed/MsgRegisterWriteFailed/
// MsgModbusNetworkState/MsgMqttNetworkState/EndWorkMessage), translated
// from a tagged class hierarchy dispatched by dynamic_cast into a Go sum
// type dispatched by a Kind tag, in the style of the teacher library's
// RegisterStream (register-manager.go): one struct per direction, carried
// over a typed channel (Mailbox).
package messages

import (
	"time"

	"github.com/modmqttd/modmqttd/internal/register"
)

// InboundKind tags which field of Inbound is populated.
type InboundKind int

const (
	KindNetworkConfig InboundKind = iota
	KindPollSpec
	KindWriteValues
	KindMqttNetworkState
	KindSlaveConfig
	KindEndWork
)

// Inbound is sent from the process owner (or the MQTT bus worker) to one
// network worker goroutine.
type Inbound struct {
	Kind InboundKind

	NetworkConfig *register.NetworkConfig
	PollSpec      map[register.Address][]*register.Poll
	Write         *register.Write
	MqttUp        bool
	SlaveConfig   *register.SlaveConfig
}

// NetworkConfigMessage builds the inbound variant that (re)configures and
// connects a network.
func NetworkConfigMessage(cfg register.NetworkConfig) Inbound {
	return Inbound{Kind: KindNetworkConfig, NetworkConfig: &cfg}
}

// PollSpecMessage builds the inbound variant that replaces a network's
// compiled poll specification, triggering a fresh initial poll pass.
func PollSpecMessage(spec map[register.Address][]*register.Poll) Inbound {
	return Inbound{Kind: KindPollSpec, PollSpec: spec}
}

// WriteValuesMessage builds the inbound variant carrying one write command.
func WriteValuesMessage(w *register.Write) Inbound {
	return Inbound{Kind: KindWriteValues, Write: w}
}

// MqttNetworkStateMessage builds the inbound variant reporting the MQTT
// broker connection's up/down transitions; a network worker does not poll
// while the broker connection is down.
func MqttNetworkStateMessage(up bool) Inbound {
	return Inbound{Kind: KindMqttNetworkState, MqttUp: up}
}

// SlaveConfigMessage builds the inbound variant updating one slave's delay
// policy without a full network reconfiguration.
func SlaveConfigMessage(cfg register.SlaveConfig) Inbound {
	return Inbound{Kind: KindSlaveConfig, SlaveConfig: &cfg}
}

// EndWorkMessage builds the inbound variant telling a worker to shut down;
// ports the original's empty EndWorkMessage marker class.
func EndWorkMessage() Inbound {
	return Inbound{Kind: KindEndWork}
}

// OutboundKind tags which field of Outbound is populated.
type OutboundKind int

const (
	KindRegisterValues OutboundKind = iota
	KindReadFailed
	KindWriteFailed
	KindModbusNetworkState
)

// Outbound is sent from a network worker goroutine to the process owner
// (which republishes register values onto the MQTT bus).
type Outbound struct {
	Kind OutboundKind
	At   time.Time

	Network       string
	Slave         register.Address
	RegisterType  register.Type
	FirstRegister uint16
	Values        []uint16
	NetworkUp     bool
}

// RegisterValuesMessage builds the outbound variant for a successful read
// or a write echo.
func RegisterValuesMessage(network string, slave register.Address, kind register.Type, first uint16, values []uint16) Outbound {
	return Outbound{Kind: KindRegisterValues, Network: network, Slave: slave, RegisterType: kind, FirstRegister: first, Values: values}
}

// ReadFailedMessage builds the outbound variant for a failed read.
func ReadFailedMessage(network string, slave register.Address, kind register.Type, first uint16) Outbound {
	return Outbound{Kind: KindReadFailed, Network: network, Slave: slave, RegisterType: kind, FirstRegister: first}
}

// WriteFailedMessage builds the outbound variant for a failed write.
func WriteFailedMessage(network string, slave register.Address, kind register.Type, first uint16) Outbound {
	return Outbound{Kind: KindWriteFailed, Network: network, Slave: slave, RegisterType: kind, FirstRegister: first}
}

// ModbusNetworkStateMessage builds the outbound variant announcing a
// network's connected/disconnected transition.
func ModbusNetworkStateMessage(network string, up bool) Outbound {
	return Outbound{Kind: KindModbusNetworkState, Network: network, NetworkUp: up}
}
