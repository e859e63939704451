package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modmqttd/modmqttd/internal/config"
	"github.com/modmqttd/modmqttd/internal/messages"
	"github.com/modmqttd/modmqttd/internal/mqttbus"
	"github.com/modmqttd/modmqttd/internal/register"
	"github.com/modmqttd/modmqttd/internal/transport"
)

func sampleConfig() *config.AppConfig {
	return &config.AppConfig{
		Broker: config.BrokerConfig{Host: "localhost", Port: 1883},
		Networks: []config.NetworkConfig{
			{Name: "tcp1", Address: "127.0.0.1", Port: 1502},
		},
		BusObjects: []config.BusObject{
			{
				Topic: "sensors/temp1",
				Bindings: []config.RegisterBinding{
					{Network: "tcp1", Slave: 1, Register: 10, Count: 1, RegisterType: "holding", Refresh: time.Second, Converter: "i16"},
				},
			},
		},
	}
}

func noopTransportFactory(register.NetworkConfig) transport.Transport { return nil }

func TestNewBuildsOneWorkerPerNetworkAndBindingsTable(t *testing.T) {
	a, workers, err := New(sampleConfig(), noopTransportFactory, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, workers, 1)
	assert.Len(t, a.inboxes, 1)
	assert.Contains(t, a.inboxes, "tcp1")

	key := bindingTarget{network: "tcp1", slave: 1, kind: register.Holding, reg: 10}
	assert.Contains(t, a.bindings, key)
}

func TestNewRejectsUnknownRegisterType(t *testing.T) {
	cfg := sampleConfig()
	cfg.BusObjects[0].Bindings[0].RegisterType = "bogus"
	_, _, err := New(cfg, noopTransportFactory, zap.NewNop())
	assert.Error(t, err)
}

func TestConfigureSendsNetworkConfigAndPollSpec(t *testing.T) {
	a, _, err := New(sampleConfig(), noopTransportFactory, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Configure(ctx))

	inbox := a.inboxes["tcp1"]
	first, ok := inbox.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, messages.KindNetworkConfig, first.Kind)
	assert.Equal(t, "tcp1", first.NetworkConfig.Name)

	second, ok := inbox.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, messages.KindPollSpec, second.Kind)
	polls, exists := second.PollSpec[1]
	require.True(t, exists)
	require.Len(t, polls, 1)
	assert.Equal(t, uint16(10), polls[0].Ref.FirstRegister)
}

func TestHandleIncomingRoutesWriteToOwningNetwork(t *testing.T) {
	a, _, err := New(sampleConfig(), noopTransportFactory, zap.NewNop())
	require.NoError(t, err)

	obj := a.cfg.BusObjects[0]
	binding := mqttbus.NewBinding(obj, obj.Bindings[0])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.handleIncoming(ctx, mqttbus.IncomingCommand{Binding: binding, Payload: "-5"})

	inbox := a.inboxes["tcp1"]
	msg, ok := inbox.Recv(ctx)
	require.True(t, ok)
	require.Equal(t, messages.KindWriteValues, msg.Kind)
	assert.Equal(t, uint16(10), msg.Write.Target.FirstRegister)
	assert.Equal(t, []uint16{0xFFFB}, msg.Write.Values) // -5 as i16 bit pattern
}

func TestHandleIncomingIgnoresInvalidPayload(t *testing.T) {
	a, _, err := New(sampleConfig(), noopTransportFactory, zap.NewNop())
	require.NoError(t, err)

	obj := a.cfg.BusObjects[0]
	binding := mqttbus.NewBinding(obj, obj.Bindings[0])

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	a.handleIncoming(ctx, mqttbus.IncomingCommand{Binding: binding, Payload: "not-a-number"})

	_, ok := a.inboxes["tcp1"].Recv(ctx)
	assert.False(t, ok, "invalid payload must not enqueue a write")
}
