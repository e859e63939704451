package messages

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/modmqttd/modmqttd/internal/register"
)

func TestInboundConstructorsSetKindAndPayload(t *testing.T) {
	cfg := register.NetworkConfig{Name: "net1"}
	msg := NetworkConfigMessage(cfg)
	assert.Equal(t, KindNetworkConfig, msg.Kind)
	assert.Equal(t, "net1", msg.NetworkConfig.Name)

	w := &register.Write{Target: register.Ref{Slave: 1}}
	wm := WriteValuesMessage(w)
	assert.Equal(t, KindWriteValues, wm.Kind)
	assert.Same(t, w, wm.Write)

	end := EndWorkMessage()
	assert.Equal(t, KindEndWork, end.Kind)
}

func TestOutboundConstructorsSetKindAndPayload(t *testing.T) {
	rv := RegisterValuesMessage("net1", 3, register.Holding, 10, []uint16{1, 2})
	assert.Equal(t, KindRegisterValues, rv.Kind)
	assert.Equal(t, register.Address(3), rv.Slave)
	assert.Equal(t, []uint16{1, 2}, rv.Values)

	state := ModbusNetworkStateMessage("net1", true)
	assert.Equal(t, KindModbusNetworkState, state.Kind)
	assert.True(t, state.NetworkUp)
}

func TestMailboxSendRecvRoundTrip(t *testing.T) {
	mb := NewMailbox[Inbound](1)
	ctx := context.Background()

	assert.NoError(t, mb.Send(ctx, EndWorkMessage()))
	msg, ok := mb.Recv(ctx)
	assert.True(t, ok)
	assert.Equal(t, KindEndWork, msg.Kind)
}

func TestMailboxRecvRespectsContextCancellation(t *testing.T) {
	mb := NewMailbox[Inbound](1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok := mb.Recv(ctx)
	assert.False(t, ok)
}

func TestMailboxSendBlocksWhileFull(t *testing.T) {
	mb := NewMailbox[Inbound](1)
	ctx := context.Background()
	assert.NoError(t, mb.Send(ctx, EndWorkMessage()))

	sendCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := mb.Send(sendCtx, EndWorkMessage())
	assert.Error(t, err, "second send should block while the mailbox is full and fail when its context expires")
}
