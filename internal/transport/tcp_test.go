package transport

import (
	"context"
	"net"
	"testing"
	"time"

	modbusserver "github.com/hootrhino/mbserver"
	"github.com/hootrhino/mbserver/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modmqttd/modmqttd/internal/register"
)

// startTestTCPServer mirrors the teacher library's tcp_client_test.go
// fixture: an in-memory Modbus TCP server simulator with sample holding
// registers, used here to exercise the real MBAP framing end-to-end.
func startTestTCPServer(t *testing.T, addr string) *modbusserver.Server {
	t.Helper()
	mem := store.NewInMemoryStore().(*store.InMemoryStore)
	regs := make([]uint16, 10)
	for i := range regs {
		regs[i] = uint16(0xABCD)
	}
	require.NoError(t, mem.SetHoldingRegisters(regs))

	srv := modbusserver.NewServer(mem, 10)
	require.NoError(t, srv.Start(addr))
	return srv
}

func TestTCPTransportReadHoldingRegisters(t *testing.T) {
	addr := "127.0.0.1:15502"
	srv := startTestTCPServer(t, addr)
	defer srv.Stop()
	time.Sleep(50 * time.Millisecond)

	tr := NewTCPTransport(register.NetworkConfig{Host: "127.0.0.1", Port: 15502, ResponseTimeout: 2 * time.Second})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	tr.SetSlave(1)

	values, err := tr.ReadBlock(context.Background(), register.Holding, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xABCD, 0xABCD, 0xABCD}, values)
}

func TestTCPTransportSlaveZeroMapsToGatewayDefault(t *testing.T) {
	tr := NewTCPTransport(register.NetworkConfig{Host: "127.0.0.1", Port: 1})
	tr.SetSlave(0)
	assert.Equal(t, byte(0xFF), tr.slave)
}

func TestTCPTransportConnectFailureIsRetryable(t *testing.T) {
	tr := NewTCPTransport(register.NetworkConfig{Host: "127.0.0.1", Port: 1}).
		WithDialFunc(func(ctx context.Context) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Err: assertErr{}}
		})
	err := tr.Connect(context.Background())
	assert.True(t, IsRetryable(err))
}

type assertErr struct{}

func (assertErr) Error() string { return "connection refused" }
