package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	goserial "github.com/hootrhino/goserial"

	"github.com/modmqttd/modmqttd/internal/register"
)

// RTUTransport frames requests as slave-id|PDU|CRC16 over a serial line,
// the way the teacher library's rtu_transporter.go + rtu_packager.go do,
// adapted to open real ports through goserial the way poller_test.go does.
type RTUTransport struct {
	cfg  register.NetworkConfig
	open func() (io.ReadWriteCloser, error)

	mu        sync.Mutex
	port      io.ReadWriteCloser
	slave     byte
	connected bool
	readBuf   []byte
}

// NewRTUTransport builds an RTU transport for cfg. open is injectable for
// tests; production callers pass a thunk that calls goserial.Open.
func NewRTUTransport(cfg register.NetworkConfig) *RTUTransport {
	return &RTUTransport{
		cfg: cfg,
		open: func() (io.ReadWriteCloser, error) {
			return goserial.Open(&goserial.Config{
				Address:  cfg.Device,
				BaudRate: cfg.Baud,
				DataBits: cfg.DataBits,
				StopBits: cfg.StopBits,
				Parity:   string(cfg.Parity),
				Timeout:  cfg.ResponseTimeout,
			})
		},
		readBuf: make([]byte, 256),
	}
}

// WithOpenFunc overrides how the serial port is opened; used by tests to
// substitute an in-memory pipe for a real COM/tty device.
func (t *RTUTransport) WithOpenFunc(open func() (io.ReadWriteCloser, error)) *RTUTransport {
	t.open = open
	return t
}

func (t *RTUTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	port, err := t.open()
	if err != nil {
		return retryable(fmt.Errorf("open %s: %w", t.cfg.Device, err))
	}
	t.port = port
	t.connected = true
	return nil
}

func (t *RTUTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *RTUTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *RTUTransport) SetSlave(id register.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slave = mapSlave(id, true)
}

func (t *RTUTransport) ReadBlock(ctx context.Context, kind register.Type, first, count uint16) ([]uint16, error) {
	pdu := buildReadRequestPDU(kind, first-1, count)
	respPDU, err := t.transact(ctx, pdu)
	if err != nil {
		return nil, err
	}
	values, err := parseReadResponsePDU(respPDU, kind, count)
	if err != nil {
		return nil, fatal(err)
	}
	return values, nil
}

func (t *RTUTransport) WriteBlock(ctx context.Context, kind register.Type, first uint16, values []uint16) error {
	pdu, err := buildWriteRequestPDU(kind, first-1, values)
	if err != nil {
		return fatal(err)
	}
	respPDU, err := t.transact(ctx, pdu)
	if err != nil {
		return err
	}
	if err := validateWriteResponsePDU(respPDU, kind, len(values) > 1); err != nil {
		return fatal(err)
	}
	return nil
}

// transact sends one framed RTU request and returns the response PDU
// (slave id and CRC stripped and verified).
func (t *RTUTransport) transact(ctx context.Context, pdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.port == nil {
		return nil, errNotConnected
	}

	frame := make([]byte, 1+len(pdu)+2)
	frame[0] = t.slave
	copy(frame[1:], pdu)
	c := crc16(frame[:1+len(pdu)])
	frame[len(frame)-2] = byte(c)
	frame[len(frame)-1] = byte(c >> 8)

	if deadline, ok := ctx.Deadline(); ok {
		if dl, ok := t.port.(interface{ SetDeadline(time.Time) error }); ok {
			_ = dl.SetDeadline(deadline)
		}
	}

	if _, err := t.port.Write(frame); err != nil {
		return nil, retryable(fmt.Errorf("write: %w", err))
	}

	n, err := t.port.Read(t.readBuf)
	if err != nil {
		return nil, retryable(fmt.Errorf("read: %w", err))
	}
	resp := t.readBuf[:n]
	if len(resp) < 4 {
		return nil, retryable(fmt.Errorf("short frame: %d bytes", len(resp)))
	}
	dataLen := len(resp) - 2
	got := uint16(resp[dataLen]) | uint16(resp[dataLen+1])<<8
	if crc16(resp[:dataLen]) != got {
		return nil, retryable(fmt.Errorf("crc mismatch"))
	}
	if resp[0] != t.slave {
		return nil, retryable(fmt.Errorf("response from slave %d, expected %d", resp[0], t.slave))
	}
	return resp[1:dataLen], nil
}
