package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/modmqttd/modmqttd/internal/register"
)

// mbapHeaderLen is transaction id (2) + protocol id (2) + length (2) + unit id (1).
const mbapHeaderLen = 7

// TCPTransport frames requests with a Modbus MBAP header over a TCP
// socket, matching responses by transaction id. Grounded on the teacher
// library's tcp_transporter.go/tcp_packager.go framing shape, adapted to
// the RetryableError/FatalError categorization this repository's executor
// and worker loop rely on.
type TCPTransport struct {
	cfg  register.NetworkConfig
	dial func(ctx context.Context) (net.Conn, error)

	mu        sync.Mutex
	conn      net.Conn
	slave     byte
	connected bool
	nextTxnID uint16
	readBuf   []byte
}

// NewTCPTransport builds a TCP transport dialing cfg.Host:cfg.Port.
func NewTCPTransport(cfg register.NetworkConfig) *TCPTransport {
	return &TCPTransport{
		cfg: cfg,
		dial: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
		},
		readBuf: make([]byte, 260),
	}
}

// WithDialFunc overrides how the socket is dialed; used by tests to point
// at a loopback fixture such as hootrhino/mbserver.
func (t *TCPTransport) WithDialFunc(dial func(ctx context.Context) (net.Conn, error)) *TCPTransport {
	t.dial = dial
	return t
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, err := t.dial(ctx)
	if err != nil {
		return retryable(fmt.Errorf("dial %s:%d: %w", t.cfg.Host, t.cfg.Port, err))
	}
	t.conn = conn
	t.connected = true
	return nil
}

func (t *TCPTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *TCPTransport) SetSlave(id register.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slave = mapSlave(id, false)
}

func (t *TCPTransport) ReadBlock(ctx context.Context, kind register.Type, first, count uint16) ([]uint16, error) {
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

func (t *TCPTransport) WriteBlock(ctx context.Context, kind register.Type, first uint16, values []uint16) error {
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

func (t *TCPTransport) transact(ctx context.Context, pdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.conn == nil {
		return nil, errNotConnected
	}

	t.nextTxnID++
	txnID := t.nextTxnID

	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], txnID)
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol id, always 0 for Modbus
	binary.BigEndian.PutUint16(frame[4:6], uint16(1+len(pdu)))
	frame[6] = t.slave
	copy(frame[7:], pdu)

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetDeadline(deadline)
	} else if t.cfg.ResponseTimeout > 0 {
		_ = t.conn.SetDeadline(time.Now().Add(t.cfg.ResponseTimeout))
	}

	if _, err := t.conn.Write(frame); err != nil {
		return nil, retryable(fmt.Errorf("write: %w", err))
	}

	header := make([]byte, mbapHeaderLen)
	if _, err := readFull(t.conn, header); err != nil {
		return nil, retryable(fmt.Errorf("read header: %w", err))
	}
	gotTxnID := binary.BigEndian.Uint16(header[0:2])
	protocolID := binary.BigEndian.Uint16(header[2:4])
	length := binary.BigEndian.Uint16(header[4:6])
	if protocolID != 0 {
		return nil, fatal(fmt.Errorf("malformed MBAP header: protocol id %d", protocolID))
	}
	if length < 1 || length > 253 {
		return nil, fatal(fmt.Errorf("malformed MBAP header: length %d", length))
	}
	if gotTxnID != txnID {
		return nil, fatal(fmt.Errorf("transaction id mismatch: got %d, want %d", gotTxnID, txnID))
	}

	body := make([]byte, length-1)
	if _, err := readFull(t.conn, body); err != nil {
		return nil, retryable(fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
