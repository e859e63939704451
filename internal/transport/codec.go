package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/modmqttd/modmqttd/internal/register"
)

// Function codes, matching spec.md §6's wire format requirement.
const (
	funcReadCoils              = 0x01
	funcReadDiscreteInputs     = 0x02
	funcReadHoldingRegisters   = 0x03
	funcReadInputRegisters     = 0x04
	funcWriteSingleCoil        = 0x05
	funcWriteSingleRegister    = 0x06
	funcWriteMultipleCoils     = 0x0F
	funcWriteMultipleRegisters = 0x10
	exceptionBit               = 0x80
)

// crcTable is the table-driven CRC16 used for RTU framing, same polynomial
// (0xA001) and construction as the teacher library's rtu_packager.go.
var crcTable = func() [256]uint16 {
	var table [256]uint16
	const polynomial = 0xA001
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ polynomial
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}()

// crc16 computes the Modbus RTU CRC16 of data.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		idx := byte(crc) ^ b
		crc = (crc >> 8) ^ crcTable[idx]
	}
	return crc
}

func readFuncCode(kind register.Type) byte {
	switch kind {
	case register.Coil:
		return funcReadCoils
	case register.Bit:
		return funcReadDiscreteInputs
	case register.Holding:
		return funcReadHoldingRegisters
	default:
		return funcReadInputRegisters
	}
}

// buildReadRequestPDU builds the PDU for function codes 1-4: address (the
// wire address is 0-based, so callers pass first-1) and quantity.
func buildReadRequestPDU(kind register.Type, wireFirst, count uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = readFuncCode(kind)
	binary.BigEndian.PutUint16(pdu[1:3], wireFirst)
	binary.BigEndian.PutUint16(pdu[3:5], count)
	return pdu
}

// buildWriteRequestPDU builds the PDU for a write_block call. Per
// spec.md §9 Open Question (a), Holding multi-write sends one 16-bit word
// per register index-for-index — no "pack booleans into words" bug.
func buildWriteRequestPDU(kind register.Type, wireFirst uint16, values []uint16) ([]byte, error) {
	switch kind {
	case register.Coil:
		if len(values) == 1 {
			pdu := make([]byte, 5)
			pdu[0] = funcWriteSingleCoil
			binary.BigEndian.PutUint16(pdu[1:3], wireFirst)
			if values[0] != 0 {
				pdu[3] = 0xFF
			}
			return pdu, nil
		}
		byteCount := (len(values) + 7) / 8
		pdu := make([]byte, 6+byteCount)
		pdu[0] = funcWriteMultipleCoils
		binary.BigEndian.PutUint16(pdu[1:3], wireFirst)
		binary.BigEndian.PutUint16(pdu[3:5], uint16(len(values)))
		pdu[5] = byte(byteCount)
		for i, v := range values {
			if v != 0 {
				pdu[6+i/8] |= 1 << uint(i%8)
			}
		}
		return pdu, nil
	case register.Holding:
		if len(values) == 1 {
			pdu := make([]byte, 5)
			pdu[0] = funcWriteSingleRegister
			binary.BigEndian.PutUint16(pdu[1:3], wireFirst)
			binary.BigEndian.PutUint16(pdu[3:5], values[0])
			return pdu, nil
		}
		pdu := make([]byte, 6+2*len(values))
		pdu[0] = funcWriteMultipleRegisters
		binary.BigEndian.PutUint16(pdu[1:3], wireFirst)
		binary.BigEndian.PutUint16(pdu[3:5], uint16(len(values)))
		pdu[5] = byte(2 * len(values))
		for i, v := range values {
			binary.BigEndian.PutUint16(pdu[6+2*i:8+2*i], v)
		}
		return pdu, nil
	default:
		return nil, fmt.Errorf("register kind %s is not writable", kind)
	}
}

// parseReadResponsePDU validates the response function code against the
// request and unpacks either bit-packed or word values into one uint16 per
// register, matching spec.md §4.4's "uniform handling" requirement.
func parseReadResponsePDU(pdu []byte, kind register.Type, count uint16) ([]uint16, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("response PDU too short: %d bytes", len(pdu))
	}
	wantFunc := readFuncCode(kind)
	if pdu[0]&exceptionBit != 0 {
		excCode := byte(0)
		if len(pdu) > 1 {
			excCode = pdu[1]
		}
		return nil, fmt.Errorf("exception response to function %d: code 0x%02X (%s)", wantFunc, excCode, exceptionMessage(excCode))
	}
	if pdu[0] != wantFunc {
		return nil, fmt.Errorf("unexpected function code in response: got %d, want %d", pdu[0], wantFunc)
	}
	byteCount := int(pdu[1])
	if len(pdu) != 2+byteCount {
		return nil, fmt.Errorf("response length mismatch: byte count %d, frame has %d data bytes", byteCount, len(pdu)-2)
	}

	switch kind {
	case register.Coil, register.Bit:
		values := make([]uint16, count)
		for i := 0; i < int(count); i++ {
			byteIdx, bitIdx := i/8, uint(i%8)
			if byteIdx < byteCount && pdu[2+byteIdx]&(1<<bitIdx) != 0 {
				values[i] = 1
			}
		}
		return values, nil
	default:
		if byteCount != int(count)*2 {
			return nil, fmt.Errorf("register response byte count %d does not match requested count %d", byteCount, count)
		}
		values := make([]uint16, count)
		for i := 0; i < int(count); i++ {
			values[i] = binary.BigEndian.Uint16(pdu[2+2*i : 4+2*i])
		}
		return values, nil
	}
}

// validateWriteResponsePDU checks the echo response function code matches
// the request; Modbus write responses otherwise carry no payload we need.
func validateWriteResponsePDU(pdu []byte, kind register.Type, multi bool) error {
	if len(pdu) < 1 {
		return fmt.Errorf("empty write response")
	}
	if pdu[0]&exceptionBit != 0 {
		excCode := byte(0)
		if len(pdu) > 1 {
			excCode = pdu[1]
		}
		return fmt.Errorf("exception response to write: code 0x%02X (%s)", excCode, exceptionMessage(excCode))
	}
	var want byte
	switch {
	case kind == register.Coil && multi:
		want = funcWriteMultipleCoils
	case kind == register.Coil && !multi:
		want = funcWriteSingleCoil
	case kind == register.Holding && multi:
		want = funcWriteMultipleRegisters
	default:
		want = funcWriteSingleRegister
	}
	if pdu[0] != want {
		return fmt.Errorf("unexpected function code in write response: got %d, want %d", pdu[0], want)
	}
	return nil
}

func exceptionMessage(code byte) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "slave device failure"
	case 0x05:
		return "acknowledge"
	case 0x06:
		return "slave device busy"
	case 0x08:
		return "memory parity error"
	case 0x0A:
		return "gateway path unavailable"
	case 0x0B:
		return "gateway target device failed to respond"
	default:
		return "unknown exception"
	}
}
