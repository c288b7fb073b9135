package u3

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/goburrow/modbus"
)

// Modbus register addresses of the U3 analog IO.
const (
	RegisterAIN0 uint16 = 0
	RegisterDAC0 uint16 = 5000
	RegisterDAC1 uint16 = 5002
)

const mbapHeaderSize = 7

// modbusHandler frames Modbus PDUs as MBAP packets and exchanges them
// over the U3 USB pipe. The U3 expects two zero bytes in front of a
// Modbus packet to tell it apart from low-level commands.
type modbusHandler struct {
	dev *Device
	tid atomic.Uint32
}

var _ modbus.ClientHandler = (*modbusHandler)(nil)

func (h *modbusHandler) Encode(pdu *modbus.ProtocolDataUnit) ([]byte, error) {
	tid := uint16(h.tid.Add(1))
	adu := make([]byte, mbapHeaderSize+1+len(pdu.Data))
	binary.BigEndian.PutUint16(adu[0:2], tid)
	binary.BigEndian.PutUint16(adu[2:4], 0)
	binary.BigEndian.PutUint16(adu[4:6], uint16(2+len(pdu.Data)))
	adu[6] = 0 // unit
	adu[7] = pdu.FunctionCode
	copy(adu[8:], pdu.Data)
	return adu, nil
}

func (h *modbusHandler) Decode(adu []byte) (*modbus.ProtocolDataUnit, error) {
	if len(adu) < mbapHeaderSize+1 {
		return nil, fmt.Errorf("modbus: %w: %d bytes", ErrShortResponse, len(adu))
	}
	length := int(binary.BigEndian.Uint16(adu[4:6]))
	if length < 2 || len(adu) < mbapHeaderSize-1+length {
		return nil, fmt.Errorf("modbus: length field %d does not match %d bytes", length, len(adu))
	}
	return &modbus.ProtocolDataUnit{
		FunctionCode: adu[7],
		Data:         adu[8 : mbapHeaderSize-1+length],
	}, nil
}

func (h *modbusHandler) Verify(req, resp []byte) error {
	if len(resp) < mbapHeaderSize {
		return fmt.Errorf("modbus: %w", ErrShortResponse)
	}
	if req[0] != resp[0] || req[1] != resp[1] {
		return fmt.Errorf("modbus: transaction id mismatch")
	}
	if resp[2] != 0 || resp[3] != 0 {
		return fmt.Errorf("modbus: protocol id %d", binary.BigEndian.Uint16(resp[2:4]))
	}
	return nil
}

func (h *modbusHandler) Send(adu []byte) ([]byte, error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()

	frame := make([]byte, 2+len(adu))
	copy(frame[2:], adu)
	return h.dev.exchange(frame, 0)
}

// WriteRegister writes a float32 to a pair of Modbus registers
// (e.g. RegisterDAC0 sets DAC0 in volts).
func (d *Device) WriteRegister(addr uint16, v float32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
	if _, err := d.client.WriteMultipleRegisters(addr, 2, buf); err != nil {
		return fmt.Errorf("write register %d: %w", addr, err)
	}
	return nil
}

// ReadRegister reads a float32 from a pair of Modbus registers.
func (d *Device) ReadRegister(addr uint16) (float32, error) {
	res, err := d.client.ReadHoldingRegisters(addr, 2)
	if err != nil {
		return 0, fmt.Errorf("read register %d: %w", addr, err)
	}
	if len(res) != 4 {
		return 0, fmt.Errorf("read register %d: %w", addr, ErrShortResponse)
	}
	return math.Float32frombits(binary.BigEndian.Uint32(res)), nil
}
