package u3

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
)

const simIOLines = 20

// Simulator emulates a U3 at the USB packet level. It implements
// io.ReadWriteCloser so it can stand in for the USB transport.
//
// Hooks are called with the simulator lock held and must not call back
// into the Simulator.
type Simulator struct {
	mu sync.Mutex

	info Info
	cal  Calibration

	dac     [2]float64
	dir     [simIOLines]bool // true = output
	state   [simIOLines]bool
	pending [][]byte
	closed  bool

	analog  func(ch int) float64
	input   func(io int) (state, driven bool)
	onDAC   func(dac int, volts float64)
	onWrite func(io int, state bool)
}

var _ io.ReadWriteCloser = (*Simulator)(nil)

// NewSimulator creates a simulated U3. hv selects a U3-HV.
func NewSimulator(serial uint32, hv bool) *Simulator {
	info := Info{
		FirmwareVersion:   1.46,
		BootloaderVersion: 0.27,
		HardwareVersion:   1.30,
		SerialNumber:      serial,
		ProductID:         3,
		LocalID:           1,
		FIOAnalog:         0x0F,
		VersionInfo:       2,
	}
	if hv {
		info.VersionInfo = 18
	}
	return &Simulator{info: info, cal: NominalCalibration}
}

// SetAnalogSource sets the function providing the voltage at an AIN channel.
func (s *Simulator) SetAnalogSource(fn func(ch int) float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analog = fn
}

// SetDigitalSource sets the function providing externally driven input levels.
// Lines the source does not drive read back their last written state.
func (s *Simulator) SetDigitalSource(fn func(io int) (state, driven bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = fn
}

// OnDAC registers a hook called whenever a DAC is updated.
func (s *Simulator) OnDAC(fn func(dac int, volts float64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDAC = fn
}

// OnDigitalWrite registers a hook called for every digital output write.
func (s *Simulator) OnDigitalWrite(fn func(io int, state bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = fn
}

// DAC returns the current DAC output voltage.
func (s *Simulator) DAC(n int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dac[n]
}

// State returns the last written state of a digital line.
func (s *Simulator) State(io int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[io]
}

// IsOutput reports whether a digital line is configured as output.
func (s *Simulator) IsOutput(io int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir[io]
}

// AnalogConfig returns the FIO and EIO analog masks.
func (s *Simulator) AnalogConfig() (fio, eio byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.FIOAnalog, s.info.EIOAnalog
}

// Write accepts one command packet and queues its response.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}

	var resp []byte
	switch {
	case len(p) >= 2 && p[0] == 0 && p[1] == 0:
		resp = s.handleModbus(p[2:])
	case len(p) >= headerSize && p[1] == extendedMarker:
		resp = s.handleExtended(p)
	default:
		resp = []byte{0xB8, 0xB8}
	}
	s.pending = append(s.pending, resp)
	return len(p), nil
}

// Read returns the oldest queued response.
func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if len(s.pending) == 0 {
		return 0, errors.New("u3 simulator: no pending response")
	}
	resp := s.pending[0]
	s.pending = s.pending[1:]
	return copy(p, resp), nil
}

// Close marks the simulator closed.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Simulator) handleExtended(p []byte) []byte {
	size := headerSize + int(p[2])*2
	if len(p) < size ||
		checksum8(p[1:headerSize]) != p[0] ||
		checksum16(p[headerSize:size]) != binary.LittleEndian.Uint16(p[4:6]) {
		return []byte{0xB8, 0xB8}
	}
	data := p[headerSize:size]

	switch p[3] {
	case cmdConfigU3:
		return s.configU3()
	case cmdConfigIO:
		return s.configIO(data)
	case cmdReadMem:
		return s.readMem(data)
	case cmdFeedback:
		return s.feedback(data)
	}
	return response(p[3], []byte{5}) // FUNCTION_INVALID
}

// response builds an extended response frame from its data bytes
// (starting with the error byte).
func response(cmd byte, data []byte) []byte {
	return buildExtended(cmd, data)
}

func (s *Simulator) configU3() []byte {
	d := make([]byte, 32)
	i := s.info
	d[3] = byte(math.Round((i.FirmwareVersion - math.Floor(i.FirmwareVersion)) * 100))
	d[4] = byte(i.FirmwareVersion)
	d[5] = byte(math.Round((i.BootloaderVersion - math.Floor(i.BootloaderVersion)) * 100))
	d[6] = byte(i.BootloaderVersion)
	d[7] = byte(math.Round((i.HardwareVersion - math.Floor(i.HardwareVersion)) * 100))
	d[8] = byte(i.HardwareVersion)
	binary.LittleEndian.PutUint32(d[9:13], i.SerialNumber)
	binary.LittleEndian.PutUint16(d[13:15], i.ProductID)
	d[15] = i.LocalID
	d[17] = i.FIOAnalog
	d[18], d[19] = s.packBits(0)
	d[20] = i.EIOAnalog
	d[21], d[22] = s.packBits(8)
	if i.DAC1Enable {
		d[25] = 1
	}
	d[31] = i.VersionInfo
	return response(cmdConfigU3, d)
}

// packBits returns the direction and state bytes of the 8 lines at offset.
func (s *Simulator) packBits(offset int) (dir, state byte) {
	for b := 0; b < 8; b++ {
		if s.dir[offset+b] {
			dir |= 1 << b
		}
		if s.state[offset+b] {
			state |= 1 << b
		}
	}
	return dir, state
}

func (s *Simulator) configIO(data []byte) []byte {
	mask := data[0]
	if mask&0x04 != 0 {
		s.info.DAC1Enable = data[3] != 0
	}
	if mask&0x08 != 0 {
		s.info.FIOAnalog = data[4]
	}
	if mask&0x10 != 0 {
		s.info.EIOAnalog = data[5]
	}
	dac1 := byte(0)
	if s.info.DAC1Enable {
		dac1 = 1
	}
	return response(cmdConfigIO, []byte{0, 0, 0, dac1, s.info.FIOAnalog, s.info.EIOAnalog})
}

func (s *Simulator) readMem(data []byte) []byte {
	block := int(data[1])
	if block >= calibrationBlocks {
		return response(cmdReadMem, append([]byte{26}, make([]byte, 33)...)) // INVALID_BLOCK
	}
	d := make([]byte, 2, 34)
	for _, v := range s.cal.blocks()[block] {
		d = append(d, encodeFixed(v)...)
	}
	return response(cmdReadMem, d)
}

func (s *Simulator) feedback(data []byte) []byte {
	out := []byte{0, 0, data[0]} // error, error frame, echo
	cmds := data[1:]
	frame := byte(0)
	for len(cmds) > 0 {
		frame++
		t := cmds[0]
		switch t {
		case 0:
			cmds = cmds[:0] // padding
			continue
		case ioAIN:
			if len(cmds) < 3 {
				return s.feedbackError(frame)
			}
			pos, neg := cmds[1], cmds[2]&0x3F
			volts := 0.0
			if s.analog != nil && s.isAnalog(int(pos)) {
				volts = s.analog(int(pos))
			}
			bits := s.cal.VoltageToBinary(volts, pos, neg, s.info.IsHV())
			out = append(out, byte(bits), byte(bits>>8))
			cmds = cmds[3:]
		case ioBitStateRead, ioBitDirRead:
			if len(cmds) < 2 {
				return s.feedbackError(frame)
			}
			n := int(cmds[1] & 0x1F)
			if n >= simIOLines {
				return s.feedbackError(frame)
			}
			v := s.dir[n]
			if t == ioBitStateRead {
				v = s.readLine(n)
			}
			out = append(out, boolByte(v))
			cmds = cmds[2:]
		case ioBitStateWrite, ioBitDirWrite:
			if len(cmds) < 2 {
				return s.feedbackError(frame)
			}
			n := int(cmds[1] & 0x1F)
			if n >= simIOLines {
				return s.feedbackError(frame)
			}
			v := cmds[1]&0x80 != 0
			if t == ioBitDirWrite {
				s.dir[n] = v
			} else {
				s.state[n] = v
				if s.onWrite != nil {
					s.onWrite(n, v)
				}
			}
			cmds = cmds[2:]
		case ioDAC16Ch0, ioDAC16Ch1:
			if len(cmds) < 3 {
				return s.feedbackError(frame)
			}
			ch := int(t - ioDAC16Ch0)
			s.setDAC(ch, s.cal.BinaryToDAC(ch, binary.LittleEndian.Uint16(cmds[1:3])))
			cmds = cmds[3:]
		default:
			return s.feedbackError(frame)
		}
	}
	return response(cmdFeedback, out)
}

func (s *Simulator) feedbackError(frame byte) []byte {
	return response(cmdFeedback, []byte{5, frame, 0}) // FUNCTION_INVALID
}

func (s *Simulator) isAnalog(ch int) bool {
	switch {
	case ch < 8:
		return s.info.FIOAnalog&(1<<ch) != 0
	case ch < 16:
		return s.info.EIOAnalog&(1<<(ch-8)) != 0
	}
	return true // internal channels (temperature, Vreg)
}

func (s *Simulator) readLine(n int) bool {
	if s.input != nil && !s.dir[n] {
		if v, driven := s.input(n); driven {
			return v
		}
	}
	return s.state[n]
}

func (s *Simulator) setDAC(ch int, volts float64) {
	s.dac[ch] = volts
	if s.onDAC != nil {
		s.onDAC(ch, volts)
	}
}

func (s *Simulator) handleModbus(adu []byte) []byte {
	if len(adu) < mbapHeaderSize+1 {
		return []byte{0xB8, 0xB8}
	}
	fc := adu[7]
	pdu := adu[8:]

	var body []byte
	switch fc {
	case 0x10: // write multiple registers
		if len(pdu) < 9 {
			body = []byte{fc | 0x80, 3}
			break
		}
		addr := binary.BigEndian.Uint16(pdu[0:2])
		v := math.Float32frombits(binary.BigEndian.Uint32(pdu[5:9]))
		switch addr {
		case RegisterDAC0:
			s.setDAC(0, float64(v))
		case RegisterDAC1:
			s.setDAC(1, float64(v))
		default:
			body = []byte{fc | 0x80, 2}
		}
		if body == nil {
			body = append([]byte{fc}, pdu[0:4]...)
		}
	case 0x03: // read holding registers
		if len(pdu) < 4 {
			body = []byte{fc | 0x80, 3}
			break
		}
		addr := binary.BigEndian.Uint16(pdu[0:2])
		var v float64
		switch {
		case addr == RegisterDAC0:
			v = s.dac[0]
		case addr == RegisterDAC1:
			v = s.dac[1]
		case addr < 32 && addr%2 == 0:
			if s.analog != nil {
				v = s.analog(int(addr / 2))
			}
		default:
			body = []byte{fc | 0x80, 2}
		}
		if body == nil {
			body = make([]byte, 6)
			body[0] = fc
			body[1] = 4
			binary.BigEndian.PutUint32(body[2:], math.Float32bits(float32(v)))
		}
	default:
		body = []byte{fc | 0x80, 1}
	}

	resp := make([]byte, 7+len(body))
	copy(resp[0:4], adu[0:4])
	binary.BigEndian.PutUint16(resp[4:6], uint16(1+len(body)))
	resp[6] = adu[6]
	copy(resp[7:], body)
	return resp
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
