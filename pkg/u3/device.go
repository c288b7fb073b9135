package u3

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"
)

const (
	// VendorID is the LabJack USB vendor ID.
	VendorID = 0x0CD5
	// ProductID is the U3 USB product ID.
	ProductID = 0x0003

	readBufferSize = 64
)

// ErrClosed is returned for operations on a closed device.
var ErrClosed = errors.New("u3: device closed")

// Info describes a U3 as reported by ConfigU3.
type Info struct {
	FirmwareVersion   float64
	BootloaderVersion float64
	HardwareVersion   float64
	SerialNumber      uint32
	ProductID         uint16
	LocalID           byte
	FIOAnalog         byte
	FIODirection      byte
	FIOState          byte
	EIOAnalog         byte
	EIODirection      byte
	EIOState          byte
	DAC1Enable        bool
	VersionInfo       byte
}

// IsHV reports whether the device is a U3-HV.
func (i Info) IsHV() bool {
	return i.VersionInfo&18 == 18
}

// Bit is the state of one digital output.
type Bit struct {
	IO    int
	State bool
}

// Device is a U3 attached through a byte transport (USB or simulator).
// One command is in flight at a time.
type Device struct {
	rw     io.ReadWriteCloser
	logger *zap.Logger

	mu     sync.Mutex
	info   Info
	cal    Calibration
	closed bool

	client modbus.Client
}

// New wraps a transport. Call Init before using calibrated reads.
func New(rw io.ReadWriteCloser, logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Device{
		rw:     rw,
		logger: logger,
		cal:    NominalCalibration,
	}
	d.client = modbus.NewClient(&modbusHandler{dev: d})
	return d
}

// Init queries the device and loads its calibration. If the calibration
// memory is blank or unreadable the nominal constants are kept.
func (d *Device) Init() error {
	info, err := d.ConfigU3()
	if err != nil {
		return fmt.Errorf("failed to query U3: %w", err)
	}

	cal, err := d.ReadCalibration()
	if err != nil || !cal.valid() {
		d.logger.Warn("using nominal U3 calibration", zap.Error(err))
		cal = NominalCalibration
	}

	d.mu.Lock()
	d.info = info
	d.cal = cal
	d.mu.Unlock()

	d.logger.Info("U3 ready",
		zap.Uint32("serial", info.SerialNumber),
		zap.Float64("firmware", info.FirmwareVersion),
		zap.Float64("hardware", info.HardwareVersion),
		zap.Bool("hv", info.IsHV()),
	)
	return nil
}

// Info returns the device description read by Init.
func (d *Device) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// Calibration returns the calibration in use.
func (d *Device) Calibration() Calibration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cal
}

// exchange writes a frame and reads the response. d.mu must be held.
func (d *Device) exchange(frame []byte, respLen int) ([]byte, error) {
	if d.closed {
		return nil, ErrClosed
	}
	if _, err := d.rw.Write(frame); err != nil {
		return nil, fmt.Errorf("u3 write: %w", err)
	}

	size := readBufferSize
	if respLen > size {
		size = respLen
	}
	buf := make([]byte, size)
	n, err := d.rw.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("u3 read: %w", err)
	}

	if ce := d.logger.Check(zap.DebugLevel, "u3 exchange"); ce != nil {
		ce.Write(zap.String("tx", fmt.Sprintf("% X", frame)), zap.String("rx", fmt.Sprintf("% X", buf[:n])))
	}
	return buf[:n], nil
}

// command sends an extended command and verifies the response.
func (d *Device) command(cmd byte, data []byte, respLen int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp, err := d.exchange(buildExtended(cmd, data), respLen)
	if err != nil {
		return nil, err
	}
	if err := verifyExtended(cmd, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ConfigU3 queries the device configuration without changing it.
func (d *Device) ConfigU3() (Info, error) {
	resp, err := d.command(cmdConfigU3, make([]byte, 20), 38)
	if err != nil {
		return Info{}, fmt.Errorf("ConfigU3: %w", err)
	}
	if len(resp) < 38 {
		return Info{}, fmt.Errorf("ConfigU3: %w", ErrShortResponse)
	}
	return Info{
		FirmwareVersion:   float64(resp[10]) + float64(resp[9])/100,
		BootloaderVersion: float64(resp[12]) + float64(resp[11])/100,
		HardwareVersion:   float64(resp[14]) + float64(resp[13])/100,
		SerialNumber:      binary.LittleEndian.Uint32(resp[15:19]),
		ProductID:         binary.LittleEndian.Uint16(resp[19:21]),
		LocalID:           resp[21],
		FIOAnalog:         resp[23],
		FIODirection:      resp[24],
		FIOState:          resp[25],
		EIOAnalog:         resp[26],
		EIODirection:      resp[27],
		EIOState:          resp[28],
		DAC1Enable:        resp[31] != 0,
		VersionInfo:       resp[37],
	}, nil
}

// ConfigIO writes the FIO/EIO analog masks and the DAC1 enable flag.
func (d *Device) ConfigIO(fioAnalog, eioAnalog byte, dac1Enable bool) error {
	const writeMask = 0x04 | 0x08 | 0x10 // DAC1Enable, FIOAnalog, EIOAnalog

	dac1 := byte(0)
	if dac1Enable {
		dac1 = 1
	}
	resp, err := d.command(cmdConfigIO, []byte{writeMask, 0, 0, dac1, fioAnalog, eioAnalog}, 12)
	if err != nil {
		return fmt.Errorf("ConfigIO: %w", err)
	}

	d.mu.Lock()
	d.info.FIOAnalog = resp[10]
	d.info.EIOAnalog = resp[11]
	d.info.DAC1Enable = resp[9] != 0
	d.mu.Unlock()
	return nil
}

// ConfigAnalogInputs configures the first n FIO/EIO lines as analog inputs.
func (d *Device) ConfigAnalogInputs(n int) error {
	fio, eio := AnalogMask(n)
	d.mu.Lock()
	dac1 := d.info.DAC1Enable
	d.mu.Unlock()
	return d.ConfigIO(fio, eio, dac1)
}

// Feedback executes the commands in one packet and returns the response
// bytes of each command.
func (d *Device) Feedback(cmds ...FeedbackCommand) ([][]byte, error) {
	frame, respLen := encodeFeedback(cmds)

	d.mu.Lock()
	defer d.mu.Unlock()

	resp, err := d.exchange(frame, respLen)
	if err != nil {
		return nil, err
	}
	if err := verifyExtended(cmdFeedback, resp); err != nil {
		return nil, fmt.Errorf("Feedback: %w", err)
	}
	return splitFeedback(cmds, resp)
}

// ReadMem reads one 32-byte memory block as four fixed-point values.
func (d *Device) ReadMem(block byte) ([4]float64, error) {
	var out [4]float64
	resp, err := d.command(cmdReadMem, []byte{0, block}, 40)
	if err != nil {
		return out, fmt.Errorf("ReadMem block %d: %w", block, err)
	}
	if len(resp) < 40 {
		return out, fmt.Errorf("ReadMem block %d: %w", block, ErrShortResponse)
	}
	for i := range out {
		out[i] = decodeFixed(resp[8+i*8 : 16+i*8])
	}
	return out, nil
}

// ReadCalibration reads the calibration constants from device memory.
func (d *Device) ReadCalibration() (Calibration, error) {
	cal := NominalCalibration
	for block := 0; block < calibrationBlocks; block++ {
		v, err := d.ReadMem(byte(block))
		if err != nil {
			return NominalCalibration, err
		}
		cal.setBlock(block, v)
	}
	return cal, nil
}

// AIN reads a calibrated analog input voltage. Use SingleEnded as the
// negative channel for single-ended readings.
func (d *Device) AIN(positive, negative byte) (float64, error) {
	res, err := d.Feedback(AIN{Positive: positive, Negative: negative})
	if err != nil {
		return 0, err
	}
	bits := binary.LittleEndian.Uint16(res[0])

	d.mu.Lock()
	cal, hv := d.cal, d.info.IsHV()
	d.mu.Unlock()
	return cal.BinaryToVoltage(bits, positive, negative, hv), nil
}

// SetDAC sets a DAC output voltage, clamped to the DAC range.
func (d *Device) SetDAC(dac int, volts float64) error {
	if dac < 0 || dac > 1 {
		return fmt.Errorf("invalid DAC %d", dac)
	}
	if volts < 0 {
		volts = 0
	} else if volts > MaxDACVoltage {
		volts = MaxDACVoltage
	}

	d.mu.Lock()
	bits := d.cal.DACToBinary(dac, volts)
	d.mu.Unlock()

	_, err := d.Feedback(DAC16{Channel: byte(dac), Value: bits})
	return err
}

// DIOState configures a line as input and reads its state.
func (d *Device) DIOState(io int) (bool, error) {
	res, err := d.Feedback(BitDirWrite{IO: byte(io), Output: false}, BitStateRead{IO: byte(io)})
	if err != nil {
		return false, err
	}
	return res[1][0] != 0, nil
}

// SetDIOState configures a line as output and sets its state.
func (d *Device) SetDIOState(io int, state bool) error {
	return d.WriteBits([]Bit{{IO: io, State: state}})
}

// WriteBits configures the lines as outputs and sets their states in a single packet.
func (d *Device) WriteBits(bits []Bit) error {
	if len(bits) == 0 {
		return nil
	}
	cmds := make([]FeedbackCommand, 0, 2*len(bits))
	for _, b := range bits {
		cmds = append(cmds,
			BitDirWrite{IO: byte(b.IO), Output: true},
			BitStateWrite{IO: byte(b.IO), State: b.State},
		)
	}
	_, err := d.Feedback(cmds...)
	return err
}

// Close closes the transport.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.rw.Close()
}
