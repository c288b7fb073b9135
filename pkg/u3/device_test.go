package u3

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSerial = 320012345

func newTestDevice(t *testing.T, hv bool) (*Device, *Simulator) {
	t.Helper()

	sim := NewSimulator(testSerial, hv)
	dev := New(sim, nil)
	require.NoError(t, dev.Init())
	t.Cleanup(func() { dev.Close() })
	return dev, sim
}

func TestDevice_Init(t *testing.T) {
	dev, _ := newTestDevice(t, true)

	info := dev.Info()
	assert.Equal(t, uint32(testSerial), info.SerialNumber)
	assert.Equal(t, uint16(3), info.ProductID)
	assert.InDelta(t, 1.46, info.FirmwareVersion, 1e-9)
	assert.InDelta(t, 1.30, info.HardwareVersion, 1e-9)
	assert.Equal(t, byte(0x0F), info.FIOAnalog)
	assert.True(t, info.IsHV())

	cal := dev.Calibration()
	assert.InDelta(t, NominalCalibration.DACSlope[0], cal.DACSlope[0], 1e-6)
	assert.InDelta(t, NominalCalibration.HVOffset[3], cal.HVOffset[3], 1e-6)
	assert.InDelta(t, NominalCalibration.LVSingleEndedSlope, cal.LVSingleEndedSlope, 1e-9)
}

func TestDevice_ReadMemInvalidBlock(t *testing.T) {
	dev, _ := newTestDevice(t, false)

	_, err := dev.ReadMem(9)
	var devErr *Error
	require.True(t, errors.As(err, &devErr))
	assert.Equal(t, byte(26), devErr.Code)
}

func TestDevice_ConfigAnalogInputs(t *testing.T) {
	dev, sim := newTestDevice(t, false)

	require.NoError(t, dev.ConfigAnalogInputs(7))

	fio, eio := sim.AnalogConfig()
	assert.Equal(t, byte(0x7F), fio)
	assert.Equal(t, byte(0x00), eio)
	assert.Equal(t, byte(0x7F), dev.Info().FIOAnalog)

	require.NoError(t, dev.ConfigAnalogInputs(10))
	fio, eio = sim.AnalogConfig()
	assert.Equal(t, byte(0xFF), fio)
	assert.Equal(t, byte(0x03), eio)
}

func TestDevice_SetDAC(t *testing.T) {
	dev, sim := newTestDevice(t, false)

	var hooked []float64
	sim.OnDAC(func(dac int, volts float64) {
		if dac == 0 {
			hooked = append(hooked, volts)
		}
	})

	require.NoError(t, dev.SetDAC(0, 0.55))
	assert.InDelta(t, 0.55, sim.DAC(0), 1e-4)

	require.NoError(t, dev.SetDAC(0, 6))
	assert.InDelta(t, MaxDACVoltage, sim.DAC(0), 1e-4, "should clamp to DAC range")

	require.NoError(t, dev.SetDAC(0, -1))
	assert.InDelta(t, 0, sim.DAC(0), 1e-9)

	require.NoError(t, dev.SetDAC(1, 2))
	assert.InDelta(t, 2, sim.DAC(1), 1e-4)

	assert.Error(t, dev.SetDAC(2, 1))
	assert.Len(t, hooked, 3)
}

func TestDevice_AIN(t *testing.T) {
	t.Run("LV", func(t *testing.T) {
		dev, sim := newTestDevice(t, false)
		sim.SetAnalogSource(func(ch int) float64 {
			switch ch {
			case 0:
				return 1.25
			case 5:
				return 2.0
			}
			return 0
		})

		v, err := dev.AIN(0, SingleEnded)
		require.NoError(t, err)
		assert.InDelta(t, 1.25, v, 1e-4)

		v, err = dev.AIN(5, SingleEnded)
		require.NoError(t, err)
		assert.InDelta(t, 0, v, 1e-4, "digital line should not read the analog source")

		require.NoError(t, dev.ConfigAnalogInputs(7))
		v, err = dev.AIN(5, SingleEnded)
		require.NoError(t, err)
		assert.InDelta(t, 2.0, v, 1e-4)
	})

	t.Run("HV", func(t *testing.T) {
		dev, sim := newTestDevice(t, true)
		sim.SetAnalogSource(func(ch int) float64 {
			if ch == 2 {
				return 7.5
			}
			return 0
		})

		v, err := dev.AIN(2, SingleEnded)
		require.NoError(t, err)
		assert.InDelta(t, 7.5, v, 1e-3)
	})
}

func TestDevice_WriteBits(t *testing.T) {
	dev, sim := newTestDevice(t, false)

	writes := map[int]bool{}
	sim.OnDigitalWrite(func(io int, state bool) {
		writes[io] = state
	})

	require.NoError(t, dev.WriteBits([]Bit{
		{IO: 8, State: true},
		{IO: 9, State: false},
		{IO: 10, State: true},
	}))

	assert.True(t, sim.IsOutput(8))
	assert.True(t, sim.IsOutput(9))
	assert.True(t, sim.State(8))
	assert.False(t, sim.State(9))
	assert.True(t, sim.State(10))
	assert.Equal(t, map[int]bool{8: true, 9: false, 10: true}, writes)

	require.NoError(t, dev.WriteBits(nil))

	require.NoError(t, dev.SetDIOState(9, true))
	assert.True(t, sim.State(9))
}

func TestDevice_DIOState(t *testing.T) {
	dev, sim := newTestDevice(t, false)
	sim.SetDigitalSource(func(io int) (bool, bool) {
		switch io {
		case 12:
			return true, true
		case 13:
			return false, true
		}
		return false, false
	})

	v, err := dev.DIOState(12)
	require.NoError(t, err)
	assert.True(t, v)
	assert.False(t, sim.IsOutput(12))

	v, err = dev.DIOState(13)
	require.NoError(t, err)
	assert.False(t, v)

	// An undriven line reads back its latch.
	require.NoError(t, dev.SetDIOState(14, true))
	v, err = dev.DIOState(14)
	require.NoError(t, err)
	assert.True(t, v)
}

type invalidCommand struct{}

func (invalidCommand) Encode() []byte   { return []byte{99} }
func (invalidCommand) ResponseLen() int { return 0 }

func TestDevice_FeedbackError(t *testing.T) {
	dev, _ := newTestDevice(t, false)

	_, err := dev.Feedback(invalidCommand{})

	var devErr *Error
	require.True(t, errors.As(err, &devErr))
	assert.Equal(t, byte(5), devErr.Code)
	assert.Equal(t, byte(1), devErr.Frame)
}

func TestDevice_Modbus(t *testing.T) {
	dev, sim := newTestDevice(t, false)
	sim.SetAnalogSource(func(ch int) float64 {
		if ch == 1 {
			return 0.75
		}
		return 0
	})

	require.NoError(t, dev.WriteRegister(RegisterDAC0, 1.5))
	assert.InDelta(t, 1.5, sim.DAC(0), 1e-6)

	v, err := dev.ReadRegister(RegisterDAC0)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, v, 1e-6)

	v, err = dev.ReadRegister(RegisterAIN0 + 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, v, 1e-6)

	_, err = dev.ReadRegister(1234)
	assert.Error(t, err)

	assert.Error(t, dev.WriteRegister(1234, 1))
}

func TestDevice_Closed(t *testing.T) {
	sim := NewSimulator(testSerial, false)
	dev := New(sim, nil)
	require.NoError(t, dev.Init())

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close(), "second close should be a no-op")

	_, err := dev.AIN(0, SingleEnded)
	assert.ErrorIs(t, err, ErrClosed)

	err = dev.WriteRegister(RegisterDAC0, 1)
	assert.ErrorIs(t, err, ErrClosed)
}
