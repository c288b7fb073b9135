package u3

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum8(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want byte
	}{
		{"ConfigU3 read header", []byte{0xF8, 0x0A, 0x08, 0x00, 0x00}, 0x0B},
		{"double carry fold", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, 0xFF},
		{"empty", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checksum8(tt.in))
		})
	}
}

func TestChecksum16(t *testing.T) {
	assert.Equal(t, uint16(0x0300), checksum16([]byte{0xFF, 0xFF, 0xFF, 0x03}))
	assert.Equal(t, uint16(0), checksum16(nil))
}

func TestBuildExtended(t *testing.T) {
	frame := buildExtended(cmdFeedback, []byte{0, 1, 2})

	require.Len(t, frame, headerSize+4, "odd payload should be padded")
	assert.Equal(t, extendedMarker, frame[1])
	assert.Equal(t, byte(2), frame[2], "payload length in words")
	assert.Equal(t, cmdFeedback, frame[3])
	assert.Equal(t, byte(0), frame[9], "padding byte")
	assert.Equal(t, checksum8(frame[1:headerSize]), frame[0])
	assert.Equal(t, byte(3), frame[4])
	assert.Equal(t, byte(0), frame[5])
}

func TestVerifyExtended(t *testing.T) {
	good := buildExtended(cmdConfigIO, []byte{0, 0, 0, 0, 0x7F, 0})
	assert.NoError(t, verifyExtended(cmdConfigIO, good))

	t.Run("device checksum error", func(t *testing.T) {
		assert.ErrorIs(t, verifyExtended(cmdConfigIO, []byte{0xB8, 0xB8}), ErrDeviceChecksum)
	})

	t.Run("short", func(t *testing.T) {
		assert.ErrorIs(t, verifyExtended(cmdConfigIO, good[:4]), ErrShortResponse)
	})

	t.Run("truncated payload", func(t *testing.T) {
		assert.ErrorIs(t, verifyExtended(cmdConfigIO, good[:len(good)-2]), ErrShortResponse)
	})

	t.Run("wrong command", func(t *testing.T) {
		assert.ErrorIs(t, verifyExtended(cmdConfigU3, good), ErrUnexpectedResponse)
	})

	t.Run("corrupted payload", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[10] ^= 0x01
		assert.ErrorIs(t, verifyExtended(cmdConfigIO, bad), ErrBadChecksum)
	})

	t.Run("corrupted header", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[0]++
		assert.ErrorIs(t, verifyExtended(cmdConfigIO, bad), ErrBadChecksum)
	})

	t.Run("firmware error", func(t *testing.T) {
		resp := buildExtended(cmdFeedback, []byte{5, 2, 0})
		err := verifyExtended(cmdFeedback, resp)

		var devErr *Error
		require.True(t, errors.As(err, &devErr))
		assert.Equal(t, byte(5), devErr.Code)
		assert.Equal(t, byte(2), devErr.Frame)
		assert.Equal(t, "u3: FUNCTION_INVALID (frame 2)", err.Error())
	})
}

func TestError_UnknownCode(t *testing.T) {
	err := &Error{Code: 200}
	assert.Equal(t, "u3: error code 200", err.Error())
}

func TestFixedPoint(t *testing.T) {
	for _, v := range []float64{0, 51.717, -10.3, 0.000037231, 2.44, -2.44} {
		assert.InDelta(t, v, decodeFixed(encodeFixed(v)), 1e-9, "value %v", v)
	}
}

func TestCalibration_DAC(t *testing.T) {
	cal := NominalCalibration

	bits := cal.DACToBinary(0, 0.55)
	assert.Equal(t, uint16(7282), bits)
	assert.InDelta(t, 0.55, cal.BinaryToDAC(0, bits), 1e-4)

	assert.Equal(t, uint16(65535), cal.DACToBinary(1, 10))
	assert.Equal(t, uint16(0), cal.DACToBinary(1, -1))
}

func TestCalibration_Voltage(t *testing.T) {
	cal := NominalCalibration

	tests := []struct {
		name     string
		volts    float64
		positive byte
		negative byte
		hv       bool
		delta    float64
	}{
		{"LV single-ended", 1.25, 0, SingleEnded, false, 1e-4},
		{"LV special range", 3.1, 4, SpecialRange, false, 1e-4},
		{"LV differential", -0.5, 0, 1, false, 1e-4},
		{"HV channel", 7.5, 2, SingleEnded, true, 1e-3},
		{"HV device LV channel", 1.0, 5, SingleEnded, true, 1e-4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bits := cal.VoltageToBinary(tt.volts, tt.positive, tt.negative, tt.hv)
			got := cal.BinaryToVoltage(bits, tt.positive, tt.negative, tt.hv)
			assert.InDelta(t, tt.volts, got, tt.delta)
		})
	}
}

func TestCalibration_Valid(t *testing.T) {
	assert.True(t, NominalCalibration.valid())
	assert.False(t, Calibration{}.valid())
}
