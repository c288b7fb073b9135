package u3

import (
	"encoding/binary"
	"math"
)

// Calibration holds the U3 calibration constants.
//
// Memory layout (ReadMem blocks, four 32.32 fixed-point values each):
//
//	0 - LV AIN SE slope, LV AIN SE offset, LV AIN diff slope, LV AIN diff offset
//	1 - DAC0 slope, DAC0 offset, DAC1 slope, DAC1 offset
//	2 - temperature slope, Vref at calibration, reserved, reserved
//	3 - HV AIN0..AIN3 slope
//	4 - HV AIN0..AIN3 offset
type Calibration struct {
	LVSingleEndedSlope  float64
	LVSingleEndedOffset float64
	LVDiffSlope         float64
	LVDiffOffset        float64
	DACSlope            [2]float64
	DACOffset           [2]float64
	TempSlope           float64
	VRef                float64
	HVSlope             [4]float64
	HVOffset            [4]float64
}

// calibrationBlocks is the number of ReadMem blocks holding calibration data.
const calibrationBlocks = 5

// NominalCalibration holds the datasheet values used when the device
// calibration cannot be read.
var NominalCalibration = Calibration{
	LVSingleEndedSlope:  0.000037231,
	LVSingleEndedOffset: 0,
	LVDiffSlope:         0.000074463,
	LVDiffOffset:        -2.44,
	DACSlope:            [2]float64{51.717, 51.717},
	DACOffset:           [2]float64{0, 0},
	TempSlope:           0.013021,
	VRef:                2.44,
	HVSlope:             [4]float64{0.000314, 0.000314, 0.000314, 0.000314},
	HVOffset:            [4]float64{-10.3, -10.3, -10.3, -10.3},
}

// MaxDACVoltage is the highest voltage a U3 DAC can output.
const MaxDACVoltage = 4.95

// decodeFixed decodes a little-endian signed 32.32 fixed-point value.
func decodeFixed(b []byte) float64 {
	frac := binary.LittleEndian.Uint32(b[0:4])
	whole := int32(binary.LittleEndian.Uint32(b[4:8]))
	return float64(whole) + float64(frac)/4294967296.0
}

// encodeFixed is the inverse of decodeFixed.
func encodeFixed(v float64) []byte {
	whole := math.Floor(v)
	frac := (v - whole) * 4294967296.0
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], uint32(frac))
	binary.LittleEndian.PutUint32(b[4:8], uint32(int32(whole)))
	return b
}

// blocks returns the calibration as it is laid out in device memory.
func (c Calibration) blocks() [calibrationBlocks][4]float64 {
	return [calibrationBlocks][4]float64{
		{c.LVSingleEndedSlope, c.LVSingleEndedOffset, c.LVDiffSlope, c.LVDiffOffset},
		{c.DACSlope[0], c.DACOffset[0], c.DACSlope[1], c.DACOffset[1]},
		{c.TempSlope, c.VRef, 0, 0},
		c.HVSlope,
		c.HVOffset,
	}
}

// setBlock stores the four values read from a memory block.
func (c *Calibration) setBlock(block int, v [4]float64) {
	switch block {
	case 0:
		c.LVSingleEndedSlope, c.LVSingleEndedOffset, c.LVDiffSlope, c.LVDiffOffset = v[0], v[1], v[2], v[3]
	case 1:
		c.DACSlope[0], c.DACOffset[0], c.DACSlope[1], c.DACOffset[1] = v[0], v[1], v[2], v[3]
	case 2:
		c.TempSlope, c.VRef = v[0], v[1]
	case 3:
		c.HVSlope = v
	case 4:
		c.HVOffset = v
	}
}

// valid reports whether the calibration looks like real data; blank
// memory reads back as zeros.
func (c Calibration) valid() bool {
	return c.LVSingleEndedSlope > 0 && c.DACSlope[0] > 0 && c.DACSlope[1] > 0
}

// BinaryToVoltage converts a raw AIN reading to volts.
// hv selects the high-voltage constants for AIN0..AIN3 of a U3-HV.
func (c Calibration) BinaryToVoltage(bits uint16, positive, negative byte, hv bool) float64 {
	v := float64(bits)
	if hv && positive < 4 {
		return v*c.HVSlope[positive] + c.HVOffset[positive]
	}
	switch negative {
	case SingleEnded:
		return v*c.LVSingleEndedSlope + c.LVSingleEndedOffset
	case SpecialRange:
		return v*c.LVDiffSlope + c.LVDiffOffset + c.VRef
	default:
		return v*c.LVDiffSlope + c.LVDiffOffset
	}
}

// VoltageToBinary is the inverse of BinaryToVoltage, used by the simulator.
func (c Calibration) VoltageToBinary(volts float64, positive, negative byte, hv bool) uint16 {
	var bits float64
	switch {
	case hv && positive < 4:
		bits = (volts - c.HVOffset[positive]) / c.HVSlope[positive]
	case negative == SingleEnded:
		bits = (volts - c.LVSingleEndedOffset) / c.LVSingleEndedSlope
	case negative == SpecialRange:
		bits = (volts - c.LVDiffOffset - c.VRef) / c.LVDiffSlope
	default:
		bits = (volts - c.LVDiffOffset) / c.LVDiffSlope
	}
	return clampUint16(bits)
}

// DACToBinary converts a DAC voltage to the 16-bit Feedback value.
func (c Calibration) DACToBinary(dac int, volts float64) uint16 {
	return clampUint16((volts*c.DACSlope[dac] + c.DACOffset[dac]) * 256)
}

// BinaryToDAC is the inverse of DACToBinary.
func (c Calibration) BinaryToDAC(dac int, bits uint16) float64 {
	return (float64(bits)/256 - c.DACOffset[dac]) / c.DACSlope[dac]
}

func clampUint16(v float64) uint16 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}
