package u3

import (
	"fmt"
	"strconv"
	"strings"
)

// Special negative channels for AIN.
const (
	SingleEnded  byte = 31 // Negative input tied to GND
	SpecialRange byte = 32 // 0-3.6 V special range on LV channels
)

// IO line offsets of the terminal groups.
const (
	FIOOffset = 0
	EIOOffset = 8
	CIOOffset = 16
)

// ParseChannel maps a terminal label (FIO0, EIO3, CIO1, AIN5) to the U3 IO number.
func ParseChannel(label string) (int, error) {
	label = strings.ToUpper(strings.TrimSpace(label))

	var prefix string
	var offset, count int
	switch {
	case strings.HasPrefix(label, "FIO"):
		prefix, offset, count = "FIO", FIOOffset, 8
	case strings.HasPrefix(label, "EIO"):
		prefix, offset, count = "EIO", EIOOffset, 8
	case strings.HasPrefix(label, "CIO"):
		prefix, offset, count = "CIO", CIOOffset, 4
	case strings.HasPrefix(label, "AIN"):
		prefix, offset, count = "AIN", 0, 16
	default:
		return 0, fmt.Errorf("unknown U3 terminal %q", label)
	}

	n, err := strconv.Atoi(label[len(prefix):])
	if err != nil || n < 0 || n >= count {
		return 0, fmt.Errorf("invalid U3 terminal %q", label)
	}
	return offset + n, nil
}

// ParseDAC maps DAC0/DAC1 to the DAC number.
func ParseDAC(label string) (int, error) {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "DAC0":
		return 0, nil
	case "DAC1":
		return 1, nil
	}
	return 0, fmt.Errorf("unknown U3 DAC %q", label)
}

// AnalogMask returns the FIO and EIO analog masks that configure the
// first n lines as analog inputs.
func AnalogMask(n int) (fio, eio byte) {
	if n <= 0 {
		return 0, 0
	}
	if n > 16 {
		n = 16
	}
	mask := uint32(1)<<uint(n) - 1
	return byte(mask & 0xFF), byte(mask >> 8)
}
