// Package u3 implements the LabJack U3 low-level USB protocol.
//
// Only the subset needed to drive analog programming interfaces and
// digital lines is implemented: ConfigU3 (query), ConfigIO, Feedback,
// ReadMem (calibration) and Modbus register access.
package u3

import (
	"errors"
	"fmt"
)

// Extended command numbers.
const (
	cmdFeedback byte = 0x00
	cmdConfigU3 byte = 0x08
	cmdConfigIO byte = 0x0B
	cmdReadMem  byte = 0x2D

	extendedMarker byte = 0xF8
	headerSize          = 6
)

var (
	// ErrBadChecksum is returned when a response fails checksum verification.
	ErrBadChecksum = errors.New("bad checksum")
	// ErrDeviceChecksum is returned when the U3 reports that our command had a bad checksum.
	ErrDeviceChecksum = errors.New("device rejected command checksum")
	// ErrShortResponse is returned when the response is shorter than expected.
	ErrShortResponse = errors.New("short response")
	// ErrUnexpectedResponse is returned when the response does not echo the command.
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// Error is an error code reported by the U3 firmware.
type Error struct {
	Code  byte
	Frame byte // Failing Feedback frame, 0 for other commands
}

var errorNames = map[byte]string{
	1:  "SCRATCH_WRT_FAIL",
	2:  "SCRATCH_ERASE_FAIL",
	3:  "DATA_BUFFER_OVERFLOW",
	4:  "ADC0_BUFFER_OVERFLOW",
	5:  "FUNCTION_INVALID",
	6:  "SWDT_TIME_INVALID",
	7:  "XBR_CONFIG_ERROR",
	16: "FLASH_WRITE_FAIL",
	17: "FLASH_ERASE_FAIL",
	18: "FLASH_JMP_FAIL",
	19: "FLASH_PSP_TIMEOUT",
	20: "FLASH_ABORT_RECEIVED",
	21: "FLASH_PAGE_MISMATCH",
	22: "FLASH_BLOCK_MISMATCH",
	23: "FLASH_PAGE_NOT_IN_CODE_AREA",
	24: "MEM_ILLEGAL_ADDRESS",
	25: "FLASH_LOCKED",
	26: "INVALID_BLOCK",
	27: "FLASH_ILLEGAL_PAGE",
	28: "FLASH_TOO_MANY_BYTES",
	29: "FLASH_INVALID_STRING_NUM",
}

func (e *Error) Error() string {
	name, ok := errorNames[e.Code]
	if !ok {
		name = fmt.Sprintf("error code %d", e.Code)
	}
	if e.Frame > 0 {
		return fmt.Sprintf("u3: %s (frame %d)", name, e.Frame)
	}
	return "u3: " + name
}

// checksum8 sums the given bytes and folds the carry twice.
func checksum8(b []byte) byte {
	var sum uint32
	for _, v := range b {
		sum += uint32(v)
	}
	q := sum / 256
	sum = (sum - 256*q) + q
	q = sum / 256
	return byte((sum - 256*q) + q)
}

// checksum16 is the plain 16-bit sum of the given bytes.
func checksum16(b []byte) uint16 {
	var sum uint32
	for _, v := range b {
		sum += uint32(v)
	}
	return uint16(sum)
}

// buildExtended builds an extended command frame. Odd payloads are padded.
func buildExtended(cmd byte, data []byte) []byte {
	n := len(data)
	if n%2 == 1 {
		n++
	}
	frame := make([]byte, headerSize+n)
	frame[1] = extendedMarker
	frame[2] = byte(n / 2)
	frame[3] = cmd
	copy(frame[headerSize:], data)
	setChecksums(frame)
	return frame
}

// setChecksums fills bytes 0, 4 and 5 of an extended frame.
func setChecksums(frame []byte) {
	cs := checksum16(frame[headerSize:])
	frame[4] = byte(cs)
	frame[5] = byte(cs >> 8)
	frame[0] = checksum8(frame[1:headerSize])
}

// verifyExtended checks an extended response frame and the firmware error byte.
func verifyExtended(cmd byte, resp []byte) error {
	if len(resp) >= 2 && resp[0] == 0xB8 && resp[1] == 0xB8 {
		return ErrDeviceChecksum
	}
	if len(resp) < headerSize+1 {
		return fmt.Errorf("%w: %d bytes", ErrShortResponse, len(resp))
	}
	if resp[1] != extendedMarker || resp[3] != cmd {
		return fmt.Errorf("%w: command 0x%02X, got 0x%02X 0x%02X", ErrUnexpectedResponse, cmd, resp[1], resp[3])
	}
	size := headerSize + int(resp[2])*2
	if len(resp) < size {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrShortResponse, size, len(resp))
	}
	if checksum8(resp[1:headerSize]) != resp[0] {
		return fmt.Errorf("%w: checksum8", ErrBadChecksum)
	}
	if cs := checksum16(resp[headerSize:size]); byte(cs) != resp[4] || byte(cs>>8) != resp[5] {
		return fmt.Errorf("%w: checksum16", ErrBadChecksum)
	}
	if resp[6] != 0 {
		e := &Error{Code: resp[6]}
		if cmd == cmdFeedback && len(resp) > 7 {
			e.Frame = resp[7]
		}
		return e
	}
	return nil
}
