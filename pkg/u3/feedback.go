package u3

import "fmt"

// Feedback IOType numbers.
const (
	ioAIN           byte = 1
	ioBitStateRead  byte = 10
	ioBitStateWrite byte = 11
	ioBitDirRead    byte = 12
	ioBitDirWrite   byte = 13
	ioDAC16Ch0      byte = 38
	ioDAC16Ch1      byte = 39
)

// FeedbackCommand is one IOType of a Feedback packet.
type FeedbackCommand interface {
	Encode() []byte
	ResponseLen() int
}

// AIN reads an analog input.
type AIN struct {
	Positive     byte
	Negative     byte
	LongSettling bool
	QuickSample  bool
}

func (c AIN) Encode() []byte {
	neg := c.Negative & 0x3F
	if c.LongSettling {
		neg |= 1 << 6
	}
	if c.QuickSample {
		neg |= 1 << 7
	}
	return []byte{ioAIN, c.Positive, neg}
}

func (c AIN) ResponseLen() int { return 2 }

// BitStateRead reads the state of one digital line.
type BitStateRead struct {
	IO byte
}

func (c BitStateRead) Encode() []byte   { return []byte{ioBitStateRead, c.IO & 0x1F} }
func (c BitStateRead) ResponseLen() int { return 1 }

// BitStateWrite sets the state of one digital output.
type BitStateWrite struct {
	IO    byte
	State bool
}

func (c BitStateWrite) Encode() []byte {
	b := c.IO & 0x1F
	if c.State {
		b |= 0x80
	}
	return []byte{ioBitStateWrite, b}
}

func (c BitStateWrite) ResponseLen() int { return 0 }

// BitDirRead reads the direction of one digital line.
type BitDirRead struct {
	IO byte
}

func (c BitDirRead) Encode() []byte   { return []byte{ioBitDirRead, c.IO & 0x1F} }
func (c BitDirRead) ResponseLen() int { return 1 }

// BitDirWrite sets the direction of one digital line.
type BitDirWrite struct {
	IO     byte
	Output bool
}

func (c BitDirWrite) Encode() []byte {
	b := c.IO & 0x1F
	if c.Output {
		b |= 0x80
	}
	return []byte{ioBitDirWrite, b}
}

func (c BitDirWrite) ResponseLen() int { return 0 }

// DAC16 updates a DAC with a 16-bit value.
type DAC16 struct {
	Channel byte
	Value   uint16
}

func (c DAC16) Encode() []byte {
	t := ioDAC16Ch0
	if c.Channel == 1 {
		t = ioDAC16Ch1
	}
	return []byte{t, byte(c.Value), byte(c.Value >> 8)}
}

func (c DAC16) ResponseLen() int { return 0 }

// encodeFeedback builds the Feedback frame for the commands and returns
// it with the expected response length.
func encodeFeedback(cmds []FeedbackCommand) ([]byte, int) {
	data := []byte{0} // echo
	readLen := 0
	for _, c := range cmds {
		data = append(data, c.Encode()...)
		readLen += c.ResponseLen()
	}
	respLen := 9 + readLen
	if respLen%2 == 1 {
		respLen++
	}
	return buildExtended(cmdFeedback, data), respLen
}

// splitFeedback slices the response data per command.
func splitFeedback(cmds []FeedbackCommand, resp []byte) ([][]byte, error) {
	out := make([][]byte, len(cmds))
	off := 9
	for i, c := range cmds {
		n := c.ResponseLen()
		if off+n > len(resp) {
			return nil, fmt.Errorf("%w: feedback data for command %d", ErrShortResponse, i)
		}
		out[i] = resp[off : off+n]
		off += n
	}
	return out, nil
}
