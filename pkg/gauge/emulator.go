package gauge

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Emulator is an in-memory TPG 26x controller speaking the mnemonic
// protocol. It implements io.ReadWriteCloser and can be attached to a
// Serial gauge in place of a serial port.
type Emulator struct {
	source func(ch int) (Status, float64) // pressure in mbar

	mu      sync.Mutex
	cond    *sync.Cond
	in      []byte
	out     []byte
	pending string
	unit    Unit
	errWord string
	locked  bool
	closed  bool
}

var _ io.ReadWriteCloser = (*Emulator)(nil)

// NewEmulator creates a controller reporting pressures from source.
func NewEmulator(source func(ch int) (Status, float64)) *Emulator {
	e := &Emulator{source: source, errWord: "0000"}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Write feeds host bytes to the controller.
func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, io.ErrClosedPipe
	}

	e.in = append(e.in, p...)
	for len(e.in) > 0 {
		if e.in[0] == etx[0] {
			e.in = e.in[1:]
			e.pending = ""
			continue
		}
		if e.in[0] == enq[0] {
			e.in = e.in[1:]
			e.reply(e.data())
			continue
		}
		i := strings.Index(string(e.in), "\r\n")
		if i < 0 {
			break
		}
		line := string(e.in[:i])
		e.in = e.in[i+2:]
		e.accept(line)
	}
	return len(p), nil
}

// Read blocks until controller output is available or the emulator is closed.
func (e *Emulator) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.out) == 0 && !e.closed {
		e.cond.Wait()
	}
	if e.closed {
		return 0, io.EOF
	}
	n := copy(p, e.out)
	e.out = e.out[n:]
	return n, nil
}

// Close unblocks pending reads.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.cond.Broadcast()
	return nil
}

// LockUnits makes the controller reject unit changes, as with the
// parameter setup locked on the front panel.
func (e *Emulator) LockUnits() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locked = true
}

// SetUnit changes the unit as from the front panel.
func (e *Emulator) SetUnit(u Unit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unit = u
}

// Unit returns the unit the emulator reports in.
func (e *Emulator) Unit() Unit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unit
}

func (e *Emulator) reply(s string) {
	e.out = append(e.out, s+"\r\n"...)
	e.cond.Broadcast()
}

// accept handles a mnemonic line. e.mu must be held.
func (e *Emulator) accept(line string) {
	mnemonic, arg, hasArg := strings.Cut(strings.TrimSpace(line), ",")
	ok := false
	switch mnemonic {
	case "PR1", "PR2", "TID", "ERR":
		ok = !hasArg
	case "UNI":
		ok = true
		if hasArg {
			n, err := strconv.Atoi(arg)
			if err != nil || n < int(Mbar) || n > int(Pascal) || e.locked {
				ok = false
				break
			}
			e.unit = Unit(n)
		}
	}

	if !ok {
		e.errWord = "0001"
		e.pending = ""
		e.reply(nak)
		return
	}
	e.pending = mnemonic
	e.reply(ack)
}

// data returns the reply to the pending mnemonic. e.mu must be held.
func (e *Emulator) data() string {
	switch e.pending {
	case "PR1", "PR2":
		ch := int(e.pending[2] - '0')
		status, p := e.source(ch)
		return fmt.Sprintf("%d,%+.4E", int(status), e.unit.FromMbar(p))
	case "TID":
		return "PKR,noSen"
	case "UNI":
		return strconv.Itoa(int(e.unit))
	case "ERR":
		w := e.errWord
		e.errWord = "0000"
		return w
	}
	return ""
}
