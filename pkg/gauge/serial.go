package gauge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itohio/goanneal/pkg/config"
	"go.bug.st/serial"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultBaudRate is the factory setting of the TPG 261/262.
	DefaultBaudRate = 9600
	// DefaultTimeout bounds a single command exchange.
	DefaultTimeout = 2 * time.Second

	lineBufferSize = 16

	ack = "\x06"
	nak = "\x15"
	enq = "\x05"
	etx = "\x03" // resets the controller interface
)

// Serial is a PKR251 read through a TPG 26x controller using the
// mnemonic protocol: the host sends "<MNE>\r\n", the controller answers
// ACK or NAK, and the data is returned after an ENQ.
type Serial struct {
	portName string
	baudRate int
	channel  int
	timeout  time.Duration
	unit     Unit
	logger   *zap.Logger

	cmdMu sync.Mutex // one exchange at a time

	resync bool // guarded by cmdMu; an exchange timed out and late replies may follow

	mu        sync.Mutex
	conn      io.ReadWriteCloser
	lines     chan string
	done      chan struct{}
	connected bool
}

var _ Gauge = (*Serial)(nil)

// NewSerial creates a gauge for the configured port. Call Connect or
// Attach before reading.
func NewSerial(cfg *config.GaugeConfig, logger *zap.Logger) (*Serial, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	unit, err := ParseUnit(cfg.Unit)
	if err != nil {
		return nil, err
	}
	if cfg.Channel < 1 || cfg.Channel > 2 {
		return nil, fmt.Errorf("gauge channel must be 1 or 2, got %d", cfg.Channel)
	}

	s := &Serial{
		portName: cfg.Port,
		baudRate: cfg.BaudRate,
		channel:  cfg.Channel,
		timeout:  cfg.Timeout,
		unit:     unit,
		logger:   logger,
	}
	if s.baudRate == 0 {
		s.baudRate = DefaultBaudRate
	}
	if s.timeout == 0 {
		s.timeout = DefaultTimeout
	}
	return s, nil
}

// Connect opens the serial port, 8N1.
func (s *Serial) Connect() error {
	port, err := serial.Open(s.portName, &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.portName, err)
	}
	if err := s.Attach(port); err != nil {
		port.Close()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.SyncUnits(ctx); err != nil {
		return multierr.Append(err, s.Close())
	}
	s.logger.Info("gauge connected",
		zap.String("port", s.portName),
		zap.Int("baud", s.baudRate),
		zap.Stringer("unit", s.Unit()),
	)
	return nil
}

// Attach uses an already open connection, e.g. an Emulator. Call
// SyncUnits afterwards; Connect does.
func (s *Serial) Attach(conn io.ReadWriteCloser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return errors.New("gauge: already connected")
	}
	s.conn = conn
	s.lines = make(chan string, lineBufferSize)
	s.done = make(chan struct{})
	s.connected = true

	go s.readLines(conn, s.lines, s.done)
	return nil
}

// Close closes the connection and waits for the reader to stop.
func (s *Serial) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	conn, done := s.conn, s.done
	s.conn = nil
	s.mu.Unlock()

	err := conn.Close()
	<-done
	return err
}

// Unit returns the unit readings are tagged with.
func (s *Serial) Unit() Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unit
}

// SyncUnits switches the controller to the configured unit. If the
// controller refuses the change, readings are tagged with the unit it
// reports instead.
func (s *Serial) SyncUnits(ctx context.Context) error {
	got, err := s.Units(ctx)
	if err != nil {
		return fmt.Errorf("query gauge unit: %w", err)
	}
	want := s.Unit()
	if got == want {
		return nil
	}

	err = s.SetUnits(ctx, want)
	if err == nil {
		s.logger.Info("gauge unit changed", zap.Stringer("from", got), zap.Stringer("to", want))
		return nil
	}
	if !errors.Is(err, ErrNAK) {
		return err
	}

	s.logger.Warn("gauge refused unit change, using the controller unit",
		zap.Stringer("controller", got),
		zap.Stringer("configured", want),
	)
	s.mu.Lock()
	s.unit = got
	s.mu.Unlock()
	return nil
}

// IsConnected returns whether the gauge is currently connected.
func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// readLines splits the controller output into lines until the connection fails.
func (s *Serial) readLines(conn io.Reader, lines chan<- string, done chan<- struct{}) {
	defer close(done)
	defer close(lines)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case lines <- line:
		default:
			s.logger.Warn("dropping unsolicited gauge output", zap.String("line", line))
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && s.IsConnected() {
		s.logger.Error("gauge read failed", zap.Error(err))
	}
}

// Command sends a mnemonic and returns the controller reply.
func (s *Serial) Command(ctx context.Context, mnemonic string) (string, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.mu.Lock()
	conn, lines, connected := s.conn, s.lines, s.connected
	s.mu.Unlock()
	if !connected {
		return "", ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := s.exchange(ctx, conn, lines, mnemonic)
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled) {
		s.resync = true
		if _, werr := io.WriteString(conn, etx); werr != nil {
			s.logger.Warn("gauge interface reset failed", zap.Error(werr))
		}
	}
	if err != nil {
		return "", err
	}
	s.resync = false

	if ce := s.logger.Check(zap.DebugLevel, "gauge exchange"); ce != nil {
		ce.Write(zap.String("command", mnemonic), zap.String("reply", reply))
	}
	return reply, nil
}

// exchange runs one mnemonic/ACK/ENQ/data cycle. s.cmdMu must be held.
func (s *Serial) exchange(ctx context.Context, conn io.Writer, lines <-chan string, mnemonic string) (string, error) {
	drain(lines)
	if _, err := io.WriteString(conn, mnemonic+"\r\n"); err != nil {
		return "", fmt.Errorf("send %s: %w", mnemonic, err)
	}

	for {
		reply, err := nextLine(ctx, lines)
		if err != nil {
			return "", fmt.Errorf("%s: %w", mnemonic, err)
		}
		if reply == ack {
			break
		}
		if reply == nak {
			return "", fmt.Errorf("%s: %w", mnemonic, ErrNAK)
		}
		if !s.resync {
			return "", fmt.Errorf("%s: expected ACK, got %q", mnemonic, reply)
		}
		s.logger.Debug("skipping late gauge reply", zap.String("line", reply))
	}

	if _, err := io.WriteString(conn, enq); err != nil {
		return "", fmt.Errorf("send ENQ: %w", err)
	}
	for {
		reply, err := nextLine(ctx, lines)
		if err != nil {
			return "", fmt.Errorf("%s: %w", mnemonic, err)
		}
		// A late ACK of the timed out exchange can trail ours
		if s.resync && (reply == ack || reply == nak) {
			s.logger.Debug("skipping late gauge handshake", zap.String("line", reply))
			continue
		}
		return reply, nil
	}
}

func drain(lines <-chan string) {
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func nextLine(ctx context.Context, lines <-chan string) (string, error) {
	select {
	case line, ok := <-lines:
		if !ok {
			return "", ErrNotConnected
		}
		return line, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", ctx.Err()
	}
}

// Pressure reads the configured channel.
func (s *Serial) Pressure(ctx context.Context) (Reading, error) {
	return s.ChannelPressure(ctx, s.channel)
}

// ChannelPressure reads gauge channel ch (1 or 2).
func (s *Serial) ChannelPressure(ctx context.Context, ch int) (Reading, error) {
	reply, err := s.Command(ctx, fmt.Sprintf("PR%d", ch))
	if err != nil {
		return Reading{}, err
	}
	status, p, err := ParsePressure(reply)
	if err != nil {
		return Reading{}, err
	}

	s.mu.Lock()
	unit := s.unit
	s.mu.Unlock()

	return Reading{
		Timestamp: time.Now(),
		Pressure:  p,
		Unit:      unit,
		Status:    status,
	}, nil
}

// ParsePressure parses a PRx reply such as "0,+1.2300E-09".
func ParsePressure(reply string) (Status, float64, error) {
	parts := strings.Split(reply, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid pressure reply %q", reply)
	}
	code, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || code < 0 || code > int(StatusIdentificationError) {
		return 0, 0, fmt.Errorf("invalid pressure status in %q", reply)
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pressure value in %q: %w", reply, err)
	}
	return Status(code), p, nil
}

// Identify returns the gauge type of both channels (TID), e.g. ["PKR", "noSen"].
func (s *Serial) Identify(ctx context.Context) ([]string, error) {
	reply, err := s.Command(ctx, "TID")
	if err != nil {
		return nil, err
	}
	ids := strings.Split(reply, ",")
	for i := range ids {
		ids[i] = strings.TrimSpace(ids[i])
	}
	return ids, nil
}

// Units returns the pressure unit the controller reports in.
func (s *Serial) Units(ctx context.Context) (Unit, error) {
	reply, err := s.Command(ctx, "UNI")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil || n < int(Mbar) || n > int(Pascal) {
		return 0, fmt.Errorf("invalid unit reply %q", reply)
	}
	return Unit(n), nil
}

// SetUnits switches the controller unit. Subsequent readings are tagged
// with the new unit.
func (s *Serial) SetUnits(ctx context.Context, u Unit) error {
	if u < Mbar || u > Pascal {
		return fmt.Errorf("invalid unit %d", int(u))
	}
	if _, err := s.Command(ctx, fmt.Sprintf("UNI,%d", int(u))); err != nil {
		return err
	}
	s.mu.Lock()
	s.unit = u
	s.mu.Unlock()
	return nil
}

// ErrorStatus returns the controller error word (ERR) decoded to text.
func (s *Serial) ErrorStatus(ctx context.Context) (string, error) {
	reply, err := s.Command(ctx, "ERR")
	if err != nil {
		return "", err
	}
	return DecodeErrorStatus(reply), nil
}

// DecodeErrorStatus describes an ERR reply.
func DecodeErrorStatus(reply string) string {
	reply = strings.TrimSpace(reply)
	if len(reply) != 4 {
		return "unknown error status " + reply
	}
	if reply == "0000" {
		return "no error"
	}
	names := [4]string{"controller error", "no hardware", "inadmissible parameter", "syntax error"}
	var errs []string
	for i, c := range reply {
		if c == '1' {
			errs = append(errs, names[i])
		}
	}
	if len(errs) == 0 {
		return "unknown error status " + reply
	}
	return strings.Join(errs, ", ")
}
