// Package serialio drives an IO coprocessor board over a serial link.
//
// The board owns the pilot PWM generator, the ADCs, the relay drivers, the
// AC-presence opto inputs and the hardware watchdog. Every operation is one
// request line and one reply line, each terminated by an NMEA-style "*XX"
// XOR checksum. Requests carry a sequence number that the board echoes, so a
// reply that arrives after its request timed out is recognised and skipped:
//
//	1 PWM 267          -> 1 OK
//	2 CP               -> 2 CP 6000 -12000
//	3 CUR 2            -> 3 CUR 2 16020,-16020,...   (milliamps)
//	4 RLY phase_l1 1   -> 4 OK
//	5 SNS main         -> 5 SNS main 1
//	6 WDT 2000|KICK|OFF -> 6 OK
//
// Errors are reported as "<seq> ERR <message>".
package serialio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/phievse/phievse/internal/evse"
	"github.com/phievse/phievse/internal/hal"
)

// ErrProtocol is returned for malformed or unexpected replies.
var ErrProtocol = errors.New("serialio: protocol error")

// Config holds serial port configuration.
type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

// DefaultConfig returns the board's default link settings.
func DefaultConfig(device string) Config {
	return Config{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 20 * time.Millisecond,
	}
}

// Board implements hal.Hardware over a serial link.
type Board struct {
	mu   sync.Mutex
	port io.ReadWriteCloser
	r    *bufio.Reader
	seq  uint16
}

var _ hal.Hardware = (*Board)(nil)

// Open opens the serial device and returns a board speaking on it.
func Open(cfg Config) (*Board, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	return NewBoard(port), nil
}

// NewBoard wraps an already open link.
func NewBoard(port io.ReadWriteCloser) *Board {
	return &Board{port: port, r: bufio.NewReader(port)}
}

// Close closes the link.
func (b *Board) Close() error {
	return b.port.Close()
}

// Checksum returns the XOR of all bytes of body.
func Checksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}

// Frame appends the checksum and line terminator to body.
func Frame(body string) string {
	return fmt.Sprintf("%s*%02X\n", body, Checksum(body))
}

// Unframe verifies and strips the checksum of one received line.
func Unframe(line string) (string, error) {
	line = strings.TrimRight(line, "\r\n")
	i := strings.LastIndexByte(line, '*')
	if i < 0 || len(line)-i != 3 {
		return "", fmt.Errorf("%w: missing checksum in %q", ErrProtocol, line)
	}
	body := line[:i]
	want, err := strconv.ParseUint(line[i+1:], 16, 8)
	if err != nil {
		return "", fmt.Errorf("%w: bad checksum in %q", ErrProtocol, line)
	}
	if got := Checksum(body); got != byte(want) {
		return "", fmt.Errorf("%w: checksum %02X, want %02X", ErrProtocol, got, want)
	}
	return body, nil
}

// maxStale bounds how many out-of-sequence replies one call skips.
const maxStale = 8

func (b *Board) call(body string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	tag := strconv.FormatUint(uint64(b.seq), 10)
	if _, err := io.WriteString(b.port, Frame(tag+" "+body)); err != nil {
		return "", fmt.Errorf("write %q: %w", body, err)
	}
	for stale := 0; ; stale++ {
		line, err := b.r.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read reply to %q: %w", body, err)
		}
		framed, err := Unframe(line)
		if err != nil {
			return "", err
		}
		got, reply, _ := strings.Cut(framed, " ")
		if got != tag {
			if stale >= maxStale {
				return "", fmt.Errorf("%w: no reply to %q", ErrProtocol, body)
			}
			continue
		}
		if msg, ok := strings.CutPrefix(reply, "ERR"); ok {
			return "", fmt.Errorf("board rejected %q: %s", body, strings.TrimSpace(msg))
		}
		return reply, nil
	}
}

func (b *Board) expectOK(body string) error {
	reply, err := b.call(body)
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("%w: %q to %q", ErrProtocol, reply, body)
	}
	return nil
}

// fields calls body and checks that the reply starts with the given words.
func (b *Board) fields(body string, prefix ...string) ([]string, error) {
	reply, err := b.call(body)
	if err != nil {
		return nil, err
	}
	f := strings.Fields(reply)
	if len(f) < len(prefix) {
		return nil, fmt.Errorf("%w: short reply %q", ErrProtocol, reply)
	}
	for i, p := range prefix {
		if f[i] != p {
			return nil, fmt.Errorf("%w: reply %q to %q", ErrProtocol, reply, body)
		}
	}
	return f[len(prefix):], nil
}

func (b *Board) SetPilotDuty(permille int) error {
	if permille < 0 || permille > hal.MaxDuty {
		return fmt.Errorf("serialio: duty %d out of range", permille)
	}
	return b.expectOK("PWM " + strconv.Itoa(permille))
}

func (b *Board) ReadPilot() (hal.PilotSample, error) {
	f, err := b.fields("CP", "CP")
	if err != nil {
		return hal.PilotSample{}, err
	}
	if len(f) != 2 {
		return hal.PilotSample{}, fmt.Errorf("%w: CP reply has %d values", ErrProtocol, len(f))
	}
	high, err1 := strconv.Atoi(f[0])
	low, err2 := strconv.Atoi(f[1])
	if err1 != nil || err2 != nil {
		return hal.PilotSample{}, fmt.Errorf("%w: CP values %v", ErrProtocol, f)
	}
	return hal.PilotSample{HighMillivolts: high, LowMillivolts: low}, nil
}

func (b *Board) ReadCurrent(line evse.Line) ([]float64, error) {
	n := strconv.Itoa(int(line) + 1)
	f, err := b.fields("CUR "+n, "CUR", n)
	if err != nil {
		return nil, err
	}
	if len(f) != 1 {
		return nil, fmt.Errorf("%w: CUR reply has %d fields", ErrProtocol, len(f))
	}
	parts := strings.Split(f[0], ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		ma, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: CUR sample %q", ErrProtocol, p)
		}
		out = append(out, float64(ma)/1000)
	}
	return out, nil
}

func (b *Board) SetRelay(r hal.Relay, cmd hal.RelayCommand) error {
	v := "0"
	if cmd == hal.Closed {
		v = "1"
	}
	return b.expectOK("RLY " + r.String() + " " + v)
}

func (b *Board) SenseAC(s hal.Sensor) (bool, error) {
	f, err := b.fields("SNS "+s.String(), "SNS", s.String())
	if err != nil {
		return false, err
	}
	if len(f) != 1 || (f[0] != "0" && f[0] != "1") {
		return false, fmt.Errorf("%w: SNS value %v", ErrProtocol, f)
	}
	return f[0] == "1", nil
}

func (b *Board) ArmWatchdog(timeout time.Duration) error {
	return b.expectOK("WDT " + strconv.FormatInt(timeout.Milliseconds(), 10))
}

func (b *Board) KickWatchdog() error { return b.expectOK("WDT KICK") }

func (b *Board) DisarmWatchdog() error { return b.expectOK("WDT OFF") }
