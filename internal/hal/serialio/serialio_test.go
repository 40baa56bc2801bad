package serialio

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phievse/phievse/internal/evse"
	"github.com/phievse/phievse/internal/hal"
)

// fakePort answers each request line with reply(body), echoing the request's
// sequence number. An empty reply sends nothing.
type fakePort struct {
	reply    func(body string) string
	requests []string
	pending  bytes.Buffer
	out      bytes.Buffer
	closed   bool
	// corrupt sends replies with a wrong checksum.
	corrupt bool
	// late holds back the reply to the request with this index until the
	// next request arrives.
	late int
	held string
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.pending.Write(b)
	for {
		line, err := p.pending.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			p.pending.WriteString(line)
			return len(b), nil
		}
		framed, err := Unframe(line)
		if err != nil {
			return 0, err
		}
		seq, body, _ := strings.Cut(framed, " ")
		p.out.WriteString(p.held)
		p.held = ""
		p.requests = append(p.requests, body)
		r := p.reply(body)
		if r == "" {
			continue
		}
		reply := Frame(seq + " " + r)
		if p.corrupt {
			reply = seq + " " + r + "*00\n"
		}
		if len(p.requests) == p.late {
			p.held = reply
			continue
		}
		p.out.WriteString(reply)
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.out.Len() == 0 {
		return 0, io.EOF
	}
	return p.out.Read(b)
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func okPort() *fakePort {
	return &fakePort{reply: func(string) string { return "OK" }}
}

func TestFrameRoundTrip(t *testing.T) {
	assert.Equal(t, "PWM 267*59\n", Frame("PWM 267"))
	assert.Equal(t, "CP*13\n", Frame("CP"))

	body, err := Unframe("CP 6000 -12000*0B\r\n")
	require.NoError(t, err)
	assert.Equal(t, "CP 6000 -12000", body)

	_, err = Unframe("CP 6000 -12000*0C\n")
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = Unframe("OK\n")
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = Unframe("OK*ZZ\n")
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestCommands(t *testing.T) {
	p := okPort()
	b := NewBoard(p)

	require.NoError(t, b.SetPilotDuty(267))
	require.NoError(t, b.SetRelay(hal.RelayPhaseL23, hal.Closed))
	require.NoError(t, b.SetRelay(hal.RelayMain, hal.Open))
	require.NoError(t, b.ArmWatchdog(2*time.Second))
	require.NoError(t, b.KickWatchdog())
	require.NoError(t, b.DisarmWatchdog())

	assert.Equal(t, []string{
		"PWM 267",
		"RLY phase_l23 1",
		"RLY main 0",
		"WDT 2000",
		"WDT KICK",
		"WDT OFF",
	}, p.requests)

	assert.Error(t, b.SetPilotDuty(1001))
	require.NoError(t, b.Close())
	assert.True(t, p.closed)
}

func TestReadPilot(t *testing.T) {
	b := NewBoard(&fakePort{reply: func(string) string { return "CP 6000 -12000" }})
	s, err := b.ReadPilot()
	require.NoError(t, err)
	assert.Equal(t, hal.PilotSample{HighMillivolts: 6000, LowMillivolts: -12000}, s)
}

func TestReadCurrent(t *testing.T) {
	p := &fakePort{reply: func(body string) string {
		return strings.Replace(body, "CUR 2", "CUR 2 16020,-16020,500", 1)
	}}
	b := NewBoard(p)
	samples, err := b.ReadCurrent(evse.L2)
	require.NoError(t, err)
	assert.Equal(t, []float64{16.02, -16.02, 0.5}, samples)
	assert.Equal(t, []string{"CUR 2"}, p.requests)
}

func TestSenseAC(t *testing.T) {
	b := NewBoard(&fakePort{reply: func(body string) string { return body + " 1" }})
	on, err := b.SenseAC(hal.SenseThreePhaseInput)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestErrorReplies(t *testing.T) {
	b := NewBoard(&fakePort{reply: func(string) string { return "ERR relay driver fault" }})
	err := b.SetRelay(hal.RelayMain, hal.Closed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay driver fault")

	b = NewBoard(&fakePort{reply: func(string) string { return "SNS main 1" }})
	_, err = b.SenseAC(hal.SensePhaseL1)
	assert.ErrorIs(t, err, ErrProtocol)

	b = NewBoard(&fakePort{reply: func(string) string { return "CP 6000" }})
	_, err = b.ReadPilot()
	assert.ErrorIs(t, err, ErrProtocol)

	b = NewBoard(&fakePort{reply: func(string) string { return "OK" }, corrupt: true})
	assert.ErrorIs(t, b.KickWatchdog(), ErrProtocol)

	b = NewBoard(&fakePort{reply: func(string) string { return "CP 1 2" }})
	assert.ErrorIs(t, b.KickWatchdog(), ErrProtocol)
}

func TestReadTimeout(t *testing.T) {
	b := NewBoard(&fakePort{reply: func(string) string { return "" }})
	_, err := b.ReadPilot()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestLateReplyIsSkipped(t *testing.T) {
	p := &fakePort{late: 1, reply: func(body string) string {
		switch body {
		case "WDT KICK":
			return "ERR watchdog not armed"
		case "SNS main":
			return "SNS main 1"
		default:
			return "OK"
		}
	}}
	b := NewBoard(p)

	_, err := b.SenseAC(hal.SenseMain)
	require.ErrorIs(t, err, io.EOF)

	err = b.KickWatchdog()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watchdog not armed")
	require.NoError(t, b.SetRelay(hal.RelayMain, hal.Open))

	on, err := b.SenseAC(hal.SenseMain)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, []string{"SNS main", "WDT KICK", "RLY main 0", "SNS main"}, p.requests)
}

func TestRequestsAreSequenced(t *testing.T) {
	var raw bytes.Buffer
	p := okPort()
	b := NewBoard(struct {
		io.Reader
		io.Writer
		io.Closer
	}{p, io.MultiWriter(&raw, p), p})

	require.NoError(t, b.SetPilotDuty(267))
	require.NoError(t, b.KickWatchdog())
	assert.Equal(t, Frame("1 PWM 267")+Frame("2 WDT KICK"), raw.String())
}
