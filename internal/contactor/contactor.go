// Package contactor switches the main contactor and the phase-selection bank
// in a verified order.
//
// The Sequencer never blocks: every call to Apply advances the switching
// sequence by at most one step and returns. The next step is only taken once
// the previous command has been in place for the settle time and the
// AC-presence feedback confirms it. The phase bank is only switched while the
// main contactor is commanded open and confirmed open.
package contactor

import (
	"errors"
	"fmt"
	"time"

	"github.com/phievse/phievse/internal/evse"
	"github.com/phievse/phievse/internal/feedback"
	"github.com/phievse/phievse/internal/hal"
)

// DefaultSettleTime is how long a relay gets to move before its feedback is
// trusted, and how long a mismatch may last before it is a fault.
const DefaultSettleTime = 300 * time.Millisecond

// Consistency is the agreement between commanded and sensed relay states.
type Consistency int

const (
	Consistent Consistency = iota
	Pending
	Inconsistent
)

func (c Consistency) String() string {
	switch c {
	case Consistent:
		return "consistent"
	case Pending:
		return "pending"
	case Inconsistent:
		return "inconsistent"
	default:
		return fmt.Sprintf("consistency(%d)", int(c))
	}
}

// Target is the relay configuration the state machine asks for. A zero
// Phases value releases the phase bank.
type Target struct {
	Phases       evse.Phases
	PowerEnabled bool
}

func (t Target) commands() [hal.NumRelays]hal.RelayCommand {
	var want [hal.NumRelays]hal.RelayCommand
	if !t.Phases.Valid() {
		return want
	}
	want[hal.RelayPhaseL1] = hal.Closed
	if t.Phases == evse.ThreePhase {
		want[hal.RelayPhaseL23] = hal.Closed
	}
	if t.PowerEnabled {
		want[hal.RelayMain] = hal.Closed
	}
	return want
}

// Driver drives relay coils.
type Driver interface {
	SetRelay(r hal.Relay, cmd hal.RelayCommand) error
}

// RelayStatus describes one relay.
type RelayStatus struct {
	Relay       hal.Relay        `json:"relay"`
	Commanded   hal.RelayCommand `json:"commanded"`
	Sensed      bool             `json:"sensed"`
	Observable  bool             `json:"observable"`
	Consistency Consistency      `json:"consistency"`
}

// Fault records why the sequencer gave up.
type Fault struct {
	Relay     hal.Relay
	Commanded hal.RelayCommand
	Sensed    bool
	At        time.Time
	Err       error
}

func (f Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("relay %s: command %s failed: %v", f.Relay, f.Commanded, f.Err)
	}
	state := "no AC"
	if f.Sensed {
		state = "AC present"
	}
	return fmt.Sprintf("relay %s commanded %s but sensed %s", f.Relay, f.Commanded, state)
}

func (f Fault) Unwrap() error { return f.Err }

type relay struct {
	cmd       hal.RelayCommand
	since     time.Time
	confirmed hal.RelayCommand
	status    RelayStatus
}

// Sequencer owns the relay commands.
type Sequencer struct {
	drv    Driver
	settle time.Duration
	relays [hal.NumRelays]relay
	fault  *Fault
}

// New creates a sequencer and commands every relay open.
func New(drv Driver, settle time.Duration) (*Sequencer, error) {
	if settle <= 0 {
		return nil, errors.New("contactor: settle time must be positive")
	}
	s := &Sequencer{drv: drv, settle: settle}
	for i := range s.relays {
		s.relays[i].status = RelayStatus{Relay: hal.Relay(i), Consistency: Pending}
	}
	if err := s.ForceOpen(); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply advances the switching sequence towards t and returns the overall
// consistency of t. It reports Consistent only after every relay has settled.
// Applying a target that is already in place writes nothing.
func (s *Sequencer) Apply(t Target, sensed feedback.Sensed, now time.Time) Consistency {
	if s.Verify(sensed, now) == Inconsistent {
		return Inconsistent
	}
	want := t.commands()
	main, l1, l23 := &s.relays[hal.RelayMain], &s.relays[hal.RelayPhaseL1], &s.relays[hal.RelayPhaseL23]

	if l1.cmd != want[hal.RelayPhaseL1] || l23.cmd != want[hal.RelayPhaseL23] {
		if main.cmd == hal.Closed {
			s.command(hal.RelayMain, hal.Open, now)
			return s.pending()
		}
		if main.confirmed != hal.Open || !s.settled(main, now) {
			return Pending
		}
		for _, r := range []hal.Relay{hal.RelayPhaseL1, hal.RelayPhaseL23} {
			if s.relays[r].cmd != want[r] && !s.command(r, want[r], now) {
				return Inconsistent
			}
		}
		return Pending
	}

	if main.cmd != want[hal.RelayMain] {
		if want[hal.RelayMain] == hal.Closed && (!s.settled(l1, now) || !s.settled(l23, now)) {
			return Pending
		}
		s.command(hal.RelayMain, want[hal.RelayMain], now)
		return s.pending()
	}
	if c := s.overall(); c != Consistent {
		return c
	}
	for i := range s.relays {
		if !s.settled(&s.relays[i], now) {
			return Pending
		}
	}
	return Consistent
}

// settled reports whether st has held its command for the settle time and
// the feedback agrees with it.
func (s *Sequencer) settled(st *relay, now time.Time) bool {
	return st.status.Consistency == Consistent && !st.since.IsZero() && now.Sub(st.since) >= s.settle
}

// Verify compares the sensed states against the commands. A mismatch that
// outlasts the settle window latches a fault and opens every relay.
func (s *Sequencer) Verify(sensed feedback.Sensed, now time.Time) Consistency {
	if s.fault != nil {
		s.observe(sensed, now)
		return Inconsistent
	}
	if bad, ok := s.observe(sensed, now); ok {
		rs := s.relays[bad].status
		s.latch(Fault{Relay: bad, Commanded: rs.Commanded, Sensed: rs.Sensed, At: now})
		return Inconsistent
	}
	return s.overall()
}

// observe refreshes every relay status and returns the first relay that
// became inconsistent.
func (s *Sequencer) observe(sensed feedback.Sensed, now time.Time) (hal.Relay, bool) {
	var (
		bad   hal.Relay
		found bool
	)
	for i := range s.relays {
		r := hal.Relay(i)
		st := &s.relays[i]
		if st.since.IsZero() {
			st.since = now
		}
		observable := s.observable(r, sensed)
		got := sensed.Relay(r)
		st.status.Commanded = st.cmd
		st.status.Sensed = got
		st.status.Observable = observable

		switch {
		case !observable || got == (st.cmd == hal.Closed):
			st.status.Consistency = Consistent
			st.confirmed = st.cmd
		case now.Sub(st.since) < s.settle:
			st.status.Consistency = Pending
		default:
			st.status.Consistency = Inconsistent
			if !found {
				bad, found = r, true
			}
		}
	}
	return bad, found
}

// observable reports whether the sensor behind r can tell its state. The
// outlet side has no AC while the L1 path is open, and L2/L3 carry nothing
// without a three-phase supply.
func (s *Sequencer) observable(r hal.Relay, sensed feedback.Sensed) bool {
	switch r {
	case hal.RelayMain:
		return sensed.Relay(hal.RelayPhaseL1)
	case hal.RelayPhaseL23:
		return sensed.ThreePhaseInput()
	default:
		return true
	}
}

func (s *Sequencer) command(r hal.Relay, cmd hal.RelayCommand, now time.Time) bool {
	st := &s.relays[r]
	if err := s.drv.SetRelay(r, cmd); err != nil {
		s.latch(Fault{Relay: r, Commanded: cmd, At: now, Err: err})
		return false
	}
	st.cmd = cmd
	st.since = now
	st.status.Commanded = cmd
	st.status.Consistency = Pending
	return true
}

func (s *Sequencer) latch(f Fault) {
	if s.fault == nil {
		s.fault = &f
	}
	_ = s.ForceOpen()
}

func (s *Sequencer) pending() Consistency {
	if s.fault != nil {
		return Inconsistent
	}
	return Pending
}

func (s *Sequencer) overall() Consistency {
	out := Consistent
	for _, st := range s.relays {
		switch st.status.Consistency {
		case Inconsistent:
			return Inconsistent
		case Pending:
			out = Pending
		}
	}
	return out
}

// ForceOpen commands every relay open at once, main first. It attempts all
// relays even if one write fails.
func (s *Sequencer) ForceOpen() error {
	var errs []error
	for _, r := range hal.Relays {
		st := &s.relays[r]
		if err := s.drv.SetRelay(r, hal.Open); err != nil {
			errs = append(errs, fmt.Errorf("open %s: %w", r, err))
			continue
		}
		if st.cmd != hal.Open {
			st.since = time.Time{}
		}
		st.cmd = hal.Open
		st.status.Commanded = hal.Open
	}
	return errors.Join(errs...)
}

// Fault returns the latched fault, if any.
func (s *Sequencer) Fault() (Fault, bool) {
	if s.fault == nil {
		return Fault{}, false
	}
	return *s.fault, true
}

// Reset clears a latched fault. Relays stay open.
func (s *Sequencer) Reset() {
	s.fault = nil
	for i := range s.relays {
		s.relays[i].since = time.Time{}
		s.relays[i].status.Consistency = Pending
	}
}

// Status returns the last observed status of every relay.
func (s *Sequencer) Status() [hal.NumRelays]RelayStatus {
	var out [hal.NumRelays]RelayStatus
	for i, st := range s.relays {
		out[i] = st.status
	}
	return out
}

// Commanded returns the current command of r.
func (s *Sequencer) Commanded(r hal.Relay) hal.RelayCommand { return s.relays[r].cmd }

// PowerOff reports whether the main contactor is commanded open and
// confirmed open.
func (s *Sequencer) PowerOff() bool {
	main := s.relays[hal.RelayMain]
	return main.cmd == hal.Open && main.confirmed == hal.Open
}
