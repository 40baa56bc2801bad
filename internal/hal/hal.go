// Package hal defines the hardware boundary of the charging controller.
//
// All register-level access (pilot PWM, ADC sampling, relay outputs, AC
// presence inputs and the watchdog) goes through a single Hardware value.
// A Handle wraps that value so it can be claimed exactly once: whoever
// claims it owns the hardware for the lifetime of the process.
package hal

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/phievse/phievse/internal/evse"
)

// ErrAlreadyClaimed is returned when a second owner tries to claim a Handle.
var ErrAlreadyClaimed = errors.New("hal: hardware handle already claimed")

// MaxDuty is the pilot duty value for a steady +12 V output (100 %).
const MaxDuty = 1000

// Relay identifies a switching element.
type Relay int

const (
	// RelayMain gates mains power to the outlet.
	RelayMain Relay = iota
	// RelayPhaseL1 selects the single-phase path.
	RelayPhaseL1
	// RelayPhaseL23 adds L2 and L3 for three-phase delivery.
	RelayPhaseL23
)

// NumRelays is the number of relays driven by the controller.
const NumRelays = 3

// Relays lists every relay in switching-bank order.
var Relays = [NumRelays]Relay{RelayMain, RelayPhaseL1, RelayPhaseL23}

func (r Relay) String() string {
	switch r {
	case RelayMain:
		return "main"
	case RelayPhaseL1:
		return "phase_l1"
	case RelayPhaseL23:
		return "phase_l23"
	default:
		return fmt.Sprintf("relay(%d)", int(r))
	}
}

// RelayCommand is the intended state of a relay.
type RelayCommand int

const (
	Open RelayCommand = iota
	Closed
)

func (c RelayCommand) String() string {
	if c == Closed {
		return "closed"
	}
	return "open"
}

// Sensor identifies an AC-presence input.
type Sensor int

const (
	// SenseMain observes the outlet side of the main contactor.
	SenseMain Sensor = iota
	// SensePhaseL1 observes L1 between the phase bank and the main contactor.
	SensePhaseL1
	// SensePhaseL23 observes L2/L3 between the phase bank and the main contactor.
	SensePhaseL23
	// SenseThreePhaseInput observes L2/L3 on the supply side.
	SenseThreePhaseInput
)

// NumSensors is the number of AC-presence inputs.
const NumSensors = 4

// SensorFor returns the sensor observing r.
func SensorFor(r Relay) Sensor {
	switch r {
	case RelayPhaseL1:
		return SensePhaseL1
	case RelayPhaseL23:
		return SensePhaseL23
	default:
		return SenseMain
	}
}

func (s Sensor) String() string {
	switch s {
	case SenseMain:
		return "main"
	case SensePhaseL1:
		return "phase_l1"
	case SensePhaseL23:
		return "phase_l23"
	case SenseThreePhaseInput:
		return "three_phase_input"
	default:
		return fmt.Sprintf("sensor(%d)", int(s))
	}
}

// PilotSample is one reading of the control pilot, in millivolts at the
// pilot line (after divider compensation).
type PilotSample struct {
	HighMillivolts int
	LowMillivolts  int
}

// Hardware is the abstract interface the control core drives.
//
// Implementations are not required to be safe for concurrent use: only the
// owner of the claimed Handle may call them.
type Hardware interface {
	// SetPilotDuty latches a new pilot duty in permille (0..MaxDuty). The
	// new duty takes effect at the next PWM period boundary.
	SetPilotDuty(permille int) error

	// ReadPilot returns the plateau voltages measured since the last call.
	ReadPilot() (PilotSample, error)

	// ReadCurrent returns the instantaneous current samples (amps) taken on
	// a line since the last call.
	ReadCurrent(line evse.Line) ([]float64, error)

	// SetRelay drives a relay coil.
	SetRelay(r Relay, cmd RelayCommand) error

	// SenseAC reports whether AC is present at a sensing point.
	SenseAC(s Sensor) (bool, error)

	ArmWatchdog(timeout time.Duration) error
	KickWatchdog() error
	DisarmWatchdog() error
}

// Handle transfers ownership of a Hardware value to a single owner.
type Handle struct {
	hw      Hardware
	claimed atomic.Bool
}

// NewHandle wraps hw. The caller must not use hw directly afterwards.
func NewHandle(hw Hardware) *Handle {
	return &Handle{hw: hw}
}

// Claim hands out the hardware. It succeeds once.
func (h *Handle) Claim() (Hardware, error) {
	if h == nil || h.hw == nil {
		return nil, errors.New("hal: nil hardware handle")
	}
	if !h.claimed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyClaimed
	}
	return h.hw, nil
}
