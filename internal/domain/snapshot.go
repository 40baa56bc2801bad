package domain

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/phievse/phievse/internal/contactor"
	"github.com/phievse/phievse/internal/current"
	"github.com/phievse/phievse/internal/evse"
	"github.com/phievse/phievse/internal/hal"
	"github.com/phievse/phievse/internal/pilot"
)

// State is the charging session state.
type State int

const (
	Idle State = iota
	VehicleConnected
	NegotiatingPower
	Charging1Phase
	Charging3Phase
	Suspended
	Fault
)

// States lists every state in order.
var States = []State{Idle, VehicleConnected, NegotiatingPower, Charging1Phase, Charging3Phase, Suspended, Fault}

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case VehicleConnected:
		return "vehicle_connected"
	case NegotiatingPower:
		return "negotiating_power"
	case Charging1Phase:
		return "charging_1p"
	case Charging3Phase:
		return "charging_3p"
	case Suspended:
		return "suspended"
	case Fault:
		return "fault"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Charging reports whether s delivers power.
func (s State) Charging() bool { return s == Charging1Phase || s == Charging3Phase }

// ChargingState returns the charging state for p.
func ChargingState(p evse.Phases) State {
	if p == evse.ThreePhase {
		return Charging3Phase
	}
	return Charging1Phase
}

// Decision is what the control loop drives the pilot and relays with.
type Decision struct {
	Phases         evse.Phases
	MaxCurrentAmps float64
	PowerEnabled   bool
}

// Request is an external charge request.
type Request struct {
	MaxCurrentAmps float64
	Phases         evse.Phases
}

// FaultRecord describes why the session entered Fault.
type FaultRecord struct {
	Kind      evse.FaultKind
	Timestamp time.Time
	Detail    string
}

// Rejection describes a request the control loop refused.
type Rejection struct {
	Request Request
	Reason  string
	At      time.Time
}

// Snapshot is an immutable view of the controller after one cycle.
type Snapshot struct {
	State          State
	Decision       Decision
	Currents       [evse.NumLines]current.Reading
	Fault          *FaultRecord
	Pilot          pilot.Level
	PilotDuty      int
	PhaseAvailable evse.Phases
	Relays         [hal.NumRelays]contactor.RelayStatus
	Request        *Request
	Rejection      *Rejection
	Overruns       uint64
	Cycle          uint64
	Time           time.Time
}

// PowerWatts estimates the delivered power at the given line voltage.
func (s *Snapshot) PowerWatts(volts float64) float64 {
	var amps float64
	for _, r := range s.Currents {
		amps += r.Amps
	}
	return amps * volts
}

// currentJitter is the per-line change below which readings count as equal.
const currentJitter = 0.2

// Changed returns true if cur differs from prev beyond tolerated jitter.
// Cycle counters, timestamps and small current changes are ignored so that a
// steady charging session doesn't trigger a transmit every cycle.
func Changed(prev, cur *Snapshot) bool {
	if prev == nil && cur == nil {
		return false
	}
	if prev == nil || cur == nil {
		return true
	}

	p, c := *prev, *cur // copy
	p.Cycle, c.Cycle = 0, 0
	p.Time, c.Time = time.Time{}, time.Time{}
	p.Overruns, c.Overruns = 0, 0

	for i := range p.Currents {
		if math.Abs(p.Currents[i].Amps-c.Currents[i].Amps) >= currentJitter {
			return true
		}
		p.Currents[i], c.Currents[i] = current.Reading{}, current.Reading{}
	}

	return !reflect.DeepEqual(p, c)
}
