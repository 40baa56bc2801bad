// Package evse holds the vocabulary shared by the charging core packages.
package evse

import "fmt"

// Phases is the number of AC phases delivered to the vehicle.
type Phases int

const (
	OnePhase   Phases = 1
	ThreePhase Phases = 3
)

// Valid reports whether p is a supported phase count.
func (p Phases) Valid() bool { return p == OnePhase || p == ThreePhase }

// Count returns how many lines carry current for p.
func (p Phases) Count() int {
	if p == ThreePhase {
		return 3
	}
	return 1
}

func (p Phases) String() string {
	switch p {
	case OnePhase:
		return "1p"
	case ThreePhase:
		return "3p"
	default:
		return fmt.Sprintf("phases(%d)", int(p))
	}
}

// Line identifies a supply conductor.
type Line int

const (
	L1 Line = iota
	L2
	L3
)

// NumLines is the number of supply conductors monitored.
const NumLines = 3

// Lines lists all supply conductors in order.
var Lines = [NumLines]Line{L1, L2, L3}

// Active reports whether the line carries current when delivering p.
func (l Line) Active(p Phases) bool {
	return l == L1 || p == ThreePhase
}

func (l Line) String() string {
	switch l {
	case L1:
		return "L1"
	case L2:
		return "L2"
	case L3:
		return "L3"
	default:
		return fmt.Sprintf("L?(%d)", int(l))
	}
}

// FaultKind classifies why the station refused to deliver power.
type FaultKind int

const (
	NoFault FaultKind = iota
	// SensorFault: a pilot, current or relay-feedback reading stayed unclassifiable.
	SensorFault
	// ActuatorFault: a relay did not reach its commanded state within the settle window.
	ActuatorFault
	// OverCurrentFault: hard ceiling exceeded, or the vehicle ignored the advertised limit.
	OverCurrentFault
	// ProtocolFault: the pilot signal contradicts what the vehicle should be doing.
	ProtocolFault
	// EmergencyStop: an external stop request.
	EmergencyStop
)

func (k FaultKind) String() string {
	switch k {
	case NoFault:
		return "none"
	case SensorFault:
		return "sensor"
	case ActuatorFault:
		return "actuator"
	case OverCurrentFault:
		return "over_current"
	case ProtocolFault:
		return "protocol"
	case EmergencyStop:
		return "emergency_stop"
	default:
		return fmt.Sprintf("fault(%d)", int(k))
	}
}

// FaultKinds lists every real fault kind, for metric pre-registration.
var FaultKinds = []FaultKind{SensorFault, ActuatorFault, OverCurrentFault, ProtocolFault, EmergencyStop}
