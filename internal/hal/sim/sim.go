// Package sim is a physical model of the charging station hardware.
//
// It drives the control core in tests and in -simulate mode: a vehicle that
// answers the pilot, relays that can stick, a supply that may lose L2/L3 and
// a current draw that follows the advertised limit unless told otherwise.
package sim

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/phievse/phievse/internal/evse"
	"github.com/phievse/phievse/internal/hal"
)

// Vehicle is the state the simulated vehicle presents on the pilot.
type Vehicle int

const (
	VehicleAbsent Vehicle = iota
	VehicleConnected
	VehicleReady
	VehicleVentilation
	// VehicleShorted pulls the pilot to 0 V.
	VehicleShorted
)

// Millivolts returns the high plateau the vehicle produces.
func (v Vehicle) Millivolts() int {
	switch v {
	case VehicleConnected:
		return 9000
	case VehicleReady:
		return 6000
	case VehicleVentilation:
		return 3000
	case VehicleShorted:
		return 0
	default:
		return 12000
	}
}

func (v Vehicle) drawing() bool { return v == VehicleReady || v == VehicleVentilation }

// RelayEvent records one relay write.
type RelayEvent struct {
	Relay hal.Relay
	Cmd   hal.RelayCommand
	// MainClosed is the physical main contactor state before the write.
	MainClosed bool
}

// samplesPerRead is the length of each current sample burst.
const samplesPerRead = 8

// Hardware implements hal.Hardware. It is safe for concurrent use so tests
// can change the environment while a controller runs.
type Hardware struct {
	mu sync.Mutex

	vehicle      Vehicle
	diodeMissing bool
	demand       float64
	threePhaseEV bool
	ignoreLimit  bool
	override     [evse.NumLines]*float64
	threePhase   bool

	duty        int
	pendingDuty int
	dutyWrites  []int

	closed [hal.NumRelays]bool
	stuck  [hal.NumRelays]*bool
	events []RelayEvent

	pilotErr error
	currErr  [evse.NumLines]error
	senseErr [hal.NumSensors]error
	relayErr error
	watchdog time.Duration
	kicks    int
	disarmed bool
}

// New returns hardware with no vehicle, a three-phase supply and the pilot
// at steady +12 V.
func New() *Hardware {
	return &Hardware{
		threePhase:   true,
		threePhaseEV: true,
		duty:         hal.MaxDuty,
		pendingDuty:  hal.MaxDuty,
		demand:       32,
	}
}

var _ hal.Hardware = (*Hardware)(nil)

// SetPilotDuty latches a duty; it becomes active at the next pilot read,
// which stands in for the PWM period boundary.
func (h *Hardware) SetPilotDuty(permille int) error {
	if permille < 0 || permille > hal.MaxDuty {
		return errors.New("sim: duty out of range")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pendingDuty = permille
	h.dutyWrites = append(h.dutyWrites, permille)
	return nil
}

func (h *Hardware) ReadPilot() (hal.PilotSample, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.duty = h.pendingDuty
	if h.pilotErr != nil {
		return hal.PilotSample{}, h.pilotErr
	}
	if h.duty == 0 {
		return hal.PilotSample{HighMillivolts: -12000, LowMillivolts: -12000}, nil
	}
	high := h.vehicle.Millivolts()
	if h.duty == hal.MaxDuty {
		return hal.PilotSample{HighMillivolts: high, LowMillivolts: high}, nil
	}
	low := -12000
	if h.diodeMissing {
		low = -high
	}
	return hal.PilotSample{HighMillivolts: high, LowMillivolts: low}, nil
}

// ReadCurrent returns a square wave whose RMS is the line's draw.
func (h *Hardware) ReadCurrent(line evse.Line) ([]float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.currErr[line] != nil {
		return nil, h.currErr[line]
	}
	a := h.drawLocked(line)
	out := make([]float64, samplesPerRead)
	for i := range out {
		if i%2 == 0 {
			out[i] = a
		} else {
			out[i] = -a
		}
	}
	return out, nil
}

func (h *Hardware) drawLocked(line evse.Line) float64 {
	if o := h.override[line]; o != nil {
		return *o
	}
	if !h.energizedLocked(line) || !h.vehicle.drawing() {
		return 0
	}
	if line != evse.L1 && !h.threePhaseEV {
		return 0
	}
	if h.ignoreLimit {
		return h.demand
	}
	return math.Min(h.demand, AmpsForDuty(h.duty))
}

func (h *Hardware) energizedLocked(line evse.Line) bool {
	if !h.closed[hal.RelayMain] {
		return false
	}
	if line == evse.L1 {
		return h.closed[hal.RelayPhaseL1]
	}
	return h.closed[hal.RelayPhaseL23] && h.threePhase
}

// AmpsForDuty is the current a compliant vehicle takes from a pilot duty.
func AmpsForDuty(permille int) float64 {
	switch {
	case permille < 80 || permille >= hal.MaxDuty:
		return 0
	case permille <= 850:
		return float64(permille) * 0.06
	default:
		return (float64(permille)/10 - 64) * 2.5
	}
}

func (h *Hardware) SetRelay(r hal.Relay, cmd hal.RelayCommand) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.relayErr != nil {
		return h.relayErr
	}
	h.events = append(h.events, RelayEvent{Relay: r, Cmd: cmd, MainClosed: h.closed[hal.RelayMain]})
	if s := h.stuck[r]; s != nil {
		h.closed[r] = *s
		return nil
	}
	h.closed[r] = cmd == hal.Closed
	return nil
}

func (h *Hardware) SenseAC(s hal.Sensor) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.senseErr[s] != nil {
		return false, h.senseErr[s]
	}
	switch s {
	case hal.SenseMain:
		return h.closed[hal.RelayMain] && h.closed[hal.RelayPhaseL1], nil
	case hal.SensePhaseL1:
		return h.closed[hal.RelayPhaseL1], nil
	case hal.SensePhaseL23:
		return h.closed[hal.RelayPhaseL23] && h.threePhase, nil
	case hal.SenseThreePhaseInput:
		return h.threePhase, nil
	default:
		return false, errors.New("sim: unknown sensor")
	}
}

func (h *Hardware) ArmWatchdog(timeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchdog = timeout
	h.disarmed = false
	return nil
}

func (h *Hardware) KickWatchdog() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchdog == 0 || h.disarmed {
		return errors.New("sim: watchdog not armed")
	}
	h.kicks++
	return nil
}

func (h *Hardware) DisarmWatchdog() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disarmed = true
	return nil
}

// Environment controls.

func (h *Hardware) SetVehicle(v Vehicle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vehicle = v
}

// SetDiodeMissing removes the vehicle's pilot diode.
func (h *Hardware) SetDiodeMissing(missing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.diodeMissing = missing
}

// SetDemand sets how much current per line the vehicle wants.
func (h *Hardware) SetDemand(amps float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.demand = amps
}

// SetVehicleThreePhase sets whether the vehicle charger uses L2/L3.
func (h *Hardware) SetVehicleThreePhase(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.threePhaseEV = ok
}

// SetIgnoreLimit makes the vehicle draw its demand regardless of the pilot.
func (h *Hardware) SetIgnoreLimit(ignore bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ignoreLimit = ignore
}

// OverrideCurrent forces a line reading. A negative value removes the override.
func (h *Hardware) OverrideCurrent(line evse.Line, amps float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if amps < 0 {
		h.override[line] = nil
		return
	}
	h.override[line] = &amps
}

// SetThreePhaseSupply connects or removes L2/L3 on the supply side.
func (h *Hardware) SetThreePhaseSupply(present bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.threePhase = present
}

// StickRelay welds r in the given position.
func (h *Hardware) StickRelay(r hal.Relay, closed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stuck[r] = &closed
	h.closed[r] = closed
}

// FreeRelay releases a stuck relay.
func (h *Hardware) FreeRelay(r hal.Relay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stuck[r] = nil
}

func (h *Hardware) FailPilot(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pilotErr = err
}

func (h *Hardware) FailCurrent(line evse.Line, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currErr[line] = err
}

func (h *Hardware) FailSensor(s hal.Sensor, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.senseErr[s] = err
}

func (h *Hardware) FailRelays(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relayErr = err
}

// Observations.

// Duty returns the active pilot duty.
func (h *Hardware) Duty() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.duty
}

// DutyWrites returns every duty written, in order.
func (h *Hardware) DutyWrites() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.dutyWrites...)
}

// RelayEvents returns every relay write, in order.
func (h *Hardware) RelayEvents() []RelayEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]RelayEvent(nil), h.events...)
}

// RelayClosed returns the physical state of r.
func (h *Hardware) RelayClosed(r hal.Relay) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed[r]
}

// Energized reports whether any line delivers power to the outlet.
func (h *Hardware) Energized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.energizedLocked(evse.L1) || h.energizedLocked(evse.L2)
}

// Watchdog returns the armed timeout, the kick count and whether it was disarmed.
func (h *Hardware) Watchdog() (time.Duration, int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.watchdog, h.kicks, h.disarmed
}
