// Package charger runs the charging session: it samples the sensors, decides
// what the station may deliver and drives the pilot and the contactors.
//
// All hardware access happens on the control loop (Run, or Step in tests).
// Other goroutines talk to the controller through single-slot mailboxes and
// read its state from immutable snapshots.
package charger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/phievse/phievse/internal/bus"
	"github.com/phievse/phievse/internal/contactor"
	"github.com/phievse/phievse/internal/current"
	"github.com/phievse/phievse/internal/domain"
	"github.com/phievse/phievse/internal/evse"
	"github.com/phievse/phievse/internal/feedback"
	"github.com/phievse/phievse/internal/hal"
	"github.com/phievse/phievse/internal/pilot"
)

var (
	ErrInvalidCurrent        = errors.New("charger: invalid current")
	ErrInvalidPhases         = errors.New("charger: invalid phase count")
	ErrInvalidPower          = errors.New("charger: invalid power")
	ErrThreePhaseUnavailable = errors.New("charger: three-phase supply unavailable")
	ErrAlreadyRunning        = errors.New("charger: control loop already running")
)

// Controller is the charging state machine.
type Controller struct {
	log *logrus.Logger
	cfg Config
	hw  hal.Hardware

	pilot    *pilot.Pilot
	current  *current.Monitor
	feedback *feedback.Reader
	seq      *contactor.Sequencer

	// Mailboxes. The loop takes whatever is there at the start of a cycle.
	params   atomic.Pointer[domain.Request]
	stop     atomic.Bool
	clearing atomic.Bool

	snap     atomic.Pointer[domain.Snapshot]
	bus      *bus.Bus
	overruns atomic.Uint64
	running  atomic.Bool
	quit     chan struct{}
	done     chan struct{}
	observe  func(time.Duration)

	// Loop-owned state.
	state     domain.State
	decision  domain.Decision
	request   *domain.Request
	fault     *domain.FaultRecord
	rejection *domain.Rejection
	cycle     uint64

	// stopBy is set while the contactors are held closed for a vehicle that
	// is winding down; stopPhases is the bank configuration being held.
	stopBy     time.Time
	stopPhases evse.Phases
}

// New claims the hardware and builds the controller. The pilot starts at
// "unavailable" and every relay is commanded open.
func New(handle *hal.Handle, cfg Config, logger *logrus.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hw, err := handle.Claim()
	if err != nil {
		return nil, err
	}

	p, err := pilot.New(hw, cfg.Pilot)
	if err != nil {
		return nil, fmt.Errorf("init pilot: %w", err)
	}
	cm, err := current.New(hw, cfg.Current)
	if err != nil {
		return nil, fmt.Errorf("init current monitor: %w", err)
	}
	fb, err := feedback.New(hw, cfg.Feedback)
	if err != nil {
		return nil, fmt.Errorf("init relay feedback: %w", err)
	}
	seq, err := contactor.New(hw, cfg.SettleTime)
	if err != nil {
		return nil, fmt.Errorf("init contactors: %w", err)
	}

	c := &Controller{
		log:      logger,
		cfg:      cfg,
		hw:       hw,
		pilot:    p,
		current:  cm,
		feedback: fb,
		seq:      seq,
		bus:      bus.New(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    domain.Idle,
		decision: domain.Decision{Phases: evse.OnePhase},
	}
	c.snap.Store(c.build(time.Now()))
	return c, nil
}

// ObserveCycles registers fn to be called with the duration of every
// cycle. It must be set before Run and fn must not block.
func (c *Controller) ObserveCycles(fn func(time.Duration)) { c.observe = fn }

// RequestChargeParameters asks for a current limit per phase and a phase
// count. A current below the pilot minimum withdraws the request.
func (c *Controller) RequestChargeParameters(maxCurrentAmps float64, phases evse.Phases) error {
	if math.IsNaN(maxCurrentAmps) || math.IsInf(maxCurrentAmps, 0) || maxCurrentAmps < 0 {
		return fmt.Errorf("%w: %v A", ErrInvalidCurrent, maxCurrentAmps)
	}
	if !phases.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPhases, int(phases))
	}
	if phases == evse.ThreePhase && c.Snapshot().PhaseAvailable != evse.ThreePhase {
		return ErrThreePhaseUnavailable
	}
	c.params.Store(&domain.Request{MaxCurrentAmps: maxCurrentAmps, Phases: phases})
	return nil
}

// RequestChargePower asks for a power budget in watts. It is split into a
// current and phase count at the nominal line voltage.
func (c *Controller) RequestChargePower(watts float64) error {
	if math.IsNaN(watts) || math.IsInf(watts, 0) || watts < 0 {
		return fmt.Errorf("%w: %v W", ErrInvalidPower, watts)
	}
	amps, phases := SplitPower(watts, c.cfg.OnePhaseMaxAmps, c.cfg.ThreePhaseMaxAmps)
	if phases == evse.ThreePhase && c.Snapshot().PhaseAvailable != evse.ThreePhase {
		amps, phases = math.Min(3*amps, c.cfg.OnePhaseMaxAmps), evse.OnePhase
	}
	return c.RequestChargeParameters(amps, phases)
}

// SplitPower maps a power budget onto a per-phase current and phase count.
// Budgets under MinChargePower, or under 6.5 A in total, deliver nothing; up
// to 20 A one phase is used.
func SplitPower(watts, onePhaseMax, threePhaseMax float64) (float64, evse.Phases) {
	total := watts / NominalVolts
	switch {
	case watts < MinChargePower || total < 6.5:
		return 0, evse.OnePhase
	case total < 20:
		return math.Min(total, onePhaseMax), evse.OnePhase
	default:
		return math.Min(total/3, threePhaseMax), evse.ThreePhase
	}
}

// RequestStop opens the contactors within one cycle and latches an
// emergency-stop fault.
func (c *Controller) RequestStop() { c.stop.Store(true) }

// ClearFault leaves Fault for Idle on the next cycle. The pending request is
// dropped.
func (c *Controller) ClearFault() { c.clearing.Store(true) }

// Snapshot returns the state published by the last cycle.
func (c *Controller) Snapshot() *domain.Snapshot { return c.snap.Load() }

// Subscribe returns a channel receiving every future snapshot.
func (c *Controller) Subscribe() <-chan *domain.Snapshot { return c.bus.Subscribe() }

// Unsubscribe closes a subscription.
func (c *Controller) Unsubscribe(ch <-chan *domain.Snapshot) { c.bus.Unsubscribe(ch) }

// IsSafeToRestart reports whether the station is idle or faulted with the
// main contactor confirmed open.
func (c *Controller) IsSafeToRestart() bool {
	return safe(c.Snapshot())
}

func safe(s *domain.Snapshot) bool {
	if s.State != domain.Idle && s.State != domain.Fault {
		return false
	}
	main := s.Relays[hal.RelayMain]
	return !s.Decision.PowerEnabled && main.Commanded == hal.Open && main.Consistency == contactor.Consistent
}

// Run drives the control loop until ctx is cancelled or Shutdown completes.
// On return every relay is commanded open and the pilot is unavailable.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)
	defer c.failSafe()

	if err := c.hw.ArmWatchdog(c.cfg.WatchdogTimeout); err != nil {
		return fmt.Errorf("arm watchdog: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"period":   c.cfg.Period,
		"watchdog": c.cfg.WatchdogTimeout,
	}).Info("Control loop started")

	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.quit:
			return nil
		case now := <-ticker.C:
			start := time.Now()
			c.Step(now)
			if err := c.hw.KickWatchdog(); err != nil {
				c.log.WithError(err).Warn("Failed to kick watchdog")
			}
			elapsed := time.Since(start)
			if c.observe != nil {
				c.observe(elapsed)
			}
			if elapsed > c.cfg.Period {
				c.overruns.Add(1)
				c.log.WithFields(logrus.Fields{
					"elapsed": elapsed,
					"cycle":   c.cycle,
				}).Warn("Control cycle overran its period")
			}
		}
	}
}

// Shutdown waits until the station is safe to restart, then stops the loop
// and waits for it to exit.
func (c *Controller) Shutdown(ctx context.Context) error {
	if !c.running.Load() {
		return nil
	}
	sub := c.Subscribe()
	defer c.Unsubscribe(sub)

	for !c.IsSafeToRestart() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for safe state: %w", ctx.Err())
		case <-c.done:
			return nil
		case <-sub:
		}
	}

	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for control loop: %w", ctx.Err())
	}
}

func (c *Controller) failSafe() {
	if err := c.seq.ForceOpen(); err != nil {
		c.log.WithError(err).Error("Failed to open relays on exit")
	}
	if _, err := c.pilot.SetAdvertisedCurrent(0); err != nil {
		c.log.WithError(err).Error("Failed to release pilot on exit")
	}
	if err := c.hw.DisarmWatchdog(); err != nil {
		c.log.WithError(err).Warn("Failed to disarm watchdog")
	}
	c.log.Info("Control loop stopped, relays open")
}

// Step runs one control cycle at now and returns the published snapshot.
// It must not be called concurrently with itself or with Run.
func (c *Controller) Step(now time.Time) *domain.Snapshot {
	c.cycle++
	stop := c.stop.Swap(false)
	clearing := c.clearing.Swap(false)
	req := c.params.Swap(nil)

	reading := c.pilot.ReadPilotLevel()
	curErr := c.current.Sample(now)
	sensed, fbErr := c.feedback.Sample()
	avail := c.feedback.PhaseAvailable()

	if c.state == domain.Fault && clearing {
		c.clearFault()
		// Samples taken while the pilot was held at -12 V don't count.
		reading.Unknowns = 0
	}
	if req != nil {
		c.take(*req, avail, now)
	}

	switch {
	case stop && c.state != domain.Fault:
		c.enterFault(now, evse.EmergencyStop, "stop requested")
	case c.state == domain.Fault:
		c.seq.Verify(sensed, now)
	default:
		if kind, detail := c.detect(reading, curErr, fbErr, sensed, now); kind != evse.NoFault {
			c.enterFault(now, kind, detail)
			break
		}
		c.advance(avail, sensed, now)
	}

	s := c.build(now)
	c.snap.Store(s)
	c.bus.Publish(s)
	return s
}

// detect evaluates the fault rules in priority order.
func (c *Controller) detect(r pilot.Reading, curErr, fbErr error, sensed feedback.Sensed, now time.Time) (evse.FaultKind, string) {
	for _, l := range evse.Lines {
		if c.current.IsOverLimit(l) {
			return evse.OverCurrentFault, fmt.Sprintf("%s at %.1f A exceeds ceiling %.1f A",
				l, c.current.Reading(l).Amps, c.cfg.Current.CeilingAmps[l])
		}
	}
	if c.seq.Verify(sensed, now) == contactor.Inconsistent {
		return evse.ActuatorFault, c.seqFault()
	}
	if r.Unknowns >= c.cfg.UnknownPilotLimit {
		return evse.SensorFault, fmt.Sprintf("pilot unreadable for %d samples", r.Unknowns)
	}
	if l, failed := c.current.SensorFailed(); failed {
		return evse.SensorFault, fmt.Sprintf("current sensor %s: %v", l, curErr)
	}
	if s, failed := c.feedback.SensorFailed(); failed {
		return evse.SensorFault, fmt.Sprintf("relay feedback %s: %v", s, fbErr)
	}
	if c.pilot.Level() == pilot.Fault {
		return evse.ProtocolFault, fmt.Sprintf("pilot at %d mV / %d mV", r.Sample.HighMillivolts, r.Sample.LowMillivolts)
	}
	if c.state.Charging() {
		for _, l := range evse.Lines {
			if c.current.IsOverRequested(l, c.cfg.Current.OverRequestMarginAmps) {
				return evse.OverCurrentFault, fmt.Sprintf("%s at %.1f A ignores advertised %.1f A",
					l, c.current.Reading(l).Amps, c.decision.MaxCurrentAmps)
			}
		}
	}
	return evse.NoFault, ""
}

func (c *Controller) seqFault() string {
	if f, ok := c.seq.Fault(); ok {
		return f.Error()
	}
	return "relay feedback inconsistent"
}

// plan returns the phase count and current the request allows right now.
func (c *Controller) plan(avail evse.Phases) (evse.Phases, float64, bool) {
	if c.request == nil {
		return evse.OnePhase, 0, false
	}
	phases := c.request.Phases
	if phases == evse.ThreePhase && avail != evse.ThreePhase {
		phases = evse.OnePhase
	}
	limit := c.cfg.OnePhaseMaxAmps
	if phases == evse.ThreePhase {
		limit = c.cfg.ThreePhaseMaxAmps
	}
	amps := math.Min(math.Min(c.request.MaxCurrentAmps, limit), c.cfg.Pilot.MaxAmps)
	for _, l := range evse.Lines {
		if l.Active(phases) {
			amps = math.Min(amps, c.cfg.Current.CeilingAmps[l])
		}
	}
	if amps < c.cfg.Pilot.MinAmps {
		return phases, 0, false
	}
	return phases, amps, true
}

// advance applies the session transitions and drives the actuators.
func (c *Controller) advance(avail evse.Phases, sensed feedback.Sensed, now time.Time) {
	level := c.pilot.Level()
	ready := level.PowerAllowed()
	phases, amps, ok := c.plan(avail)

	prev := c.state
	next := c.state
	switch {
	case level == pilot.NotConnected:
		next = domain.Idle
	case c.state == domain.Idle || c.state == domain.VehicleConnected:
		next = domain.VehicleConnected
		if ready && ok {
			next = domain.NegotiatingPower
		}
	case c.state == domain.NegotiatingPower:
		if !ready || !ok {
			next = domain.VehicleConnected
		}
	case c.state.Charging():
		switch {
		case !ok:
			next = domain.VehicleConnected
		case !ready:
			next = domain.Suspended
		case domain.ChargingState(phases) != c.state:
			next = domain.NegotiatingPower
		}
	case c.state == domain.Suspended:
		switch {
		case !ok:
			next = domain.VehicleConnected
		case ready:
			next = domain.NegotiatingPower
		}
	}
	c.setState(next, level)

	winding := c.state == domain.Suspended || c.state == domain.VehicleConnected
	switch {
	case prev.Charging() && winding:
		c.stopBy = now.Add(c.cfg.StopTimeout)
		c.stopPhases = c.decision.Phases
		c.log.WithField("timeout", c.cfg.StopTimeout).Info("Holding contactors until the vehicle stops drawing")
	case !winding:
		c.stopBy = time.Time{}
	}

	var target contactor.Target
	d := domain.Decision{Phases: phases, MaxCurrentAmps: amps}
	switch c.state {
	case domain.Idle:
		d = domain.Decision{Phases: evse.OnePhase}
	case domain.NegotiatingPower, domain.Charging1Phase, domain.Charging3Phase:
		target = contactor.Target{Phases: phases, PowerEnabled: true}
	case domain.Suspended:
		target = contactor.Target{Phases: phases}
	}
	if c.windingDown(now) {
		target = contactor.Target{Phases: c.stopPhases, PowerEnabled: true}
	}

	cons := c.seq.Apply(target, sensed, now)
	if cons == contactor.Inconsistent {
		c.enterFault(now, evse.ActuatorFault, c.seqFault())
		return
	}
	if cons == contactor.Consistent && c.state == domain.NegotiatingPower {
		c.setState(domain.ChargingState(phases), level)
	}
	d.PowerEnabled = c.state.Charging() && cons == contactor.Consistent
	c.decision = d

	advertised, err := c.pilot.SetAdvertisedCurrent(d.MaxCurrentAmps)
	if err != nil {
		c.enterFault(now, evse.ActuatorFault, err.Error())
		return
	}
	c.current.SetRequested(advertised)
}

// windingDown reports whether the contactors must stay closed because the
// vehicle is still drawing current after leaving a charging state. It gives
// up at the stop timeout.
func (c *Controller) windingDown(now time.Time) bool {
	if c.stopBy.IsZero() {
		return false
	}
	var total float64
	for _, r := range c.current.Readings() {
		total += r.Amps
	}
	switch {
	case total <= c.cfg.Current.DeadzoneAmps:
		c.log.Debug("Vehicle stopped drawing, opening contactors")
	case !now.Before(c.stopBy):
		c.log.WithField("amps", total).Warn("Vehicle still drawing at stop timeout, opening contactors")
	default:
		return true
	}
	c.stopBy = time.Time{}
	return false
}

func (c *Controller) setState(next domain.State, level pilot.Level) {
	if next == c.state {
		return
	}
	c.log.WithFields(logrus.Fields{
		"from":  c.state,
		"to":    next,
		"pilot": level,
	}).Info("Session state changed")
	c.state = next
}

// enterFault disables power before the fault becomes visible.
func (c *Controller) enterFault(now time.Time, kind evse.FaultKind, detail string) {
	if _, latched := c.seq.Fault(); !latched {
		if err := c.seq.ForceOpen(); err != nil {
			c.log.WithError(err).Error("Failed to open relays")
		}
	}
	if err := c.pilot.SetFault(); err != nil {
		c.log.WithError(err).Error("Failed to assert pilot fault")
	}
	c.current.SetRequested(0)
	c.decision = domain.Decision{Phases: c.decision.Phases}
	c.stopBy = time.Time{}

	c.log.WithFields(logrus.Fields{
		"kind":   kind,
		"detail": detail,
		"from":   c.state,
	}).Error("Entering fault")
	c.state = domain.Fault
	c.fault = &domain.FaultRecord{Kind: kind, Timestamp: now, Detail: detail}
}

func (c *Controller) clearFault() {
	c.log.WithField("kind", c.fault.Kind).Info("Fault cleared")
	c.seq.Reset()
	c.pilot.Reset()
	c.current.Reset()
	c.fault = nil
	c.request = nil
	c.rejection = nil
	c.state = domain.Idle
	c.decision = domain.Decision{Phases: evse.OnePhase}
	if _, err := c.pilot.SetAdvertisedCurrent(0); err != nil {
		c.log.WithError(err).Error("Failed to release pilot")
	}
}

// take accepts a request unless the supply can no longer serve it.
func (c *Controller) take(req domain.Request, avail evse.Phases, now time.Time) {
	if req.Phases == evse.ThreePhase && avail != evse.ThreePhase {
		c.rejection = &domain.Rejection{Request: req, Reason: ErrThreePhaseUnavailable.Error(), At: now}
		c.log.WithFields(logrus.Fields{
			"amps":   req.MaxCurrentAmps,
			"phases": req.Phases,
		}).Warn("Rejected charge request")
		return
	}
	c.request = &req
	c.rejection = nil
	c.log.WithFields(logrus.Fields{
		"amps":   req.MaxCurrentAmps,
		"phases": req.Phases,
	}).Debug("Accepted charge request")
}

func (c *Controller) build(now time.Time) *domain.Snapshot {
	s := &domain.Snapshot{
		State:          c.state,
		Decision:       c.decision,
		Currents:       c.current.Readings(),
		Pilot:          c.pilot.Level(),
		PilotDuty:      c.pilot.Duty(),
		PhaseAvailable: c.feedback.PhaseAvailable(),
		Relays:         c.seq.Status(),
		Overruns:       c.overruns.Load(),
		Cycle:          c.cycle,
		Time:           now,
	}
	if c.fault != nil {
		f := *c.fault
		s.Fault = &f
	}
	if c.request != nil {
		r := *c.request
		s.Request = &r
	}
	if c.rejection != nil {
		r := *c.rejection
		s.Rejection = &r
	}
	return s
}
