package contactor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phievse/phievse/internal/evse"
	"github.com/phievse/phievse/internal/feedback"
	"github.com/phievse/phievse/internal/hal"
)

type write struct {
	relay hal.Relay
	cmd   hal.RelayCommand
	// mainClosed is the physical main contactor state when the write happened.
	mainClosed bool
}

// plant switches relays instantly and derives the AC sensors from them.
type plant struct {
	closed     [hal.NumRelays]bool
	stuck      map[hal.Relay]bool
	threePhase bool
	failWrites error
	writes     []write
	// now stamps every write into times.
	now   time.Time
	times []time.Time
}

func newPlant() *plant {
	return &plant{stuck: map[hal.Relay]bool{}, threePhase: true}
}

func (p *plant) SetRelay(r hal.Relay, cmd hal.RelayCommand) error {
	if p.failWrites != nil {
		return p.failWrites
	}
	p.writes = append(p.writes, write{relay: r, cmd: cmd, mainClosed: p.closed[hal.RelayMain]})
	p.times = append(p.times, p.now)
	if _, ok := p.stuck[r]; ok {
		return nil
	}
	p.closed[r] = cmd == hal.Closed
	return nil
}

func (p *plant) sensed() feedback.Sensed {
	var s feedback.Sensed
	l1 := p.closed[hal.RelayPhaseL1]
	s[hal.SenseMain] = p.closed[hal.RelayMain] && l1
	s[hal.SensePhaseL1] = l1
	s[hal.SensePhaseL23] = p.closed[hal.RelayPhaseL23] && p.threePhase
	s[hal.SenseThreePhaseInput] = p.threePhase
	return s
}

func (p *plant) stick(r hal.Relay, closed bool) {
	p.stuck[r] = closed
	p.closed[r] = closed
}

type harness struct {
	t   *testing.T
	p   *plant
	s   *Sequencer
	now time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	p := newPlant()
	s, err := New(p, DefaultSettleTime)
	require.NoError(t, err)
	require.Len(t, p.writes, hal.NumRelays)
	h := &harness{t: t, p: p, s: s, now: time.Unix(1000, 0)}
	// Let the initial open command settle.
	require.Equal(t, Consistent, h.settle(Target{}))
	p.writes, p.times = nil, nil
	return h
}

func (h *harness) apply(target Target) Consistency {
	h.p.now = h.now
	c := h.s.Apply(target, h.p.sensed(), h.now)
	h.now = h.now.Add(50 * time.Millisecond)
	return c
}

// settle applies target until it is no longer pending.
func (h *harness) settle(target Target) Consistency {
	for i := 0; i < 50; i++ {
		if c := h.apply(target); c != Pending {
			return c
		}
	}
	h.t.Fatalf("target %+v never settled", target)
	return Pending
}

func assertInterlock(t *testing.T, writes []write) {
	t.Helper()
	for _, w := range writes {
		if w.relay != hal.RelayMain {
			assert.False(t, w.mainClosed, "phase relay %s switched with main closed", w.relay)
		}
	}
}

func TestNewOpensEverything(t *testing.T) {
	p := newPlant()
	_, err := New(p, DefaultSettleTime)
	require.NoError(t, err)
	require.Len(t, p.writes, 3)
	assert.Equal(t, hal.RelayMain, p.writes[0].relay)
	for _, w := range p.writes {
		assert.Equal(t, hal.Open, w.cmd)
	}

	_, err = New(p, 0)
	assert.Error(t, err)
}

func TestEnableSequence(t *testing.T) {
	h := newHarness(t)
	target := Target{Phases: evse.ThreePhase, PowerEnabled: true}

	assert.Equal(t, Pending, h.apply(target))
	assert.Equal(t, []write{
		{relay: hal.RelayPhaseL1, cmd: hal.Closed},
		{relay: hal.RelayPhaseL23, cmd: hal.Closed},
	}, h.p.writes)

	for h.now.Sub(h.p.times[0]) < DefaultSettleTime {
		assert.Equal(t, Pending, h.apply(target))
		require.Len(t, h.p.writes, 2, "main closed before the phase bank settled")
	}
	assert.Equal(t, Pending, h.apply(target))
	require.Len(t, h.p.writes, 3)
	assert.Equal(t, hal.RelayMain, h.p.writes[2].relay)

	assert.Equal(t, Consistent, h.settle(target))
	assert.True(t, h.p.closed[hal.RelayMain])
	assert.False(t, h.s.PowerOff())
}

func TestEnableWaitsSettleTime(t *testing.T) {
	h := newHarness(t)
	target := Target{Phases: evse.ThreePhase, PowerEnabled: true}
	require.Equal(t, Consistent, h.settle(target))

	require.Len(t, h.p.times, 3)
	assert.GreaterOrEqual(t, h.p.times[2].Sub(h.p.times[0]), DefaultSettleTime)
	// The last apply, which returned Consistent, ran one step before h.now.
	confirmed := h.now.Add(-50 * time.Millisecond)
	assert.GreaterOrEqual(t, confirmed.Sub(h.p.times[2]), DefaultSettleTime)
}

func TestDisableWaitsSettleTime(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, Consistent, h.settle(Target{Phases: evse.ThreePhase, PowerEnabled: true}))
	h.p.writes, h.p.times = nil, nil

	require.Equal(t, Consistent, h.settle(Target{Phases: evse.OnePhase, PowerEnabled: true}))
	require.Len(t, h.p.times, 3)
	assert.Equal(t, hal.RelayMain, h.p.writes[0].relay)
	assert.Equal(t, hal.RelayPhaseL23, h.p.writes[1].relay)
	assert.GreaterOrEqual(t, h.p.times[1].Sub(h.p.times[0]), DefaultSettleTime, "phase bank switched before main settled open")
	assert.GreaterOrEqual(t, h.p.times[2].Sub(h.p.times[1]), DefaultSettleTime, "main closed before the phase bank settled")
}

func TestSameTargetWritesNothing(t *testing.T) {
	h := newHarness(t)
	target := Target{Phases: evse.OnePhase, PowerEnabled: true}
	require.Equal(t, Consistent, h.settle(target))

	n := len(h.p.writes)
	for i := 0; i < 10; i++ {
		assert.Equal(t, Consistent, h.apply(target))
	}
	assert.Len(t, h.p.writes, n)
}

func TestPhaseChangeGoesThroughMainOpen(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, Consistent, h.settle(Target{Phases: evse.ThreePhase, PowerEnabled: true}))
	h.p.writes = nil

	require.Equal(t, Consistent, h.settle(Target{Phases: evse.OnePhase, PowerEnabled: true}))
	assert.Equal(t, []write{
		{relay: hal.RelayMain, cmd: hal.Open, mainClosed: true},
		{relay: hal.RelayPhaseL23, cmd: hal.Open},
		{relay: hal.RelayMain, cmd: hal.Closed},
	}, h.p.writes)
	assertInterlock(t, h.p.writes)
}

func TestDisableKeepsPhaseSelection(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, Consistent, h.settle(Target{Phases: evse.ThreePhase, PowerEnabled: true}))
	h.p.writes = nil

	require.Equal(t, Consistent, h.settle(Target{Phases: evse.ThreePhase}))
	assert.Equal(t, []write{{relay: hal.RelayMain, cmd: hal.Open, mainClosed: true}}, h.p.writes)
	assert.True(t, h.s.PowerOff())

	require.Equal(t, Consistent, h.settle(Target{}))
	assert.False(t, h.p.closed[hal.RelayPhaseL1])
	assert.False(t, h.p.closed[hal.RelayPhaseL23])
	assertInterlock(t, h.p.writes)
}

func TestRandomTargetsKeepInterlock(t *testing.T) {
	h := newHarness(t)
	targets := []Target{
		{Phases: evse.OnePhase, PowerEnabled: true},
		{Phases: evse.ThreePhase, PowerEnabled: true},
		{},
		{Phases: evse.ThreePhase},
		{Phases: evse.OnePhase, PowerEnabled: true},
		{Phases: evse.ThreePhase, PowerEnabled: true},
	}
	for round := 0; round < 3; round++ {
		for i, target := range targets {
			// Change the target before the previous one has settled.
			for k := 0; k < i%3; k++ {
				h.apply(target)
			}
		}
	}
	for _, target := range targets {
		require.Equal(t, Consistent, h.settle(target))
	}
	assertInterlock(t, h.p.writes)
}

func TestStuckOpenMainFaultsAfterSettle(t *testing.T) {
	h := newHarness(t)
	h.p.stick(hal.RelayMain, false)
	target := Target{Phases: evse.OnePhase, PowerEnabled: true}

	var c Consistency
	for c = h.apply(target); c == Pending && h.s.Commanded(hal.RelayMain) != hal.Closed; c = h.apply(target) {
	}
	commanded := h.p.times[len(h.p.times)-1]
	for ; c == Pending; c = h.apply(target) {
	}
	require.Equal(t, Inconsistent, c)
	assert.GreaterOrEqual(t, h.now.Sub(commanded), DefaultSettleTime)

	f, ok := h.s.Fault()
	require.True(t, ok)
	assert.Equal(t, hal.RelayMain, f.Relay)
	assert.Equal(t, hal.Closed, f.Commanded)
	assert.Contains(t, f.Error(), "relay main commanded closed")

	last := h.p.writes[len(h.p.writes)-3:]
	assert.Equal(t, hal.RelayMain, last[0].relay)
	for _, w := range last {
		assert.Equal(t, hal.Open, w.cmd)
	}

	n := len(h.p.writes)
	assert.Equal(t, Inconsistent, h.apply(target), "fault is latched")
	assert.Len(t, h.p.writes, n)
}

func TestWeldedPhaseRelayDetectedWhileIdle(t *testing.T) {
	h := newHarness(t)
	h.p.stick(hal.RelayPhaseL1, true)

	assert.Equal(t, Inconsistent, h.settle(Target{}))
	f, ok := h.s.Fault()
	require.True(t, ok)
	assert.Equal(t, hal.RelayPhaseL1, f.Relay)
	assert.True(t, f.Sensed)
}

func TestResetClearsLatch(t *testing.T) {
	h := newHarness(t)
	h.p.stick(hal.RelayMain, false)
	target := Target{Phases: evse.OnePhase, PowerEnabled: true}
	require.Equal(t, Inconsistent, h.settle(target))

	delete(h.p.stuck, hal.RelayMain)
	h.s.Reset()
	_, ok := h.s.Fault()
	assert.False(t, ok)
	assert.Equal(t, Consistent, h.settle(target))
}

func TestUnobservablePhaseBankIsNotAFault(t *testing.T) {
	h := newHarness(t)
	h.p.threePhase = false

	assert.Equal(t, Consistent, h.settle(Target{Phases: evse.ThreePhase, PowerEnabled: true}))
	status := h.s.Status()
	assert.False(t, status[hal.RelayPhaseL23].Observable)
	assert.Equal(t, Consistent, status[hal.RelayPhaseL23].Consistency)
}

func TestWriteErrorLatchesFault(t *testing.T) {
	h := newHarness(t)
	h.p.failWrites = errors.New("gpio busy")

	assert.Equal(t, Inconsistent, h.apply(Target{Phases: evse.OnePhase}))
	f, ok := h.s.Fault()
	require.True(t, ok)
	assert.ErrorIs(t, f, h.p.failWrites)
	assert.Equal(t, hal.RelayPhaseL1, f.Relay)
}

func TestForceOpen(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, Consistent, h.settle(Target{Phases: evse.ThreePhase, PowerEnabled: true}))

	require.NoError(t, h.s.ForceOpen())
	for _, r := range hal.Relays {
		assert.Equal(t, hal.Open, h.s.Commanded(r))
		assert.False(t, h.p.closed[r])
	}
	_, ok := h.s.Fault()
	assert.False(t, ok)
	assert.Equal(t, Consistent, h.settle(Target{}))
}
