package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/phievse/phievse/internal/evse"
)

func TestChanged(t *testing.T) {
	assert.False(t, Changed(nil, nil))
	assert.True(t, Changed(nil, &Snapshot{}))
	assert.True(t, Changed(&Snapshot{}, nil))

	base := &Snapshot{State: Charging1Phase, Decision: Decision{Phases: evse.OnePhase, MaxCurrentAmps: 16, PowerEnabled: true}}
	base.Currents[evse.L1].Amps = 15.9

	same := *base
	same.Cycle = 99
	same.Time = time.Now()
	same.Overruns = 3
	same.Currents[evse.L1].Amps = 16.0
	same.Currents[evse.L1].At = time.Now()
	assert.False(t, Changed(base, &same))

	jump := *base
	jump.Currents[evse.L1].Amps = 10
	assert.True(t, Changed(base, &jump))

	state := *base
	state.State = Suspended
	assert.True(t, Changed(base, &state))

	faulted := *base
	faulted.Fault = &FaultRecord{Kind: evse.OverCurrentFault}
	assert.True(t, Changed(base, &faulted))
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, Charging3Phase.Charging())
	assert.False(t, NegotiatingPower.Charging())
	assert.Equal(t, Charging1Phase, ChargingState(evse.OnePhase))
	assert.Equal(t, Charging3Phase, ChargingState(evse.ThreePhase))
	assert.Equal(t, "charging_3p", Charging3Phase.String())
	assert.Len(t, States, 7)
}

func TestPowerWatts(t *testing.T) {
	s := &Snapshot{}
	s.Currents[evse.L1].Amps = 10
	s.Currents[evse.L2].Amps = 10
	s.Currents[evse.L3].Amps = 10
	assert.InDelta(t, 6900, s.PowerWatts(230), 1e-9)
}
