package current

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phievse/phievse/internal/evse"
)

type fakeSource struct {
	amps   [evse.NumLines]float64
	offset float64
	err    [evse.NumLines]error
	// burst overrides the number of samples per read.
	burst [evse.NumLines]int
}

// ReadCurrent returns a square wave whose RMS equals the configured amps.
func (f *fakeSource) ReadCurrent(line evse.Line) ([]float64, error) {
	if f.err[line] != nil {
		return nil, f.err[line]
	}
	a := f.amps[line]
	n := 8
	if f.burst[line] > 0 {
		n = f.burst[line]
	}
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = f.offset + a
		} else {
			out[i] = f.offset - a
		}
	}
	return out, nil
}

func newMonitor(t *testing.T, cfg Config) (*Monitor, *fakeSource) {
	t.Helper()
	src := &fakeSource{}
	m, err := New(src, cfg)
	require.NoError(t, err)
	return m, src
}

func sampleN(t *testing.T, m *Monitor, n int) {
	t.Helper()
	now := time.Unix(0, 0)
	for i := 0; i < n; i++ {
		require.NoError(t, m.Sample(now))
		now = now.Add(50 * time.Millisecond)
	}
}

func TestSampleRemovesOffsetAndSmooths(t *testing.T) {
	m, src := newMonitor(t, DefaultConfig())
	src.offset = 1.65
	src.amps = [evse.NumLines]float64{16, 8, 0}

	sampleN(t, m, 4)

	assert.InDelta(t, 16, m.Reading(evse.L1).Amps, 1e-9)
	assert.InDelta(t, 8, m.Reading(evse.L2).Amps, 1e-9)
	assert.Equal(t, 0.0, m.Reading(evse.L3).Amps)
}

func TestMovingAverage(t *testing.T) {
	m, src := newMonitor(t, DefaultConfig())
	src.amps[evse.L1] = 8
	sampleN(t, m, 4)
	src.amps[evse.L1] = 16
	sampleN(t, m, 2)

	assert.InDelta(t, 12, m.Reading(evse.L1).Amps, 1e-9)
}

func TestDeadzone(t *testing.T) {
	m, src := newMonitor(t, DefaultConfig())
	src.amps[evse.L1] = 0.3
	sampleN(t, m, 4)
	assert.Equal(t, 0.0, m.Reading(evse.L1).Amps)
}

func TestGain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gain[evse.L2] = 2
	m, src := newMonitor(t, cfg)
	src.amps[evse.L2] = 5
	sampleN(t, m, 1)
	assert.InDelta(t, 10, m.Reading(evse.L2).Amps, 1e-9)
}

func TestOverLimitBoundary(t *testing.T) {
	m, src := newMonitor(t, DefaultConfig())
	src.amps[evse.L1] = 32
	sampleN(t, m, 4)
	assert.False(t, m.IsOverLimit(evse.L1), "exactly at the ceiling is allowed")

	src.amps[evse.L1] = 33
	sampleN(t, m, 4)
	assert.True(t, m.IsOverLimit(evse.L1))
	assert.Equal(t, OverLimit, m.Class(evse.L1))
}

func TestOverRequestedNeedsSustainedViolation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 1
	cfg.OverRequestSamples = 5
	m, src := newMonitor(t, cfg)
	m.SetRequested(10)

	src.amps[evse.L1] = 15
	sampleN(t, m, 4)
	assert.False(t, m.IsOverRequested(evse.L1, 4))

	src.amps[evse.L1] = 13
	sampleN(t, m, 1)
	src.amps[evse.L1] = 15
	sampleN(t, m, 4)
	assert.False(t, m.IsOverRequested(evse.L1, 4), "a reading inside the margin restarts the count")

	sampleN(t, m, 1)
	assert.True(t, m.IsOverRequested(evse.L1, 4))
	assert.Equal(t, OverRequested, m.Class(evse.L1))
	assert.False(t, m.IsOverRequested(evse.L2, 4))
}

func TestOverRequestedMarginChange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 1
	cfg.OverRequestSamples = 1
	m, src := newMonitor(t, cfg)
	m.SetRequested(10)
	src.amps[evse.L1] = 13

	sampleN(t, m, 1)
	assert.False(t, m.IsOverRequested(evse.L1, 2))
	sampleN(t, m, 1)
	assert.True(t, m.IsOverRequested(evse.L1, 2))
}

func TestReadErrors(t *testing.T) {
	m, src := newMonitor(t, DefaultConfig())
	src.amps[evse.L3] = 10
	sampleN(t, m, 1)

	src.err[evse.L3] = errors.New("adc timeout")
	now := time.Unix(10, 0)
	for i := 0; i < 2; i++ {
		err := m.Sample(now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read L3")
	}
	_, failed := m.SensorFailed()
	assert.False(t, failed)
	assert.InDelta(t, 10, m.Reading(evse.L3).Amps, 1e-9, "last good reading is kept")

	require.Error(t, m.Sample(now))
	line, failed := m.SensorFailed()
	assert.True(t, failed)
	assert.Equal(t, evse.L3, line)

	src.err[evse.L3] = nil
	require.NoError(t, m.Sample(now))
	_, failed = m.SensorFailed()
	assert.False(t, failed)
}

func TestShortBurstIsAReadError(t *testing.T) {
	m, src := newMonitor(t, DefaultConfig())
	src.amps[evse.L2] = 40
	src.burst[evse.L2] = 1

	now := time.Unix(10, 0)
	for i := 0; i < DefaultConfig().ErrorLimit; i++ {
		err := m.Sample(now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read L2")
	}
	line, failed := m.SensorFailed()
	assert.True(t, failed)
	assert.Equal(t, evse.L2, line)

	src.burst[evse.L2] = 2
	sampleN(t, m, 4)
	assert.True(t, m.IsOverLimit(evse.L2))
}

func TestReset(t *testing.T) {
	m, src := newMonitor(t, DefaultConfig())
	src.amps[evse.L1] = 40
	sampleN(t, m, 4)
	require.True(t, m.IsOverLimit(evse.L1))

	m.Reset()
	assert.False(t, m.IsOverLimit(evse.L1))
	assert.Equal(t, Reading{}, m.Reading(evse.L1))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Window = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.CeilingAmps[evse.L2] = 0
	assert.Error(t, cfg.Validate())

	_, err := New(&fakeSource{}, cfg)
	assert.Error(t, err)
}
