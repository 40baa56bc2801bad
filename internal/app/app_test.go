package app

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phievse/phievse/internal/charger"
	"github.com/phievse/phievse/internal/config"
	"github.com/phievse/phievse/internal/domain"
	"github.com/phievse/phievse/internal/evse"
	"github.com/phievse/phievse/internal/hal"
	"github.com/phievse/phievse/internal/hal/sim"
	"github.com/phievse/phievse/internal/metrics"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type recordingTransmitter struct {
	mu    sync.Mutex
	snaps []*domain.Snapshot
}

func (r *recordingTransmitter) Transmit(snap *domain.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *recordingTransmitter) IsConnected() bool { return true }

func (r *recordingTransmitter) last() *domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}

func newStation(t *testing.T) (*charger.Controller, *sim.Hardware) {
	t.Helper()
	hw := sim.New()
	hw.SetVehicle(sim.VehicleReady)
	cfg := charger.DefaultConfig()
	cfg.Period = 10 * time.Millisecond
	ctl, err := charger.New(hal.NewHandle(hw), cfg, quietLogger())
	require.NoError(t, err)
	return ctl, hw
}

func appConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Simulate = true
	cfg.MetricsAddr = ""
	return cfg
}

func TestRunStopsSafelyOnCancel(t *testing.T) {
	ctl, hw := newStation(t)
	require.NoError(t, ctl.RequestChargeParameters(16, evse.OnePhase))

	tx := &recordingTransmitter{}
	reg := prometheus.NewRegistry()
	opts := Options{Transmitter: tx, Metrics: metrics.New(reg), Gatherer: reg}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, appConfig(), ctl, opts, quietLogger()) }()

	require.Eventually(t, func() bool { return ctl.Snapshot().State == domain.Charging1Phase }, 5*time.Second, 5*time.Millisecond)
	require.True(t, hw.Energized())

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.False(t, hw.Energized())
	for _, r := range hal.Relays {
		assert.False(t, hw.RelayClosed(r), r.String())
	}
	assert.True(t, ctl.IsSafeToRestart())

	final := tx.last()
	require.NotNil(t, final, "final state is transmitted")
	assert.Equal(t, domain.Fault, final.State)
	require.NotNil(t, final.Fault)
	assert.Equal(t, evse.EmergencyStop, final.Fault.Kind)

	families, err := reg.Gather()
	require.NoError(t, err)
	var cycles uint64
	for _, f := range families {
		if f.GetName() == "phievse_cycle_duration_seconds" {
			cycles = f.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Positive(t, cycles)
}

func TestRunReturnsComponentError(t *testing.T) {
	ctl, hw := newStation(t)
	require.NoError(t, ctl.RequestChargeParameters(16, evse.OnePhase))

	// Hold the port so that the metrics server cannot bind.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := appConfig()
	cfg.MetricsAddr = ln.Addr().String()
	reg := prometheus.NewRegistry()
	opts := Options{Metrics: metrics.New(reg), Gatherer: reg}

	errCh := make(chan error, 1)
	go func() { errCh <- Run(context.Background(), cfg, ctl, opts, quietLogger()) }()

	select {
	case err := <-errCh:
		assert.ErrorContains(t, err, "metrics server")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, hw.Energized())
	assert.True(t, ctl.IsSafeToRestart())
}
