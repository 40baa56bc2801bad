package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phievse/phievse/internal/domain"
	"github.com/phievse/phievse/internal/evse"
)

func snapshot() *domain.Snapshot {
	s := &domain.Snapshot{
		State:          domain.Charging1Phase,
		Decision:       domain.Decision{Phases: evse.OnePhase, MaxCurrentAmps: 10, PowerEnabled: true},
		PhaseAvailable: evse.ThreePhase,
		Time:           time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	s.Currents[0].Amps = 9.8
	return s
}

func TestObserveGauges(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.Observe(snapshot())

	assert.Equal(t, 1.0, testutil.ToFloat64(r.state.WithLabelValues("charging_1p")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.state.WithLabelValues("idle")))
	assert.Equal(t, 9.8, testutil.ToFloat64(r.current.WithLabelValues("L1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.current.WithLabelValues("L2")))
	assert.Equal(t, 10.0, testutil.ToFloat64(r.advertised))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.powerEnabled))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.phases))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.threePhase))
}

func TestObserveCountsEventsOnce(t *testing.T) {
	r := New(prometheus.NewRegistry())

	s := snapshot()
	s.State = domain.Fault
	s.Fault = &domain.FaultRecord{Kind: evse.ActuatorFault, Timestamp: s.Time}
	s.Rejection = &domain.Rejection{At: s.Time}
	s.Overruns = 2
	r.Observe(s)
	r.Observe(s)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.faults.WithLabelValues("actuator")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.faults.WithLabelValues("sensor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rejected.WithLabelValues("loop")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.overruns))

	next := *s
	next.Fault = &domain.FaultRecord{Kind: evse.ActuatorFault, Timestamp: s.Time.Add(time.Second)}
	next.Overruns = 5
	r.Observe(&next)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.faults.WithLabelValues("actuator")))
	assert.Equal(t, 5.0, testutil.ToFloat64(r.overruns))

	r.RejectedCommand()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rejected.WithLabelValues("command")))
}

func TestObserveCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	r.ObserveCycle(2 * time.Millisecond)
	r.ObserveCycle(3 * time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "phievse_cycle_duration_seconds" {
			assert.Equal(t, uint64(2), f.GetMetric()[0].GetHistogram().GetSampleCount())
			return
		}
	}
	t.Fatal("cycle histogram not gathered")
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	r.Observe(snapshot())

	// Reserve a free port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, addr, reg, time.Second, logger) }()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, string(body), `phievse_state{state="charging_1p"} 1`)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
