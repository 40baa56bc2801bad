// Package metrics exports the station state to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/phievse/phievse/internal/domain"
	"github.com/phievse/phievse/internal/evse"
)

const namespace = "phievse"

// Recorder holds every station metric.
type Recorder struct {
	state         *prometheus.GaugeVec
	current       *prometheus.GaugeVec
	advertised    prometheus.Gauge
	powerEnabled  prometheus.Gauge
	phases        prometheus.Gauge
	threePhase    prometheus.Gauge
	faults        *prometheus.CounterVec
	overruns      prometheus.Counter
	rejected      *prometheus.CounterVec
	cycleDuration prometheus.Histogram

	lastFault     time.Time
	lastRejection time.Time
	lastOverruns  uint64
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state",
				Help:      "Charging session state, 1 for the active state.",
			},
			[]string{"state"},
		),
		current: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "current_amps",
				Help:      "Smoothed RMS current per line.",
			},
			[]string{"line"},
		),
		advertised: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "advertised_current_amps",
			Help:      "Current advertised to the vehicle on the pilot.",
		}),
		powerEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "power_enabled",
			Help:      "1 while the outlet is energized.",
		}),
		phases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phases",
			Help:      "Phase count of the current decision.",
		}),
		threePhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "three_phase_available",
			Help:      "1 while L2 and L3 are present on the supply.",
		}),
		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "faults_total",
				Help:      "Faults entered, by kind.",
			},
			[]string{"kind"},
		),
		overruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_overruns_total",
			Help:      "Control cycles that took longer than the period.",
		}),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_requests_total",
				Help:      "Charge requests that were refused.",
			},
			[]string{"source"},
		),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one control cycle.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
	}
	reg.MustRegister(r.state, r.current, r.advertised, r.powerEnabled, r.phases,
		r.threePhase, r.faults, r.overruns, r.rejected, r.cycleDuration)

	// Export zeros before the first event.
	for _, k := range evse.FaultKinds {
		r.faults.WithLabelValues(k.String())
	}
	r.rejected.WithLabelValues("command")
	r.rejected.WithLabelValues("loop")
	return r
}

// Observe updates the metrics from a snapshot. It must be called from a
// single goroutine.
func (r *Recorder) Observe(snap *domain.Snapshot) {
	if snap == nil {
		return
	}
	for _, s := range domain.States {
		v := 0.0
		if s == snap.State {
			v = 1
		}
		r.state.WithLabelValues(s.String()).Set(v)
	}
	for i, l := range evse.Lines {
		r.current.WithLabelValues(l.String()).Set(snap.Currents[i].Amps)
	}
	r.advertised.Set(snap.Decision.MaxCurrentAmps)
	r.powerEnabled.Set(b2f(snap.Decision.PowerEnabled))
	r.phases.Set(float64(snap.Decision.Phases))
	r.threePhase.Set(b2f(snap.PhaseAvailable == evse.ThreePhase))

	if f := snap.Fault; f != nil && !f.Timestamp.Equal(r.lastFault) {
		r.lastFault = f.Timestamp
		r.faults.WithLabelValues(f.Kind.String()).Inc()
	}
	if rj := snap.Rejection; rj != nil && !rj.At.Equal(r.lastRejection) {
		r.lastRejection = rj.At
		r.rejected.WithLabelValues("loop").Inc()
	}
	if snap.Overruns > r.lastOverruns {
		r.overruns.Add(float64(snap.Overruns - r.lastOverruns))
		r.lastOverruns = snap.Overruns
	}
}

// ObserveCycle records the duration of one control cycle.
func (r *Recorder) ObserveCycle(d time.Duration) {
	r.cycleDuration.Observe(d.Seconds())
}

// RejectedCommand counts a request refused before it reached the loop.
func (r *Recorder) RejectedCommand() {
	r.rejected.WithLabelValues("command").Inc()
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Serve exposes g on addr under /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, timeout time.Duration, logger *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}
