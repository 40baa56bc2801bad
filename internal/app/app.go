package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/phievse/phievse/internal/charger"
	"github.com/phievse/phievse/internal/config"
	"github.com/phievse/phievse/internal/domain"
	"github.com/phievse/phievse/internal/metrics"
	"github.com/phievse/phievse/internal/transmission"
)

// Options bundles the optional outer surfaces. Nil fields are disabled.
type Options struct {
	Transmitter transmission.Transmitter
	Commands    *transmission.CommandHandler
	Metrics     *metrics.Recorder
	Gatherer    prometheus.Gatherer
}

// Run drives the control loop and its outer surfaces and blocks until ctx
// is cancelled or a component fails. The station is stopped and brought
// into a safe state before Run returns.
func Run(
	parentCtx context.Context,
	cfg *config.Config,
	ctl *charger.Controller,
	opts Options,
	logger *logrus.Logger,
) error {
	grp, ctx := errgroup.WithContext(parentCtx)

	if opts.Metrics != nil {
		ctl.ObserveCycles(opts.Metrics.ObserveCycle)
		if opts.Commands != nil {
			opts.Commands.OnReject(opts.Metrics.RejectedCommand)
		}
	}

	// Subscribe before the loop starts so that no snapshot is missed.
	sub := ctl.Subscribe()
	defer ctl.Unsubscribe(sub)

	// Control loop --------------------------------------------------------
	// The loop has its own context: cancellation goes through Shutdown so
	// that the relays open before the loop stops.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan struct{})

	grp.Go(func() error {
		defer close(loopDone)
		err := ctl.Run(loopCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("control loop: %w", err)
		}
		return nil
	})

	// Shutdown ------------------------------------------------------------
	grp.Go(func() error {
		select {
		case <-ctx.Done():
		case <-loopDone:
			return nil
		}
		logger.Info("Stopping charging for shutdown")
		ctl.RequestStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if err := ctl.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Station did not reach a safe state, forcing loop exit")
		}
		// Also covers a loop that had not started yet when Shutdown ran.
		stopLoop()
		return nil
	})

	// Commands ------------------------------------------------------------
	if opts.Commands != nil {
		if err := opts.Commands.Subscribe(); err != nil {
			logger.WithError(err).Warn("Failed to subscribe to command topics")
		}
	}

	// Metrics endpoint ----------------------------------------------------
	if opts.Metrics != nil && opts.Gatherer != nil && cfg.HasMetrics() {
		grp.Go(func() error {
			err := metrics.Serve(ctx, cfg.MetricsAddr, opts.Gatherer, config.MetricsTimeout, logger)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// Central scheduler ----------------------------------------------------
	grp.Go(func() error {
		schedule(cfg, sub, loopDone, ctl.Snapshot, opts, logger)
		return nil
	})

	err := grp.Wait()
	if err != nil {
		logger.WithError(err).Warn("app: background group exited")
	}
	return err
}

// schedule forwards snapshots to the metrics on every cycle and to the
// transmitter whenever they changed or the interval elapsed. It returns
// once the control loop has stopped.
func schedule(
	cfg *config.Config,
	sub <-chan *domain.Snapshot,
	loopDone <-chan struct{},
	final func() *domain.Snapshot,
	opts Options,
	logger *logrus.Logger,
) {
	var (
		latest   *domain.Snapshot
		lastSnap *domain.Snapshot
		lastSent time.Time
	)

	send := func(now time.Time) {
		if opts.Transmitter == nil || latest == nil {
			return
		}
		if err := opts.Transmitter.Transmit(latest); err != nil {
			logger.WithError(err).Warn("MQTT transmit failed")
			// Retry on the next tick even if nothing changed, but still
			// respect the interval for unchanged state.
			lastSnap = nil
			lastSent = now
			return
		}
		lastSnap = latest
		lastSent = now
	}

	ticker := time.NewTicker(config.StateCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-loopDone:
			// The bus may have dropped the last snapshot.
			latest = final()
			if opts.Metrics != nil {
				opts.Metrics.Observe(latest)
			}
			send(time.Now())
			if tx, ok := opts.Transmitter.(*transmission.MQTTTransmitter); ok {
				if err := tx.PublishAvailability(false); err != nil {
					logger.WithError(err).Debug("Failed to publish offline availability")
				}
			}
			return
		case snap, ok := <-sub:
			if !ok {
				return
			}
			latest = snap
			if opts.Metrics != nil {
				opts.Metrics.Observe(snap)
			}
		case <-ticker.C:
			if latest == nil {
				continue
			}
			now := time.Now()
			if !domain.Changed(lastSnap, latest) && now.Sub(lastSent) < cfg.MQTTInterval {
				continue
			}
			send(now)
		}
	}
}
