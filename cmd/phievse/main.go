package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/phievse/phievse/internal/app"
	"github.com/phievse/phievse/internal/charger"
	"github.com/phievse/phievse/internal/config"
	"github.com/phievse/phievse/internal/hal"
	"github.com/phievse/phievse/internal/hal/serialio"
	"github.com/phievse/phievse/internal/hal/sim"
	"github.com/phievse/phievse/internal/metrics"
	"github.com/phievse/phievse/internal/mqtt"
	"github.com/phievse/phievse/internal/transmission"
)

// version is injected at build time via ldflags
var version = "dev"

func main() {
	cfg := parseFlags()
	logger := setupLogger(cfg.Verbose)

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctlCfg, err := config.LoadCalibration(cfg.CalibrationFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load calibration")
	}

	logger.WithFields(logrus.Fields{
		"version":   version,
		"device_id": cfg.DeviceID,
		"simulate":  cfg.Simulate,
		"period":    ctlCfg.Period,
		"mqtt_int":  cfg.MQTTInterval,
	}).Info("Starting PhiEVSE")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("Shutdown signal received")
		cancel()
	}()

	// Hardware -------------------------------------------------------------------
	hw, closeHW, err := openHardware(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open hardware")
	}
	defer closeHW()

	ctl, err := charger.New(hal.NewHandle(hw), ctlCfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create charge controller")
	}

	// Outer surfaces -------------------------------------------------------------
	var opts app.Options

	if cfg.HasMQTT() {
		mqttClient, err := mqtt.NewClient(cfg.MQTTUrl, cfg.DeviceID, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create MQTT client")
		}
		defer mqttClient.Disconnect(250)
		opts.Transmitter = transmission.NewMQTTTransmitter(mqttClient, cfg.DeviceID, cfg.DiscoveryPrefix, version, logger)
		opts.Commands = transmission.NewCommandHandler(mqttClient, ctl, cfg.DeviceID, logger)
		logger.Info("MQTT transmitter ready")
	} else {
		logger.Warn("No MQTT broker configured; station is controlled locally only")
	}

	if cfg.HasMetrics() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Metrics = metrics.New(reg)
		opts.Gatherer = reg
	}

	// Run application ------------------------------------------------------------
	if err := app.Run(ctx, cfg, ctl, opts, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("PhiEVSE stopped with error")
		closeHW()
		os.Exit(1)
	}
	logger.Info("PhiEVSE stopped")
}

// openHardware returns the IO board, or a simulated station with a vehicle
// plugged in and ready.
func openHardware(cfg *config.Config) (hal.Hardware, func(), error) {
	if cfg.Simulate {
		hw := sim.New()
		hw.SetVehicle(sim.VehicleReady)
		return hw, func() {}, nil
	}
	serialCfg := serialio.DefaultConfig(cfg.SerialDevice)
	serialCfg.Baud = cfg.SerialBaud
	serialCfg.ReadTimeout = config.SerialReadTimeout
	board, err := serialio.Open(serialCfg)
	if err != nil {
		return nil, nil, err
	}
	return board, func() { _ = board.Close() }, nil
}

// -----------------------------------------------------------------------------
// Helpers & Flags
// -----------------------------------------------------------------------------

func parseFlags() *config.Config {
	cfg := config.GetDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.StringVar(&cfg.MQTTUrl, "mqtt-url", getEnv("PHIEVSE_MQTT_URL", cfg.MQTTUrl), "MQTT URL")
	flag.StringVar(&cfg.DeviceID, "device-id", getEnv("PHIEVSE_DEVICE_ID", cfg.DeviceID), "Device identifier")
	flag.StringVar(&cfg.DiscoveryPrefix, "discovery-prefix", getEnv("PHIEVSE_DISCOVERY_PREFIX", cfg.DiscoveryPrefix), "HA discovery prefix")
	flag.BoolVar(&cfg.Verbose, "verbose", getEnv("PHIEVSE_VERBOSE", "false") == "true", "Verbose logging")
	flag.BoolVar(&cfg.Simulate, "simulate", getEnv("PHIEVSE_SIMULATE", "false") == "true", "Run against a simulated station")
	flag.StringVar(&cfg.SerialDevice, "serial-device", getEnv("PHIEVSE_SERIAL_DEVICE", cfg.SerialDevice), "IO board serial device")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getEnv("PHIEVSE_METRICS_ADDR", cfg.MetricsAddr), "Prometheus listen address (empty disables)")
	flag.StringVar(&cfg.CalibrationFile, "config", getEnv("PHIEVSE_CONFIG", cfg.CalibrationFile), "YAML calibration file")

	baudStr := flag.String("serial-baud", getEnv("PHIEVSE_SERIAL_BAUD", ""), "IO board baud rate")
	mqttIntervalStr := flag.String("mqtt-interval", getEnv("PHIEVSE_MQTT_INTERVAL", ""), "MQTT republish interval (e.g. 60s)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("phievse %s\n", version)
		os.Exit(0)
	}

	if *baudStr != "" {
		if v, err := strconv.Atoi(*baudStr); err == nil && v > 0 {
			cfg.SerialBaud = v
		}
	}
	// Duration overrides
	if *mqttIntervalStr != "" {
		if d, err := time.ParseDuration(*mqttIntervalStr); err == nil && d > 0 {
			cfg.MQTTInterval = d
		} else if v, err2 := strconv.Atoi(*mqttIntervalStr); err2 == nil && v > 0 {
			cfg.MQTTInterval = time.Duration(v) * time.Second
		}
	}

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setupLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
