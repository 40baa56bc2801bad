package config

import "time"

// Central place for all application-wide timing constants and other defaults.
// Changing a value here immediately affects all components that import
// github.com/phievse/phievse/internal/config.

const (
	// Transmission intervals
	MQTTTransmitInterval = 60 * time.Second // Republish state to MQTT
	StateCheckInterval   = 1 * time.Second  // Look for changed snapshots

	// Operation time-outs (to avoid blocking goroutines)
	MQTTTimeout     = 5 * time.Second  // MQTT publish
	ShutdownTimeout = 30 * time.Second // Wait for the station to become safe on exit
	MetricsTimeout  = 5 * time.Second  // HTTP read/write on the metrics endpoint

	// Serial link
	SerialReadTimeout = 20 * time.Millisecond // One IO board reply
)
