package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds all configuration options for the phievse daemon
type Config struct {
	// MQTT Configuration
	MQTTUrl         string        `json:"mqtt_url"`         // MQTT URL (supports both WebSocket and standard MQTT)
	DiscoveryPrefix string        `json:"discovery_prefix"` // Home Assistant discovery prefix
	MQTTInterval    time.Duration `json:"mqtt_interval"`    // Republish state at least this often

	// Device Configuration
	DeviceID string `json:"device_id"` // Unique device identifier

	// Application Configuration
	Verbose     bool   `json:"verbose"`      // Enable verbose logging
	MetricsAddr string `json:"metrics_addr"` // Prometheus listen address, empty disables

	// Hardware Configuration
	Simulate     bool   `json:"simulate"`      // Run against the simulated station
	SerialDevice string `json:"serial_device"` // IO board serial device
	SerialBaud   int    `json:"serial_baud"`   // IO board baud rate

	// Calibration file (YAML), optional
	CalibrationFile string `json:"calibration_file"`
}

// GetDefaultConfig returns a configuration with sensible defaults
func GetDefaultConfig() *Config {
	return &Config{
		DiscoveryPrefix: "homeassistant",
		MQTTInterval:    MQTTTransmitInterval,
		DeviceID:        "phievse",
		Verbose:         false,
		MetricsAddr:     ":9108",
		SerialDevice:    "/dev/ttyUSB0",
		SerialBaud:      115200,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Basic validation
	if c.DeviceID == "" {
		return fmt.Errorf("device ID is required")
	}
	if strings.ContainsAny(c.DeviceID, "/+# ") {
		return fmt.Errorf("device ID %q must not contain MQTT wildcards, slashes or spaces", c.DeviceID)
	}

	// MQTT validation - support both WebSocket and standard MQTT protocols
	if c.MQTTUrl != "" {
		if !strings.HasPrefix(c.MQTTUrl, "ws://") &&
			!strings.HasPrefix(c.MQTTUrl, "wss://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtt://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtts://") {
			return fmt.Errorf("MQTT URL must use supported protocol (ws://, wss://, mqtt://, or mqtts://)")
		}
	}

	if !c.Simulate && c.SerialDevice == "" {
		return fmt.Errorf("serial device is required unless simulating")
	}

	// Set defaults for invalid values
	if c.MQTTInterval <= 0 {
		c.MQTTInterval = MQTTTransmitInterval
	}
	if c.SerialBaud <= 0 {
		c.SerialBaud = 115200
	}

	return nil
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool {
	return c.MQTTUrl != ""
}

// HasMetrics returns true if the metrics endpoint is enabled
func (c *Config) HasMetrics() bool {
	return c.MetricsAddr != ""
}
