package transmission

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/phievse/phievse/internal/charger"
	"github.com/phievse/phievse/internal/domain"
	"github.com/phievse/phievse/internal/hal"
	"github.com/phievse/phievse/internal/mqtt"
)

// MQTTTransmitter transmits station snapshots via MQTT
type MQTTTransmitter struct {
	client           Publisher
	deviceID         string
	discoveryPrefix  string
	version          string
	logger           *logrus.Logger
	publishedSensors map[string]bool // Tracks published discovery configs
	lastRejection    time.Time
}

// HADiscoveryConfig represents Home Assistant MQTT discovery configuration
type HADiscoveryConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Device            HADevice `json:"device"`
	AvailabilityTopic string   `json:"availability_topic"`
	Icon              string   `json:"icon,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Min               *float64 `json:"min,omitempty"`
	Max               *float64 `json:"max,omitempty"`
	Step              *float64 `json:"step,omitempty"`
}

// HADevice represents the device information for Home Assistant
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// NewMQTTTransmitter creates a new MQTT transmitter
func NewMQTTTransmitter(client Publisher, deviceID, discoveryPrefix, version string, logger *logrus.Logger) *MQTTTransmitter {
	return &MQTTTransmitter{
		client:           client,
		deviceID:         deviceID,
		discoveryPrefix:  discoveryPrefix,
		version:          version,
		logger:           logger,
		publishedSensors: make(map[string]bool),
	}
}

func (t *MQTTTransmitter) device() HADevice {
	return HADevice{
		Identifiers:  []string{fmt.Sprintf("%s_%s", mqtt.TopicRoot, t.deviceID)},
		Name:         "PhiEVSE " + t.deviceID,
		Model:        "AC charging station",
		Manufacturer: "PhiEVSE",
		SWVersion:    t.version,
	}
}

// discoveryConfig builds the discovery payload for one entity.
func (t *MQTTTransmitter) discoveryConfig(sensor SensorConfig) HADiscoveryConfig {
	base := mqtt.BaseTopic(t.deviceID)
	config := HADiscoveryConfig{
		Name:              sensor.Name,
		UniqueID:          fmt.Sprintf("%s_%s", t.deviceID, sensor.EntityID),
		AvailabilityTopic: mqtt.AvailabilityTopic(t.deviceID),
		Device:            t.device(),
		DeviceClass:       sensor.DeviceClass,
		UnitOfMeasurement: sensor.Unit,
		Icon:              sensor.Icon,
		StateClass:        sensor.StateClass,
		EntityCategory:    sensor.Category,
		Min:               sensor.Min,
		Max:               sensor.Max,
		Step:              sensor.Step,
	}
	if sensor.Command != "" {
		config.CommandTopic = fmt.Sprintf("%s/%s", base, sensor.Command)
	}
	// Buttons have no state.
	if sensor.EntityType != "button" {
		config.StateTopic = mqtt.StateTopic(t.deviceID)
		config.ValueTemplate = sensor.ValueTemplate
		if config.ValueTemplate == "" {
			config.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", sensor.EntityID)
		}
	}
	return config
}

// publishDiscoveryForSensor publishes the discovery config for a single entity.
func (t *MQTTTransmitter) publishDiscoveryForSensor(sensor SensorConfig) error {
	config := t.discoveryConfig(sensor)

	// Skip if already published
	if t.publishedSensors[config.UniqueID] {
		return nil
	}

	topic := mqtt.DiscoveryTopic(t.discoveryPrefix, sensor.EntityType, t.deviceID, sensor.EntityID)
	if err := t.publishConfigRaw(topic, config); err != nil {
		return fmt.Errorf("failed to publish %s discovery config: %w", sensor.Name, err)
	}

	t.logger.WithFields(logrus.Fields{
		"entity_id": sensor.EntityID,
		"topic":     topic,
	}).Debug("Published discovery config")

	// Mark as published
	t.publishedSensors[config.UniqueID] = true
	return nil
}

// publishDiscoveryConfigs ensures every entity has its discovery config published.
func (t *MQTTTransmitter) publishDiscoveryConfigs() {
	for _, config := range Entities {
		if err := t.publishDiscoveryForSensor(config); err != nil {
			t.logger.WithError(err).WithField("entity", config.EntityID).Error("Failed to publish discovery config")
			// Continue to the next entity
		}
	}
}

// publishConfigRaw publishes a raw configuration object
func (t *MQTTTransmitter) publishConfigRaw(topic string, config interface{}) error {
	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}

	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish discovery config to %s: %w", topic, err)
	}

	return nil
}

type relayPayload struct {
	Commanded   string `json:"commanded"`
	Sensed      bool   `json:"sensed"`
	Observable  bool   `json:"observable"`
	Consistency string `json:"consistency"`
}

type faultPayload struct {
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	Timestamp string `json:"timestamp"`
}

type requestPayload struct {
	MaxCurrent float64 `json:"max_current"`
	Phases     int     `json:"phases"`
}

type rejectionPayload struct {
	Request   requestPayload `json:"request"`
	Reason    string         `json:"reason"`
	Timestamp string         `json:"timestamp"`
}

// StatePayload is the JSON document published on the state topic.
type StatePayload struct {
	State               string                  `json:"state"`
	PowerEnabled        bool                    `json:"power_enabled"`
	Phases              int                     `json:"phases"`
	AdvertisedCurrent   float64                 `json:"advertised_current"`
	CurrentL1           float64                 `json:"current_l1"`
	CurrentL2           float64                 `json:"current_l2"`
	CurrentL3           float64                 `json:"current_l3"`
	Power               float64                 `json:"power"`
	ThreePhaseAvailable bool                    `json:"three_phase_available"`
	Pilot               string                  `json:"pilot"`
	PilotDuty           int                     `json:"pilot_duty"`
	Relays              map[string]relayPayload `json:"relays"`
	Fault               *faultPayload           `json:"fault"`
	Request             *requestPayload         `json:"request"`
	Rejection           *rejectionPayload       `json:"rejection,omitempty"`
	Overruns            uint64                  `json:"overruns"`
	Cycle               uint64                  `json:"cycle"`
	Timestamp           string                  `json:"timestamp"`
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

// BuildStatePayload converts a snapshot into its state document.
func BuildStatePayload(snap *domain.Snapshot) StatePayload {
	p := StatePayload{
		State:               snap.State.String(),
		PowerEnabled:        snap.Decision.PowerEnabled,
		Phases:              int(snap.Decision.Phases),
		AdvertisedCurrent:   snap.Decision.MaxCurrentAmps,
		CurrentL1:           round1(snap.Currents[0].Amps),
		CurrentL2:           round1(snap.Currents[1].Amps),
		CurrentL3:           round1(snap.Currents[2].Amps),
		Power:               float64(int64(snap.PowerWatts(charger.NominalVolts) + 0.5)),
		ThreePhaseAvailable: snap.PhaseAvailable.Count() == 3,
		Pilot:               snap.Pilot.String(),
		PilotDuty:           snap.PilotDuty,
		Relays:              make(map[string]relayPayload, hal.NumRelays),
		Overruns:            snap.Overruns,
		Cycle:               snap.Cycle,
		Timestamp:           snap.Time.UTC().Format(time.RFC3339),
	}
	for _, r := range snap.Relays {
		p.Relays[r.Relay.String()] = relayPayload{
			Commanded:   r.Commanded.String(),
			Sensed:      r.Sensed,
			Observable:  r.Observable,
			Consistency: r.Consistency.String(),
		}
	}
	if f := snap.Fault; f != nil {
		p.Fault = &faultPayload{Kind: f.Kind.String(), Detail: f.Detail, Timestamp: f.Timestamp.UTC().Format(time.RFC3339)}
	}
	if r := snap.Request; r != nil {
		p.Request = &requestPayload{MaxCurrent: r.MaxCurrentAmps, Phases: int(r.Phases)}
	}
	if r := snap.Rejection; r != nil {
		p.Rejection = &rejectionPayload{
			Request:   requestPayload{MaxCurrent: r.Request.MaxCurrentAmps, Phases: int(r.Request.Phases)},
			Reason:    r.Reason,
			Timestamp: r.At.UTC().Format(time.RFC3339),
		}
	}
	return p
}

// Transmit sends a snapshot to MQTT
func (t *MQTTTransmitter) Transmit(snap *domain.Snapshot) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if snap == nil {
		return nil
	}

	// Publish discovery config for entities if it hasn't been done
	t.publishDiscoveryConfigs()

	payload, err := json.Marshal(BuildStatePayload(snap))
	if err != nil {
		return fmt.Errorf("failed to build state payload: %w", err)
	}
	topic := mqtt.StateTopic(t.deviceID)
	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish state to %s: %w", topic, err)
	}

	// Requests refused by the control loop go out once on the rejected topic.
	if r := snap.Rejection; r != nil && !r.At.Equal(t.lastRejection) {
		body, err := json.Marshal(RejectedCommand{
			Topic:     mqtt.BaseTopic(t.deviceID),
			Payload:   fmt.Sprintf("%.1f A %s", r.Request.MaxCurrentAmps, r.Request.Phases),
			Error:     r.Reason,
			Timestamp: r.At.UTC().Format(time.RFC3339),
		})
		if err == nil && t.client.Publish(mqtt.BaseTopic(t.deviceID)+"/rejected", body, false) == nil {
			t.lastRejection = r.At
		}
	}

	// Publish availability
	if err := t.PublishAvailability(true); err != nil {
		return fmt.Errorf("failed to publish availability: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"topic": topic,
		"state": snap.State,
		"cycle": snap.Cycle,
	}).Debug("Published station state")
	return nil
}

// PublishAvailability publishes the availability status
func (t *MQTTTransmitter) PublishAvailability(online bool) error {
	payload := "online"
	if !online {
		payload = "offline"
	}

	topic := mqtt.AvailabilityTopic(t.deviceID)
	if err := t.client.Publish(topic, []byte(payload), true); err != nil {
		return fmt.Errorf("failed to publish availability to %s: %w", topic, err)
	}
	return nil
}

// IsConnected checks if the MQTT client is connected
func (t *MQTTTransmitter) IsConnected() bool {
	return t.client.IsConnected()
}
