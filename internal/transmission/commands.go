package transmission

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/guregu/null"
	"github.com/sirupsen/logrus"

	"github.com/phievse/phievse/internal/domain"
	"github.com/phievse/phievse/internal/evse"
	"github.com/phievse/phievse/internal/mqtt"
)

// Station is the inbound surface of the charge controller.
type Station interface {
	RequestChargeParameters(maxCurrentAmps float64, phases evse.Phases) error
	RequestChargePower(watts float64) error
	RequestStop()
	ClearFault()
	Snapshot() *domain.Snapshot
}

var (
	errNoCurrent = errors.New("no current requested yet")
	errEmpty     = errors.New("empty charge command")
)

// ChargeCommand is the payload of the set/charge topic. MaxPower takes
// precedence over MaxCurrent.
type ChargeCommand struct {
	MaxCurrent null.Float `json:"max_current"`
	Phases     null.Int   `json:"phases"`
	MaxPower   null.Float `json:"max_power"`
}

// RejectedCommand is published when a request cannot be applied.
type RejectedCommand struct {
	Topic     string `json:"topic"`
	Payload   string `json:"payload"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp,omitempty"`
}

// CommandHandler maps command topics onto controller requests.
type CommandHandler struct {
	client   Publisher
	station  Station
	deviceID string
	logger   *logrus.Logger
	onReject func()
}

// NewCommandHandler creates a handler for the device's command topics.
func NewCommandHandler(client Publisher, station Station, deviceID string, logger *logrus.Logger) *CommandHandler {
	return &CommandHandler{
		client:   client,
		station:  station,
		deviceID: deviceID,
		logger:   logger,
	}
}

func (h *CommandHandler) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", mqtt.BaseTopic(h.deviceID), suffix)
}

// OnReject registers fn to be called for every rejected command. It must
// be set before Subscribe.
func (h *CommandHandler) OnReject(fn func()) { h.onReject = fn }

// RejectedTopic returns the topic rejections are published on.
func (h *CommandHandler) RejectedTopic() string { return h.topic("rejected") }

func (h *CommandHandler) routes() map[string]func([]byte) error {
	return map[string]func([]byte) error{
		"set/max_current": h.setMaxCurrent,
		"set/phases":      h.setPhases,
		"set/max_power":   h.setMaxPower,
		"set/charge":      h.setCharge,
		"cmd/stop":        func([]byte) error { h.station.RequestStop(); return nil },
		"cmd/clear_fault": func([]byte) error { h.station.ClearFault(); return nil },
	}
}

// Subscribe registers a handler for every command topic.
func (h *CommandHandler) Subscribe() error {
	for suffix, fn := range h.routes() {
		topic := h.topic(suffix)
		if err := h.client.Subscribe(topic, h.handler(fn)); err != nil {
			return err
		}
	}
	h.logger.WithField("base_topic", mqtt.BaseTopic(h.deviceID)).Info("Subscribed to command topics")
	return nil
}

func (h *CommandHandler) handler(fn func([]byte) error) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		log := h.logger.WithFields(logrus.Fields{
			"topic":   msg.Topic(),
			"payload": string(msg.Payload()),
		})
		// A retained command would be replayed on every reconnect.
		if msg.Retained() {
			log.Warn("Ignoring retained command")
			return
		}
		if err := fn(msg.Payload()); err != nil {
			log.WithError(err).Warn("Rejected command")
			h.reject(msg.Topic(), msg.Payload(), err)
			return
		}
		log.Info("Applied command")
	}
}

func (h *CommandHandler) reject(topic string, payload []byte, cause error) {
	if h.onReject != nil {
		h.onReject()
	}
	body, err := json.Marshal(RejectedCommand{Topic: topic, Payload: string(payload), Error: cause.Error()})
	if err != nil {
		return
	}
	if err := h.client.Publish(h.RejectedTopic(), body, false); err != nil {
		h.logger.WithError(err).Warn("Failed to publish rejection")
	}
}

func parseNumber(payload []byte) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", strings.TrimSpace(string(payload)))
	}
	return v, nil
}

func parsePhases(v int64) (evse.Phases, error) {
	p := evse.Phases(v)
	if !p.Valid() {
		return 0, fmt.Errorf("phases must be 1 or 3, got %d", v)
	}
	return p, nil
}

// defaultPhases keeps the phase count of the pending request, or uses every
// phase the supply offers.
func (h *CommandHandler) defaultPhases() evse.Phases {
	snap := h.station.Snapshot()
	if snap.Request != nil {
		return snap.Request.Phases
	}
	if snap.PhaseAvailable == evse.ThreePhase {
		return evse.ThreePhase
	}
	return evse.OnePhase
}

func (h *CommandHandler) setMaxCurrent(payload []byte) error {
	amps, err := parseNumber(payload)
	if err != nil {
		return err
	}
	return h.station.RequestChargeParameters(amps, h.defaultPhases())
}

func (h *CommandHandler) setPhases(payload []byte) error {
	n, err := parseNumber(payload)
	if err != nil {
		return err
	}
	if n != math.Trunc(n) {
		return fmt.Errorf("phases must be 1 or 3, got %v", n)
	}
	phases, err := parsePhases(int64(n))
	if err != nil {
		return err
	}
	req := h.station.Snapshot().Request
	if req == nil {
		return errNoCurrent
	}
	return h.station.RequestChargeParameters(req.MaxCurrentAmps, phases)
}

func (h *CommandHandler) setMaxPower(payload []byte) error {
	watts, err := parseNumber(payload)
	if err != nil {
		return err
	}
	return h.station.RequestChargePower(watts)
}

func (h *CommandHandler) setCharge(payload []byte) error {
	var cmd ChargeCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("invalid charge command: %w", err)
	}
	if cmd.MaxPower.Valid {
		return h.station.RequestChargePower(cmd.MaxPower.Float64)
	}
	if !cmd.MaxCurrent.Valid {
		return errEmpty
	}
	phases := h.defaultPhases()
	if cmd.Phases.Valid {
		p, err := parsePhases(cmd.Phases.Int64)
		if err != nil {
			return err
		}
		phases = p
	}
	return h.station.RequestChargeParameters(cmd.MaxCurrent.Float64, phases)
}
