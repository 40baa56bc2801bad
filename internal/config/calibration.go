package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phievse/phievse/internal/charger"
	"github.com/phievse/phievse/internal/evse"
	"github.com/phievse/phievse/internal/pilot"
)

// Calibration is the YAML view of the controller configuration. Keys left
// out of the file keep their default values.
type Calibration struct {
	Period            time.Duration `yaml:"period"`
	WatchdogTimeout   time.Duration `yaml:"watchdog_timeout"`
	SettleTime        time.Duration `yaml:"settle_time"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	OnePhaseMaxAmps   float64       `yaml:"one_phase_max_amps"`
	ThreePhaseMaxAmps float64       `yaml:"three_phase_max_amps"`
	UnknownPilotLimit int           `yaml:"unknown_pilot_limit"`

	Pilot    PilotCalibration    `yaml:"pilot"`
	Current  CurrentCalibration  `yaml:"current"`
	Feedback FeedbackCalibration `yaml:"feedback"`
}

type PilotCalibration struct {
	Duty                 []pilot.DutyPoint         `yaml:"duty"`
	MinAmps              float64                   `yaml:"min_amps"`
	MaxAmps              float64                   `yaml:"max_amps"`
	Bands                map[string]MillivoltRange `yaml:"bands"`
	Negative             MillivoltRange            `yaml:"negative"`
	DebounceSamples      int                       `yaml:"debounce_samples"`
	HysteresisMillivolts int                       `yaml:"hysteresis_mv"`
}

// MillivoltRange is the half-open window (Low, High].
type MillivoltRange struct {
	Low  int `yaml:"low_mv"`
	High int `yaml:"high_mv"`
}

type CurrentCalibration struct {
	CeilingAmps           []float64 `yaml:"ceiling_amps"`
	Gain                  []float64 `yaml:"gain"`
	DeadzoneAmps          float64   `yaml:"deadzone_amps"`
	Window                int       `yaml:"window"`
	OverRequestMarginAmps float64   `yaml:"over_request_margin_amps"`
	OverRequestSamples    int       `yaml:"over_request_samples"`
	ErrorLimit            int       `yaml:"error_limit"`
}

type FeedbackCalibration struct {
	DebounceSamples int `yaml:"debounce_samples"`
	ErrorLimit      int `yaml:"error_limit"`
}

// CalibrationFrom builds the YAML view of cfg.
func CalibrationFrom(cfg charger.Config) Calibration {
	bands := make(map[string]MillivoltRange, len(cfg.Pilot.Bands))
	for _, b := range cfg.Pilot.Bands {
		bands[b.Level.String()] = MillivoltRange{Low: b.LowMillivolts, High: b.HighMillivolts}
	}
	return Calibration{
		Period:            cfg.Period,
		WatchdogTimeout:   cfg.WatchdogTimeout,
		SettleTime:        cfg.SettleTime,
		StopTimeout:       cfg.StopTimeout,
		OnePhaseMaxAmps:   cfg.OnePhaseMaxAmps,
		ThreePhaseMaxAmps: cfg.ThreePhaseMaxAmps,
		UnknownPilotLimit: cfg.UnknownPilotLimit,
		Pilot: PilotCalibration{
			Duty:                 append([]pilot.DutyPoint(nil), cfg.Pilot.Duty...),
			MinAmps:              cfg.Pilot.MinAmps,
			MaxAmps:              cfg.Pilot.MaxAmps,
			Bands:                bands,
			Negative:             MillivoltRange{Low: cfg.Pilot.NegativeLowMillivolts, High: cfg.Pilot.NegativeHighMillivolts},
			DebounceSamples:      cfg.Pilot.DebounceSamples,
			HysteresisMillivolts: cfg.Pilot.HysteresisMillivolts,
		},
		Current: CurrentCalibration{
			CeilingAmps:           cfg.Current.CeilingAmps[:],
			Gain:                  cfg.Current.Gain[:],
			DeadzoneAmps:          cfg.Current.DeadzoneAmps,
			Window:                cfg.Current.Window,
			OverRequestMarginAmps: cfg.Current.OverRequestMarginAmps,
			OverRequestSamples:    cfg.Current.OverRequestSamples,
			ErrorLimit:            cfg.Current.ErrorLimit,
		},
		Feedback: FeedbackCalibration{
			DebounceSamples: cfg.Feedback.DebounceSamples,
			ErrorLimit:      cfg.Feedback.ErrorLimit,
		},
	}
}

// Apply converts the calibration back into a controller configuration.
func (c Calibration) Apply() (charger.Config, error) {
	cfg := charger.Config{
		Period:            c.Period,
		WatchdogTimeout:   c.WatchdogTimeout,
		SettleTime:        c.SettleTime,
		StopTimeout:       c.StopTimeout,
		OnePhaseMaxAmps:   c.OnePhaseMaxAmps,
		ThreePhaseMaxAmps: c.ThreePhaseMaxAmps,
		UnknownPilotLimit: c.UnknownPilotLimit,
	}

	cfg.Pilot = pilot.Config{
		Duty:                   c.Pilot.Duty,
		MinAmps:                c.Pilot.MinAmps,
		MaxAmps:                c.Pilot.MaxAmps,
		NegativeLowMillivolts:  c.Pilot.Negative.Low,
		NegativeHighMillivolts: c.Pilot.Negative.High,
		DebounceSamples:        c.Pilot.DebounceSamples,
		HysteresisMillivolts:   c.Pilot.HysteresisMillivolts,
	}
	// Keep the band order stable so that lookups are deterministic.
	for l := pilot.NotConnected; l < pilot.Unknown; l++ {
		r, ok := c.Pilot.Bands[l.String()]
		if !ok {
			continue
		}
		cfg.Pilot.Bands = append(cfg.Pilot.Bands, pilot.LevelBand{Level: l, LowMillivolts: r.Low, HighMillivolts: r.High})
	}
	for name := range c.Pilot.Bands {
		if l, err := pilot.ParseLevel(name); err != nil || l == pilot.Unknown {
			return charger.Config{}, fmt.Errorf("config: unknown pilot band %q", name)
		}
	}

	if len(c.Current.CeilingAmps) != evse.NumLines || len(c.Current.Gain) != evse.NumLines {
		return charger.Config{}, fmt.Errorf("config: ceiling_amps and gain need %d values", evse.NumLines)
	}
	copy(cfg.Current.CeilingAmps[:], c.Current.CeilingAmps)
	copy(cfg.Current.Gain[:], c.Current.Gain)
	cfg.Current.DeadzoneAmps = c.Current.DeadzoneAmps
	cfg.Current.Window = c.Current.Window
	cfg.Current.OverRequestMarginAmps = c.Current.OverRequestMarginAmps
	cfg.Current.OverRequestSamples = c.Current.OverRequestSamples
	cfg.Current.ErrorLimit = c.Current.ErrorLimit

	cfg.Feedback.DebounceSamples = c.Feedback.DebounceSamples
	cfg.Feedback.ErrorLimit = c.Feedback.ErrorLimit

	if err := cfg.Validate(); err != nil {
		return charger.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadCalibration overlays the YAML file at path onto the default
// controller configuration. An empty path returns the defaults.
func LoadCalibration(path string) (charger.Config, error) {
	cal := CalibrationFrom(charger.DefaultConfig())
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return charger.Config{}, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cal); err != nil {
			return charger.Config{}, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	return cal.Apply()
}
