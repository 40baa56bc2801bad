// Package feedback samples the AC-presence sensors behind each relay and the
// three-phase supply input.
package feedback

import (
	"errors"
	"fmt"
	"math"

	"github.com/phievse/phievse/internal/evse"
	"github.com/phievse/phievse/internal/hal"
	"github.com/phievse/phievse/internal/stable"
)

// Config holds the debounce parameters.
type Config struct {
	// DebounceSamples is how many identical readings change a sensor's state.
	DebounceSamples int
	// ErrorLimit is the number of consecutive failed reads tolerated per sensor.
	ErrorLimit int
}

// DefaultConfig returns the default debounce parameters.
func DefaultConfig() Config {
	return Config{DebounceSamples: 2, ErrorLimit: 3}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DebounceSamples < 1 {
		return errors.New("feedback: debounce samples must be at least one")
	}
	if c.ErrorLimit < 1 {
		return errors.New("feedback: error limit must be at least one")
	}
	return nil
}

// Source reports AC presence at a sensing point.
type Source interface {
	SenseAC(s hal.Sensor) (bool, error)
}

// Sensed is the debounced AC presence of every sensing point.
type Sensed [hal.NumSensors]bool

// Relay returns whether AC is present behind r.
func (s Sensed) Relay(r hal.Relay) bool { return s[hal.SensorFor(r)] }

// ThreePhaseInput reports whether L2/L3 are present on the supply side.
func (s Sensed) ThreePhaseInput() bool { return s[hal.SenseThreePhaseInput] }

var presenceBands = []stable.Band[bool]{
	{Low: math.Inf(-1), High: 0.5, Class: false},
	{Low: 0.5, High: math.Inf(1), Class: true},
}

// Reader debounces the AC-presence inputs.
type Reader struct {
	src         Source
	cfg         Config
	classifiers [hal.NumSensors]*stable.Classifier[bool]
	errors      [hal.NumSensors]int
}

// New creates a reader. Every sensor starts as "no AC".
func New(src Source, cfg Config) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Reader{src: src, cfg: cfg}
	for i := range r.classifiers {
		r.classifiers[i] = stable.New(presenceBands, false, cfg.DebounceSamples)
	}
	return r, nil
}

// Sample reads every sensor once and returns the debounced states. Failed
// reads keep the previous state and are joined into the returned error.
func (r *Reader) Sample() (Sensed, error) {
	var errs []error
	for i, c := range r.classifiers {
		s := hal.Sensor(i)
		present, err := r.src.SenseAC(s)
		if err != nil {
			r.errors[i]++
			c.ObserveUnknown()
			errs = append(errs, fmt.Errorf("sense %s: %w", s, err))
			continue
		}
		r.errors[i] = 0
		v := 0.0
		if present {
			v = 1
		}
		c.Observe(v)
	}
	return r.Sensed(), errors.Join(errs...)
}

// Sensed returns the debounced states without sampling.
func (r *Reader) Sensed() Sensed {
	var out Sensed
	for i, c := range r.classifiers {
		out[i] = c.Stable()
	}
	return out
}

// PhaseAvailable returns the highest phase count the supply can deliver.
func (r *Reader) PhaseAvailable() evse.Phases {
	if r.classifiers[hal.SenseThreePhaseInput].Stable() {
		return evse.ThreePhase
	}
	return evse.OnePhase
}

// SensorFailed returns the first sensor whose reads failed ErrorLimit times in a row.
func (r *Reader) SensorFailed() (hal.Sensor, bool) {
	for i, n := range r.errors {
		if n >= r.cfg.ErrorLimit {
			return hal.Sensor(i), true
		}
	}
	return 0, false
}
