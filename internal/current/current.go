// Package current measures per-phase AC current and classifies it against
// the hard ceiling and the advertised limit.
package current

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/phievse/phievse/internal/evse"
	"github.com/phievse/phievse/internal/stable"
)

// Class is the risk classification of a smoothed reading.
type Class int

const (
	Within Class = iota
	OverRequested
	OverLimit
)

func (c Class) String() string {
	switch c {
	case Within:
		return "within"
	case OverRequested:
		return "over_requested"
	case OverLimit:
		return "over_limit"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Reading is the smoothed current of one line.
type Reading struct {
	Amps float64   `json:"amps"`
	At   time.Time `json:"at"`
}

// Config holds the measurement and protection parameters.
type Config struct {
	// CeilingAmps is the hard, breaker-derived limit per line.
	CeilingAmps [evse.NumLines]float64
	// Gain corrects each line's transformer/shunt ratio.
	Gain [evse.NumLines]float64
	// DeadzoneAmps suppresses readings below the noise floor.
	DeadzoneAmps float64
	// Window is the moving-average length in samples.
	Window int
	// OverRequestMarginAmps is the default tolerance above the advertised limit.
	OverRequestMarginAmps float64
	// OverRequestSamples is how long an over-request must persist.
	OverRequestSamples int
	// ErrorLimit is the number of consecutive failed reads tolerated per line.
	ErrorLimit int
}

// DefaultConfig returns values for a 32 A three-phase supply.
func DefaultConfig() Config {
	return Config{
		CeilingAmps:           [evse.NumLines]float64{32, 32, 32},
		Gain:                  [evse.NumLines]float64{1, 1, 1},
		DeadzoneAmps:          0.5,
		Window:                4,
		OverRequestMarginAmps: 4,
		OverRequestSamples:    100,
		ErrorLimit:            3,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	for i, v := range c.CeilingAmps {
		if v <= 0 {
			return fmt.Errorf("current: ceiling for %s must be positive", evse.Lines[i])
		}
		if c.Gain[i] <= 0 {
			return fmt.Errorf("current: gain for %s must be positive", evse.Lines[i])
		}
	}
	if c.Window < 1 {
		return errors.New("current: window must be at least one sample")
	}
	if c.OverRequestSamples < 1 {
		return errors.New("current: over-request samples must be at least one")
	}
	if c.ErrorLimit < 1 {
		return errors.New("current: error limit must be at least one")
	}
	return nil
}

// minSamples is the shortest burst whose DC offset can be removed without
// cancelling the signal itself.
const minSamples = 2

// Source provides raw current samples.
type Source interface {
	ReadCurrent(line evse.Line) ([]float64, error)
}

type lineState struct {
	history    []float64
	next       int
	filled     int
	reading    Reading
	errors     int
	classifier *stable.Classifier[Class]
}

// Monitor keeps the smoothed current of every line.
type Monitor struct {
	src       Source
	cfg       Config
	requested float64
	margin    float64
	lines     [evse.NumLines]*lineState
}

// New creates a monitor. The requested current starts at zero.
func New(src Source, cfg Config) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{src: src, cfg: cfg, margin: cfg.OverRequestMarginAmps}
	for i := range m.lines {
		m.lines[i] = &lineState{
			history:    make([]float64, cfg.Window),
			classifier: stable.New(m.bands(evse.Line(i)), Within, 1),
		}
	}
	return m, nil
}

func (m *Monitor) bands(line evse.Line) []stable.Band[Class] {
	threshold := math.Min(m.requested+m.margin, m.cfg.CeilingAmps[line])
	return []stable.Band[Class]{
		{Low: math.Inf(-1), High: threshold, Class: Within},
		{Low: threshold, High: math.Inf(1), Class: OverRequested, Confirm: m.cfg.OverRequestSamples},
	}
}

func (m *Monitor) rebuild() {
	for i, ls := range m.lines {
		ls.classifier.SetBands(m.bands(evse.Line(i)))
	}
}

// SetRequested updates the advertised current the vehicle should respect.
func (m *Monitor) SetRequested(amps float64) {
	if amps == m.requested {
		return
	}
	m.requested = amps
	m.rebuild()
}

// Requested returns the advertised current the monitor compares against.
func (m *Monitor) Requested() float64 { return m.requested }

// Sample reads every line once. A read error leaves that line's reading
// unchanged; the returned error joins all failures of this cycle.
func (m *Monitor) Sample(now time.Time) error {
	var errs []error
	for i, ls := range m.lines {
		line := evse.Line(i)
		samples, err := m.src.ReadCurrent(line)
		if err == nil && len(samples) < minSamples {
			err = fmt.Errorf("%d samples in burst, need %d", len(samples), minSamples)
		}
		if err != nil {
			ls.errors++
			errs = append(errs, fmt.Errorf("read %s: %w", line, err))
			continue
		}
		ls.errors = 0

		rms := rmsAC(samples) * m.cfg.Gain[i]
		if rms < m.cfg.DeadzoneAmps {
			rms = 0
		}
		ls.history[ls.next] = rms
		ls.next = (ls.next + 1) % len(ls.history)
		if ls.filled < len(ls.history) {
			ls.filled++
		}
		ls.reading = Reading{Amps: ls.smoothed(), At: now}
		ls.classifier.Observe(ls.reading.Amps)
	}
	return errors.Join(errs...)
}

func (ls *lineState) smoothed() float64 {
	var sum float64
	for i := 0; i < ls.filled; i++ {
		sum += ls.history[i]
	}
	return sum / float64(ls.filled)
}

// rmsAC returns the RMS of samples after removing their DC offset.
func rmsAC(samples []float64) float64 {
	var mean float64
	for _, s := range samples {
		mean += s
	}
	mean /= float64(len(samples))

	var sq float64
	for _, s := range samples {
		d := s - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(samples)))
}

// Reading returns the smoothed reading of a line.
func (m *Monitor) Reading(line evse.Line) Reading { return m.lines[line].reading }

// Readings returns a copy of all smoothed readings.
func (m *Monitor) Readings() [evse.NumLines]Reading {
	var out [evse.NumLines]Reading
	for i, ls := range m.lines {
		out[i] = ls.reading
	}
	return out
}

// Class returns the classification of a line. OverLimit is not debounced
// beyond the moving average; OverRequested is.
func (m *Monitor) Class(line evse.Line) Class {
	if m.IsOverLimit(line) {
		return OverLimit
	}
	return m.lines[line].classifier.Stable()
}

// IsOverLimit reports whether the smoothed reading exceeds the hard ceiling.
// A reading exactly at the ceiling is allowed.
func (m *Monitor) IsOverLimit(line evse.Line) bool {
	return m.lines[line].reading.Amps > m.cfg.CeilingAmps[line]
}

// IsOverRequested reports whether the line has stayed more than marginAmps
// above the advertised current for the configured number of samples. A new
// margin applies from the next sample on.
func (m *Monitor) IsOverRequested(line evse.Line, marginAmps float64) bool {
	if marginAmps != m.margin {
		m.margin = marginAmps
		m.rebuild()
	}
	return m.lines[line].classifier.Stable() == OverRequested
}

// SensorFailed returns the first line whose reads failed ErrorLimit times in a row.
func (m *Monitor) SensorFailed() (evse.Line, bool) {
	for i, ls := range m.lines {
		if ls.errors >= m.cfg.ErrorLimit {
			return evse.Line(i), true
		}
	}
	return 0, false
}

// Reset clears smoothing history and sustained-violation counters.
func (m *Monitor) Reset() {
	for _, ls := range m.lines {
		for i := range ls.history {
			ls.history[i] = 0
		}
		ls.next, ls.filled, ls.errors = 0, 0, 0
		ls.reading = Reading{}
		ls.classifier.Reset(Within)
	}
}
