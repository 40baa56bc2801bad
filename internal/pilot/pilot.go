// Package pilot drives the control-pilot PWM and classifies the voltage the
// vehicle presents on the pilot line.
package pilot

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/phievse/phievse/internal/hal"
	"github.com/phievse/phievse/internal/stable"
)

// Level is the classified pilot state.
type Level int

const (
	NotConnected Level = iota
	Connected
	ReadyToCharge
	ChargingWithVentilation
	Fault
	Unknown
)

func (l Level) String() string {
	switch l {
	case NotConnected:
		return "not_connected"
	case Connected:
		return "connected"
	case ReadyToCharge:
		return "ready"
	case ChargingWithVentilation:
		return "ready_ventilation"
	case Fault:
		return "fault"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel is the inverse of Level.String.
func ParseLevel(s string) (Level, error) {
	for l := NotConnected; l <= Unknown; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return Unknown, fmt.Errorf("pilot: unknown level %q", s)
}

// PowerAllowed reports whether the vehicle is requesting energy.
func (l Level) PowerAllowed() bool {
	return l == ReadyToCharge || l == ChargingWithVentilation
}

// DutyPoint is one entry of the duty calibration table.
type DutyPoint struct {
	Amps     float64 `yaml:"amps"`
	Permille float64 `yaml:"permille"`
}

// LevelBand maps a high-plateau voltage window (LowMillivolts, HighMillivolts] to a level.
type LevelBand struct {
	Level          Level `yaml:"-"`
	LowMillivolts  int   `yaml:"low_mv"`
	HighMillivolts int   `yaml:"high_mv"`
}

// Config is the pilot calibration.
type Config struct {
	// Duty is the current-to-duty table, interpolated linearly.
	Duty    []DutyPoint
	MinAmps float64
	MaxAmps float64

	Bands []LevelBand
	// NegativeLowMillivolts/NegativeHighMillivolts bound the expected low
	// plateau while PWM is active (vehicle diode check).
	NegativeLowMillivolts  int
	NegativeHighMillivolts int

	DebounceSamples      int
	HysteresisMillivolts int
}

// DefaultConfig returns IEC 61851-1 values: duty% = A / 0.6 between 6 A
// and 51 A, pilot at +12/+9/+6/+3/0 V for states A to E.
func DefaultConfig() Config {
	return Config{
		Duty: []DutyPoint{
			{Amps: 6, Permille: 100},
			{Amps: 51, Permille: 850},
		},
		MinAmps: 6,
		MaxAmps: 32,
		Bands: []LevelBand{
			{Level: NotConnected, LowMillivolts: 10500, HighMillivolts: 13500},
			{Level: Connected, LowMillivolts: 7500, HighMillivolts: 10500},
			{Level: ReadyToCharge, LowMillivolts: 4500, HighMillivolts: 7500},
			{Level: ChargingWithVentilation, LowMillivolts: 1500, HighMillivolts: 4500},
			{Level: Fault, LowMillivolts: -1500, HighMillivolts: 1500},
		},
		NegativeLowMillivolts:  -13500,
		NegativeHighMillivolts: -10500,
		DebounceSamples:        3,
		HysteresisMillivolts:   200,
	}
}

// Validate checks the calibration for internal consistency.
func (c Config) Validate() error {
	if len(c.Duty) < 2 {
		return errors.New("pilot: duty table needs at least two points")
	}
	for i := 1; i < len(c.Duty); i++ {
		if c.Duty[i].Amps <= c.Duty[i-1].Amps {
			return fmt.Errorf("pilot: duty table not ascending at %.1f A", c.Duty[i].Amps)
		}
	}
	for _, p := range c.Duty {
		if p.Permille < 0 || p.Permille > hal.MaxDuty {
			return fmt.Errorf("pilot: duty %.1f‰ out of range", p.Permille)
		}
	}
	if c.MinAmps <= 0 || c.MaxAmps < c.MinAmps {
		return fmt.Errorf("pilot: invalid current range [%.1f, %.1f]", c.MinAmps, c.MaxAmps)
	}
	if len(c.Bands) == 0 {
		return errors.New("pilot: no level bands")
	}
	for _, b := range c.Bands {
		if b.HighMillivolts <= b.LowMillivolts {
			return fmt.Errorf("pilot: empty band for %s", b.Level)
		}
	}
	if c.NegativeHighMillivolts <= c.NegativeLowMillivolts {
		return errors.New("pilot: empty negative plateau band")
	}
	if c.DebounceSamples < 1 {
		return errors.New("pilot: debounce samples must be at least one")
	}
	return nil
}

// DutyFor returns the permille duty encoding amps and the current actually
// advertised. Requests below MinAmps map to the unavailable signal (100 %).
func (c Config) DutyFor(amps float64) (int, float64) {
	if amps <= 0 || amps < c.MinAmps || math.IsNaN(amps) {
		return hal.MaxDuty, 0
	}
	if amps > c.MaxAmps {
		amps = c.MaxAmps
	}

	pts := c.Duty
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Amps >= amps })
	var permille float64
	switch {
	case i == 0:
		permille = pts[0].Permille
	case i == len(pts):
		permille = pts[len(pts)-1].Permille
	default:
		a, b := pts[i-1], pts[i]
		permille = a.Permille + (amps-a.Amps)*(b.Permille-a.Permille)/(b.Amps-a.Amps)
	}
	return int(math.Round(permille)), amps
}

// Port is the slice of the hardware the pilot uses.
type Port interface {
	SetPilotDuty(permille int) error
	ReadPilot() (hal.PilotSample, error)
}

// Reading is the result of one pilot sampling cycle.
type Reading struct {
	// Level is the debounced level, or Unknown for an unclassifiable sample.
	Level Level
	// Raw is the classification of this sample alone.
	Raw      Level
	Sample   hal.PilotSample
	Unknowns int
}

// Pilot owns the pilot PWM output and the pilot voltage classifier.
type Pilot struct {
	port       Port
	cfg        Config
	classifier *stable.Classifier[Level]

	duty       int
	advertised float64
}

// New configures the pilot and asserts the unavailable signal.
func New(port Port, cfg Config) (*Pilot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bands := make([]stable.Band[Level], 0, len(cfg.Bands))
	for _, b := range cfg.Bands {
		bands = append(bands, stable.Band[Level]{
			Low:   float64(b.LowMillivolts),
			High:  float64(b.HighMillivolts),
			Class: b.Level,
		})
	}
	p := &Pilot{
		port:       port,
		cfg:        cfg,
		classifier: stable.New(bands, NotConnected, cfg.DebounceSamples).WithHysteresis(float64(cfg.HysteresisMillivolts)),
		duty:       -1,
	}
	if err := p.write(hal.MaxDuty); err != nil {
		return nil, fmt.Errorf("pilot: initial duty: %w", err)
	}
	return p, nil
}

// SetAdvertisedCurrent encodes amps on the pilot and returns the current
// actually advertised (0 when unavailable). The hardware is only written
// when the duty changes.
func (p *Pilot) SetAdvertisedCurrent(amps float64) (float64, error) {
	duty, advertised := p.cfg.DutyFor(amps)
	if err := p.write(duty); err != nil {
		return p.advertised, err
	}
	p.advertised = advertised
	return advertised, nil
}

// SetFault drives the pilot to a steady -12 V (state F).
func (p *Pilot) SetFault() error {
	if err := p.write(0); err != nil {
		return err
	}
	p.advertised = 0
	return nil
}

func (p *Pilot) write(duty int) error {
	if duty == p.duty {
		return nil
	}
	if err := p.port.SetPilotDuty(duty); err != nil {
		return fmt.Errorf("set pilot duty %d‰: %w", duty, err)
	}
	p.duty = duty
	return nil
}

// Duty returns the last duty written, in permille.
func (p *Pilot) Duty() int { return p.duty }

// Advertised returns the current encoded by the present duty.
func (p *Pilot) Advertised() float64 { return p.advertised }

// ReadPilotLevel samples the pilot and returns the debounced level.
func (p *Pilot) ReadPilotLevel() Reading {
	s, err := p.port.ReadPilot()
	if err != nil {
		p.classifier.ObserveUnknown()
		return Reading{Level: Unknown, Raw: Unknown, Unknowns: p.classifier.Unknowns()}
	}

	b, ok := p.classifier.Match(float64(s.HighMillivolts))
	if !ok {
		p.classifier.ObserveUnknown()
		return Reading{Level: Unknown, Raw: Unknown, Sample: s, Unknowns: p.classifier.Unknowns()}
	}

	raw := b.Class
	if p.pwmActive() && raw != Fault && !p.negativeOK(s.LowMillivolts) {
		raw = Fault
	}
	level := p.classifier.ObserveClass(raw, 0)
	return Reading{Level: level, Raw: raw, Sample: s}
}

func (p *Pilot) pwmActive() bool {
	return p.duty > 0 && p.duty < hal.MaxDuty
}

func (p *Pilot) negativeOK(mv int) bool {
	return mv > p.cfg.NegativeLowMillivolts && mv <= p.cfg.NegativeHighMillivolts
}

// Level returns the debounced level without sampling.
func (p *Pilot) Level() Level { return p.classifier.Stable() }

// Reset forgets debounce history, e.g. after a fault is cleared.
func (p *Pilot) Reset() { p.classifier.Reset(NotConnected) }
