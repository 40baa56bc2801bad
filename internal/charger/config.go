package charger

import (
	"errors"
	"fmt"
	"time"

	"github.com/phievse/phievse/internal/contactor"
	"github.com/phievse/phievse/internal/current"
	"github.com/phievse/phievse/internal/feedback"
	"github.com/phievse/phievse/internal/pilot"
)

const (
	// DefaultPeriod is the control cycle length.
	DefaultPeriod = 50 * time.Millisecond
	// MaxPeriod is the longest cycle that still reacts to an emergency stop in time.
	MaxPeriod = 100 * time.Millisecond
	// DefaultWatchdogTimeout resets the board if the loop stops kicking.
	DefaultWatchdogTimeout = 2 * time.Second
	// DefaultStopTimeout is how long a pausing vehicle gets to stop drawing
	// before the main contactor opens under load.
	DefaultStopTimeout = 5 * time.Second
	// NominalVolts converts power requests into current.
	NominalVolts = 230.0
	// MinChargePower is the smallest power budget that starts a session.
	MinChargePower = 1500.0
)

// Config holds everything the controller needs at startup.
type Config struct {
	Period          time.Duration
	WatchdogTimeout time.Duration
	SettleTime      time.Duration
	StopTimeout     time.Duration

	Pilot    pilot.Config
	Current  current.Config
	Feedback feedback.Config

	// OnePhaseMaxAmps and ThreePhaseMaxAmps cap the advertised current per
	// phase configuration, below the hardware ceilings.
	OnePhaseMaxAmps   float64
	ThreePhaseMaxAmps float64

	// UnknownPilotLimit is the number of consecutive unreadable pilot
	// samples that end a session.
	UnknownPilotLimit int
}

// DefaultConfig returns a configuration for a 32 A three-phase station.
func DefaultConfig() Config {
	return Config{
		Period:            DefaultPeriod,
		WatchdogTimeout:   DefaultWatchdogTimeout,
		SettleTime:        contactor.DefaultSettleTime,
		StopTimeout:       DefaultStopTimeout,
		Pilot:             pilot.DefaultConfig(),
		Current:           current.DefaultConfig(),
		Feedback:          feedback.DefaultConfig(),
		OnePhaseMaxAmps:   32,
		ThreePhaseMaxAmps: 32,
		UnknownPilotLimit: 3,
	}
}

// Validate checks the configuration and every component configuration.
func (c Config) Validate() error {
	if c.Period <= 0 || c.Period > MaxPeriod {
		return fmt.Errorf("charger: period must be in (0, %s]", MaxPeriod)
	}
	if c.WatchdogTimeout <= c.Period {
		return errors.New("charger: watchdog timeout must be longer than the period")
	}
	if c.SettleTime <= 0 {
		return errors.New("charger: settle time must be positive")
	}
	if c.StopTimeout <= 0 {
		return errors.New("charger: stop timeout must be positive")
	}
	if c.OnePhaseMaxAmps <= 0 || c.ThreePhaseMaxAmps <= 0 {
		return errors.New("charger: phase maximums must be positive")
	}
	if c.UnknownPilotLimit < 1 {
		return errors.New("charger: unknown pilot limit must be at least one")
	}
	if err := c.Pilot.Validate(); err != nil {
		return err
	}
	if err := c.Current.Validate(); err != nil {
		return err
	}
	return c.Feedback.Validate()
}
