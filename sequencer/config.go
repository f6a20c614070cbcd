package sequencer

import (
	"errors"
	"fmt"
	"time"
)

// MinPrestreamTicks is the fewest setpoints that must flow before an OFFBOARD request.
const MinPrestreamTicks = 100

// maxPeriod keeps the setpoint stream above the controller's 2 Hz offboard timeout.
const maxPeriod = 500 * time.Millisecond

type Config struct {
	CruiseAltitude float64 `mapstructure:"cruise_altitude"`
	Thrust         float64 `mapstructure:"thrust"`
	PrestreamTicks int     `mapstructure:"prestream_ticks"`

	// Period is the time between ticks.
	Period time.Duration `mapstructure:"period"`
	// RetryInterval paces mode, arm and disarm attempts.
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	// ClimbAfter and ClimbBefore bound the window, measured from the end of
	// negotiation, in which the cruise altitude is commanded.
	ClimbAfter  time.Duration `mapstructure:"climb_after"`
	ClimbBefore time.Duration `mapstructure:"climb_before"`
	// HoverUntil is when descent starts, measured from the end of negotiation.
	HoverUntil time.Duration `mapstructure:"hover_until"`

	DescentStep     float64       `mapstructure:"descent_step"`
	DescentInterval time.Duration `mapstructure:"descent_interval"`

	// DisarmAttempts caps disarm requests after touchdown.
	DisarmAttempts int           `mapstructure:"disarm_attempts"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

func DefaultConfig() Config {
	return Config{
		CruiseAltitude:  1.5,
		Thrust:          0.2,
		PrestreamTicks:  MinPrestreamTicks,
		Period:          50 * time.Millisecond,
		RetryInterval:   5 * time.Second,
		ClimbAfter:      5 * time.Second,
		ClimbBefore:     10 * time.Second,
		HoverUntil:      15 * time.Second,
		DescentStep:     0.05,
		DescentInterval: 500 * time.Millisecond,
		DisarmAttempts:  3,
		RequestTimeout:  1 * time.Second,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.CruiseAltitude <= 0 {
		errs = append(errs, fmt.Errorf("cruise altitude %v must be positive", c.CruiseAltitude))
	}
	if c.Thrust < 0 || c.Thrust > 1 {
		errs = append(errs, fmt.Errorf("thrust %v outside [0,1]", c.Thrust))
	}
	if c.PrestreamTicks < MinPrestreamTicks {
		errs = append(errs, fmt.Errorf("prestream ticks %d below minimum %d", c.PrestreamTicks, MinPrestreamTicks))
	}
	if c.Period <= 0 || c.Period > maxPeriod {
		errs = append(errs, fmt.Errorf("period %v must be in (0, %v]", c.Period, maxPeriod))
	}
	if c.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("retry interval %v must be positive", c.RetryInterval))
	}
	if c.ClimbAfter < 0 || c.ClimbBefore <= c.ClimbAfter {
		errs = append(errs, fmt.Errorf("climb window (%v, %v) is empty", c.ClimbAfter, c.ClimbBefore))
	}
	if c.HoverUntil < c.ClimbBefore {
		errs = append(errs, fmt.Errorf("hover timeout %v ends before climb window %v", c.HoverUntil, c.ClimbBefore))
	}
	if c.DescentStep <= 0 {
		errs = append(errs, fmt.Errorf("descent step %v must be positive", c.DescentStep))
	}
	if c.DescentInterval <= 0 {
		errs = append(errs, fmt.Errorf("descent interval %v must be positive", c.DescentInterval))
	}
	if c.DisarmAttempts < 1 {
		errs = append(errs, fmt.Errorf("disarm attempts %d must be at least 1", c.DisarmAttempts))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout %v must be positive", c.RequestTimeout))
	}
	return errors.Join(errs...)
}
