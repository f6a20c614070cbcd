// Package sequencer flies a fixed offboard choreography: wait for the flight
// controller, prestream setpoints, negotiate OFFBOARD and arming, climb, hover,
// descend and disarm. Everything happens inside Tick, which must be called
// from a single goroutine at a fixed rate.
package sequencer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/w1xm/offboard/vehicle"
)

// altitudeEpsilon absorbs float error so that a descent of k whole steps lands on zero.
const altitudeEpsilon = 1e-9

type State struct {
	Phase Phase `json:"phase"`
	// Altitude is the commanded climb height in metres.
	Altitude       float64   `json:"altitude"`
	PhaseEnteredAt time.Time `json:"phase_entered_at"`
}

// Requests counts the commands sent to the flight controller.
type Requests struct {
	Mode   int `json:"mode"`
	Arm    int `json:"arm"`
	Disarm int `json:"disarm"`
}

type Snapshot struct {
	State
	Vehicle vehicle.Status `json:"vehicle"`
	// Setpoint is nil when nothing was published on the last tick.
	Setpoint *vehicle.Setpoint `json:"setpoint,omitempty"`
	Requests Requests          `json:"requests"`
}

type SnapshotCallback func(snapshot Snapshot)

type Sequencer struct {
	cfg              Config
	link             vehicle.Link
	log              zerolog.Logger
	// tickLog is sampled; it carries messages that can repeat every tick.
	tickLog          zerolog.Logger
	snapshotCallback SnapshotCallback

	state    State
	status   vehicle.Status
	last     *vehicle.Setpoint
	requests Requests

	prestreamed int
	// lastAttempt paces mode and arm requests while negotiating.
	lastAttempt time.Time
	// airborneAt is when negotiation completed. Climb and hover gates count from it.
	airborneAt   time.Time
	descentFrom  float64
	descentSteps int
	lastStep     time.Time
	lastDisarm   time.Time
	disarmed     bool
	offboardLost bool
}

func New(link vehicle.Link, cfg Config, log zerolog.Logger) (*Sequencer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sequencer config: %w", err)
	}
	return &Sequencer{
		cfg:  cfg,
		link: link,
		log:  log,
		tickLog: log.Sample(&zerolog.BurstSampler{
			Burst:       5,
			Period:      10 * time.Second,
			NextSampler: &zerolog.BasicSampler{N: 100},
		}),
	}, nil
}

// OnSnapshot registers cb to be called at the end of every tick.
func (s *Sequencer) OnSnapshot(cb SnapshotCallback) {
	s.snapshotCallback = cb
}

func (s *Sequencer) State() State {
	return s.state
}

func (s *Sequencer) Snapshot() Snapshot {
	snap := Snapshot{
		State:    s.state,
		Vehicle:  s.status,
		Requests: s.requests,
	}
	if s.last != nil {
		sp := *s.last
		snap.Setpoint = &sp
	}
	return snap
}

// Run ticks the sequencer every Config.Period until ctx is done.
func (s *Sequencer) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Period)
	defer t.Stop()
	s.log.Info().
		Dur("period", s.cfg.Period).
		Float64("cruise_altitude", s.cfg.CruiseAltitude).
		Msg("sequencer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick reads the vehicle status once, advances the phase, and publishes the
// setpoint for the resulting phase.
func (s *Sequencer) Tick(ctx context.Context, now time.Time) {
	if s.state.PhaseEnteredAt.IsZero() {
		s.state.PhaseEnteredAt = now
	}
	s.status = s.link.Status()
	s.advance(ctx, now)

	s.last = nil
	if s.state.Phase != AwaitConnection {
		sp := s.setpoint()
		if err := s.link.PublishSetpoint(sp); err != nil {
			s.tickLog.Warn().Err(err).Msg("publishing setpoint")
		}
		s.last = &sp
		if s.state.Phase == Prestream {
			s.prestreamed++
		}
	}
	if s.snapshotCallback != nil {
		s.snapshotCallback(s.Snapshot())
	}
}

func (s *Sequencer) advance(ctx context.Context, now time.Time) {
	if s.state.Phase.Airborne() {
		s.watchOffboard()
	}
	switch s.state.Phase {
	case AwaitConnection:
		if s.status.Connected {
			s.log.Info().Str("mode", s.status.Mode).Msg("flight controller connected")
			s.enter(Prestream, now)
		}
	case Prestream:
		if s.prestreamed >= s.cfg.PrestreamTicks {
			s.lastAttempt = now
			s.enter(Negotiate, now)
		}
	case Negotiate:
		s.negotiate(ctx, now)
	case Climb:
		elapsed := now.Sub(s.airborneAt)
		switch {
		case elapsed > s.cfg.ClimbAfter && elapsed < s.cfg.ClimbBefore:
			s.state.Altitude = s.cfg.CruiseAltitude
			s.enter(Hover, now)
		case elapsed >= s.cfg.ClimbBefore:
			s.log.Warn().Dur("elapsed", elapsed).Msg("climb window missed; holding altitude")
			s.enter(Hover, now)
		}
	case Hover:
		if now.Sub(s.airborneAt) > s.cfg.HoverUntil {
			s.descentFrom = s.state.Altitude
			s.descentSteps = 0
			s.lastStep = now
			s.enter(Descend, now)
		}
	case Descend:
		if now.Sub(s.lastStep) < s.cfg.DescentInterval {
			return
		}
		s.lastStep = nextWindow(s.lastStep, now, s.cfg.DescentInterval)
		s.descentSteps++
		if alt := s.descentFrom - float64(s.descentSteps)*s.cfg.DescentStep; alt > altitudeEpsilon {
			s.state.Altitude = alt
			return
		}
		s.state.Altitude = 0
		s.enter(Landed, now)
		s.lastDisarm = now
		s.disarm(ctx)
	case Landed:
		if s.disarmed {
			return
		}
		if !s.status.Armed {
			s.disarmed = true
			s.log.Info().Msg("vehicle reports disarmed")
			return
		}
		if s.requests.Disarm >= s.cfg.DisarmAttempts || now.Sub(s.lastDisarm) < s.cfg.RetryInterval {
			return
		}
		s.lastDisarm = nextWindow(s.lastDisarm, now, s.cfg.RetryInterval)
		s.disarm(ctx)
	}
}

// negotiate issues at most one request per RetryInterval, preferring the mode
// switch over arming.
func (s *Sequencer) negotiate(ctx context.Context, now time.Time) {
	if s.status.Offboard() {
		s.log.Info().Msg("offboard and armed; starting climb")
		s.airborneAt = now
		s.enter(Climb, now)
		return
	}
	if now.Sub(s.lastAttempt) < s.cfg.RetryInterval {
		return
	}
	s.lastAttempt = nextWindow(s.lastAttempt, now, s.cfg.RetryInterval)

	if s.status.Mode != vehicle.ModeOffboard {
		s.requests.Mode++
		err := s.request(ctx, func(ctx context.Context) error {
			return s.link.RequestMode(ctx, vehicle.ModeOffboard)
		})
		if err != nil {
			s.log.Debug().Err(err).Str("mode", s.status.Mode).Msg("offboard request not accepted")
			return
		}
		s.log.Info().Msg("offboard enabled")
		return
	}

	s.requests.Arm++
	err := s.request(ctx, func(ctx context.Context) error {
		return s.link.RequestArm(ctx, true)
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("arm request not accepted")
		return
	}
	s.log.Info().Msg("vehicle armed")
}

func (s *Sequencer) disarm(ctx context.Context) {
	s.requests.Disarm++
	err := s.request(ctx, func(ctx context.Context) error {
		return s.link.RequestArm(ctx, false)
	})
	if err != nil {
		ev := s.log.Warn().Err(err).Int("attempt", s.requests.Disarm)
		if s.requests.Disarm >= s.cfg.DisarmAttempts {
			ev.Msg("disarm not accepted; giving up")
		} else {
			ev.Msg("disarm not accepted; will retry")
		}
		return
	}
	s.disarmed = true
	s.log.Info().Msg("vehicle disarmed")
}

// nextWindow moves a pacing timer forward by whole intervals so that tick
// jitter does not stretch the period. After a stall longer than a full
// interval it restarts from now instead of firing on every tick to catch up.
func nextWindow(last, now time.Time, interval time.Duration) time.Time {
	next := last.Add(interval)
	if now.Sub(next) >= interval {
		return now
	}
	return next
}

func (s *Sequencer) request(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *Sequencer) watchOffboard() {
	ok := s.status.Offboard()
	switch {
	case !ok && !s.offboardLost:
		s.log.Warn().
			Str("mode", s.status.Mode).
			Bool("armed", s.status.Armed).
			Stringer("phase", s.state.Phase).
			Msg("vehicle left offboard during flight")
	case ok && s.offboardLost:
		s.log.Info().Stringer("phase", s.state.Phase).Msg("offboard restored")
	}
	s.offboardLost = !ok
}

func (s *Sequencer) enter(p Phase, now time.Time) {
	s.log.Info().
		Stringer("from", s.state.Phase).
		Stringer("to", p).
		Float64("altitude", s.state.Altitude).
		Msg("phase transition")
	s.state.Phase = p
	s.state.PhaseEnteredAt = now
}

func (s *Sequencer) setpoint() vehicle.Setpoint {
	z := s.state.Altitude
	if s.state.Phase == Prestream {
		z = s.cfg.CruiseAltitude
	}
	return vehicle.Setpoint{
		Position: vehicle.Position{Z: z},
		Thrust:   s.cfg.Thrust,
	}
}
