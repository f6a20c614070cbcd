// Package simulator is an in-process flight controller that speaks the
// fcserial line protocol. It enforces the offboard rules of a PX4 controller:
// OFFBOARD is refused unless setpoints are streaming, and it falls back to
// AUTO.LOITER when the stream stops.
package simulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/w1xm/offboard/fcserial/internal/wire"
	"github.com/w1xm/offboard/vehicle"
	"golang.org/x/sync/errgroup"
)

const (
	// Setpoints older than this no longer count as streaming.
	streamTimeout = 500 * time.Millisecond
	// Maximum vertical speed in metres/second
	maxClimbRate = 1.0
	// Disarming is refused above this altitude
	groundHeight = 0.1
	// Discrete simulation step size
	stepSize = 100 * time.Millisecond

	ModeFailsafe = "AUTO.LOITER"
	ModeInitial  = "POSCTL"
)

type State struct {
	Armed        bool
	Mode         string
	Altitude     float64
	Setpoint     vehicle.Setpoint
	LastSetpoint time.Time
	Setpoints    int
}

type Simulator struct {
	conn io.ReadWriteCloser
	log  zerolog.Logger
	wmu  sync.Mutex

	mu        sync.Mutex
	state     State
	rejectArm bool
}

func New(log zerolog.Logger) (*Simulator, net.Conn) {
	a, b := net.Pipe()
	return &Simulator{
		conn:  a,
		log:   log,
		state: State{Mode: ModeInitial},
	}, b
}

func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetRejectArm makes every arm request fail, as with a failed preflight check.
func (s *Simulator) SetRejectArm(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectArm = reject
}

func (s *Simulator) Run(ctx context.Context) error {
	defer s.conn.Close()
	t := time.NewTicker(stepSize)
	defer t.Stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-t.C:
				if err := s.step(now); err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(s.reader)
	return g.Wait()
}

func (s *Simulator) reader() error {
	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		input := scanner.Text()
		s.log.Trace().Str("input", input).Msg("srv->sim")
		reply, err := s.parseInput(input, time.Now())
		if err != nil {
			s.log.Debug().Err(err).Str("input", input).Msg("parsing command")
			continue
		}
		if reply != nil {
			if err := s.send(*reply); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading port: %w", err)
	}
	return io.EOF
}

func (s *Simulator) parseInput(input string, now time.Time) (*wire.Message, error) {
	m, err := wire.Parse(input)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch m.Cmd {
	case wire.CmdSetpoint:
		x, y, z, thrust, err := m.Setpoint()
		if err != nil {
			return nil, err
		}
		s.state.Setpoint = vehicle.Setpoint{Position: vehicle.Position{X: x, Y: y, Z: z}, Thrust: thrust}
		s.state.LastSetpoint = now
		s.state.Setpoints++
		return nil, nil
	case wire.CmdMode:
		mode, id, err := m.Mode()
		if err != nil {
			return nil, err
		}
		ok := true
		if mode == vehicle.ModeOffboard && !s.streaming(now) {
			s.log.Info().Msg("offboard refused: no setpoint stream")
			ok = false
		}
		if ok {
			s.state.Mode = mode
		}
		return ack(wire.CmdMode, ok, id), nil
	case wire.CmdArm:
		arm, id, err := m.Arm()
		if err != nil {
			return nil, err
		}
		ok := true
		switch {
		case arm && s.rejectArm:
			ok = false
		case !arm && s.state.Altitude > groundHeight:
			ok = false
		}
		if ok {
			s.state.Armed = arm
		}
		return ack(wire.CmdArm, ok, id), nil
	}
	return nil, fmt.Errorf("unknown command %q", m.Cmd)
}

func ack(cmd string, ok bool, id uint32) *wire.Message {
	m := wire.Ack(cmd, ok)
	if id != 0 {
		m = m.WithID(id)
	}
	return &m
}

func (s *Simulator) streaming(now time.Time) bool {
	return s.state.Setpoints > 0 && now.Sub(s.state.LastSetpoint) < streamTimeout
}

func (s *Simulator) step(now time.Time) error {
	s.mu.Lock()
	if s.state.Mode == vehicle.ModeOffboard && !s.streaming(now) {
		s.log.Warn().Msg("setpoint stream lost; failsafe")
		s.state.Mode = ModeFailsafe
	}
	target := 0.0
	if s.state.Armed && s.state.Mode == vehicle.ModeOffboard {
		target = s.state.Setpoint.Position.Z
	}
	if s.state.Armed || s.state.Altitude > 0 {
		s.state.Altitude = climb(s.state.Altitude, target)
	}
	hb := wire.Heartbeat(s.state.Armed, s.state.Mode)
	s.mu.Unlock()
	return s.send(hb)
}

// climb moves altitude toward target at no more than maxClimbRate.
func climb(altitude, target float64) float64 {
	delta := target - altitude
	limit := maxClimbRate * stepSize.Seconds()
	if math.Abs(delta) > limit {
		delta = math.Copysign(limit, delta)
	}
	return math.Max(0, altitude+delta)
}

func (s *Simulator) send(m wire.Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.log.Trace().Stringer("output", m).Msg("sim->srv")
	_, err := fmt.Fprintf(s.conn, "%s\n", m)
	return err
}
