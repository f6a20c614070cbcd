// Package mavlink implements vehicle.Link for a PX4 autopilot over MAVLink.
//
// Setpoints are sent in ENU (x east, y north, z up) and converted to the
// autopilot's local NED frame on the way out.
package mavlink

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/rs/zerolog"
	"github.com/w1xm/offboard/vehicle"
)

const DefaultHeartbeatTimeout = 2 * time.Second

const positionOnly = common.POSITION_TARGET_TYPEMASK_VX_IGNORE |
	common.POSITION_TARGET_TYPEMASK_VY_IGNORE |
	common.POSITION_TARGET_TYPEMASK_VZ_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AX_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AY_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AZ_IGNORE |
	common.POSITION_TARGET_TYPEMASK_YAW_IGNORE |
	common.POSITION_TARGET_TYPEMASK_YAW_RATE_IGNORE

const thrustOnly = common.ATTITUDE_TARGET_TYPEMASK_BODY_ROLL_RATE_IGNORE |
	common.ATTITUDE_TARGET_TYPEMASK_BODY_PITCH_RATE_IGNORE |
	common.ATTITUDE_TARGET_TYPEMASK_BODY_YAW_RATE_IGNORE |
	common.ATTITUDE_TARGET_TYPEMASK_ATTITUDE_IGNORE

type Options struct {
	// Endpoint is one of udp:ADDR (listen), udpc:ADDR, tcp:ADDR or
	// serial:DEVICE[:BAUD].
	Endpoint string
	// SystemID is our own MAVLink system id.
	SystemID byte
	// TargetSystem is the autopilot's system id. Traffic from other systems is ignored.
	TargetSystem byte
	// HeartbeatTimeout is how long after the last heartbeat the link counts as connected.
	HeartbeatTimeout time.Duration
	// SendThrust also sends SET_ATTITUDE_TARGET with the setpoint thrust.
	// PX4 switches to attitude control when it receives one, so this is
	// off unless the autopilot is configured for it. While it is off the
	// setpoint thrust is dropped and only the position goes out.
	SendThrust     bool
	StatusCallback vehicle.StatusCallback
	Logger         zerolog.Logger
}

// ParseEndpoint turns an endpoint string into a gomavlib endpoint.
func ParseEndpoint(s string) (gomavlib.EndpointConf, error) {
	kind, addr, ok := strings.Cut(s, ":")
	if !ok || addr == "" {
		return nil, fmt.Errorf("endpoint %q: want KIND:ADDRESS", s)
	}
	switch kind {
	case "udp":
		return gomavlib.EndpointUDPServer{Address: addr}, nil
	case "udpc":
		return gomavlib.EndpointUDPClient{Address: addr}, nil
	case "tcp":
		return gomavlib.EndpointTCPClient{Address: addr}, nil
	case "serial":
		baud := 57600
		if dev, b, ok := strings.Cut(addr, ":"); ok {
			var err error
			if baud, err = strconv.Atoi(b); err != nil {
				return nil, fmt.Errorf("endpoint %q: bad baud rate: %w", s, err)
			}
			addr = dev
		}
		return gomavlib.EndpointSerial{Device: addr, Baud: baud}, nil
	}
	return nil, fmt.Errorf("endpoint %q: unknown kind %q", s, kind)
}

// Link implements vehicle.Link for a PX4 autopilot.
type Link struct {
	targetSystem     byte
	heartbeatTimeout time.Duration
	sendThrust       bool
	statusCallback   vehicle.StatusCallback
	log              zerolog.Logger
	write            func(message.Message)
	start            time.Time

	mu              sync.Mutex
	targetComponent byte
	armed           bool
	mode            string
	lastHeartbeat   time.Time

	reqMu sync.Mutex
	acks  chan *common.MessageCommandAck
}

func newLink(opts Options, write func(message.Message)) *Link {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.TargetSystem == 0 {
		opts.TargetSystem = 1
	}
	if !opts.SendThrust {
		opts.Logger.Warn().Msg("setpoint thrust is not forwarded; set send_thrust to send SET_ATTITUDE_TARGET")
	}
	return &Link{
		targetSystem:     opts.TargetSystem,
		heartbeatTimeout: opts.HeartbeatTimeout,
		sendThrust:       opts.SendThrust,
		statusCallback:   opts.StatusCallback,
		log:              opts.Logger,
		write:            write,
		start:            time.Now(),
		acks:             make(chan *common.MessageCommandAck, 4),
	}
}

// Connect opens the endpoint and starts reading from it. The node is closed
// when ctx is done.
func Connect(ctx context.Context, opts Options) (*Link, error) {
	endpoint, err := ParseEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}
	if opts.SystemID == 0 {
		opts.SystemID = 255
	}
	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:   []gomavlib.EndpointConf{endpoint},
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: opts.SystemID,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", opts.Endpoint, err)
	}
	l := newLink(opts, func(m message.Message) {
		node.WriteMessageAll(m)
	})
	go func() {
		<-ctx.Done()
		node.Close()
	}()
	go l.watch(node.Events())
	return l, nil
}

func (l *Link) watch(events <-chan gomavlib.Event) {
	for evt := range events {
		switch evt := evt.(type) {
		case *gomavlib.EventFrame:
			l.handleMessage(evt.SystemID(), evt.ComponentID(), evt.Message())
		case *gomavlib.EventChannelOpen:
			l.log.Info().Msg("channel open")
		case *gomavlib.EventChannelClose:
			l.log.Warn().Msg("channel closed")
		case *gomavlib.EventParseError:
			l.log.Debug().Err(evt.Error).Msg("parsing frame")
		}
	}
}

func (l *Link) handleMessage(systemID, componentID byte, msg message.Message) {
	if systemID != l.targetSystem {
		return
	}
	switch msg := msg.(type) {
	case *common.MessageHeartbeat:
		// Cameras, gimbals and the like share the system id.
		if msg.Autopilot == common.MAV_AUTOPILOT_INVALID {
			return
		}
		l.mu.Lock()
		old := l.statusLocked()
		l.targetComponent = componentID
		l.armed = msg.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
		l.mode = DecodePX4Mode(msg.CustomMode)
		l.lastHeartbeat = time.Now()
		status := l.statusLocked()
		l.mu.Unlock()
		if status != old {
			l.log.Debug().Interface("status", status).Msg("vehicle status")
			if l.statusCallback != nil {
				l.statusCallback(status)
			}
		}
	case *common.MessageCommandAck:
		select {
		case l.acks <- msg:
		default:
			l.log.Debug().Str("command", fmt.Sprint(msg.Command)).Msg("dropping unsolicited ack")
		}
	case *common.MessageStatustext:
		l.log.Info().Str("text", msg.Text).Msg("autopilot")
	}
}

func (l *Link) statusLocked() vehicle.Status {
	return vehicle.Status{
		Connected: !l.lastHeartbeat.IsZero() && time.Since(l.lastHeartbeat) < l.heartbeatTimeout,
		Armed:     l.armed,
		Mode:      l.mode,
	}
}

func (l *Link) Status() vehicle.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

func (l *Link) target() (system, component byte, connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.targetSystem, l.targetComponent, l.statusLocked().Connected
}

func (l *Link) bootMs() uint32 {
	return uint32(time.Since(l.start).Milliseconds())
}

func (l *Link) PublishSetpoint(sp vehicle.Setpoint) error {
	sys, comp, connected := l.target()
	if !connected {
		return vehicle.ErrNotConnected
	}
	l.write(&common.MessageSetPositionTargetLocalNed{
		TimeBootMs:      l.bootMs(),
		TargetSystem:    sys,
		TargetComponent: comp,
		CoordinateFrame: common.MAV_FRAME_LOCAL_NED,
		TypeMask:        positionOnly,
		X:               float32(sp.Position.Y),
		Y:               float32(sp.Position.X),
		Z:               float32(-sp.Position.Z),
	})
	if l.sendThrust {
		l.write(&common.MessageSetAttitudeTarget{
			TimeBootMs:      l.bootMs(),
			TargetSystem:    sys,
			TargetComponent: comp,
			TypeMask:        thrustOnly,
			Q:               [4]float32{1, 0, 0, 0},
			Thrust:          float32(sp.Thrust),
		})
	}
	return nil
}

func (l *Link) RequestMode(ctx context.Context, mode string) error {
	main, sub, ok := EncodePX4Mode(mode)
	if !ok {
		return fmt.Errorf("unknown PX4 mode %q", mode)
	}
	return l.command(ctx, common.MAV_CMD_DO_SET_MODE,
		float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED), float32(main), float32(sub))
}

func (l *Link) RequestArm(ctx context.Context, arm bool) error {
	var param float32
	if arm {
		param = 1
	}
	return l.command(ctx, common.MAV_CMD_COMPONENT_ARM_DISARM, param)
}

// command sends COMMAND_LONG and waits for its COMMAND_ACK. Only one command
// is in flight at a time.
func (l *Link) command(ctx context.Context, cmd common.MAV_CMD, params ...float32) error {
	sys, comp, connected := l.target()
	if !connected {
		return vehicle.ErrNotConnected
	}
	var p [7]float32
	copy(p[:], params)

	l.reqMu.Lock()
	defer l.reqMu.Unlock()
	for drained := false; !drained; {
		select {
		case <-l.acks:
		default:
			drained = true
		}
	}
	l.write(&common.MessageCommandLong{
		TargetSystem:    sys,
		TargetComponent: comp,
		Command:         cmd,
		Param1:          p[0],
		Param2:          p[1],
		Param3:          p[2],
		Param4:          p[3],
		Param5:          p[4],
		Param6:          p[5],
		Param7:          p[6],
	})
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %v ack: %w", cmd, ctx.Err())
		case ack := <-l.acks:
			if ack.Command != cmd {
				continue
			}
			switch ack.Result {
			case common.MAV_RESULT_ACCEPTED:
				return nil
			case common.MAV_RESULT_IN_PROGRESS:
				continue
			}
			return fmt.Errorf("%v: %v: %w", cmd, ack.Result, vehicle.ErrRejected)
		}
	}
}
