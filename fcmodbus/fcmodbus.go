// Package fcmodbus implements vehicle.Link for a flight controller behind a
// Modbus gateway.
//
// Register map:
//
//	IR 0       flags: bit 0 heartbeat, bit 1 armed
//	IR 1-8     current mode, ASCII, NUL padded
//	HR 0-7     setpoint x, y, z, thrust as big-endian float32
//	HR 8-15    requested mode, ASCII, NUL padded
//	coil 0     arm request
//	DI 0       last mode request accepted
//	DI 1       last arm request accepted
//
// The gateway settles DI 0 and DI 1 before it answers the write that
// triggered them.
package fcmodbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/w1xm/offboard/internal/modbus"
	"github.com/w1xm/offboard/vehicle"
)

const (
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultHeartbeatTimeout = 2 * time.Second
)

const (
	irFlags      = 0
	irMode       = 1
	hrSetpoint   = 0
	hrMode       = 8
	coilArm      = 0
	diModeOK     = 0
	diArmOK      = 1
	modeRegs     = 8
	statusRegs   = 1 + modeRegs
	setpointRegs = 8

	FlagHeartbeat = 1 << 0
	FlagArmed     = 1 << 1
)

type Options struct {
	// Port and BaudRate open an RTU gateway
	Port     string
	BaudRate int
	// Address opens a Modbus TCP gateway
	Address string
	// URL and Password reach a gateway through modbus_bridge
	URL      string
	Password string
	SlaveID  byte
	// Handler, if set, overrides all of the above
	Handler modbus.Handler

	PollInterval     time.Duration
	HeartbeatTimeout time.Duration
	StatusCallback   vehicle.StatusCallback
	Logger           zerolog.Logger
}

type Link struct {
	heartbeatTimeout time.Duration
	statusCallback   vehicle.StatusCallback
	log              zerolog.Logger
	client           *modbus.Client

	mu        sync.Mutex
	heartbeat bool
	armed     bool
	mode      string
	lastPoll  time.Time

	reqMu sync.Mutex
}

func Connect(ctx context.Context, opts Options) (*Link, error) {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.SlaveID == 0 {
		opts.SlaveID = 1
	}
	l := &Link{
		heartbeatTimeout: opts.HeartbeatTimeout,
		statusCallback:   opts.StatusCallback,
		log:              opts.Logger,
		client: &modbus.Client{
			Port:         opts.Port,
			BaudRate:     opts.BaudRate,
			SlaveId:      opts.SlaveID,
			Address:      opts.Address,
			URL:          opts.URL,
			Password:     opts.Password,
			Handler:      opts.Handler,
			PollInterval: opts.PollInterval,
			Logger:       opts.Logger,
		},
	}
	l.client.Poll = l.pollOnce
	return l, l.client.Connect(ctx)
}

func (l *Link) pollOnce() error {
	regs, err := l.client.ReadInputRegisters(irFlags, statusRegs)
	if err != nil {
		return err
	}
	if len(regs) < 2*statusRegs {
		return fmt.Errorf("short status read: %d bytes", len(regs))
	}
	flags := binary.BigEndian.Uint16(regs)

	l.mu.Lock()
	old := l.statusLocked()
	l.heartbeat = flags&FlagHeartbeat != 0
	l.armed = flags&FlagArmed != 0
	l.mode = modbus.RegistersToString(regs[2*irMode:])
	l.lastPoll = time.Now()
	status := l.statusLocked()
	l.mu.Unlock()
	if status != old && l.statusCallback != nil {
		l.statusCallback(status)
	}
	return nil
}

func (l *Link) statusLocked() vehicle.Status {
	return vehicle.Status{
		Connected: l.heartbeat && !l.lastPoll.IsZero() && time.Since(l.lastPoll) < l.heartbeatTimeout,
		Armed:     l.armed,
		Mode:      l.mode,
	}
}

func (l *Link) Status() vehicle.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

func (l *Link) PublishSetpoint(sp vehicle.Setpoint) error {
	if !l.Status().Connected {
		return vehicle.ErrNotConnected
	}
	_, err := l.client.WriteMultipleRegisters(hrSetpoint, setpointRegs,
		modbus.FloatsToRegisters(sp.Position.X, sp.Position.Y, sp.Position.Z, sp.Thrust))
	return err
}

func (l *Link) RequestMode(ctx context.Context, mode string) error {
	if len(mode) > 2*modeRegs {
		return fmt.Errorf("mode %q longer than %d characters", mode, 2*modeRegs)
	}
	return l.request(ctx, diModeOK, func() error {
		_, err := l.client.WriteMultipleRegisters(hrMode, modeRegs, modbus.StringToRegisters(mode, modeRegs))
		return err
	})
}

func (l *Link) RequestArm(ctx context.Context, arm bool) error {
	return l.request(ctx, diArmOK, func() error {
		return l.client.WriteCoil(coilArm, arm)
	})
}

// request performs write and reads back the acceptance bit. Modbus calls
// cannot be interrupted, so a cancelled request finishes in the background.
func (l *Link) request(ctx context.Context, bit uint16, write func() error) error {
	if !l.Status().Connected {
		return vehicle.ErrNotConnected
	}
	done := make(chan error, 1)
	go func() {
		l.reqMu.Lock()
		defer l.reqMu.Unlock()
		done <- l.exchange(bit, write)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for gateway: %w", ctx.Err())
	case err := <-done:
		return err
	}
}

func (l *Link) exchange(bit uint16, write func() error) error {
	if err := write(); err != nil {
		return err
	}
	results, err := l.client.ReadDiscreteInputs(bit, 1)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return fmt.Errorf("empty discrete input read")
	}
	if !modbus.BytesToBits(results)[0] {
		return vehicle.ErrRejected
	}
	return nil
}
