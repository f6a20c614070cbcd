// Package fcserial implements vehicle.Link over the line protocol used by
// bench flight controllers on a serial port or TCP socket.
package fcserial

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarm/serial"
	"github.com/w1xm/offboard/fcserial/internal/wire"
	"github.com/w1xm/offboard/vehicle"
	"golang.org/x/sync/errgroup"
)

const DefaultHeartbeatTimeout = 2 * time.Second

type Options struct {
	// HeartbeatTimeout is how long after the last heartbeat the link counts as connected.
	HeartbeatTimeout time.Duration
	// StatusCallback, if set, is called whenever a heartbeat changes the status.
	StatusCallback vehicle.StatusCallback
	Logger         zerolog.Logger
}

type ack struct {
	cmd string
	ok  bool
	id  uint32
}

// Link implements vehicle.Link for a line-protocol flight controller.
type Link struct {
	heartbeatTimeout time.Duration
	statusCallback   vehicle.StatusCallback
	log              zerolog.Logger

	mu            sync.Mutex
	conn          io.ReadWriteCloser
	armed         bool
	mode          string
	lastHeartbeat time.Time

	// wmu serializes writes so a slow peer never blocks status updates.
	wmu sync.Mutex

	reqMu sync.Mutex
	reqID uint32
	acks  chan ack
}

func newLink(opts Options) *Link {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Link{
		heartbeatTimeout: opts.HeartbeatTimeout,
		statusCallback:   opts.StatusCallback,
		log:              opts.Logger,
		acks:             make(chan ack, 4),
	}
}

func ConnectTCP(ctx context.Context, addr string, opts Options) (*Link, error) {
	l := newLink(opts)
	go l.reconnectLoop(ctx, addr, func(ctx context.Context) (io.ReadWriteCloser, error) {
		dialer := &net.Dialer{
			Timeout: time.Second,
		}
		return dialer.DialContext(ctx, "tcp", addr)
	})
	return l, nil
}

func ConnectSerial(ctx context.Context, port string, baud int, opts Options) (*Link, error) {
	l := newLink(opts)
	go l.reconnectLoop(ctx, port, func(context.Context) (io.ReadWriteCloser, error) {
		return serial.OpenPort(&serial.Config{Name: port, Baud: baud})
	})
	return l, nil
}

// Attach runs the link over an already open connection, such as one end of a
// simulator pipe. The link is not reopened when conn fails.
func Attach(ctx context.Context, conn io.ReadWriteCloser, opts Options) *Link {
	l := newLink(opts)
	l.setConn(conn)
	go func() {
		if err := l.watch(ctx, conn); err != nil && ctx.Err() == nil {
			l.log.Warn().Err(err).Msg("link closed")
		}
		l.setConn(nil)
	}()
	return l
}

func (l *Link) reconnectLoop(ctx context.Context, name string, open func(context.Context) (io.ReadWriteCloser, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		conn, err := open(ctx)
		if err != nil {
			l.log.Warn().Err(err).Str("port", name).Msg("opening port")
			continue
		}
		l.log.Info().Str("port", name).Msg("opened port")
		l.setConn(conn)
		if err := l.watch(ctx, conn); err != nil && ctx.Err() == nil {
			l.log.Warn().Err(err).Str("port", name).Msg("watching port")
		}
		l.setConn(nil)
	}
}

func (l *Link) setConn(conn io.ReadWriteCloser) {
	l.mu.Lock()
	l.conn = conn
	if conn == nil {
		l.lastHeartbeat = time.Time{}
	}
	status := l.statusLocked()
	l.mu.Unlock()
	l.notifyStatus(status)
}

func (l *Link) watch(ctx context.Context, conn io.ReadWriteCloser) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Wait for context to be canceled, then close connection.
		<-ctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			input := scanner.Text()
			if len(input) == 0 {
				continue
			}
			if err := l.parseInput(input); err != nil {
				l.log.Debug().Err(err).Str("input", input).Msg("parsing controller output")
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading port: %w", err)
		}
		return io.EOF
	})
	return g.Wait()
}

func (l *Link) parseInput(input string) error {
	m, err := wire.Parse(input)
	if err != nil {
		return err
	}
	switch m.Cmd {
	case wire.CmdHeartbeat:
		armed, mode, err := m.Heartbeat()
		if err != nil {
			return err
		}
		l.mu.Lock()
		old := l.statusLocked()
		l.armed, l.mode, l.lastHeartbeat = armed, mode, time.Now()
		status := l.statusLocked()
		l.mu.Unlock()
		if status != old {
			l.notifyStatus(status)
		}
	case wire.CmdAck:
		cmd, ok, id, err := m.Ack()
		if err != nil {
			return err
		}
		select {
		case l.acks <- ack{cmd: cmd, ok: ok, id: id}:
		default:
			l.log.Debug().Str("cmd", cmd).Msg("dropping unsolicited ack")
		}
	default:
		return fmt.Errorf("unknown controller output %q", m.Cmd)
	}
	return nil
}

func (l *Link) notifyStatus(status vehicle.Status) {
	if l.statusCallback != nil {
		l.statusCallback(status)
	}
}

func (l *Link) statusLocked() vehicle.Status {
	return vehicle.Status{
		Connected: l.conn != nil && !l.lastHeartbeat.IsZero() && time.Since(l.lastHeartbeat) < l.heartbeatTimeout,
		Armed:     l.armed,
		Mode:      l.mode,
	}
}

func (l *Link) Status() vehicle.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

func (l *Link) send(m wire.Message) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return vehicle.ErrNotConnected
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_, err := fmt.Fprintf(conn, "%s\n", m)
	return err
}

func (l *Link) PublishSetpoint(sp vehicle.Setpoint) error {
	return l.send(wire.Setpoint(sp.Position.X, sp.Position.Y, sp.Position.Z, sp.Thrust))
}

func (l *Link) RequestMode(ctx context.Context, mode string) error {
	return l.request(ctx, wire.Mode(mode))
}

func (l *Link) RequestArm(ctx context.Context, arm bool) error {
	return l.request(ctx, wire.Arm(arm))
}

// request sends m with a fresh id and waits for the matching ACK. Only one
// request is in flight at a time. An ACK carrying another id answers an
// earlier request that timed out and is skipped; controllers that do not
// echo ids are matched on the command alone.
func (l *Link) request(ctx context.Context, m wire.Message) error {
	l.reqMu.Lock()
	defer l.reqMu.Unlock()
	l.reqID++
	if l.reqID == 0 {
		l.reqID++
	}
	id := l.reqID
	for drained := false; !drained; {
		select {
		case <-l.acks:
		default:
			drained = true
		}
	}
	if err := l.send(m.WithID(id)); err != nil {
		return fmt.Errorf("sending %s: %w", m.Cmd, err)
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s ack: %w", m.Cmd, ctx.Err())
		case a := <-l.acks:
			if a.cmd != m.Cmd || (a.id != 0 && a.id != id) {
				l.log.Debug().Str("cmd", a.cmd).Uint32("id", a.id).Msg("skipping stale ack")
				continue
			}
			if !a.ok {
				return vehicle.ErrRejected
			}
			return nil
		}
	}
}
