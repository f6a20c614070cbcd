// Package modbus wraps a goburrow Modbus client with a reconnecting poll loop.
package modbus

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/w1xm/offboard/internal/modbus/modbushttp"
)

// Handler is a goburrow client handler that can be opened and closed.
type Handler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Port and BaudRate create a local serial connection
	Port string
	// BaudRate defaults to 19200
	BaudRate int
	SlaveId  byte
	// Address creates a Modbus TCP connection
	Address string
	// URL creates a remote connection through a modbus_bridge
	URL string
	// Password is sent to the modbus_bridge at URL
	Password string
	// Handler, if set, is used as is instead of any of the above
	Handler Handler

	// Poll function to be called in a loop while the connection is active
	Poll func() error
	// PollInterval is the minimum time between calls to Poll
	PollInterval time.Duration

	Logger zerolog.Logger

	handler Handler
	modbus.Client
}

func (c *Client) name() string {
	switch {
	case c.Handler != nil:
		return "handler"
	case c.URL != "":
		return c.URL
	case c.Address != "":
		return c.Address
	}
	return c.Port
}

func (c *Client) Connect(ctx context.Context) error {
	switch {
	case c.Handler != nil:
		c.handler = c.Handler
	case c.URL != "":
		handler := modbushttp.NewClient(c.URL, c.SlaveId)
		handler.SetPassword(c.Password)
		c.handler = handler
	case c.Address != "":
		handler := modbus.NewTCPClientHandler(c.Address)
		handler.Timeout = 1 * time.Second
		handler.SlaveId = c.SlaveId
		c.handler = handler
	default:
		handler := modbus.NewRTUClientHandler(c.Port)
		handler.BaudRate = c.BaudRate
		if handler.BaudRate == 0 {
			handler.BaudRate = 19200
		}
		handler.DataBits = 8
		handler.Parity = "N"
		handler.StopBits = 1
		handler.Timeout = 1 * time.Second
		handler.SlaveId = c.SlaveId
		c.handler = handler
	}
	c.Client = modbus.NewClient(c.handler)
	go c.reconnectLoop(ctx)
	return nil
}

func (c *Client) reconnectLoop(ctx context.Context) {
	port := c.name()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}

		err := c.handler.Connect()
		if err != nil {
			c.Logger.Warn().Err(err).Str("port", port).Msg("opening port")
			continue
		}
		c.Logger.Info().Str("port", port).Msg("opened port")
		if err := c.watch(ctx); err != nil && ctx.Err() == nil {
			c.Logger.Warn().Err(err).Str("port", port).Msg("watching port")
		}
	}
}

func (c *Client) watch(ctx context.Context) error {
	defer c.handler.Close()
	var t <-chan time.Time
	if c.PollInterval > 0 {
		ticker := time.NewTicker(c.PollInterval)
		defer ticker.Stop()
		t = ticker.C
	}
	for {
		if err := c.Poll(); err != nil {
			return err
		}
		if t == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t:
		}
	}
}

func (c *Client) WriteCoil(coil int, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := c.WriteSingleCoil(uint16(coil), v)
	return err
}

func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}

// RegistersToFloats decodes big-endian float32s, two registers each.
func RegistersToFloats(bs []byte) []float64 {
	out := make([]float64, 0, len(bs)/4)
	for i := 0; i+4 <= len(bs); i += 4 {
		out = append(out, float64(math.Float32frombits(binary.BigEndian.Uint32(bs[i:]))))
	}
	return out
}

// FloatsToRegisters encodes vs as big-endian float32s, two registers each.
func FloatsToRegisters(vs ...float64) []byte {
	out := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint32(out[4*i:], math.Float32bits(float32(v)))
	}
	return out
}

// RegistersToString decodes NUL padded ASCII, two characters per register.
func RegistersToString(bs []byte) string {
	for i, b := range bs {
		if b == 0 {
			return string(bs[:i])
		}
	}
	return string(bs)
}

// StringToRegisters encodes s as NUL padded ASCII in n registers, truncating
// if it does not fit.
func StringToRegisters(s string, n int) []byte {
	out := make([]byte, 2*n)
	copy(out, s)
	return out
}
