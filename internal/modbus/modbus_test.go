package modbus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/offboard/internal/modbus/modbushttp"
	"github.com/w1xm/offboard/internal/modbus/modbustest"
)

func TestBytesToBits(t *testing.T) {
	got := BytesToBits([]byte{0x05, 0x80})
	require.Len(t, got, 16)
	assert.Equal(t, []bool{true, false, true, false, false, false, false, false}, got[:8])
	assert.True(t, got[15])
}

func TestFloatRegisters(t *testing.T) {
	regs := FloatsToRegisters(0, -1.25, 1.5, 0.2)
	require.Len(t, regs, 16)
	got := RegistersToFloats(regs)
	require.Len(t, got, 4)
	assert.Equal(t, []float64{0, -1.25, 1.5}, got[:3])
	assert.InDelta(t, 0.2, got[3], 1e-6)
}

func TestStringRegisters(t *testing.T) {
	regs := StringToRegisters("OFFBOARD", 8)
	assert.Len(t, regs, 16)
	assert.Equal(t, "OFFBOARD", RegistersToString(regs))
	assert.Equal(t, "AUTO", RegistersToString(StringToRegisters("AUTO.LOITER", 2)))
	assert.Equal(t, "FULLFULL", RegistersToString([]byte("FULLFULL")))
}

func TestPollLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bank := modbustest.NewBank(1, 4)
	bank.Update(func(b *modbustest.Bank) { b.InputRegisters[0] = 42 })

	var polls atomic.Int32
	c := &Client{
		Handler:      bank,
		PollInterval: 10 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}
	c.Poll = func() error {
		regs, err := c.ReadInputRegisters(0, 1)
		if err != nil {
			return err
		}
		assert.Equal(t, []byte{0, 42}, regs)
		polls.Add(1)
		return nil
	}
	require.NoError(t, c.Connect(ctx))
	require.Eventually(t, func() bool { return polls.Load() >= 3 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, c.WriteCoil(2, true))
	bank.Update(func(b *modbustest.Bank) { assert.True(t, b.Coils[2]) })
}

func TestHTTPTunnel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bank := modbustest.NewBank(1, 4)
	bank.Update(func(b *modbustest.Bank) { b.HoldingRegisters[1] = 0x1234 })
	srv := httptest.NewServer(http.HandlerFunc(modbushttp.NewServer(bank, "hunter2", zerolog.Nop()).SendHandler))
	defer srv.Close()

	idle := func() error { return nil }
	c := &Client{URL: srv.URL, Password: "hunter2", SlaveId: 1, Poll: idle, PollInterval: time.Second, Logger: zerolog.Nop()}
	require.NoError(t, c.Connect(ctx))
	regs, err := c.ReadHoldingRegisters(1, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34}, regs)

	_, err = c.ReadHoldingRegisters(3, 2)
	assert.Error(t, err, "out of range read")

	bad := &Client{URL: srv.URL, Password: "wrong", SlaveId: 1, Poll: idle, PollInterval: time.Second, Logger: zerolog.Nop()}
	require.NoError(t, bad.Connect(ctx))
	_, err = bad.ReadHoldingRegisters(1, 1)
	assert.ErrorContains(t, err, "401")
}
