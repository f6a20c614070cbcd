// Package modbustest provides an in-memory Modbus RTU slave.
package modbustest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/goburrow/modbus"
)

// Bank is a register bank that answers RTU frames. It can be used directly
// as a client handler or behind a modbushttp.Server.
type Bank struct {
	// RTUClientHandler only provides framing; Send is answered locally.
	*modbus.RTUClientHandler

	mu               sync.Mutex
	Coils            []bool
	DiscreteInputs   []bool
	InputRegisters   []uint16
	HoldingRegisters []uint16
	// OnWrite, if set, is called with the bank locked after a write of
	// count items starting at addr.
	OnWrite func(b *Bank, functionCode byte, addr, count uint16)
	fail    error
}

func NewBank(slaveID byte, size int) *Bank {
	handler := modbus.NewRTUClientHandler("/dev/null")
	handler.SlaveId = slaveID
	return &Bank{
		RTUClientHandler: handler,
		Coils:            make([]bool, size),
		DiscreteInputs:   make([]bool, size),
		InputRegisters:   make([]uint16, size),
		HoldingRegisters: make([]uint16, size),
	}
}

func (b *Bank) Connect() error { return nil }
func (b *Bank) Close() error   { return nil }

// Update runs f with the bank locked.
func (b *Bank) Update(f func(b *Bank)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(b)
}

// SetFailure makes every Send fail with err until it is called with nil.
func (b *Bank) SetFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = err
}

func (b *Bank) Send(adu []byte) ([]byte, error) {
	n := len(adu)
	if n < 4 {
		return nil, fmt.Errorf("short frame of %d bytes", n)
	}
	if crc16(adu[:n-2]) != uint16(adu[n-2])|uint16(adu[n-1])<<8 {
		return nil, errors.New("bad crc")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	fc := adu[1]
	resp, exception := b.handle(fc, adu[2:n-2])
	out := []byte{adu[0], fc}
	if exception != 0 {
		out = []byte{adu[0], fc | 0x80, exception}
	} else {
		out = append(out, resp...)
	}
	crc := crc16(out)
	return append(out, byte(crc), byte(crc>>8)), nil
}

func (b *Bank) handle(fc byte, data []byte) ([]byte, byte) {
	if len(data) < 4 {
		return nil, modbus.ExceptionCodeIllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data)
	qty := binary.BigEndian.Uint16(data[2:])
	switch fc {
	case modbus.FuncCodeReadCoils:
		return readBits(b.Coils, addr, qty)
	case modbus.FuncCodeReadDiscreteInputs:
		return readBits(b.DiscreteInputs, addr, qty)
	case modbus.FuncCodeReadHoldingRegisters:
		return readRegisters(b.HoldingRegisters, addr, qty)
	case modbus.FuncCodeReadInputRegisters:
		return readRegisters(b.InputRegisters, addr, qty)
	case modbus.FuncCodeWriteSingleCoil:
		if int(addr) >= len(b.Coils) {
			return nil, modbus.ExceptionCodeIllegalDataAddress
		}
		b.Coils[addr] = qty == 0xFF00
		b.written(fc, addr, 1)
		return data[:4], 0
	case modbus.FuncCodeWriteSingleRegister:
		if int(addr) >= len(b.HoldingRegisters) {
			return nil, modbus.ExceptionCodeIllegalDataAddress
		}
		b.HoldingRegisters[addr] = qty
		b.written(fc, addr, 1)
		return data[:4], 0
	case modbus.FuncCodeWriteMultipleRegisters:
		if len(data) < 5 || len(data[5:]) != 2*int(qty) {
			return nil, modbus.ExceptionCodeIllegalDataValue
		}
		if int(addr)+int(qty) > len(b.HoldingRegisters) {
			return nil, modbus.ExceptionCodeIllegalDataAddress
		}
		for i := 0; i < int(qty); i++ {
			b.HoldingRegisters[int(addr)+i] = binary.BigEndian.Uint16(data[5+2*i:])
		}
		b.written(fc, addr, qty)
		return data[:4], 0
	}
	return nil, modbus.ExceptionCodeIllegalFunction
}

func (b *Bank) written(fc byte, addr, count uint16) {
	if b.OnWrite != nil {
		b.OnWrite(b, fc, addr, count)
	}
}

func readBits(bits []bool, addr, qty uint16) ([]byte, byte) {
	if int(addr)+int(qty) > len(bits) {
		return nil, modbus.ExceptionCodeIllegalDataAddress
	}
	out := make([]byte, 1+(int(qty)+7)/8)
	out[0] = byte(len(out) - 1)
	for i := 0; i < int(qty); i++ {
		if bits[int(addr)+i] {
			out[1+i/8] |= 1 << uint(i%8)
		}
	}
	return out, 0
}

func readRegisters(regs []uint16, addr, qty uint16) ([]byte, byte) {
	if int(addr)+int(qty) > len(regs) {
		return nil, modbus.ExceptionCodeIllegalDataAddress
	}
	out := make([]byte, 1+2*int(qty))
	out[0] = byte(2 * qty)
	for i := 0; i < int(qty); i++ {
		binary.BigEndian.PutUint16(out[1+2*i:], regs[int(addr)+i])
	}
	return out, 0
}

func crc16(bs []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range bs {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
