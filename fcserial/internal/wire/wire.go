// Package wire encodes and decodes the line protocol spoken between the host
// and a serial flight controller.
//
// Controller to host:
//
//	HB <armed 0|1> <mode>
//	ACK <MODE|ARM> <0|1>
//
// Host to controller:
//
//	SP <x> <y> <z> <thrust>
//	MODE <name> [id]
//	ARM <0|1> [id]
//
// A request id, when present, is echoed as the last field of its ACK:
//
//	ACK <MODE|ARM> <0|1> [id]
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	CmdHeartbeat = "HB"
	CmdAck       = "ACK"
	CmdSetpoint  = "SP"
	CmdMode      = "MODE"
	CmdArm       = "ARM"
)

type Message struct {
	Cmd  string
	Args []string
}

func (m Message) String() string {
	if len(m.Args) == 0 {
		return m.Cmd
	}
	return m.Cmd + " " + strings.Join(m.Args, " ")
}

func Parse(line string) (Message, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Message{}, errors.New("empty line")
	}
	return Message{Cmd: strings.ToUpper(fields[0]), Args: fields[1:]}, nil
}

func (m Message) want(n int) error {
	if len(m.Args) != n {
		return fmt.Errorf("%s: got %d arguments, want %d", m.Cmd, len(m.Args), n)
	}
	return nil
}

// withOptionalID checks for n arguments plus an optional trailing id, which
// is returned as 0 when absent.
func (m Message) withOptionalID(n int) (uint32, error) {
	switch len(m.Args) {
	case n:
		return 0, nil
	case n + 1:
		id, err := strconv.ParseUint(m.Args[n], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%s: bad id %q", m.Cmd, m.Args[n])
		}
		return uint32(id), nil
	}
	return 0, fmt.Errorf("%s: got %d arguments, want %d or %d", m.Cmd, len(m.Args), n, n+1)
}

// WithID appends a request id.
func (m Message) WithID(id uint32) Message {
	args := append(append([]string(nil), m.Args...), strconv.FormatUint(uint64(id), 10))
	return Message{Cmd: m.Cmd, Args: args}
}

func FormatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func ParseBool(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("bad flag %q", s)
}

func ParseFloat(dest *float64, input string) error {
	f, err := strconv.ParseFloat(input, 64)
	if err != nil {
		return err
	}
	*dest = f
	return nil
}

func ParseFloatArray(dest []*float64, input []string) error {
	for i, field := range dest {
		if i >= len(input) {
			return errors.New("truncated list")
		}
		if err := ParseFloat(field, input[i]); err != nil {
			return err
		}
	}
	return nil
}

func Heartbeat(armed bool, mode string) Message {
	return Message{Cmd: CmdHeartbeat, Args: []string{FormatBool(armed), mode}}
}

func (m Message) Heartbeat() (armed bool, mode string, err error) {
	if err := m.want(2); err != nil {
		return false, "", err
	}
	armed, err = ParseBool(m.Args[0])
	return armed, m.Args[1], err
}

func Ack(cmd string, ok bool) Message {
	return Message{Cmd: CmdAck, Args: []string{cmd, FormatBool(ok)}}
}

func (m Message) Ack() (cmd string, ok bool, id uint32, err error) {
	if id, err = m.withOptionalID(2); err != nil {
		return "", false, 0, err
	}
	ok, err = ParseBool(m.Args[1])
	return strings.ToUpper(m.Args[0]), ok, id, err
}

func Setpoint(x, y, z, thrust float64) Message {
	args := make([]string, 0, 4)
	for _, v := range []float64{x, y, z, thrust} {
		args = append(args, strconv.FormatFloat(v, 'f', 3, 64))
	}
	return Message{Cmd: CmdSetpoint, Args: args}
}

func (m Message) Setpoint() (x, y, z, thrust float64, err error) {
	if err := m.want(4); err != nil {
		return 0, 0, 0, 0, err
	}
	err = ParseFloatArray([]*float64{&x, &y, &z, &thrust}, m.Args)
	return x, y, z, thrust, err
}

func Mode(mode string) Message {
	return Message{Cmd: CmdMode, Args: []string{mode}}
}

func (m Message) Mode() (mode string, id uint32, err error) {
	if id, err = m.withOptionalID(1); err != nil {
		return "", 0, err
	}
	return m.Args[0], id, nil
}

func Arm(arm bool) Message {
	return Message{Cmd: CmdArm, Args: []string{FormatBool(arm)}}
}

func (m Message) Arm() (arm bool, id uint32, err error) {
	if id, err = m.withOptionalID(1); err != nil {
		return false, 0, err
	}
	arm, err = ParseBool(m.Args[0])
	return arm, id, err
}
