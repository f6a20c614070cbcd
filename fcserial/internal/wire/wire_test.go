package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, test := range []struct {
		input string
		want  Message
	}{
		{"HB 1 OFFBOARD", Message{Cmd: "HB", Args: []string{"1", "OFFBOARD"}}},
		{"ack mode 0", Message{Cmd: "ACK", Args: []string{"mode", "0"}}},
		{"  SP 0 0 1.5 0.2\r", Message{Cmd: "SP", Args: []string{"0", "0", "1.5", "0.2"}}},
		{"ARM", Message{Cmd: "ARM", Args: []string{}}},
	} {
		t.Run(test.input, func(t *testing.T) {
			got, err := Parse(test.input)
			require.NoError(t, err)
			assert.Equal(t, test.want.Cmd, got.Cmd)
			assert.ElementsMatch(t, test.want.Args, got.Args)
		})
	}
	_, err := Parse("   ")
	assert.Error(t, err)
}

func TestRoundTrips(t *testing.T) {
	m, err := Parse(Setpoint(0, -1.25, 1.5, 0.2).String())
	require.NoError(t, err)
	x, y, z, thrust, err := m.Setpoint()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, -1.25, 1.5, 0.2}, []float64{x, y, z, thrust})

	m, err = Parse(Heartbeat(true, "AUTO.LOITER").String())
	require.NoError(t, err)
	armed, mode, err := m.Heartbeat()
	require.NoError(t, err)
	assert.True(t, armed)
	assert.Equal(t, "AUTO.LOITER", mode)

	m, err = Parse(Ack(CmdArm, false).String())
	require.NoError(t, err)
	cmd, ok, id, err := m.Ack()
	require.NoError(t, err)
	assert.Equal(t, CmdArm, cmd)
	assert.False(t, ok)
	assert.Zero(t, id)

	m, err = Parse(Arm(true).String())
	require.NoError(t, err)
	arm, id, err := m.Arm()
	require.NoError(t, err)
	assert.True(t, arm)
	assert.Zero(t, id)
}

func TestRequestIDs(t *testing.T) {
	m, err := Parse(Mode("OFFBOARD").WithID(7).String())
	require.NoError(t, err)
	assert.Equal(t, "MODE OFFBOARD 7", m.String())
	mode, id, err := m.Mode()
	require.NoError(t, err)
	assert.Equal(t, "OFFBOARD", mode)
	assert.Equal(t, uint32(7), id)

	m, err = Parse(Arm(false).WithID(8).String())
	require.NoError(t, err)
	arm, id, err := m.Arm()
	require.NoError(t, err)
	assert.False(t, arm)
	assert.Equal(t, uint32(8), id)

	m, err = Parse(Ack(CmdMode, true).WithID(9).String())
	require.NoError(t, err)
	cmd, ok, id, err := m.Ack()
	require.NoError(t, err)
	assert.Equal(t, CmdMode, cmd)
	assert.True(t, ok)
	assert.Equal(t, uint32(9), id)
}

func TestMalformed(t *testing.T) {
	for _, line := range []string{
		"HB 2 OFFBOARD",
		"HB 1",
		"SP 0 0 x 0.2",
		"SP 0 0 1",
		"ACK MODE yes",
		"ACK MODE 1 seven",
		"ACK MODE 1 7 8",
		"ARM 1 -3",
		"MODE",
	} {
		t.Run(line, func(t *testing.T) {
			m, err := Parse(line)
			require.NoError(t, err)
			switch m.Cmd {
			case CmdHeartbeat:
				_, _, err = m.Heartbeat()
			case CmdSetpoint:
				_, _, _, _, err = m.Setpoint()
			case CmdAck:
				_, _, _, err = m.Ack()
			case CmdArm:
				_, _, err = m.Arm()
			case CmdMode:
				_, _, err = m.Mode()
			}
			assert.Error(t, err)
		})
	}
}
