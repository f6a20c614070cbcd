package mavlink

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/offboard/vehicle"
)

// autopilot answers commands the way PX4 does and records everything written.
type autopilot struct {
	l      *Link
	result common.MAV_RESULT

	mu   sync.Mutex
	sent []message.Message
}

func newAutopilot(opts Options) *autopilot {
	ap := &autopilot{result: common.MAV_RESULT_ACCEPTED}
	opts.Logger = zerolog.Nop()
	ap.l = newLink(opts, ap.write)
	return ap
}

func (ap *autopilot) write(m message.Message) {
	ap.mu.Lock()
	ap.sent = append(ap.sent, m)
	ap.mu.Unlock()
	if cmd, ok := m.(*common.MessageCommandLong); ok && ap.result != 0xff {
		ap.l.handleMessage(1, 1, &common.MessageCommandAck{Command: cmd.Command, Result: ap.result})
	}
}

func (ap *autopilot) heartbeat(armed bool, mode string) {
	custom, _ := CustomMode(mode)
	base := common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED
	if armed {
		base |= common.MAV_MODE_FLAG_SAFETY_ARMED
	}
	ap.l.handleMessage(1, 1, &common.MessageHeartbeat{
		Type:       common.MAV_TYPE_QUADROTOR,
		Autopilot:  common.MAV_AUTOPILOT_PX4,
		BaseMode:   base,
		CustomMode: custom,
	})
}

func (ap *autopilot) messages() []message.Message {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return append([]message.Message(nil), ap.sent...)
}

func TestParseEndpoint(t *testing.T) {
	for _, test := range []struct {
		input string
		want  gomavlib.EndpointConf
	}{
		{"udp:127.0.0.1:14540", gomavlib.EndpointUDPServer{Address: "127.0.0.1:14540"}},
		{"udpc:10.0.0.2:14557", gomavlib.EndpointUDPClient{Address: "10.0.0.2:14557"}},
		{"tcp:localhost:5760", gomavlib.EndpointTCPClient{Address: "localhost:5760"}},
		{"serial:/dev/ttyACM0", gomavlib.EndpointSerial{Device: "/dev/ttyACM0", Baud: 57600}},
		{"serial:/dev/ttyUSB0:921600", gomavlib.EndpointSerial{Device: "/dev/ttyUSB0", Baud: 921600}},
	} {
		t.Run(test.input, func(t *testing.T) {
			got, err := ParseEndpoint(test.input)
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
	for _, bad := range []string{"", "udp", "udp:", "carrier-pigeon:1", "serial:/dev/ttyACM0:fast"} {
		_, err := ParseEndpoint(bad)
		assert.Error(t, err, bad)
	}
}

func TestHeartbeat(t *testing.T) {
	var got []vehicle.Status
	ap := newAutopilot(Options{StatusCallback: func(s vehicle.Status) { got = append(got, s) }})
	assert.False(t, ap.l.Status().Connected)

	ap.heartbeat(false, "POSCTL")
	ap.heartbeat(false, "POSCTL")
	ap.heartbeat(true, "OFFBOARD")
	// Another system and a non-autopilot component are both ignored.
	ap.l.handleMessage(2, 1, &common.MessageHeartbeat{Autopilot: common.MAV_AUTOPILOT_PX4})
	ap.l.handleMessage(1, 100, &common.MessageHeartbeat{Autopilot: common.MAV_AUTOPILOT_INVALID})

	want := []vehicle.Status{
		{Connected: true, Mode: "POSCTL"},
		{Connected: true, Armed: true, Mode: "OFFBOARD"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected status updates: got(-)/want(+):\n%s", diff)
	}
	assert.True(t, ap.l.Status().Offboard())
}

func TestHeartbeatTimeout(t *testing.T) {
	ap := newAutopilot(Options{HeartbeatTimeout: 20 * time.Millisecond})
	ap.heartbeat(true, "OFFBOARD")
	assert.True(t, ap.l.Status().Connected)
	require.Eventually(t, func() bool { return !ap.l.Status().Connected }, time.Second, 5*time.Millisecond)
}

func TestNotConnected(t *testing.T) {
	ap := newAutopilot(Options{})
	assert.ErrorIs(t, ap.l.PublishSetpoint(vehicle.Setpoint{}), vehicle.ErrNotConnected)
	assert.ErrorIs(t, ap.l.RequestArm(context.Background(), true), vehicle.ErrNotConnected)
	assert.Empty(t, ap.messages())
}

func TestPublishSetpoint(t *testing.T) {
	ap := newAutopilot(Options{SendThrust: true})
	ap.heartbeat(false, "POSCTL")
	require.NoError(t, ap.l.PublishSetpoint(vehicle.Setpoint{
		Position: vehicle.Position{X: 1, Y: 2, Z: 1.5},
		Thrust:   0.2,
	}))
	msgs := ap.messages()
	require.Len(t, msgs, 2)

	pos, ok := msgs[0].(*common.MessageSetPositionTargetLocalNed)
	require.True(t, ok)
	assert.Equal(t, common.MAV_FRAME_LOCAL_NED, pos.CoordinateFrame)
	assert.Equal(t, positionOnly, pos.TypeMask)
	assert.Equal(t, []float32{2, 1, -1.5}, []float32{pos.X, pos.Y, pos.Z})

	att, ok := msgs[1].(*common.MessageSetAttitudeTarget)
	require.True(t, ok)
	assert.InDelta(t, 0.2, att.Thrust, 1e-6)
}

func TestPublishSetpointWithoutThrust(t *testing.T) {
	var logs bytes.Buffer
	ap := newAutopilot(Options{})
	newLink(Options{Logger: zerolog.New(&logs)}, ap.write)
	assert.Contains(t, logs.String(), "thrust is not forwarded")
	logs.Reset()
	newLink(Options{SendThrust: true, Logger: zerolog.New(&logs)}, ap.write)
	assert.Empty(t, logs.String())

	ap.heartbeat(false, "POSCTL")
	require.NoError(t, ap.l.PublishSetpoint(vehicle.Setpoint{Thrust: 0.2}))
	msgs := ap.messages()
	require.Len(t, msgs, 1)
	assert.IsType(t, &common.MessageSetPositionTargetLocalNed{}, msgs[0])
}

func TestCommands(t *testing.T) {
	ap := newAutopilot(Options{})
	ap.heartbeat(false, "POSCTL")
	ctx := context.Background()

	require.NoError(t, ap.l.RequestMode(ctx, vehicle.ModeOffboard))
	require.NoError(t, ap.l.RequestArm(ctx, true))
	require.NoError(t, ap.l.RequestArm(ctx, false))

	msgs := ap.messages()
	require.Len(t, msgs, 3)
	mode := msgs[0].(*common.MessageCommandLong)
	assert.Equal(t, common.MAV_CMD_DO_SET_MODE, mode.Command)
	assert.Equal(t, []float32{1, 6, 0}, []float32{mode.Param1, mode.Param2, mode.Param3})
	arm := msgs[1].(*common.MessageCommandLong)
	assert.Equal(t, common.MAV_CMD_COMPONENT_ARM_DISARM, arm.Command)
	assert.Equal(t, float32(1), arm.Param1)
	disarm := msgs[2].(*common.MessageCommandLong)
	assert.Equal(t, float32(0), disarm.Param1)

	assert.Error(t, ap.l.RequestMode(ctx, "HOVER"))
}

func TestCommandRejected(t *testing.T) {
	ap := newAutopilot(Options{})
	ap.result = common.MAV_RESULT_DENIED
	ap.heartbeat(false, "POSCTL")
	assert.ErrorIs(t, ap.l.RequestArm(context.Background(), true), vehicle.ErrRejected)
}

func TestCommandTimesOut(t *testing.T) {
	ap := newAutopilot(Options{})
	ap.result = 0xff
	ap.heartbeat(false, "POSCTL")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ap.l.RequestArm(ctx, true), context.DeadlineExceeded)
}

func TestCommandIgnoresOtherAcks(t *testing.T) {
	ap := newAutopilot(Options{})
	ap.result = 0xff
	ap.heartbeat(false, "POSCTL")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ap.l.RequestArm(ctx, true) }()
	require.Eventually(t, func() bool { return len(ap.messages()) == 1 }, time.Second, 5*time.Millisecond)
	ap.l.handleMessage(1, 1, &common.MessageCommandAck{Command: common.MAV_CMD_DO_SET_MODE, Result: common.MAV_RESULT_DENIED})
	ap.l.handleMessage(1, 1, &common.MessageCommandAck{Command: common.MAV_CMD_COMPONENT_ARM_DISARM, Result: common.MAV_RESULT_IN_PROGRESS})
	ap.l.handleMessage(1, 1, &common.MessageCommandAck{Command: common.MAV_CMD_COMPONENT_ARM_DISARM, Result: common.MAV_RESULT_ACCEPTED})
	assert.NoError(t, <-done)
}
