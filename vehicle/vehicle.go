package vehicle

import (
	"context"
	"errors"
)

// ModeOffboard is the flight mode in which every setpoint comes from the host.
const ModeOffboard = "OFFBOARD"

var (
	// ErrRejected is returned when the flight controller answers a request with a refusal.
	ErrRejected = errors.New("request rejected by flight controller")
	// ErrNotConnected is returned when there is no open connection to send on.
	ErrNotConnected = errors.New("not connected")
)

// Link moves setpoints and commands between the host and a flight controller.
type Link interface {
	// Status returns the last observed status without blocking.
	Status() Status
	// PublishSetpoint sends sp without waiting for any acknowledgement.
	PublishSetpoint(sp Setpoint) error
	// RequestMode asks the controller to switch to mode. A nil error means it was accepted.
	RequestMode(ctx context.Context, mode string) error
	// RequestArm asks the controller to arm (true) or disarm (false).
	RequestArm(ctx context.Context, arm bool) error
}

type Status struct {
	Connected bool   `json:"connected"`
	Armed     bool   `json:"armed"`
	Mode      string `json:"mode"`
}

// Offboard reports whether the vehicle is armed and flying on host setpoints.
func (s Status) Offboard() bool {
	return s.Mode == ModeOffboard && s.Armed
}

// Position is in metres, z up.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Setpoint struct {
	Position Position `json:"position"`
	// Thrust is normalized to [0,1].
	Thrust float64 `json:"thrust"`
}

type StatusCallback func(status Status)
