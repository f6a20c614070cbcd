package mavlink

import "fmt"

// PX4 main modes from px4_custom_mode.h.
const (
	px4Manual     = 1
	px4Altctl     = 2
	px4Posctl     = 3
	px4Auto       = 4
	px4Acro       = 5
	px4Offboard   = 6
	px4Stabilized = 7
	px4Rattitude  = 8
)

// PX4 AUTO sub modes.
const (
	px4AutoReady        = 1
	px4AutoTakeoff      = 2
	px4AutoLoiter       = 3
	px4AutoMission      = 4
	px4AutoRTL          = 5
	px4AutoLand         = 6
	px4AutoFollowTarget = 8
	px4AutoPrecland     = 9
)

type px4Mode struct {
	main, sub uint8
}

// Names follow MAVROS so the same strings work with either stack.
var px4Modes = map[string]px4Mode{
	"MANUAL":             {px4Manual, 0},
	"ALTCTL":             {px4Altctl, 0},
	"POSCTL":             {px4Posctl, 0},
	"ACRO":               {px4Acro, 0},
	"OFFBOARD":           {px4Offboard, 0},
	"STABILIZED":         {px4Stabilized, 0},
	"RATTITUDE":          {px4Rattitude, 0},
	"AUTO.READY":         {px4Auto, px4AutoReady},
	"AUTO.TAKEOFF":       {px4Auto, px4AutoTakeoff},
	"AUTO.LOITER":        {px4Auto, px4AutoLoiter},
	"AUTO.MISSION":       {px4Auto, px4AutoMission},
	"AUTO.RTL":           {px4Auto, px4AutoRTL},
	"AUTO.LAND":          {px4Auto, px4AutoLand},
	"AUTO.FOLLOW_TARGET": {px4Auto, px4AutoFollowTarget},
	"AUTO.PRECLAND":      {px4Auto, px4AutoPrecland},
}

var px4Names = func() map[px4Mode]string {
	out := make(map[px4Mode]string, len(px4Modes))
	for name, m := range px4Modes {
		out[m] = name
	}
	return out
}()

// DecodePX4Mode turns a HEARTBEAT custom_mode into a mode name.
func DecodePX4Mode(customMode uint32) string {
	m := px4Mode{main: uint8(customMode >> 16), sub: uint8(customMode >> 24)}
	if m.main != px4Auto {
		m.sub = 0
	}
	if name, ok := px4Names[m]; ok {
		return name
	}
	return fmt.Sprintf("CMODE(%d)", customMode)
}

// EncodePX4Mode returns the main and sub mode for a mode name.
func EncodePX4Mode(name string) (main, sub uint8, ok bool) {
	m, ok := px4Modes[name]
	return m.main, m.sub, ok
}

// CustomMode packs a mode name into a HEARTBEAT custom_mode.
func CustomMode(name string) (uint32, bool) {
	main, sub, ok := EncodePX4Mode(name)
	return uint32(main)<<16 | uint32(sub)<<24, ok
}
