package sequencer

import "fmt"

type Phase int

const (
	AwaitConnection Phase = iota
	Prestream
	Negotiate
	Climb
	Hover
	Descend
	Landed
)

var phaseNames = [...]string{
	AwaitConnection: "AWAIT_CONNECTION",
	Prestream:       "PRESTREAM",
	Negotiate:       "NEGOTIATE",
	Climb:           "CLIMB",
	Hover:           "HOVER",
	Descend:         "DESCEND",
	Landed:          "LANDED",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// Airborne reports whether the vehicle is expected to be flying on host setpoints.
func (p Phase) Airborne() bool {
	return p == Climb || p == Hover || p == Descend
}
