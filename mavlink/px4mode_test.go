package mavlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePX4Mode(t *testing.T) {
	for _, test := range []struct {
		custom uint32
		want   string
	}{
		{6 << 16, "OFFBOARD"},
		{3 << 16, "POSCTL"},
		{1 << 16, "MANUAL"},
		{4<<16 | 3<<24, "AUTO.LOITER"},
		{4<<16 | 6<<24, "AUTO.LAND"},
		// sub mode is meaningless outside AUTO
		{6<<16 | 3<<24, "OFFBOARD"},
		{42 << 16, "CMODE(2752512)"},
	} {
		t.Run(test.want, func(t *testing.T) {
			assert.Equal(t, test.want, DecodePX4Mode(test.custom))
		})
	}
}

func TestPX4ModeRoundTrip(t *testing.T) {
	for name := range px4Modes {
		t.Run(name, func(t *testing.T) {
			custom, ok := CustomMode(name)
			require.True(t, ok)
			assert.Equal(t, name, DecodePX4Mode(custom))
		})
	}
	_, _, ok := EncodePX4Mode("offboard")
	assert.False(t, ok)
}
