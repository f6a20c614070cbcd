package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/offboard/sequencer"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	// Keep the working directory's offboard.yaml, if any, out of the way.
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	fs := NewFlagSet("test")
	require.NoError(t, fs.Parse(args))
	return Load(fs)
}

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)

	want := &Config{
		LogLevel: "info",
		HTTPAddr: "127.0.0.1:8503",
		Link: Link{
			Kind:             KindMAVLink,
			Address:          "udp:127.0.0.1:14540",
			Baud:             57600,
			SlaveID:          1,
			SystemID:         255,
			TargetSystem:     1,
			HeartbeatTimeout: 2 * time.Second,
		},
		Sequencer: sequencer.DefaultConfig(),
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("unexpected config: got(-)/want(+):\n%s", diff)
	}
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
link:
  kind: serial
  serial: /dev/ttyUSB0
  baud: 115200
sequencer:
  cruise_altitude: 2.5
  retry_interval: 2s
`), 0644))

	cfg, err := load(t, "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, KindSerial, cfg.Link.Kind)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Link.Serial)
	assert.Equal(t, 115200, cfg.Link.Baud)
	assert.Equal(t, 2.5, cfg.Sequencer.CruiseAltitude)
	assert.Equal(t, 2*time.Second, cfg.Sequencer.RetryInterval)
	// untouched keys keep their defaults
	assert.Equal(t, 50*time.Millisecond, cfg.Sequencer.Period)
	assert.Equal(t, "127.0.0.1:8503", cfg.HTTPAddr)
}

func TestLoad_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offboard.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"http_addr": ":9000", "sequencer": {"thrust": 0.3}}`), 0644))
	t.Setenv("OFFBOARD_SEQUENCER_THRUST", "0.4")
	t.Setenv("OFFBOARD_LINK_KIND", "sim")

	cfg, err := load(t, "--config", path, "--http-addr", ":9001")
	require.NoError(t, err)
	assert.Equal(t, ":9001", cfg.HTTPAddr)
	assert.Equal(t, 0.4, cfg.Sequencer.Thrust)
	assert.Equal(t, KindSim, cfg.Link.Kind)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(t, "--config", "/nonexistent/offboard.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLoad_Invalid(t *testing.T) {
	for _, test := range []struct {
		name string
		args []string
	}{
		{"unknown link", []string{"--link", "smoke-signals"}},
		{"serial without device", []string{"--link", "serial"}},
		{"negative altitude", []string{"--cruise-altitude=-1"}},
		{"thrust above one", []string{"--thrust", "1.5"}},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := load(t, test.args...)
			assert.Error(t, err)
		})
	}
}
