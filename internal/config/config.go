// Package config loads offboard settings from defaults, an optional config
// file, OFFBOARD_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/w1xm/offboard/sequencer"
)

// Link kinds.
const (
	KindMAVLink = "mavlink"
	KindSerial  = "serial"
	KindTCP     = "tcp"
	KindModbus  = "modbus"
	KindSim     = "sim"
)

type Link struct {
	Kind string `mapstructure:"kind"`
	// Address is the MAVLink endpoint, the tcp host:port or the Modbus TCP gateway.
	Address string `mapstructure:"address"`
	// Serial is the device for serial and Modbus RTU links.
	Serial string `mapstructure:"serial"`
	Baud   int    `mapstructure:"baud"`
	// URL and Password reach a Modbus gateway through modbus_bridge.
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	SlaveID  uint8  `mapstructure:"slave_id"`

	SystemID         uint8         `mapstructure:"system_id"`
	TargetSystem     uint8         `mapstructure:"target_system"`
	SendThrust       bool          `mapstructure:"send_thrust"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

type Config struct {
	LogLevel string `mapstructure:"log_level"`
	// LogFile, if set, also receives uncolored log output.
	LogFile string `mapstructure:"log_file"`
	// HTTPAddr is where the status server listens. Empty disables it.
	HTTPAddr  string           `mapstructure:"http_addr"`
	Link      Link             `mapstructure:"link"`
	Sequencer sequencer.Config `mapstructure:"sequencer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("http_addr", "127.0.0.1:8503")

	v.SetDefault("link.kind", KindMAVLink)
	v.SetDefault("link.address", "udp:127.0.0.1:14540")
	v.SetDefault("link.serial", "")
	v.SetDefault("link.baud", 57600)
	v.SetDefault("link.url", "")
	v.SetDefault("link.password", "")
	v.SetDefault("link.slave_id", 1)
	v.SetDefault("link.system_id", 255)
	v.SetDefault("link.target_system", 1)
	v.SetDefault("link.send_thrust", false)
	v.SetDefault("link.heartbeat_timeout", 2*time.Second)

	seq := sequencer.DefaultConfig()
	v.SetDefault("sequencer.cruise_altitude", seq.CruiseAltitude)
	v.SetDefault("sequencer.thrust", seq.Thrust)
	v.SetDefault("sequencer.prestream_ticks", seq.PrestreamTicks)
	v.SetDefault("sequencer.period", seq.Period)
	v.SetDefault("sequencer.retry_interval", seq.RetryInterval)
	v.SetDefault("sequencer.climb_after", seq.ClimbAfter)
	v.SetDefault("sequencer.climb_before", seq.ClimbBefore)
	v.SetDefault("sequencer.hover_until", seq.HoverUntil)
	v.SetDefault("sequencer.descent_step", seq.DescentStep)
	v.SetDefault("sequencer.descent_interval", seq.DescentInterval)
	v.SetDefault("sequencer.disarm_attempts", seq.DisarmAttempts)
	v.SetDefault("sequencer.request_timeout", seq.RequestTimeout)
}

// flags maps command line flags onto config keys.
var flags = map[string]string{
	"log-level":       "log_level",
	"log-file":        "log_file",
	"http-addr":       "http_addr",
	"link":            "link.kind",
	"address":         "link.address",
	"serial":          "link.serial",
	"baud":            "link.baud",
	"url":             "link.url",
	"cruise-altitude": "sequencer.cruise_altitude",
	"thrust":          "sequencer.thrust",
}

// NewFlagSet returns the command line flags understood by Load.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	seq := sequencer.DefaultConfig()
	fs.StringP("config", "c", "", "config file (yaml, json or toml)")
	fs.String("log-level", "info", "trace, debug, info, warn or error")
	fs.String("log-file", "", "also write logs to this file")
	fs.String("http-addr", "127.0.0.1:8503", "status server address; empty disables it")
	fs.String("link", KindMAVLink, "flight controller link: mavlink, serial, tcp, modbus or sim")
	fs.String("address", "udp:127.0.0.1:14540", "MAVLink endpoint, tcp address or Modbus TCP gateway")
	fs.String("serial", "", "serial device")
	fs.Int("baud", 57600, "serial baud rate")
	fs.String("url", "", "modbus_bridge URL")
	fs.Float64("cruise-altitude", seq.CruiseAltitude, "hover altitude in metres")
	fs.Float64("thrust", seq.Thrust, "thrust published with every setpoint")
	return fs
}

// Load builds a Config from the parsed flags in fs.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OFFBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for flag, key := range flags {
		if f := fs.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %q: %w", flag, err)
			}
		}
	}

	path, _ := fs.GetString("config")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		v.SetConfigName("offboard")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/offboard")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Link.Kind {
	case KindMAVLink, KindSim:
	case KindSerial:
		if c.Link.Serial == "" {
			errs = append(errs, errors.New("serial link needs link.serial"))
		}
	case KindTCP:
		if c.Link.Address == "" {
			errs = append(errs, errors.New("tcp link needs link.address"))
		}
	case KindModbus:
		if c.Link.Serial == "" && c.Link.Address == "" && c.Link.URL == "" {
			errs = append(errs, errors.New("modbus link needs link.serial, link.address or link.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown link kind %q", c.Link.Kind))
	}
	if err := c.Sequencer.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
