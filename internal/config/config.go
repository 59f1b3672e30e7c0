// Package config resolves the base station's CLI flags and optional YAML
// overlay into one Config value. Precedence is flags > YAML file >
// built-in defaults; an explicitly-passed flag always wins even if a
// config file sets the same field.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/robocup-rtp/base-station/internal/nrf24"
	"github.com/robocup-rtp/base-station/internal/rtp"
)

// Config is the fully-resolved runtime configuration for cmd/base-station.
type Config struct {
	FieldComputerAddress string        `yaml:"field_computer_address"`
	ControlMessagePort   int           `yaml:"control_message_port"`
	RobotStatusPort      int           `yaml:"robot_status_port"`
	AliveRobotsPort      int           `yaml:"alive_robots_port"`

	Robots        int  `yaml:"robots"`
	SendTimeoutMs int  `yaml:"send_timeout_ms"`
	TimeoutMs     int  `yaml:"timeout_ms"`
	DeadTimeoutMs int  `yaml:"dead_timeout_ms"`
	Manual        bool `yaml:"manual"`
	TwoRadios     bool `yaml:"two_radios"`

	Channel byte   `yaml:"channel"`
	PALevel string `yaml:"pa_level"`
	Team    string `yaml:"team"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	// BaseAddress is this station's own nRF24 reading-pipe address.
	BaseAddress nrf24.Address `yaml:"-"`
	// RobotAddresses is the per-robot writing-pipe address table, indexed
	// by robot id. YAML overlays it as a list of 5-byte hex strings under
	// robot_addresses; flags never set it directly.
	RobotAddresses []nrf24.Address `yaml:"-"`

	yamlOverlay yamlOverlay
}

type yamlOverlay struct {
	FieldComputerAddress *string  `yaml:"field_computer_address"`
	ControlMessagePort   *int     `yaml:"control_message_port"`
	RobotStatusPort      *int     `yaml:"robot_status_port"`
	AliveRobotsPort      *int     `yaml:"alive_robots_port"`
	Robots               *int     `yaml:"robots"`
	SendTimeoutMs        *int     `yaml:"send_timeout_ms"`
	TimeoutMs            *int     `yaml:"timeout_ms"`
	DeadTimeoutMs        *int     `yaml:"dead_timeout_ms"`
	Manual               *bool    `yaml:"manual"`
	TwoRadios            *bool    `yaml:"two_radios"`
	Channel              *byte    `yaml:"channel"`
	PALevel              *string  `yaml:"pa_level"`
	Team                 *string  `yaml:"team"`
	LogLevel             *string  `yaml:"log_level"`
	MetricsAddr          *string  `yaml:"metrics_addr"`
	BaseAddress          *string  `yaml:"base_address"`
	RobotAddresses       []string `yaml:"robot_addresses"`
}

// Defaults mirrors original_source/src/main.rs's Args defaults, extended
// with the radio and ambient-stack knobs SPEC_FULL.md adds.
func Defaults() Config {
	return Config{
		FieldComputerAddress: "10.42.0.1",
		ControlMessagePort:   8000,
		RobotStatusPort:      8001,
		AliveRobotsPort:      8002,
		Robots:               6,
		SendTimeoutMs:        3,
		TimeoutMs:            500,
		DeadTimeoutMs:        0,
		Channel:              106,
		PALevel:              "low",
		Team:                 "blue",
		LogLevel:             "info",
		BaseAddress:          nrf24.Address{0xE7, 0xE7, 0xE7, 0xE7, 0xE7},
	}
}

// Parse builds a Config from argv (typically os.Args[1:]), applying an
// optional --config YAML file between the built-in defaults and the
// explicitly-set flags.
func Parse(argv []string) (Config, error) {
	cfg := Defaults()

	fs := pflag.NewFlagSet("base-station", pflag.ContinueOnError)

	fieldAddr := fs.String("field-computer-address", cfg.FieldComputerAddress, "IP address of the field computer")
	ctrlPort := fs.Int("control-message-port", cfg.ControlMessagePort, "UDP port the field computer sends Control Frames on")
	statusPort := fs.Int("robot-status-port", cfg.RobotStatusPort, "UDP port Status Frames are published to")
	aliveRobotsPort := fs.Int("alive-robots-port", cfg.AliveRobotsPort, "UDP port the aliveness mask is published to")
	robots := fs.IntP("robots", "r", cfg.Robots, "number of robots to poll (N_ROBOTS, max 16)")
	sendTimeoutMs := fs.Int("send-timeout-ms", cfg.SendTimeoutMs, "T_resp, per-slot reply window in milliseconds")
	timeoutMs := fs.IntP("timeout", "t", cfg.TimeoutMs, "T_check tick and default T_dead, in milliseconds")
	deadTimeoutMs := fs.Int("dead-timeout-ms", cfg.DeadTimeoutMs, "override T_dead independently of --timeout (0 = use --timeout)")
	manual := fs.Bool("manual", cfg.Manual, "enable the gamepad manual command source")
	twoRadios := fs.Bool("two-radios", cfg.TwoRadios, "use a dedicated TX/RX radio pair (not implemented)")
	channel := fs.Uint8("channel", cfg.Channel, "nRF24 channel, 0-124 (frequency = 2400+N MHz)")
	paLevel := fs.String("pa-level", cfg.PALevel, "nRF24 PA level: min|low|high|max")
	team := fs.String("team", cfg.Team, "team tag stamped on every outbound frame: blue|yellow")
	configFile := fs.String("config", "", "optional YAML file overlaying these defaults")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "address to serve Prometheus /metrics on (empty disables it)")

	if err := fs.Parse(argv); err != nil {
		return Config{}, err
	}

	if *configFile != "" {
		overlay, err := loadYAML(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		applyOverlay(&cfg, overlay)
	}

	// Flags explicitly set on the command line win over the YAML overlay.
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "field-computer-address":
			cfg.FieldComputerAddress = *fieldAddr
		case "control-message-port":
			cfg.ControlMessagePort = *ctrlPort
		case "robot-status-port":
			cfg.RobotStatusPort = *statusPort
		case "alive-robots-port":
			cfg.AliveRobotsPort = *aliveRobotsPort
		case "robots":
			cfg.Robots = *robots
		case "send-timeout-ms":
			cfg.SendTimeoutMs = *sendTimeoutMs
		case "timeout":
			cfg.TimeoutMs = *timeoutMs
		case "dead-timeout-ms":
			cfg.DeadTimeoutMs = *deadTimeoutMs
		case "manual":
			cfg.Manual = *manual
		case "two-radios":
			cfg.TwoRadios = *twoRadios
		case "channel":
			cfg.Channel = *channel
		case "pa-level":
			cfg.PALevel = *paLevel
		case "team":
			cfg.Team = *team
		case "log-level":
			cfg.LogLevel = *logLevel
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		}
	})

	if cfg.Robots < 0 || cfg.Robots > nrf24FleetLimit {
		return Config{}, fmt.Errorf("config: --robots must be between 0 and %d", nrf24FleetLimit)
	}
	if cfg.TwoRadios {
		return Config{}, fmt.Errorf("config: --two-radios is not implemented")
	}

	if len(cfg.RobotAddresses) == 0 {
		cfg.RobotAddresses = defaultRobotAddresses(cfg.Robots)
	}

	return cfg, nil
}

const nrf24FleetLimit = 16

func defaultRobotAddresses(n int) []nrf24.Address {
	addrs := make([]nrf24.Address, n)
	for i := 0; i < n; i++ {
		addrs[i] = nrf24.Address{0xC0, 0xFF, 0xEE, 0x00, byte(i)}
	}
	return addrs
}

func loadYAML(path string) (yamlOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return yamlOverlay{}, err
	}
	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return yamlOverlay{}, err
	}
	return overlay, nil
}

func applyOverlay(cfg *Config, o yamlOverlay) {
	if o.FieldComputerAddress != nil {
		cfg.FieldComputerAddress = *o.FieldComputerAddress
	}
	if o.ControlMessagePort != nil {
		cfg.ControlMessagePort = *o.ControlMessagePort
	}
	if o.RobotStatusPort != nil {
		cfg.RobotStatusPort = *o.RobotStatusPort
	}
	if o.AliveRobotsPort != nil {
		cfg.AliveRobotsPort = *o.AliveRobotsPort
	}
	if o.Robots != nil {
		cfg.Robots = *o.Robots
	}
	if o.SendTimeoutMs != nil {
		cfg.SendTimeoutMs = *o.SendTimeoutMs
	}
	if o.TimeoutMs != nil {
		cfg.TimeoutMs = *o.TimeoutMs
	}
	if o.DeadTimeoutMs != nil {
		cfg.DeadTimeoutMs = *o.DeadTimeoutMs
	}
	if o.Manual != nil {
		cfg.Manual = *o.Manual
	}
	if o.TwoRadios != nil {
		cfg.TwoRadios = *o.TwoRadios
	}
	if o.Channel != nil {
		cfg.Channel = *o.Channel
	}
	if o.PALevel != nil {
		cfg.PALevel = *o.PALevel
	}
	if o.Team != nil {
		cfg.Team = *o.Team
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
	if o.MetricsAddr != nil {
		cfg.MetricsAddr = *o.MetricsAddr
	}
	if o.BaseAddress != nil {
		if addr, err := parseHexAddress(*o.BaseAddress); err == nil {
			cfg.BaseAddress = addr
		}
	}
	if len(o.RobotAddresses) > 0 {
		addrs := make([]nrf24.Address, 0, len(o.RobotAddresses))
		for _, s := range o.RobotAddresses {
			addr, err := parseHexAddress(s)
			if err != nil {
				continue
			}
			addrs = append(addrs, addr)
		}
		cfg.RobotAddresses = addrs
	}
}

func parseHexAddress(s string) (nrf24.Address, error) {
	var addr nrf24.Address
	n, err := fmt.Sscanf(s, "%02X:%02X:%02X:%02X:%02X", &addr[0], &addr[1], &addr[2], &addr[3], &addr[4])
	if err != nil || n != 5 {
		return nrf24.Address{}, fmt.Errorf("config: invalid address %q, expected XX:XX:XX:XX:XX", s)
	}
	return addr, nil
}

// TeamTag parses the resolved Team string into the rtp.Team enum,
// defaulting to Blue on an unrecognized value.
func (c Config) TeamTag() rtp.Team {
	if c.Team == "yellow" {
		return rtp.TeamYellow
	}
	return rtp.TeamBlue
}

// PALevelValue parses the resolved PALevel string into the nrf24.PALevel
// enum, defaulting to PALevelLow on an unrecognized value.
func (c Config) PALevelValue() nrf24.PALevel {
	switch c.PALevel {
	case "min":
		return nrf24.PALevelMin
	case "high":
		return nrf24.PALevelHigh
	case "max":
		return nrf24.PALevelMax
	default:
		return nrf24.PALevelLow
	}
}
