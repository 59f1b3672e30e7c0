package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robocup-rtp/base-station/internal/nrf24"
	"github.com/robocup-rtp/base-station/internal/rtp"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	require.Equal(t, "10.42.0.1", cfg.FieldComputerAddress)
	require.Equal(t, 8000, cfg.ControlMessagePort)
	require.Equal(t, 8001, cfg.RobotStatusPort)
	require.Equal(t, 8002, cfg.AliveRobotsPort)
	require.Equal(t, 6, cfg.Robots)
	require.Equal(t, rtp.TeamBlue, cfg.TeamTag())
	require.Len(t, cfg.RobotAddresses, 6)
}

func TestParseFlagsOverrideDefaults(t *testing.T) {
	cfg, err := Parse([]string{"--robots", "3", "--team", "yellow", "--manual"})
	require.NoError(t, err)

	require.Equal(t, 3, cfg.Robots)
	require.Equal(t, rtp.TeamYellow, cfg.TeamTag())
	require.True(t, cfg.Manual)
	require.Len(t, cfg.RobotAddresses, 3)
}

func TestTwoRadiosRejected(t *testing.T) {
	_, err := Parse([]string{"--two-radios"})
	require.Error(t, err)
}

func TestRobotsOutOfRangeRejected(t *testing.T) {
	_, err := Parse([]string{"--robots", "17"})
	require.Error(t, err)
}

func TestYAMLOverlayAppliedBeforeFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base-station.yaml")
	contents := `
robots: 4
team: yellow
base_address: "AA:BB:CC:DD:EE"
robot_addresses:
  - "01:01:01:01:01"
  - "02:02:02:02:02"
  - "03:03:03:03:03"
  - "04:04:04:04:04"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Parse([]string{"--config", path, "--team", "blue"})
	require.NoError(t, err)

	// --team blue on the command line overrides the YAML's team: yellow.
	require.Equal(t, rtp.TeamBlue, cfg.TeamTag())
	// robots comes only from YAML, since it wasn't passed as a flag.
	require.Equal(t, 4, cfg.Robots)
	require.Equal(t, nrf24.Address{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}, cfg.BaseAddress)
	require.Len(t, cfg.RobotAddresses, 4)
	require.Equal(t, nrf24.Address{0x02, 0x02, 0x02, 0x02, 0x02}, cfg.RobotAddresses[1])
}

func TestPALevelValue(t *testing.T) {
	cfg := Defaults()
	cfg.PALevel = "max"
	require.Equal(t, nrf24.PALevelMax, cfg.PALevelValue())

	cfg.PALevel = "bogus"
	require.Equal(t, nrf24.PALevelLow, cfg.PALevelValue())
}
