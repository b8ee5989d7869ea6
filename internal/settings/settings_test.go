package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samsamfire/gocia402/pkg/cia402"
	"github.com/samsamfire/gocia402/pkg/controller"
	"github.com/samsamfire/gocia402/pkg/pdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const TEST_INI = `
[master]
driver = VIRTUAL
interface = vnet1
slave = 2

[cycle]
period_us = 1000
torque_scale = 500

[mapping]
configure = false
rx = 0x60400010, 0x60710010

[drive]
interpolation_index = -4

[log]
level = DEBUG
`

const TEST_YAML = `
master:
  interface: eth0
cycle:
  period_us: 4000
  warmup_cycles: 3
mapping:
  tx: ["0x60410010", "0x60640020"]
gateway:
  listen: ":9000"
  stream_ms: 0
  max_torque: 0.5
`

func writeFile(t *testing.T, name string, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.Nil(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	s := Default()
	require.Nil(t, s.Validate())
	assert.Equal(t, controller.DefaultOptions(), s.Options())
	assert.Equal(t, DefaultStreamMs*time.Millisecond, s.StreamPeriod())
}

func TestLoadIni(t *testing.T) {
	s, err := Load(writeFile(t, "servo.ini", TEST_INI))
	require.Nil(t, err)
	assert.Equal(t, "virtual", s.Master.Driver)
	assert.Equal(t, "debug", s.Log.Level)

	opts := s.Options()
	assert.EqualValues(t, 2, opts.Slave)
	assert.Equal(t, time.Millisecond, opts.Period)
	assert.EqualValues(t, 500, opts.TorqueScale)
	assert.False(t, opts.ConfigureMapping)
	assert.EqualValues(t, -4, opts.Drive.InterpolationIndex)
	assert.Equal(t, []pdo.MappingEntry{
		{Index: cia402.EntryControlWord, LengthBits: 16},
		{Index: cia402.EntryTargetTorque, LengthBits: 16},
	}, opts.Rx.Entries)
	// Untouched keys keep defaults
	assert.Equal(t, controller.DefaultTxMapping, opts.Tx.Entries)
	assert.Equal(t, controller.DefaultWarmupCycles, opts.WarmupCycles)
}

func TestLoadYaml(t *testing.T) {
	s, err := Load(writeFile(t, "servo.yaml", TEST_YAML))
	require.Nil(t, err)
	assert.Equal(t, "eth0", s.Master.Interface)
	assert.Equal(t, ":9000", s.Gateway.Listen)
	assert.EqualValues(t, 0.5, s.Gateway.MaxTorque)
	assert.Equal(t, DefaultStreamMs, s.Gateway.StreamMs)

	opts := s.Options()
	assert.Equal(t, 4*time.Millisecond, opts.Period)
	assert.Equal(t, 3, opts.WarmupCycles)
	assert.Len(t, opts.Tx.Entries, 2)
	assert.Equal(t, controller.DefaultRxMapping, opts.Rx.Entries)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(writeFile(t, "servo.json", "{}"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = Load(writeFile(t, "bad.yaml", "master: [1, 2"))
	assert.ErrorIs(t, err, ErrInvalidSettings)
	_, err = Load(writeFile(t, "bad.ini", "[master]\nslave = 0\n"))
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(s *Settings){
		"empty interface":   func(s *Settings) { s.Master.Interface = "" },
		"slave too big":     func(s *Settings) { s.Master.Slave = 70000 },
		"zero period":       func(s *Settings) { s.Cycle.PeriodUs = 0 },
		"negative warmup":   func(s *Settings) { s.Cycle.WarmupCycles = -1 },
		"zero torque scale": func(s *Settings) { s.Cycle.TorqueScale = 0 },
		"no attempts":       func(s *Settings) { s.Lifecycle.MaxAttempts = 0 },
		"negative delay":    func(s *Settings) { s.Lifecycle.RetryMs = -5 },
		"zero length entry": func(s *Settings) { s.Mapping.Rx = []string{"0x60400000"} },
		"garbage entry":     func(s *Settings) { s.Mapping.Tx = []string{"status"} },
		"mode out of range": func(s *Settings) { s.Drive.Mode = 200 },
		"max torque":        func(s *Settings) { s.Drive.MaxTorque = -1 },
		"rated current":     func(s *Settings) { s.Drive.RatedCurrent = 1 << 33 },
		"gateway torque":    func(s *Settings) { s.Gateway.MaxTorque = 0 },
		"unknown level":     func(s *Settings) { s.Log.Level = "chatty" },
		"too many entries": func(s *Settings) {
			s.Mapping.Rx = []string{}
			for i := 0; i < 9; i++ {
				s.Mapping.Rx = append(s.Mapping.Rx, "0x60400010")
			}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := Default()
			mutate(s)
			assert.ErrorIs(t, s.Validate(), ErrInvalidSettings)
		})
	}
}

func TestNormalize(t *testing.T) {
	s := Default()
	s.Master.Driver = "  "
	s.Mapping.Rx = nil
	s.Gateway.StreamMs = -1
	s.Log.Level = " WARN "
	s.Normalize()
	assert.Equal(t, DefaultDriver, s.Master.Driver)
	assert.Equal(t, Default().Mapping.Rx, s.Mapping.Rx)
	assert.Equal(t, DefaultStreamMs, s.Gateway.StreamMs)
	assert.Equal(t, "warn", s.Log.Level)
	assert.Nil(t, s.Validate())
}
