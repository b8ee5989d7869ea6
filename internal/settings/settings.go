package settings

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samsamfire/gocia402/pkg/controller"
	"github.com/samsamfire/gocia402/pkg/pdo"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported settings format")
	ErrInvalidSettings   = errors.New("invalid settings")
)

const (
	DefaultDriver       = "virtual"
	DefaultInterface    = "vnet0"
	DefaultListen       = ":8090"
	DefaultStreamMs     = 50
	DefaultMaxTorque    = 1.0
	DefaultLogLevel     = "info"
	maxMappingEntries   = 8
	maxPeriodUs         = 1_000_000
	maxLifecycleAttempt = 100
)

type Settings struct {
	Master    MasterSettings    `ini:"master" yaml:"master"`
	Cycle     CycleSettings     `ini:"cycle" yaml:"cycle"`
	Lifecycle LifecycleSettings `ini:"lifecycle" yaml:"lifecycle"`
	Mapping   MappingSettings   `ini:"mapping" yaml:"mapping"`
	Drive     DriveSettings     `ini:"drive" yaml:"drive"`
	Gateway   GatewaySettings   `ini:"gateway" yaml:"gateway"`
	Log       LogSettings       `ini:"log" yaml:"log"`
}

type MasterSettings struct {
	Driver    string `ini:"driver" yaml:"driver"`
	Interface string `ini:"interface" yaml:"interface"`
	Slave     int    `ini:"slave" yaml:"slave"`
}

type CycleSettings struct {
	PeriodUs         int     `ini:"period_us" yaml:"period_us"`
	WarmupCycles     int     `ini:"warmup_cycles" yaml:"warmup_cycles"`
	StateCheckCycles int     `ini:"state_check_cycles" yaml:"state_check_cycles"`
	TorqueScale      float64 `ini:"torque_scale" yaml:"torque_scale"`
}

type LifecycleSettings struct {
	MaxAttempts      int `ini:"max_attempts" yaml:"max_attempts"`
	SettleMs         int `ini:"settle_ms" yaml:"settle_ms"`
	RetryMs          int `ini:"retry_ms" yaml:"retry_ms"`
	DetourMs         int `ini:"detour_ms" yaml:"detour_ms"`
	ConfirmTimeoutMs int `ini:"confirm_timeout_ms" yaml:"confirm_timeout_ms"`
}

// Mapping entries are raw 0xIIIISSLL values (index, subindex, length in bits)
type MappingSettings struct {
	Configure bool     `ini:"configure" yaml:"configure"`
	SettleMs  int      `ini:"settle_ms" yaml:"settle_ms"`
	Rx        []string `ini:"rx" delim:"," yaml:"rx"`
	Tx        []string `ini:"tx" delim:"," yaml:"tx"`
}

type DriveSettings struct {
	Mode                int   `ini:"mode" yaml:"mode"`
	RatedCurrent        int64 `ini:"rated_current" yaml:"rated_current"`
	MaxTorque           int   `ini:"max_torque" yaml:"max_torque"`
	TorqueSlope         int64 `ini:"torque_slope" yaml:"torque_slope"`
	InterpolationPeriod int   `ini:"interpolation_period" yaml:"interpolation_period"`
	InterpolationIndex  int   `ini:"interpolation_index" yaml:"interpolation_index"`
	EncoderIncrements   int64 `ini:"encoder_increments" yaml:"encoder_increments"`
	MotorRevolutions    int64 `ini:"motor_revolutions" yaml:"motor_revolutions"`
	Attempts            int   `ini:"attempts" yaml:"attempts"`
	AttemptDelayMs      int   `ini:"attempt_delay_ms" yaml:"attempt_delay_ms"`
}

type GatewaySettings struct {
	Listen    string  `ini:"listen" yaml:"listen"`
	StreamMs  int     `ini:"stream_ms" yaml:"stream_ms"`
	MaxTorque float64 `ini:"max_torque" yaml:"max_torque"`
}

type LogSettings struct {
	Level string `ini:"level" yaml:"level"`
}

func formatEntries(entries []pdo.MappingEntry) []string {
	raw := make([]string, 0, len(entries))
	for _, entry := range entries {
		raw = append(raw, fmt.Sprintf("0x%08x", entry.Raw()))
	}
	return raw
}

func parseEntries(raw []string) ([]pdo.MappingEntry, error) {
	entries := make([]pdo.MappingEntry, 0, len(raw))
	for _, s := range raw {
		value, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("mapping entry %q : %w", s, err)
		}
		entries = append(entries, pdo.ParseMappingEntry(uint32(value)))
	}
	return entries, nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Settings equivalent to [controller.DefaultOptions] on the virtual driver
func Default() *Settings {
	opts := controller.DefaultOptions()
	return &Settings{
		Master: MasterSettings{
			Driver:    DefaultDriver,
			Interface: DefaultInterface,
			Slave:     int(opts.Slave),
		},
		Cycle: CycleSettings{
			PeriodUs:         int(opts.Period.Microseconds()),
			WarmupCycles:     opts.WarmupCycles,
			StateCheckCycles: opts.StateCheckCycles,
			TorqueScale:      float64(opts.TorqueScale),
		},
		Lifecycle: LifecycleSettings{
			MaxAttempts:      opts.Lifecycle.MaxAttempts,
			SettleMs:         int(opts.Lifecycle.SettleDelay.Milliseconds()),
			RetryMs:          int(opts.Lifecycle.RetryDelay.Milliseconds()),
			DetourMs:         int(opts.Lifecycle.DetourDelay.Milliseconds()),
			ConfirmTimeoutMs: int(opts.Lifecycle.ConfirmTimeout.Milliseconds()),
		},
		Mapping: MappingSettings{
			Configure: opts.ConfigureMapping,
			SettleMs:  int(opts.MappingSettleDelay.Milliseconds()),
			Rx:        formatEntries(opts.Rx.Entries),
			Tx:        formatEntries(opts.Tx.Entries),
		},
		Drive: DriveSettings{
			Mode:                int(opts.Drive.Mode),
			RatedCurrent:        int64(opts.Drive.RatedCurrent),
			MaxTorque:           int(opts.Drive.MaxTorque),
			TorqueSlope:         int64(opts.Drive.TorqueSlope),
			InterpolationPeriod: int(opts.Drive.InterpolationPeriod),
			InterpolationIndex:  int(opts.Drive.InterpolationIndex),
			EncoderIncrements:   int64(opts.Drive.EncoderIncrements),
			MotorRevolutions:    int64(opts.Drive.MotorRevolutions),
			Attempts:            opts.DriveAttempts,
			AttemptDelayMs:      int(opts.DriveAttemptDelay.Milliseconds()),
		},
		Gateway: GatewaySettings{
			Listen:    DefaultListen,
			StreamMs:  DefaultStreamMs,
			MaxTorque: DefaultMaxTorque,
		},
		Log: LogSettings{Level: DefaultLogLevel},
	}
}

// Load settings from an ini or yaml file, chosen by extension.
// Missing keys keep their default value. The result is normalized and validated.
func Load(path string) (*Settings, error) {
	s := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ini", ".conf":
		file, err := ini.Load(path)
		if err != nil {
			return nil, err
		}
		err = file.MapTo(s)
		if err != nil {
			return nil, fmt.Errorf("%w : %v", ErrInvalidSettings, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		err = yaml.Unmarshal(data, s)
		if err != nil {
			return nil, fmt.Errorf("%w : %v", ErrInvalidSettings, err)
		}
	default:
		return nil, fmt.Errorf("%w : %v", ErrUnsupportedFormat, path)
	}
	s.Normalize()
	err := s.Validate()
	if err != nil {
		return nil, err
	}
	log.Debugf("[SETTINGS] loaded %v", path)
	return s, nil
}

// Normalize fills unset values and canonicalizes strings.
// Call before [Settings.Validate].
func (s *Settings) Normalize() {
	defaults := Default()
	s.Master.Driver = strings.ToLower(strings.TrimSpace(s.Master.Driver))
	if s.Master.Driver == "" {
		s.Master.Driver = defaults.Master.Driver
	}
	s.Master.Interface = strings.TrimSpace(s.Master.Interface)
	if len(s.Mapping.Rx) == 0 {
		s.Mapping.Rx = defaults.Mapping.Rx
	}
	if len(s.Mapping.Tx) == 0 {
		s.Mapping.Tx = defaults.Mapping.Tx
	}
	if s.Gateway.StreamMs <= 0 {
		s.Gateway.StreamMs = defaults.Gateway.StreamMs
	}
	s.Log.Level = strings.ToLower(strings.TrimSpace(s.Log.Level))
	if s.Log.Level == "" {
		s.Log.Level = defaults.Log.Level
	}
}

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w : %v", ErrInvalidSettings, fmt.Sprintf(format, a...))
}

// Validate checks values without modifying them
func (s *Settings) Validate() error {
	if s.Master.Interface == "" {
		return invalid("master.interface is empty")
	}
	if s.Master.Slave < 1 || s.Master.Slave > math.MaxUint16 {
		return invalid("master.slave %d out of range", s.Master.Slave)
	}
	if s.Cycle.PeriodUs <= 0 || s.Cycle.PeriodUs > maxPeriodUs {
		return invalid("cycle.period_us %d out of range", s.Cycle.PeriodUs)
	}
	if s.Cycle.WarmupCycles < 0 || s.Cycle.StateCheckCycles < 0 {
		return invalid("cycle counts must be positive")
	}
	if s.Cycle.TorqueScale <= 0 || s.Cycle.TorqueScale > math.MaxInt16 {
		return invalid("cycle.torque_scale %v out of range", s.Cycle.TorqueScale)
	}
	if s.Lifecycle.MaxAttempts < 1 || s.Lifecycle.MaxAttempts > maxLifecycleAttempt {
		return invalid("lifecycle.max_attempts %d out of range", s.Lifecycle.MaxAttempts)
	}
	for name, ms := range map[string]int{
		"lifecycle.settle_ms":          s.Lifecycle.SettleMs,
		"lifecycle.retry_ms":           s.Lifecycle.RetryMs,
		"lifecycle.detour_ms":          s.Lifecycle.DetourMs,
		"lifecycle.confirm_timeout_ms": s.Lifecycle.ConfirmTimeoutMs,
		"mapping.settle_ms":            s.Mapping.SettleMs,
		"drive.attempt_delay_ms":       s.Drive.AttemptDelayMs,
	} {
		if ms < 0 {
			return invalid("%v is negative", name)
		}
	}
	for name, raw := range map[string][]string{"mapping.rx": s.Mapping.Rx, "mapping.tx": s.Mapping.Tx} {
		entries, err := parseEntries(raw)
		if err != nil {
			return invalid("%v : %v", name, err)
		}
		if len(entries) > maxMappingEntries {
			return invalid("%v has %d entries, max %d", name, len(entries), maxMappingEntries)
		}
		_, err = pdo.NewLayout(entries)
		if err != nil {
			return invalid("%v : %v", name, err)
		}
	}
	if s.Drive.Mode < math.MinInt8 || s.Drive.Mode > math.MaxInt8 {
		return invalid("drive.mode %d out of range", s.Drive.Mode)
	}
	if s.Drive.InterpolationIndex < math.MinInt8 || s.Drive.InterpolationIndex > math.MaxInt8 {
		return invalid("drive.interpolation_index %d out of range", s.Drive.InterpolationIndex)
	}
	if s.Drive.InterpolationPeriod < 0 || s.Drive.InterpolationPeriod > math.MaxUint8 {
		return invalid("drive.interpolation_period %d out of range", s.Drive.InterpolationPeriod)
	}
	if s.Drive.MaxTorque < 0 || s.Drive.MaxTorque > math.MaxUint16 {
		return invalid("drive.max_torque %d out of range", s.Drive.MaxTorque)
	}
	for name, value := range map[string]int64{
		"drive.rated_current":      s.Drive.RatedCurrent,
		"drive.torque_slope":       s.Drive.TorqueSlope,
		"drive.encoder_increments": s.Drive.EncoderIncrements,
		"drive.motor_revolutions":  s.Drive.MotorRevolutions,
	} {
		if value < 0 || value > math.MaxUint32 {
			return invalid("%v %d out of range", name, value)
		}
	}
	if s.Drive.Attempts < 1 {
		return invalid("drive.attempts must be at least 1")
	}
	if s.Gateway.MaxTorque <= 0 {
		return invalid("gateway.max_torque must be positive")
	}
	_, err := log.ParseLevel(s.Log.Level)
	if err != nil {
		return invalid("log.level : %v", err)
	}
	return nil
}

// Controller options described by validated settings
func (s *Settings) Options() controller.Options {
	opts := controller.DefaultOptions()
	opts.Slave = uint16(s.Master.Slave)
	opts.Period = time.Duration(s.Cycle.PeriodUs) * time.Microsecond
	opts.WarmupCycles = s.Cycle.WarmupCycles
	opts.StateCheckCycles = s.Cycle.StateCheckCycles
	opts.TorqueScale = float32(s.Cycle.TorqueScale)
	opts.Lifecycle = controller.LifecycleOptions{
		MaxAttempts:    s.Lifecycle.MaxAttempts,
		SettleDelay:    millis(s.Lifecycle.SettleMs),
		RetryDelay:     millis(s.Lifecycle.RetryMs),
		DetourDelay:    millis(s.Lifecycle.DetourMs),
		ConfirmTimeout: millis(s.Lifecycle.ConfirmTimeoutMs),
	}
	opts.ConfigureMapping = s.Mapping.Configure
	opts.MappingSettleDelay = millis(s.Mapping.SettleMs)
	if rx, err := parseEntries(s.Mapping.Rx); err == nil {
		opts.Rx.Entries = rx
	}
	if tx, err := parseEntries(s.Mapping.Tx); err == nil {
		opts.Tx.Entries = tx
	}
	opts.Drive.Mode = int8(s.Drive.Mode)
	opts.Drive.RatedCurrent = uint32(s.Drive.RatedCurrent)
	opts.Drive.MaxTorque = uint16(s.Drive.MaxTorque)
	opts.Drive.TorqueSlope = uint32(s.Drive.TorqueSlope)
	opts.Drive.InterpolationPeriod = uint8(s.Drive.InterpolationPeriod)
	opts.Drive.InterpolationIndex = int8(s.Drive.InterpolationIndex)
	opts.Drive.EncoderIncrements = uint32(s.Drive.EncoderIncrements)
	opts.Drive.MotorRevolutions = uint32(s.Drive.MotorRevolutions)
	opts.DriveAttempts = s.Drive.Attempts
	opts.DriveAttemptDelay = millis(s.Drive.AttemptDelayMs)
	return opts
}

func (s *Settings) StreamPeriod() time.Duration {
	return millis(s.Gateway.StreamMs)
}

// Apply log level to logger
func (s *Settings) ConfigureLogger(logger *log.Logger) error {
	level, err := log.ParseLevel(s.Log.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	return nil
}
