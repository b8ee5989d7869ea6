package controller

import (
	"time"

	"github.com/samsamfire/gocia402/pkg/cia402"
	"github.com/samsamfire/gocia402/pkg/config"
	"github.com/samsamfire/gocia402/pkg/lifecycle"
	"github.com/samsamfire/gocia402/pkg/pdo"
)

const (
	DefaultPeriod           = 2 * time.Millisecond
	DefaultWarmupCycles     = 10
	DefaultStateCheckCycles = 500
	DefaultTorqueScale      = 1000
	DefaultSlave            = 1
)

// Commands (master -> drive)
var DefaultRxMapping = []pdo.MappingEntry{
	{Index: cia402.EntryControlWord, Subindex: 0, LengthBits: 16},
	{Index: cia402.EntryModesOfOperation, Subindex: 0, LengthBits: 8},
	{Index: cia402.EntryTargetTorque, Subindex: 0, LengthBits: 16},
	{Index: cia402.EntryTargetPosition, Subindex: 0, LengthBits: 32},
}

// Feedback (drive -> master)
var DefaultTxMapping = []pdo.MappingEntry{
	{Index: cia402.EntryStatusWord, Subindex: 0, LengthBits: 16},
	{Index: cia402.EntryModesOfOperationDisplay, Subindex: 0, LengthBits: 8},
	{Index: cia402.EntryPositionActualValue, Subindex: 0, LengthBits: 32},
	{Index: cia402.EntryVelocityActualValue, Subindex: 0, LengthBits: 32},
	{Index: cia402.EntryTorqueActualValue, Subindex: 0, LengthBits: 16},
}

// Mapping of one direction of the cyclic frame
type MappingOptions struct {
	Assignment uint16
	Mapping    uint16
	Entries    []pdo.MappingEntry
}

type LifecycleOptions struct {
	MaxAttempts    int
	SettleDelay    time.Duration
	RetryDelay     time.Duration
	DetourDelay    time.Duration
	ConfirmTimeout time.Duration
}

type Options struct {
	Slave uint16
	// Period of the exchange loop, this is the real-time budget of one cycle
	Period time.Duration
	// Exchanges performed in SAFE-OPERATIONAL before requesting OPERATIONAL
	WarmupCycles int
	// Lifecycle regression check interval, in cycles. 0 disables the check
	StateCheckCycles int
	// Drive units for a normalized torque of 1.0
	TorqueScale float32
	// Write mappings to the slave, otherwise use the ones it reports
	ConfigureMapping   bool
	Rx                 MappingOptions
	Tx                 MappingOptions
	MappingSettleDelay time.Duration
	Drive              config.DriveParameters
	DriveAttempts      int
	DriveAttemptDelay  time.Duration
	Lifecycle          LifecycleOptions
}

func DefaultOptions() Options {
	return Options{
		Slave:            DefaultSlave,
		Period:           DefaultPeriod,
		WarmupCycles:     DefaultWarmupCycles,
		StateCheckCycles: DefaultStateCheckCycles,
		TorqueScale:      DefaultTorqueScale,
		ConfigureMapping: true,
		Rx: MappingOptions{
			Assignment: pdo.EntryRxAssignment,
			Mapping:    pdo.EntryRxMappingStart,
			Entries:    DefaultRxMapping,
		},
		Tx: MappingOptions{
			Assignment: pdo.EntryTxAssignment,
			Mapping:    pdo.EntryTxMappingStart,
			Entries:    DefaultTxMapping,
		},
		MappingSettleDelay: config.DefaultSettleDelay,
		Drive:              config.DefaultDriveParameters(),
		DriveAttempts:      cia402.DefaultMaxAttempts,
		DriveAttemptDelay:  cia402.DefaultAttemptDelay,
		Lifecycle: LifecycleOptions{
			MaxAttempts:    lifecycle.DefaultMaxAttempts,
			SettleDelay:    lifecycle.DefaultSettleDelay,
			RetryDelay:     lifecycle.DefaultRetryDelay,
			DetourDelay:    lifecycle.DefaultDetourDelay,
			ConfirmTimeout: lifecycle.DefaultConfirmTimeout,
		},
	}
}
