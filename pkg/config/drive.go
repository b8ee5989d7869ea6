package config

import (
	"errors"
	"fmt"

	"github.com/samsamfire/gocia402/pkg/cia402"
)

var ErrModeNotActive = errors.New("mode of operation not active")

// Drive parameters written before entering SAFE-OPERATIONAL
type DriveParameters struct {
	Mode                int8
	RatedCurrent        uint32 // mA
	MaxTorque           uint16 // per mille of rated torque
	TorqueSlope         uint32 // per mille per second
	InterpolationPeriod uint8
	InterpolationIndex  int8 // period is InterpolationPeriod * 10^InterpolationIndex s
	EncoderIncrements   uint32
	MotorRevolutions    uint32
}

func DefaultDriveParameters() DriveParameters {
	return DriveParameters{
		Mode:                cia402.ModeProfileTorque,
		RatedCurrent:        3000,
		MaxTorque:           1000,
		TorqueSlope:         10000,
		InterpolationPeriod: 1,
		InterpolationIndex:  -3,
		EncoderIncrements:   4096,
		MotorRevolutions:    1,
	}
}

// Write drive parameters.
// Only the mode of operation is mandatory, other parameters are optional
// on many drives and failures are only logged.
func (config *NodeConfigurator) WriteDriveParameters(params DriveParameters) error {
	err := config.client.WriteRaw(config.slave, cia402.EntryModesOfOperation, 0, params.Mode)
	if err != nil {
		config.logger.Errorf("failed to set mode of operation %d : %v", params.Mode, err)
		return err
	}
	optional := []struct {
		name     string
		index    uint16
		subindex uint8
		value    any
	}{
		{"rated current", cia402.EntryMotorRatedCurrent, 0, params.RatedCurrent},
		{"max torque", cia402.EntryMaxTorque, 0, params.MaxTorque},
		{"torque slope", cia402.EntryTorqueSlope, 0, params.TorqueSlope},
		{"interpolation period", cia402.EntryInterpolationTimePeriod, 1, params.InterpolationPeriod},
		{"interpolation index", cia402.EntryInterpolationTimePeriod, 2, params.InterpolationIndex},
		{"encoder increments", cia402.EntryPositionEncoderResolution, 1, params.EncoderIncrements},
		{"motor revolutions", cia402.EntryPositionEncoderResolution, 2, params.MotorRevolutions},
	}
	for _, p := range optional {
		err := config.client.WriteRaw(config.slave, p.index, p.subindex, p.value)
		if err != nil {
			config.logger.Warnf("failed to set %v (may not be supported) : %v", p.name, err)
			continue
		}
		config.logger.Debugf("set %v to %v", p.name, p.value)
	}
	if config.SettleDelay > 0 {
		config.sleep(config.SettleDelay)
	}
	return nil
}

// Check that the requested mode of operation is displayed by the drive
func (config *NodeConfigurator) VerifyMode(mode int8) error {
	current, err := config.client.ReadInt8(config.slave, cia402.EntryModesOfOperationDisplay, 0)
	if err != nil {
		return err
	}
	if current != mode {
		config.logger.Warnf("mode not yet active (expected %d, got %d)", mode, current)
		return fmt.Errorf("%w : expected %d, got %d", ErrModeNotActive, mode, current)
	}
	config.logger.Infof("mode of operation %d active", mode)
	return nil
}
