// Package cia402 implements the CiA 402 drive profile state machine :
// status word decoding, control word selection and drive bring-up.
package cia402

import "fmt"

// CiA 402 objects
const (
	EntryControlWord               uint16 = 0x6040
	EntryStatusWord                uint16 = 0x6041
	EntryModesOfOperation          uint16 = 0x6060
	EntryModesOfOperationDisplay   uint16 = 0x6061
	EntryPositionActualValue       uint16 = 0x6064
	EntryVelocityActualValue       uint16 = 0x606C
	EntryTargetTorque              uint16 = 0x6071
	EntryMaxTorque                 uint16 = 0x6072
	EntryMotorRatedCurrent         uint16 = 0x6075
	EntryTorqueActualValue         uint16 = 0x6077
	EntryTargetPosition            uint16 = 0x607A
	EntryTorqueSlope               uint16 = 0x6087
	EntryPositionEncoderResolution uint16 = 0x608F
	EntryInterpolationTimePeriod   uint16 = 0x60C2
)

// Modes of operation
const (
	ModeProfilePosition    int8 = 1
	ModeProfileVelocity    int8 = 3
	ModeProfileTorque      int8 = 4
	ModeCyclicSyncPosition int8 = 8
	ModeCyclicSyncVelocity int8 = 9
	ModeCyclicSyncTorque   int8 = 10
)

// Status word bits
const (
	StatusReadyToSwitchOn  uint16 = 0x0001
	StatusSwitchedOn       uint16 = 0x0002
	StatusOperationEnabled uint16 = 0x0004
	StatusFault            uint16 = 0x0008
	StatusVoltageEnabled   uint16 = 0x0010
	StatusQuickStop        uint16 = 0x0020
	StatusSwitchOnDisabled uint16 = 0x0040
	StatusWarning          uint16 = 0x0080
	StatusRemote           uint16 = 0x0200
	StatusTargetReached    uint16 = 0x0400
	StatusInternalLimit    uint16 = 0x0800
	statusStateMask        uint16 = 0x006F
)

// Control word bits
const (
	ControlSwitchOn        uint16 = 0x0001
	ControlEnableVoltage   uint16 = 0x0002
	ControlQuickStop       uint16 = 0x0004
	ControlEnableOperation uint16 = 0x0008
	ControlFaultResetBit   uint16 = 0x0080
)

// Device control commands
const (
	CommandDisableVoltage   uint16 = 0x0000
	CommandQuickStop        uint16 = 0x0002
	CommandShutdown         uint16 = 0x0006
	CommandSwitchOn         uint16 = 0x0007
	CommandDisableOperation uint16 = 0x0007
	CommandEnableOperation  uint16 = 0x000F
	CommandFaultReset       uint16 = 0x0080
)

// Drive states
type State uint8

const (
	StateNotReady State = iota
	StateSwitchOnDisabled
	StateReadyToSwitchOn
	StateSwitchedOn
	StateOperationEnabled
	StateQuickStopActive
	StateFaultReactionActive
	StateFault
)

var stateMap = map[State]string{
	StateNotReady:            "NOT-READY-TO-SWITCH-ON",
	StateSwitchOnDisabled:    "SWITCH-ON-DISABLED",
	StateReadyToSwitchOn:     "READY-TO-SWITCH-ON",
	StateSwitchedOn:          "SWITCHED-ON",
	StateOperationEnabled:    "OPERATION-ENABLED",
	StateQuickStopActive:     "QUICK-STOP-ACTIVE",
	StateFaultReactionActive: "FAULT-REACTION-ACTIVE",
	StateFault:               "FAULT",
}

func (s State) String() string {
	if name, ok := stateMap[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateMap {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown drive state %q", text)
}

// Masked status word pattern for every state
var statusTable = map[uint16]State{
	0x0000: StateNotReady,
	0x0040: StateSwitchOnDisabled,
	0x0021: StateReadyToSwitchOn,
	0x0023: StateSwitchedOn,
	0x0027: StateOperationEnabled,
	0x0007: StateQuickStopActive,
	0x000F: StateFaultReactionActive,
	0x0008: StateFault,
}

// Status word pattern reported for a given state
// This is the inverse of [DecodeState], with voltage enabled where applicable
func StatusWordFor(state State) uint16 {
	switch state {
	case StateSwitchOnDisabled:
		return 0x0040
	case StateReadyToSwitchOn:
		return 0x0021
	case StateSwitchedOn:
		return 0x0023 | StatusVoltageEnabled
	case StateOperationEnabled:
		return 0x0027 | StatusVoltageEnabled
	case StateQuickStopActive:
		return 0x0007 | StatusVoltageEnabled
	case StateFaultReactionActive:
		return 0x000F
	case StateFault:
		return 0x0008
	default:
		return 0x0000
	}
}

// Decode drive state from status word.
// Unmatched patterns resolve to [StateFault] if fault bit is set,
// [StateNotReady] otherwise.
func DecodeState(statusWord uint16) State {
	state, ok := statusTable[statusWord&statusStateMask]
	if ok {
		return state
	}
	if statusWord&StatusFault != 0 {
		return StateFault
	}
	return StateNotReady
}

// Next control word to send in order to progress towards [StateOperationEnabled]
func NextControlWord(state State) uint16 {
	switch state {
	case StateNotReady, StateSwitchOnDisabled:
		return CommandShutdown
	case StateReadyToSwitchOn:
		return CommandSwitchOn
	case StateSwitchedOn, StateOperationEnabled:
		return CommandEnableOperation
	case StateFault:
		return CommandFaultReset
	case StateQuickStopActive:
		return CommandShutdown
	default:
		return CommandShutdown
	}
}
