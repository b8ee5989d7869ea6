package virtual

import "github.com/samsamfire/gocia402/pkg/cia402"

// Simulated CiA 402 power stage and load
type drive struct {
	state        cia402.State
	lastControl  uint16
	pendingFault bool
	maxTorque    int16
	torque       int16
	velocity     int32
	position     int32
}

// Advance drive by one cycle with the received control word and torque request
func (d *drive) step(controlWord uint16, targetTorque int16, outputsValid bool) {
	if !outputsValid {
		// Outputs are not applied outside of OPERATIONAL, keep last command
		controlWord = d.lastControl
		targetTorque = 0
	}
	switch {
	case d.pendingFault:
		d.pendingFault = false
		d.state = cia402.StateFaultReactionActive
	case d.state == cia402.StateNotReady:
		d.state = cia402.StateSwitchOnDisabled
	case d.state == cia402.StateFaultReactionActive:
		d.state = cia402.StateFault
	case d.state == cia402.StateFault:
		// Rising edge on fault reset bit
		if controlWord&cia402.ControlFaultResetBit != 0 && d.lastControl&cia402.ControlFaultResetBit == 0 {
			d.state = cia402.StateSwitchOnDisabled
		}
	default:
		d.state = transition(d.state, controlWord)
	}
	d.lastControl = controlWord
	d.integrate(targetTorque)
}

// Device control command decoding, see CiA 402 control word table
func transition(state cia402.State, controlWord uint16) cia402.State {
	const (
		maskShutdown = 0x0087
		maskSwitchOn = 0x008F
	)
	disableVoltage := controlWord&cia402.ControlEnableVoltage == 0
	quickStop := !disableVoltage && controlWord&cia402.ControlQuickStop == 0
	shutdown := controlWord&maskShutdown == cia402.CommandShutdown
	switchOn := controlWord&maskSwitchOn == cia402.CommandSwitchOn
	enableOperation := controlWord&maskSwitchOn == cia402.CommandEnableOperation

	switch state {
	case cia402.StateSwitchOnDisabled:
		if shutdown {
			return cia402.StateReadyToSwitchOn
		}
	case cia402.StateReadyToSwitchOn:
		switch {
		case disableVoltage, quickStop:
			return cia402.StateSwitchOnDisabled
		case switchOn, enableOperation:
			return cia402.StateSwitchedOn
		}
	case cia402.StateSwitchedOn:
		switch {
		case disableVoltage, quickStop:
			return cia402.StateSwitchOnDisabled
		case shutdown:
			return cia402.StateReadyToSwitchOn
		case enableOperation:
			return cia402.StateOperationEnabled
		}
	case cia402.StateOperationEnabled:
		switch {
		case disableVoltage:
			return cia402.StateSwitchOnDisabled
		case quickStop:
			return cia402.StateQuickStopActive
		case shutdown:
			return cia402.StateReadyToSwitchOn
		case switchOn:
			return cia402.StateSwitchedOn
		}
	case cia402.StateQuickStopActive:
		if enableOperation {
			return cia402.StateOperationEnabled
		}
		// Quick stop ramp completes immediately
		return cia402.StateSwitchOnDisabled
	}
	return state
}

func (d *drive) integrate(targetTorque int16) {
	if d.state == cia402.StateOperationEnabled {
		torque := targetTorque
		if d.maxTorque > 0 {
			if torque > d.maxTorque {
				torque = d.maxTorque
			} else if torque < -d.maxTorque {
				torque = -d.maxTorque
			}
		}
		d.torque = torque
	} else {
		d.torque = 0
	}
	d.velocity += int32(d.torque) / 10
	d.velocity -= d.velocity / 50
	d.position += d.velocity
}

func (d *drive) statusWord() uint16 {
	return cia402.StatusWordFor(d.state) | cia402.StatusRemote
}
