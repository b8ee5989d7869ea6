package cia402

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNotOperational  = errors.New("drive did not reach operation enabled")
	ErrFaultPersistent = errors.New("drive fault could not be reset")
)

const (
	DefaultMaxAttempts    = 50
	DefaultAttemptDelay   = 5 * time.Millisecond
	DefaultMaxFaultResets = 5
)

// Port is the cyclic process data access needed for driving the state machine.
// Only the owner of the exchange cadence may use it.
type Port interface {
	// Last received status word
	StatusWord() uint16
	// Stage control word for next exchange
	SetControlWord(controlWord uint16)
	// Exchange one cycle, returns working counter
	Exchange() int
}

// Sequencer computes control words cycle after cycle.
// Fault reset is only taken into account by the drive on a rising edge
// so after a reset that did not clear the fault, bit 7 is released for one cycle.
type Sequencer struct {
	last        uint16
	faultResets int
}

// Next control word for given state
func (s *Sequencer) Next(state State) uint16 {
	controlWord := NextControlWord(state)
	if state == StateFault {
		if s.last&ControlFaultResetBit != 0 {
			// Re-arm edge
			controlWord = CommandDisableVoltage
		} else {
			s.faultResets++
		}
	} else if state != StateFaultReactionActive {
		s.faultResets = 0
	}
	s.last = controlWord
	return controlWord
}

// Number of consecutive fault resets sent without leaving fault
func (s *Sequencer) FaultResets() int {
	return s.faultResets
}

// Last control word returned
func (s *Sequencer) Last() uint16 {
	return s.last
}

func (s *Sequencer) Reset() {
	s.last = 0
	s.faultResets = 0
}

// Driver brings a drive to [StateOperationEnabled] with bounded attempts,
// one process data exchange per attempt.
type Driver struct {
	logger         *log.Entry
	MaxAttempts    int
	AttemptDelay   time.Duration
	MaxFaultResets int
	sleep          func(time.Duration)
}

func NewDriver(logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Driver{
		logger:         logger.WithField("service", "[CIA402]"),
		MaxAttempts:    DefaultMaxAttempts,
		AttemptDelay:   DefaultAttemptDelay,
		MaxFaultResets: DefaultMaxFaultResets,
		sleep:          time.Sleep,
	}
}

// Replace sleep function used between attempts
func (d *Driver) SetSleep(sleep func(time.Duration)) {
	d.sleep = sleep
}

// Drive the state machine to operation enabled.
// Every attempt reads latest status word, decodes state, stages the next control word
// and performs one exchange.
func (d *Driver) DriveToOperational(ctx context.Context, slave uint16, port Port) error {
	logger := d.logger.WithField("slave", slave)
	logger.Info("starting state machine transition to operation enabled")

	sequencer := Sequencer{}
	for attempt := 1; attempt <= d.MaxAttempts; attempt++ {
		statusWord := port.StatusWord()
		state := DecodeState(statusWord)
		logger.Debugf("attempt %d/%d, state %v (statusword x%04x)", attempt, d.MaxAttempts, state, statusWord)

		if state == StateOperationEnabled {
			logger.Info("reached operation enabled")
			return nil
		}
		controlWord := sequencer.Next(state)
		if state == StateFault {
			if sequencer.FaultResets() > d.MaxFaultResets {
				logger.Errorf("fault still present after %d resets", d.MaxFaultResets)
				return fmt.Errorf("%w : slave %d", ErrFaultPersistent, slave)
			}
			logger.Warn("drive in fault, attempting fault reset")
		}
		port.SetControlWord(controlWord)
		port.Exchange()
		logger.Debugf("applied controlword x%04x", controlWord)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.AttemptDelay > 0 {
			d.sleep(d.AttemptDelay)
		}
	}
	logger.Errorf("failed to reach operation enabled after %d attempts", d.MaxAttempts)
	return fmt.Errorf("%w : slave %d after %d attempts", ErrNotOperational, slave, d.MaxAttempts)
}
