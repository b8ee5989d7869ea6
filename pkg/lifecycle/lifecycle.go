// Package lifecycle drives fieldbus slaves through the bus level
// state machine (INIT, PRE-OP, SAFE-OP, OP) with bounded retries.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samsamfire/gocia402/pkg/fieldbus"
	log "github.com/sirupsen/logrus"
)

var ErrTransitionFailed = errors.New("slave state transition failed")

const (
	DefaultMaxAttempts    = 5
	DefaultSettleDelay    = 20 * time.Millisecond
	DefaultRetryDelay     = 50 * time.Millisecond
	DefaultDetourDelay    = 200 * time.Millisecond
	DefaultConfirmTimeout = 2 * time.Second
)

// TransitionError is returned when all attempts have been exhausted
type TransitionError struct {
	Slave      uint16
	Target     fieldbus.State
	Observed   fieldbus.State
	StatusCode uint16
	Attempts   int
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v : slave %d to %v after %d attempts (observed %v, status code x%04x)",
		ErrTransitionFailed, e.Slave, e.Target, e.Attempts, e.Observed, e.StatusCode)
}

func (e *TransitionError) Unwrap() error {
	return ErrTransitionFailed
}

// Manager requests lifecycle states and mirrors the last confirmed state of each slave
type Manager struct {
	master         fieldbus.Master
	logger         *log.Entry
	mu             sync.Mutex
	states         map[uint16]fieldbus.State
	sleep          func(time.Duration)
	MaxAttempts    int
	SettleDelay    time.Duration
	RetryDelay     time.Duration
	DetourDelay    time.Duration
	ConfirmTimeout time.Duration
}

func NewManager(master fieldbus.Master, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Manager{
		master:         master,
		logger:         logger.WithField("service", "[LIFECYCLE]"),
		states:         make(map[uint16]fieldbus.State),
		sleep:          time.Sleep,
		MaxAttempts:    DefaultMaxAttempts,
		SettleDelay:    DefaultSettleDelay,
		RetryDelay:     DefaultRetryDelay,
		DetourDelay:    DefaultDetourDelay,
		ConfirmTimeout: DefaultConfirmTimeout,
	}
}

// Replace sleep function used for settle & retry delays
func (m *Manager) SetSleep(sleep func(time.Duration)) {
	m.sleep = sleep
}

func (m *Manager) wait(d time.Duration) {
	if d > 0 {
		m.sleep(d)
	}
}

// Last confirmed state of a slave, [fieldbus.StateNone] if never confirmed
func (m *Manager) State(slave uint16) fieldbus.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[slave]
}

func (m *Manager) mirror(slave uint16, state fieldbus.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[slave] = state
}

// Read live state of slave and whether it has regressed from the confirmed state
func (m *Manager) Check(slave uint16) (state fieldbus.State, regressed bool, err error) {
	state, _, err = m.master.ReadState(slave)
	if err != nil {
		return state, false, err
	}
	confirmed := m.State(slave)
	return state, state.Masked() < confirmed.Masked() || state&fieldbus.StateError != 0, nil
}

// Request a lifecycle state for slave and wait for confirmation.
// Retries up to MaxAttempts, clearing the status code on every attempt.
// When requesting OPERATIONAL on a slave stuck in PRE-OPERATIONAL,
// a transition through SAFE-OPERATIONAL is attempted.
func (m *Manager) RequestState(slave uint16, target fieldbus.State) error {
	logger := m.logger.WithFields(log.Fields{"slave": slave, "target": target})
	observed := fieldbus.StateNone
	statusCode := uint16(0)

	for attempt := 1; attempt <= m.MaxAttempts; attempt++ {
		logger.Debugf("attempt %d/%d", attempt, m.MaxAttempts)
		m.master.ClearStatusCode(slave)

		err := m.master.RequestState(slave, target)
		if err != nil {
			logger.Warnf("failed to request state : %v", err)
		} else {
			m.wait(m.SettleDelay)
			observed, err = m.master.ConfirmState(slave, target, m.ConfirmTimeout)
			if err == nil && observed.Masked() == target {
				logger.Infof("transitioned to %v", target)
				m.mirror(slave, target)
				return nil
			}
			_, statusCode, _ = m.master.ReadState(slave)
			logger.Warnf("transition failed, current state %v, status code x%04x", observed, statusCode)

			if target == fieldbus.StateOperational && observed.Masked() == fieldbus.StatePreOperational {
				if m.detour(slave) == nil {
					m.mirror(slave, target)
					return nil
				}
			}
		}
		if attempt < m.MaxAttempts {
			logger.Debugf("retrying in %v", m.RetryDelay)
			m.wait(m.RetryDelay)
		}
	}
	logger.Errorf("failed to transition after %d attempts", m.MaxAttempts)
	return &TransitionError{
		Slave:      slave,
		Target:     target,
		Observed:   observed,
		StatusCode: statusCode,
		Attempts:   m.MaxAttempts,
	}
}

// Single non blocking recovery step of slave towards target.
// The slave is moved one lifecycle state closer to target, the caller is
// expected to call again on its next check. Returns true once target is reached.
func (m *Manager) Recover(slave uint16, target fieldbus.State) (bool, error) {
	state, _, err := m.master.ReadState(slave)
	if err != nil {
		return false, err
	}
	if state == target {
		m.mirror(slave, target)
		return true, nil
	}
	next := target
	switch current := state.Masked(); {
	case current < fieldbus.StatePreOperational && target > fieldbus.StatePreOperational:
		next = fieldbus.StatePreOperational
	case current < fieldbus.StateSafeOperational && target > fieldbus.StateSafeOperational:
		next = fieldbus.StateSafeOperational
	}
	m.logger.WithFields(log.Fields{"slave": slave, "target": target}).Debugf("recovery step %v -> %v", state, next)
	m.master.ClearStatusCode(slave)
	return false, m.master.RequestState(slave, next)
}

// Staged progression PRE-OP -> SAFE-OP -> OP for firmwares refusing PRE-OP -> OP
func (m *Manager) detour(slave uint16) error {
	logger := m.logger.WithField("slave", slave)
	logger.Info("slave stuck in pre-operational, trying intermediate safe-operational transition")
	for _, state := range []fieldbus.State{fieldbus.StateSafeOperational, fieldbus.StateOperational} {
		err := m.master.RequestState(slave, state)
		if err != nil {
			return err
		}
		m.wait(m.DetourDelay)
		observed, err := m.master.ConfirmState(slave, state, 2*m.ConfirmTimeout)
		if err != nil {
			logger.Warnf("intermediate transition to %v failed : %v", state, err)
			return err
		}
		if observed.Masked() != state {
			return fieldbus.ErrStateTimeout
		}
		logger.Infof("intermediate transition to %v successful", state)
		if state == fieldbus.StateSafeOperational {
			m.mirror(slave, state)
		}
	}
	return nil
}
