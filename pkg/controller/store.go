package controller

import (
	"sync"

	"github.com/samsamfire/gocia402/pkg/cia402"
)

// Snapshot of the shared setpoint / feedback state
type Snapshot struct {
	TargetTorque    float32      `json:"targetTorque"`
	Position        int32        `json:"position"`
	Velocity        int32        `json:"velocity"`
	TorqueActual    int16        `json:"torqueActual"`
	StatusWord      uint16       `json:"statusWord"`
	DriveState      cia402.State `json:"driveState"`
	CommunicationOK bool         `json:"communicationOk"`
	Cycles          uint64       `json:"cycles"`
	DegradedCycles  uint64       `json:"degradedCycles"`
}

// Store is the mutex guarded cache shared between the exchange engine
// and external setpoint producers / feedback consumers.
type Store struct {
	mu       sync.Mutex
	snapshot Snapshot
}

func (s *Store) SetTargetTorque(torque float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.TargetTorque = torque
}

func (s *Store) TargetTorque() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.TargetTorque
}

func (s *Store) Position() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Position
}

func (s *Store) Velocity() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Velocity
}

func (s *Store) TorqueActual() int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.TorqueActual
}

func (s *Store) StatusWord() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.StatusWord
}

func (s *Store) DriveState() cia402.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.DriveState
}

func (s *Store) CommunicationOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.CommunicationOK
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Publish feedback of a healthy exchange
func (s *Store) publish(feedback Feedback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Position = feedback.Position
	s.snapshot.Velocity = feedback.Velocity
	s.snapshot.TorqueActual = feedback.TorqueActual
	s.snapshot.StatusWord = feedback.StatusWord
	s.snapshot.DriveState = cia402.DecodeState(feedback.StatusWord)
	s.snapshot.CommunicationOK = true
	s.snapshot.Cycles++
}

func (s *Store) degraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.CommunicationOK = false
	s.snapshot.Cycles++
	s.snapshot.DegradedCycles++
}
