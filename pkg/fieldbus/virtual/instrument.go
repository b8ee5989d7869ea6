package virtual

import (
	"github.com/samsamfire/gocia402/pkg/cia402"
	"github.com/samsamfire/gocia402/pkg/fieldbus"
)

// Fault injection and inspection helpers

// Number of parameter writes received by slave, failed ones included
func (m *Master) ParameterWrites(index uint16) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slave(index)
	if err != nil {
		return 0
	}
	return s.writes
}

// Number of process data exchanges performed
func (m *Master) Exchanges() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exchanges
}

// Make every write to index/subindex fail with a hardware abort
func (m *Master) FailWrite(index uint16, objIndex uint16, subindex uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, err := m.slave(index); err == nil {
		s.failWrite[key(objIndex, subindex)] = true
	}
}

// Make every read of index/subindex fail with a hardware abort
func (m *Master) FailRead(index uint16, objIndex uint16, subindex uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, err := m.slave(index); err == nil {
		s.failRead[key(objIndex, subindex)] = true
	}
}

// Accept non zero writes to index/subindex but store data instead of the written value,
// e.g. to simulate a device truncating its entry count
func (m *Master) OverrideWrite(index uint16, objIndex uint16, subindex uint8, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, err := m.slave(index); err == nil {
		s.overrides[key(objIndex, subindex)] = data
	}
}

// Refuse the next n requests of state, n < 0 refuses forever
func (m *Master) RejectState(index uint16, state fieldbus.State, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, err := m.slave(index); err == nil {
		s.rejections[state] = n
	}
}

// Force lifecycle state of slave, e.g. to simulate a watchdog regression
func (m *Master) ForceState(index uint16, state fieldbus.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, err := m.slave(index); err == nil {
		s.state = state
	}
}

// Trigger a drive fault on next exchange
func (m *Master) InjectFault(index uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, err := m.slave(index); err == nil {
		s.drive.pendingFault = true
	}
}

// Override working counter of the next n exchanges
func (m *Master) DropWorkingCounter(n int, wkc int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.wkcOverride = append(m.wkcOverride, wkc)
	}
}

// Current simulated drive state
func (m *Master) DriveState(index uint16) cia402.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slave(index)
	if err != nil {
		return cia402.StateNotReady
	}
	return s.drive.state
}

// Torque currently applied by the simulated drive
func (m *Master) AppliedTorque(index uint16) int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slave(index)
	if err != nil {
		return 0
	}
	return s.drive.torque
}

// Copy of the outputs received by slave on last exchange
func (m *Master) LastOutputs(index uint16) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slave(index)
	if err != nil || s.lastOutputs == nil {
		return nil
	}
	out := make([]byte, len(s.lastOutputs))
	copy(out, s.lastOutputs)
	return out
}

// Object value as stored in the slave dictionary
func (m *Master) Object(index uint16, objIndex uint16, subindex uint8) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slave(index)
	if err != nil {
		return nil, false
	}
	obj, ok := s.objects[key(objIndex, subindex)]
	if !ok {
		return nil, false
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, true
}

// Add or replace an object of the slave dictionary
func (m *Master) SetObject(index uint16, objIndex uint16, subindex uint8, data []byte, readOnly bool, mappable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, err := m.slave(index); err == nil {
		s.objects[key(objIndex, subindex)] = &object{data: data, readOnly: readOnly, mappable: mappable}
	}
}

// Remove an object from the slave dictionary
func (m *Master) DeleteObject(index uint16, objIndex uint16, subindex uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, err := m.slave(index); err == nil {
		delete(s.objects, key(objIndex, subindex))
	}
}

func (m *Master) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
