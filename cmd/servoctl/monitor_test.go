package main

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/samsamfire/gocia402/pkg/cia402"
	"github.com/samsamfire/gocia402/pkg/controller"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	torque float32
	fail   bool
}

func (f *fakeSource) Snapshot() (controller.Snapshot, error) {
	return controller.Snapshot{TargetTorque: f.torque, DriveState: cia402.StateOperationEnabled, CommunicationOK: true}, nil
}

func (f *fakeSource) SetTargetTorque(torque float32) error {
	if f.fail {
		return errors.New("gateway unreachable")
	}
	f.torque = torque
	return nil
}

func (f *fakeSource) Close()           {}
func (f *fakeSource) Describe() string { return "fake" }

func press(m tea.Model, key string) tea.Model {
	var msg tea.KeyMsg
	switch key {
	case "up":
		msg = tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		msg = tea.KeyMsg{Type: tea.KeyDown}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
	}
	m, _ = m.Update(msg)
	return m
}

func TestMonitorKeys(t *testing.T) {
	maxTorque = 0.1
	source := &fakeSource{}
	var m tea.Model = monitorModel{source: source}

	m = press(m, "up")
	assert.InDelta(t, 0.05, source.torque, 1e-6)
	m = press(m, "up")
	m = press(m, "up")
	assert.InDelta(t, 0.1, source.torque, 1e-6)
	for i := 0; i < 5; i++ {
		m = press(m, "down")
	}
	assert.InDelta(t, -0.1, source.torque, 1e-6)
	m = press(m, "0")
	assert.EqualValues(t, 0, source.torque)

	m, _ = m.Update(monitorTickMsg{})
	assert.Contains(t, m.View(), "OPERATION-ENABLED")

	source.fail = true
	m = press(m, "up")
	assert.EqualValues(t, 0, source.torque)
	assert.Contains(t, m.View(), "gateway unreachable")

	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}
