package controller

import (
	"encoding/json"
	"testing"

	"github.com/samsamfire/gocia402/pkg/cia402"
	"github.com/stretchr/testify/assert"
)

func TestStore(t *testing.T) {
	store := &Store{}
	assert.False(t, store.CommunicationOK())
	assert.Equal(t, cia402.StateNotReady, store.DriveState())

	store.SetTargetTorque(-0.4)
	store.publish(Feedback{StatusWord: 0x0237, Position: 10, Velocity: -2, TorqueActual: -400})
	assert.EqualValues(t, -0.4, store.TargetTorque())
	assert.EqualValues(t, 10, store.Position())
	assert.EqualValues(t, -2, store.Velocity())
	assert.EqualValues(t, -400, store.TorqueActual())
	assert.EqualValues(t, 0x0237, store.StatusWord())
	assert.Equal(t, cia402.StateOperationEnabled, store.DriveState())
	assert.True(t, store.CommunicationOK())

	// Degraded cycles keep the last feedback
	store.degraded()
	snapshot := store.Snapshot()
	assert.False(t, snapshot.CommunicationOK)
	assert.EqualValues(t, 10, snapshot.Position)
	assert.EqualValues(t, 2, snapshot.Cycles)
	assert.EqualValues(t, 1, snapshot.DegradedCycles)

	store.publish(Feedback{StatusWord: 0x0008})
	assert.Equal(t, cia402.StateFault, store.DriveState())
	assert.True(t, store.CommunicationOK())

	t.Run("json", func(t *testing.T) {
		raw, err := json.Marshal(store.Snapshot())
		assert.Nil(t, err)
		assert.Contains(t, string(raw), `"driveState":"FAULT"`)
		decoded := Snapshot{}
		assert.Nil(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, store.Snapshot(), decoded)
	})
}
