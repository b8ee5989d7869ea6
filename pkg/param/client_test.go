package param_test

import (
	"errors"
	"testing"

	"github.com/samsamfire/gocia402/pkg/cia402"
	"github.com/samsamfire/gocia402/pkg/fieldbus"
	"github.com/samsamfire/gocia402/pkg/fieldbus/virtual"
	"github.com/samsamfire/gocia402/pkg/param"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createClient(t *testing.T) (*virtual.Master, *param.Client) {
	master := virtual.NewMaster(1, nil)
	require.Nil(t, master.Init("vnet0"))
	_, err := master.DiscoverSlaves()
	require.Nil(t, err)
	return master, param.NewClient(master, nil)
}

func TestRead(t *testing.T) {
	_, client := createClient(t)
	vendor, err := client.ReadUint32(1, 0x1018, 1)
	assert.Nil(t, err)
	assert.EqualValues(t, virtual.VendorId, vendor)

	nb, err := client.ReadUint8(1, 0x1018, 0)
	assert.Nil(t, err)
	assert.EqualValues(t, 4, nb)

	t.Run("type mismatch", func(t *testing.T) {
		_, err := client.ReadUint16(1, cia402.EntryModesOfOperationDisplay, 0)
		assert.ErrorIs(t, err, param.ErrTypeMismatch)
	})

	t.Run("abort", func(t *testing.T) {
		_, err := client.ReadUint16(1, 0x2000, 0)
		var abort param.Abort
		require.ErrorAs(t, err, &abort)
		assert.Equal(t, param.AbortNotExist, abort)
		var paramErr *param.Error
		require.ErrorAs(t, err, &paramErr)
		assert.Equal(t, "read", paramErr.Op)
		assert.EqualValues(t, 0x2000, paramErr.Index)
		_, err = client.ReadUint8(1, 0x1018, 9)
		assert.ErrorIs(t, err, param.AbortSubUnknown)
	})

	t.Run("invalid slave", func(t *testing.T) {
		_, err := client.ReadUint32(2, 0x1018, 1)
		assert.ErrorIs(t, err, fieldbus.ErrInvalidSlave)
	})
}

func TestWrite(t *testing.T) {
	master, client := createClient(t)
	assert.Nil(t, client.WriteRaw(1, cia402.EntryModesOfOperation, 0, cia402.ModeProfileTorque))
	mode, err := client.ReadInt8(1, cia402.EntryModesOfOperationDisplay, 0)
	assert.Nil(t, err)
	assert.EqualValues(t, cia402.ModeProfileTorque, mode)

	err = client.WriteRaw(1, cia402.EntryModesOfOperation, 0, "torque")
	assert.ErrorIs(t, err, param.ErrUnsupportedType)
	err = client.WriteRaw(1, cia402.EntryModesOfOperation, 0, uint32(4))
	assert.ErrorIs(t, err, param.AbortTypeMismatch)
	err = client.WriteRaw(1, 0x1018, 1, uint32(1))
	assert.ErrorIs(t, err, param.AbortReadOnly)

	master.FailWrite(1, cia402.EntryMaxTorque, 0)
	err = client.WriteRaw(1, cia402.EntryMaxTorque, 0, uint16(100))
	assert.ErrorIs(t, err, param.AbortHardware)
}

func TestEncode(t *testing.T) {
	cases := []struct {
		value    any
		expected []byte
	}{
		{int16(-2), []byte{0xFE, 0xFF}},
		{uint32(0x60400010), []byte{0x10, 0x00, 0x40, 0x60}},
		{int8(-3), []byte{0xFD}},
		{true, []byte{1}},
		{[]byte{1, 2, 3}, []byte{1, 2, 3}},
	}
	for _, c := range cases {
		encoded, err := param.Encode(c.value)
		assert.Nil(t, err)
		assert.Equal(t, c.expected, encoded, "%T", c.value)
	}
	_, err := param.Encode(42)
	assert.True(t, errors.Is(err, param.ErrUnsupportedType))
}

func TestAbortError(t *testing.T) {
	assert.Equal(t, "x6020000 : Object does not exist in the object dictionary", param.AbortNotExist.Error())
	assert.Equal(t, "x1234 : unknown abort code", param.Abort(0x1234).Error())
}
