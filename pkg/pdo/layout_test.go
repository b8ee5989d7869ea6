package pdo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var TEST_RX_MAPPING = []MappingEntry{
	{Index: 0x6040, Subindex: 0, LengthBits: 16},
	{Index: 0x6060, Subindex: 0, LengthBits: 8},
	{Index: 0x6071, Subindex: 0, LengthBits: 16},
	{Index: 0x607A, Subindex: 0, LengthBits: 32},
}

func TestMappingEntryRaw(t *testing.T) {
	entry := ParseMappingEntry(0x60400010)
	assert.Equal(t, MappingEntry{Index: 0x6040, Subindex: 0, LengthBits: 16}, entry)
	assert.EqualValues(t, 0x60400010, entry.Raw())
	assert.EqualValues(t, 0x607A0020, TEST_RX_MAPPING[3].Raw())
	assert.True(t, MappingEntry{Index: 0x0005, LengthBits: 8}.IsDummy())
	assert.Equal(t, "x6040:00/16", entry.String())
	assert.Equal(t, 72, TotalBits(TEST_RX_MAPPING))
	assert.True(t, Equal(TEST_RX_MAPPING, TEST_RX_MAPPING[:]))
	assert.False(t, Equal(TEST_RX_MAPPING, TEST_RX_MAPPING[:2]))
}

func TestLayoutOffsets(t *testing.T) {
	layout, err := NewLayout(TEST_RX_MAPPING)
	assert.Nil(t, err)
	assert.Equal(t, 72, layout.Bits())
	assert.Equal(t, 9, layout.Bytes())
	offsets := []int{}
	for _, field := range layout.Fields() {
		offsets = append(offsets, field.BitOffset)
	}
	assert.Equal(t, []int{0, 16, 24, 40}, offsets)
	assert.Nil(t, layout.Check(72))
	assert.ErrorIs(t, layout.Check(64), ErrSizeMismatch)
	assert.True(t, layout.Has(0x6071, 0))
	assert.False(t, layout.Has(0x6041, 0))
}

func TestLayoutInvalid(t *testing.T) {
	_, err := NewLayout([]MappingEntry{{Index: 0x6040, LengthBits: 0}})
	assert.ErrorIs(t, err, ErrEntryLength)
	_, err = NewLayout(make([]MappingEntry, MaxMappedEntries+1))
	assert.ErrorIs(t, err, ErrTooManyEntries)
}

func TestLayoutReadWrite(t *testing.T) {
	layout, _ := NewLayout(TEST_RX_MAPPING)
	buf := make([]byte, layout.Bytes())

	t.Run("aligned values", func(t *testing.T) {
		assert.Nil(t, layout.PutUint16(buf, 0x6040, 0, 0x000F))
		assert.Nil(t, layout.PutInt8(buf, 0x6060, 0, 4))
		assert.Nil(t, layout.PutInt16(buf, 0x6071, 0, -250))
		assert.Nil(t, layout.PutInt32(buf, 0x607A, 0, -100000))
		assert.Equal(t, []byte{0x0F, 0x00, 0x04}, buf[:3])
		cw, err := layout.Uint16(buf, 0x6040, 0)
		assert.Nil(t, err)
		assert.EqualValues(t, 0x000F, cw)
		torque, err := layout.Int16(buf, 0x6071, 0)
		assert.Nil(t, err)
		assert.EqualValues(t, -250, torque)
		position, err := layout.Int32(buf, 0x607A, 0)
		assert.Nil(t, err)
		assert.EqualValues(t, -100000, position)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := layout.Get(buf, 0x6041, 0)
		assert.ErrorIs(t, err, ErrNotMapped)
		err = layout.Put(buf, 0x6041, 0, 1)
		assert.ErrorIs(t, err, ErrNotMapped)
		_, err = layout.Get(buf[:4], 0x6040, 0)
		assert.ErrorIs(t, err, ErrBufferShort)
	})
}

func TestLayoutBitPacked(t *testing.T) {
	layout, err := NewLayout([]MappingEntry{
		{Index: 0x6041, Subindex: 0, LengthBits: 16},
		{Index: 0x2000, Subindex: 1, LengthBits: 1},
		{Index: 0x2000, Subindex: 2, LengthBits: 3},
		{Index: 0x0000, Subindex: 0, LengthBits: 4},
		{Index: 0x2001, Subindex: 0, LengthBits: 12},
	})
	assert.Nil(t, err)
	assert.Equal(t, 36, layout.Bits())
	assert.Equal(t, 5, layout.Bytes())
	buf := make([]byte, layout.Bytes())
	assert.Nil(t, layout.Put(buf, 0x2000, 1, 1))
	assert.Nil(t, layout.Put(buf, 0x2000, 2, 0b101))
	assert.Nil(t, layout.Put(buf, 0x2001, 0, 0xFFF))
	assert.EqualValues(t, 0b1011, buf[2])
	v, _ := layout.Get(buf, 0x2000, 2)
	assert.EqualValues(t, 0b101, v)
	signed, _ := layout.GetSigned(buf, 0x2001, 0)
	assert.EqualValues(t, -1, signed)
	// Overwriting clears previous bits
	assert.Nil(t, layout.Put(buf, 0x2000, 2, 0))
	v, _ = layout.Get(buf, 0x2000, 1)
	assert.EqualValues(t, 1, v)
	v, _ = layout.Get(buf, 0x2000, 2)
	assert.EqualValues(t, 0, v)
}
