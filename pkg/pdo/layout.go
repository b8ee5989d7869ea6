package pdo

import (
	"errors"
	"fmt"
)

var (
	ErrSizeMismatch   = errors.New("mapping size does not match negotiated process data size")
	ErrNotMapped      = errors.New("object is not mapped")
	ErrBufferShort    = errors.New("process data buffer too short for layout")
	ErrEntryLength    = errors.New("invalid mapped object length")
	ErrTooManyEntries = errors.New("too many mapped objects")
)

// Position of a mapped object inside of a frame
type Field struct {
	MappingEntry
	BitOffset int
}

// Layout is the byte / bit layout of one direction of the cyclic frame,
// derived from an ordered list of mapping entries.
// Objects are packed back to back, little endian, starting at bit 0.
type Layout struct {
	fields []Field
	lookup map[uint32]int
	bits   int
}

func key(index uint16, subindex uint8) uint32 {
	return uint32(index)<<8 | uint32(subindex)
}

// Create a new layout from mapping entries, in mapping order
func NewLayout(entries []MappingEntry) (*Layout, error) {
	if len(entries) > MaxMappedEntries {
		return nil, ErrTooManyEntries
	}
	layout := &Layout{
		fields: make([]Field, 0, len(entries)),
		lookup: make(map[uint32]int),
	}
	for _, entry := range entries {
		if entry.LengthBits == 0 || entry.LengthBits > MaxEntryLengthBits {
			return nil, fmt.Errorf("%w : %v", ErrEntryLength, entry)
		}
		if !entry.IsDummy() {
			layout.lookup[key(entry.Index, entry.Subindex)] = len(layout.fields)
		}
		layout.fields = append(layout.fields, Field{MappingEntry: entry, BitOffset: layout.bits})
		layout.bits += int(entry.LengthBits)
	}
	return layout, nil
}

// Total size in bits
func (l *Layout) Bits() int {
	return l.bits
}

// Total size in bytes, rounded up
func (l *Layout) Bytes() int {
	return (l.bits + 7) / 8
}

// Mapped fields, in frame order
func (l *Layout) Fields() []Field {
	return l.fields
}

// Check that layout matches the size negotiated by the master for this direction
func (l *Layout) Check(negotiatedBits int) error {
	if l.bits != negotiatedBits {
		return fmt.Errorf("%w : layout %d bits, negotiated %d bits", ErrSizeMismatch, l.bits, negotiatedBits)
	}
	return nil
}

func (l *Layout) Has(index uint16, subindex uint8) bool {
	_, ok := l.lookup[key(index, subindex)]
	return ok
}

// Find a mapped object
func (l *Layout) Field(index uint16, subindex uint8) (Field, bool) {
	i, ok := l.lookup[key(index, subindex)]
	if !ok {
		return Field{}, false
	}
	return l.fields[i], true
}

// Get raw unsigned value of a mapped object from buf
func (l *Layout) Get(buf []byte, index uint16, subindex uint8) (uint64, error) {
	field, ok := l.Field(index, subindex)
	if !ok {
		return 0, fmt.Errorf("%w : x%04x:%02x", ErrNotMapped, index, subindex)
	}
	if len(buf) < l.Bytes() {
		return 0, ErrBufferShort
	}
	return getBits(buf, field.BitOffset, int(field.LengthBits)), nil
}

// Put raw value of a mapped object inside of buf, value is truncated to mapped length
func (l *Layout) Put(buf []byte, index uint16, subindex uint8, value uint64) error {
	field, ok := l.Field(index, subindex)
	if !ok {
		return fmt.Errorf("%w : x%04x:%02x", ErrNotMapped, index, subindex)
	}
	if len(buf) < l.Bytes() {
		return ErrBufferShort
	}
	putBits(buf, field.BitOffset, int(field.LengthBits), value)
	return nil
}

// Get a signed value, sign extended from mapped length
func (l *Layout) GetSigned(buf []byte, index uint16, subindex uint8) (int64, error) {
	field, ok := l.Field(index, subindex)
	if !ok {
		return 0, fmt.Errorf("%w : x%04x:%02x", ErrNotMapped, index, subindex)
	}
	raw, err := l.Get(buf, index, subindex)
	if err != nil {
		return 0, err
	}
	return signExtend(raw, int(field.LengthBits)), nil
}

func (l *Layout) Uint16(buf []byte, index uint16, subindex uint8) (uint16, error) {
	v, err := l.Get(buf, index, subindex)
	return uint16(v), err
}

func (l *Layout) Int32(buf []byte, index uint16, subindex uint8) (int32, error) {
	v, err := l.GetSigned(buf, index, subindex)
	return int32(v), err
}

func (l *Layout) Int16(buf []byte, index uint16, subindex uint8) (int16, error) {
	v, err := l.GetSigned(buf, index, subindex)
	return int16(v), err
}

func (l *Layout) PutUint16(buf []byte, index uint16, subindex uint8, value uint16) error {
	return l.Put(buf, index, subindex, uint64(value))
}

func (l *Layout) PutInt16(buf []byte, index uint16, subindex uint8, value int16) error {
	return l.Put(buf, index, subindex, uint64(int64(value)))
}

func (l *Layout) PutInt8(buf []byte, index uint16, subindex uint8, value int8) error {
	return l.Put(buf, index, subindex, uint64(int64(value)))
}

func (l *Layout) PutInt32(buf []byte, index uint16, subindex uint8, value int32) error {
	return l.Put(buf, index, subindex, uint64(int64(value)))
}

func getBits(buf []byte, offset int, length int) uint64 {
	// Fast path for byte aligned objects
	if offset%8 == 0 && length%8 == 0 {
		var v uint64
		start := offset / 8
		for i := length/8 - 1; i >= 0; i-- {
			v = v<<8 | uint64(buf[start+i])
		}
		return v
	}
	var v uint64
	for i := 0; i < length; i++ {
		bit := offset + i
		if (buf[bit/8]>>(bit%8))&1 == 1 {
			v |= 1 << i
		}
	}
	return v
}

func putBits(buf []byte, offset int, length int, value uint64) {
	if offset%8 == 0 && length%8 == 0 {
		start := offset / 8
		for i := 0; i < length/8; i++ {
			buf[start+i] = byte(value >> (8 * i))
		}
		return
	}
	for i := 0; i < length; i++ {
		bit := offset + i
		if (value>>i)&1 == 1 {
			buf[bit/8] |= 1 << (bit % 8)
		} else {
			buf[bit/8] &^= 1 << (bit % 8)
		}
	}
}

func signExtend(raw uint64, length int) int64 {
	if length >= 64 {
		return int64(raw)
	}
	shift := 64 - length
	return int64(raw<<shift) >> shift
}
