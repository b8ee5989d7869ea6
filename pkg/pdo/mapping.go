package pdo

import "fmt"

const (
	// Mapping object sub-indexes 1..254 may hold entries
	MaxMappedEntries = 254
	// Longest single mapped object
	MaxEntryLengthBits = 64
)

// Default CiA 301 / ETG.1000 addresses of mapping and assignment objects
const (
	EntryRxMappingStart uint16 = 0x1600
	EntryTxMappingStart uint16 = 0x1A00
	EntryRxAssignment   uint16 = 0x1C12
	EntryTxAssignment   uint16 = 0x1C13
)

// A single mapped object inside of a PDO
type MappingEntry struct {
	Index      uint16
	Subindex   uint8
	LengthBits uint8
}

// Parse the raw 32 bit representation stored in mapping objects
// i.e. index (16 bits) | subindex (8 bits) | length in bits (8 bits)
func ParseMappingEntry(raw uint32) MappingEntry {
	return MappingEntry{
		Index:      uint16(raw >> 16),
		Subindex:   uint8(raw >> 8),
		LengthBits: uint8(raw),
	}
}

// Raw 32 bit representation as written to mapping objects
func (e MappingEntry) Raw() uint32 {
	return uint32(e.Index)<<16 | uint32(e.Subindex)<<8 | uint32(e.LengthBits)
}

// Dummy entries only reserve space inside of the frame
func (e MappingEntry) IsDummy() bool {
	return e.Index < 0x20 && e.Subindex == 0
}

func (e MappingEntry) String() string {
	return fmt.Sprintf("x%04x:%02x/%d", e.Index, e.Subindex, e.LengthBits)
}

// Total length in bits of the given entries
func TotalBits(entries []MappingEntry) int {
	bits := 0
	for _, e := range entries {
		bits += int(e.LengthBits)
	}
	return bits
}

// Compare two mappings entry by entry
func Equal(a []MappingEntry, b []MappingEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
