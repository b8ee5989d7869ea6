package virtual

import (
	"encoding/binary"

	"github.com/samsamfire/gocia402/pkg/cia402"
	"github.com/samsamfire/gocia402/pkg/pdo"
)

// Simulated object dictionary entry
type object struct {
	data     []byte
	readOnly bool
	mappable bool
}

func key(index uint16, subindex uint8) uint32 {
	return uint32(index)<<8 | uint32(subindex)
}

func u8(v uint8) []byte { return []byte{v} }

func u16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }

func u32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }

// Factory default process data mapping of a virtual drive
var (
	FactoryRxMapping = []pdo.MappingEntry{
		{Index: cia402.EntryControlWord, Subindex: 0, LengthBits: 16},
		{Index: cia402.EntryTargetTorque, Subindex: 0, LengthBits: 16},
	}
	FactoryTxMapping = []pdo.MappingEntry{
		{Index: cia402.EntryStatusWord, Subindex: 0, LengthBits: 16},
		{Index: cia402.EntryPositionActualValue, Subindex: 0, LengthBits: 32},
		{Index: cia402.EntryVelocityActualValue, Subindex: 0, LengthBits: 32},
	}
)

const (
	maxEntriesPerMapping = 8
	DeviceType           = 0x00020192
	VendorId             = 0x000022D2
	ProductCode          = 0x00000201
)

// Create the object dictionary of a virtual CiA 402 drive
func defaultObjects(serial uint32) map[uint32]*object {
	objects := map[uint32]*object{}
	add := func(index uint16, subindex uint8, data []byte, readOnly bool, mappable bool) {
		objects[key(index, subindex)] = &object{data: data, readOnly: readOnly, mappable: mappable}
	}
	// Communication area
	add(0x1000, 0, u32(DeviceType), true, false)
	add(0x1008, 0, []byte("VirtualServo"), true, false)
	add(0x1018, 0, u8(4), true, false)
	add(0x1018, 1, u32(VendorId), true, false)
	add(0x1018, 2, u32(ProductCode), true, false)
	add(0x1018, 3, u32(0x0A000002), true, false)
	add(0x1018, 4, u32(serial), true, false)

	addMapping := func(index uint16, entries []pdo.MappingEntry) {
		add(index, 0, u8(uint8(len(entries))), false, false)
		for sub := uint8(1); sub <= maxEntriesPerMapping; sub++ {
			raw := uint32(0)
			if int(sub) <= len(entries) {
				raw = entries[sub-1].Raw()
			}
			add(index, sub, u32(raw), false, false)
		}
	}
	addMapping(pdo.EntryRxMappingStart, FactoryRxMapping)
	addMapping(pdo.EntryTxMappingStart, FactoryTxMapping)
	add(pdo.EntryRxAssignment, 0, u8(1), false, false)
	add(pdo.EntryRxAssignment, 1, u16(pdo.EntryRxMappingStart), false, false)
	add(pdo.EntryTxAssignment, 0, u8(1), false, false)
	add(pdo.EntryTxAssignment, 1, u16(pdo.EntryTxMappingStart), false, false)

	// Device profile area
	add(cia402.EntryControlWord, 0, u16(0), false, true)
	add(cia402.EntryStatusWord, 0, u16(0), true, true)
	add(cia402.EntryModesOfOperation, 0, u8(0), false, true)
	add(cia402.EntryModesOfOperationDisplay, 0, u8(0), true, true)
	add(cia402.EntryPositionActualValue, 0, u32(0), true, true)
	add(cia402.EntryVelocityActualValue, 0, u32(0), true, true)
	add(cia402.EntryTargetTorque, 0, u16(0), false, true)
	add(cia402.EntryMaxTorque, 0, u16(1000), false, true)
	add(cia402.EntryMotorRatedCurrent, 0, u32(0), false, false)
	add(cia402.EntryTorqueActualValue, 0, u16(0), true, true)
	add(cia402.EntryTargetPosition, 0, u32(0), false, true)
	add(cia402.EntryTorqueSlope, 0, u32(0), false, false)
	add(cia402.EntryPositionEncoderResolution, 0, u8(2), true, false)
	add(cia402.EntryPositionEncoderResolution, 1, u32(4096), false, false)
	add(cia402.EntryPositionEncoderResolution, 2, u32(1), false, false)
	add(cia402.EntryInterpolationTimePeriod, 0, u8(2), true, false)
	add(cia402.EntryInterpolationTimePeriod, 1, u8(1), false, false)
	add(cia402.EntryInterpolationTimePeriod, 2, u8(0xFD), false, false)
	return objects
}
