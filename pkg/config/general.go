package config

import (
	"errors"
	"fmt"
)

var ErrNotDriveProfile = errors.New("device does not implement the drive profile")

const (
	entryDeviceType      uint16 = 0x1000
	entryDeviceName      uint16 = 0x1008
	entryHardwareVersion uint16 = 0x1009
	entrySoftwareVersion uint16 = 0x100A
	entryIdentity        uint16 = 0x1018
)

// Device profile number of drives and motion control
const DriveProfile uint16 = 402

const maxStringSize = 256

// DeviceType is the raw value of 0x1000.
// Low word is the profile number, for drives the next byte is the drive kind.
type DeviceType uint32

func (t DeviceType) Profile() uint16 {
	return uint16(t)
}

func (t DeviceType) IsDrive() bool {
	return t.Profile() == DriveProfile
}

func (t DeviceType) String() string {
	if !t.IsDrive() {
		return fmt.Sprintf("profile %d", t.Profile())
	}
	switch uint8(t >> 16) {
	case 0x01:
		return "frequency converter"
	case 0x02:
		return "servo drive"
	case 0x03:
		return "stepper motor"
	case 0xFF:
		return "multiple device"
	}
	return fmt.Sprintf("drive x%02x", uint8(t>>16))
}

// Device identification, only vendor id is mandatory, other fields are zero if absent
type Identity struct {
	DeviceType     DeviceType
	VendorId       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
	Name           string
	Hardware       string
	Software       string
}

// Read identity (0x1018), device type (0x1000) and the optional manufacturer strings
func (config *NodeConfigurator) ReadIdentity() (*Identity, error) {
	vendorId, err := config.client.ReadUint32(config.slave, entryIdentity, 1)
	if err != nil {
		return nil, err
	}
	identity := &Identity{VendorId: vendorId}
	identity.ProductCode, _ = config.client.ReadUint32(config.slave, entryIdentity, 2)
	identity.RevisionNumber, _ = config.client.ReadUint32(config.slave, entryIdentity, 3)
	identity.SerialNumber, _ = config.client.ReadUint32(config.slave, entryIdentity, 4)
	identity.DeviceType, _ = config.ReadDeviceType()
	identity.Name = config.readString(entryDeviceName)
	identity.Hardware = config.readString(entryHardwareVersion)
	identity.Software = config.readString(entrySoftwareVersion)
	return identity, nil
}

func (config *NodeConfigurator) ReadDeviceType() (DeviceType, error) {
	raw, err := config.client.ReadUint32(config.slave, entryDeviceType, 0)
	return DeviceType(raw), err
}

// Check that the slave is a drive, i.e. its device type announces profile 402
func (config *NodeConfigurator) VerifyDriveProfile() (DeviceType, error) {
	deviceType, err := config.ReadDeviceType()
	if err != nil {
		return deviceType, err
	}
	if !deviceType.IsDrive() {
		return deviceType, fmt.Errorf("%w : %v", ErrNotDriveProfile, deviceType)
	}
	return deviceType, nil
}

func (config *NodeConfigurator) readString(index uint16) string {
	raw, err := config.client.ReadRaw(config.slave, index, 0, maxStringSize)
	if err != nil {
		return ""
	}
	return string(raw)
}
