package config

import (
	"errors"
	"fmt"

	"github.com/samsamfire/gocia402/pkg/pdo"
)

var (
	ErrMappingConfiguration = errors.New("pdo mapping configuration failed")
	ErrMappingVerification  = errors.New("pdo mapping verification failed")
)

func (config *NodeConfigurator) getAssignmentIndex(mapIndex uint16) uint16 {
	if mapIndex >= pdo.EntryTxMappingStart {
		return pdo.EntryTxAssignment
	}
	return pdo.EntryRxAssignment
}

func (config *NodeConfigurator) ReadNbMappings(mapIndex uint16) (uint8, error) {
	return config.client.ReadUint8(config.slave, mapIndex, 0)
}

func (config *NodeConfigurator) ReadMappings(mapIndex uint16) ([]pdo.MappingEntry, error) {
	mappings := make([]pdo.MappingEntry, 0)
	nbMappings, err := config.ReadNbMappings(mapIndex)
	if err != nil {
		return nil, err
	}
	for i := range nbMappings {
		rawMap, err := config.client.ReadUint32(config.slave, mapIndex, i+1)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, pdo.ParseMappingEntry(rawMap))
	}
	return mappings, nil
}

// Number of mapping objects assigned to a sync manager
func (config *NodeConfigurator) ReadNbAssigned(assignIndex uint16) (uint8, error) {
	return config.client.ReadUint8(config.slave, assignIndex, 0)
}

// Mapping object indexes assigned to a sync manager
func (config *NodeConfigurator) ReadAssignment(assignIndex uint16) ([]uint16, error) {
	nbAssigned, err := config.ReadNbAssigned(assignIndex)
	if err != nil {
		return nil, err
	}
	assigned := make([]uint16, 0, nbAssigned)
	for i := range nbAssigned {
		mapIndex, err := config.client.ReadUint16(config.slave, assignIndex, i+1)
		if err != nil {
			return nil, err
		}
		assigned = append(assigned, mapIndex)
	}
	return assigned, nil
}

// Whether the slave exposes a (writable) PDO assignment object
func (config *NodeConfigurator) SupportsAssignment(assignIndex uint16) bool {
	_, err := config.ReadNbAssigned(assignIndex)
	return err == nil
}

// Reads the mapping actually in use for a sync manager,
// concatenating every assigned mapping object in order
func (config *NodeConfigurator) ReadAssignedMappings(assignIndex uint16) ([]pdo.MappingEntry, error) {
	assigned, err := config.ReadAssignment(assignIndex)
	if err != nil {
		return nil, err
	}
	entries := make([]pdo.MappingEntry, 0)
	for _, mapIndex := range assigned {
		mappings, err := config.ReadMappings(mapIndex)
		if err != nil {
			return nil, err
		}
		entries = append(entries, mappings...)
	}
	return entries, nil
}

// Compare current mapping with desired one, any read failure counts as a difference
func (config *NodeConfigurator) mappingMatches(mapIndex uint16, entries []pdo.MappingEntry) bool {
	nbMappings, err := config.ReadNbMappings(mapIndex)
	if err != nil || int(nbMappings) != len(entries) {
		return false
	}
	for i, entry := range entries {
		rawMap, err := config.client.ReadUint32(config.slave, mapIndex, uint8(i)+1)
		if err != nil || rawMap != entry.Raw() {
			return false
		}
	}
	return true
}

// Configure a PDO mapping object and its sync manager assignment.
// Slave must be in PRE-OPERATIONAL. Sequence is :
//  1. skip everything if the current mapping is already the desired one
//  2. disable assignment
//  3. disable mapping
//  4. write entries
//  5. enable mapping with entry count
//  6. restore assignment to its original value
//  7. verify entry count
func (config *NodeConfigurator) ConfigureMapping(assignIndex uint16, mapIndex uint16, entries []pdo.MappingEntry) error {
	logger := config.logger.WithField("index", fmt.Sprintf("x%04x", mapIndex))
	if len(entries) > pdo.MaxMappedEntries {
		return fmt.Errorf("%w : %w", ErrMappingConfiguration, pdo.ErrTooManyEntries)
	}

	// 1.
	if config.mappingMatches(mapIndex, entries) {
		logger.Info("current mapping already matches desired configuration")
		return nil
	}
	originalAssigned, err := config.ReadNbAssigned(assignIndex)
	if err != nil || originalAssigned == 0 {
		originalAssigned = 1
	}
	fail := func(step string, err error) error {
		logger.Errorf("failed to %v : %v", step, err)
		return fmt.Errorf("%w : %v : %w", ErrMappingConfiguration, step, err)
	}

	// 2.
	logger.Debug("disabling pdo assignment")
	err = config.write(assignIndex, 0, uint8(0))
	if err != nil {
		return fail("disable assignment", err)
	}
	// 3.
	logger.Debug("disabling pdo mapping")
	err = config.write(mapIndex, 0, uint8(0))
	if err != nil {
		return fail("disable mapping", err)
	}
	// 4.
	for i, entry := range entries {
		logger.Debugf("writing entry %d : %v", i+1, entry)
		err = config.write(mapIndex, uint8(i)+1, entry.Raw())
		if err != nil {
			return fail(fmt.Sprintf("write entry %d", i+1), err)
		}
	}
	// 5.
	logger.Debugf("enabling pdo mapping with %d entries", len(entries))
	err = config.write(mapIndex, 0, uint8(len(entries)))
	if err != nil {
		return fail("enable mapping", err)
	}
	// 6.
	logger.Debug("enabling pdo assignment")
	err = config.write(assignIndex, 0, originalAssigned)
	if err != nil {
		return fail("enable assignment", err)
	}
	// 7.
	nbMappings, err := config.ReadNbMappings(mapIndex)
	if err != nil {
		return fail("verify mapping", err)
	}
	if int(nbMappings) != len(entries) {
		logger.Errorf("verification failed, expected %d entries, got %d", len(entries), nbMappings)
		return fmt.Errorf("%w : %w : expected %d entries, got %d",
			ErrMappingConfiguration, ErrMappingVerification, len(entries), nbMappings)
	}
	logger.Infof("pdo mapping configured with %d entries", len(entries))
	return nil
}
