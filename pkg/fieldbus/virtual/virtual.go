package virtual

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samsamfire/gocia402/pkg/cia402"
	"github.com/samsamfire/gocia402/pkg/fieldbus"
	"github.com/samsamfire/gocia402/pkg/param"
	"github.com/samsamfire/gocia402/pkg/pdo"
	log "github.com/sirupsen/logrus"
)

// In-process fieldbus master simulating CiA 402 drives, primarily used for testing
// and for running the controller without hardware.

func init() {
	fieldbus.RegisterMaster("virtual", func() (fieldbus.Master, error) {
		return NewMaster(1, nil), nil
	})
}

var ErrNoInterface = errors.New("no interface name given")

// AL status codes reported by virtual slaves
const (
	StatusCodeInvalidStateChange uint16 = 0x0011
	StatusCodeInvalidOutputs     uint16 = 0x001D
	StatusCodeInvalidInputs      uint16 = 0x001E
)

type slave struct {
	objects     map[uint32]*object
	state       fieldbus.State
	statusCode  uint16
	rejections  map[fieldbus.State]int
	failWrite   map[uint32]bool
	failRead    map[uint32]bool
	overrides   map[uint32][]byte
	writes      int
	rx          *pdo.Layout
	tx          *pdo.Layout
	outputs     []byte
	inputs      []byte
	lastOutputs []byte
	drive       drive
}

type Master struct {
	logger      *log.Entry
	mu          sync.Mutex
	ifname      string
	initialized bool
	discovered  bool
	mapped      bool
	closed      bool
	dcEnabled   bool
	slaves      []*slave
	exchanges   int
	wkcOverride []int
}

// Create a virtual master with nbSlaves simulated drives on the bus
func NewMaster(nbSlaves int, logger *log.Logger) *Master {
	if logger == nil {
		logger = log.StandardLogger()
	}
	m := &Master{logger: logger.WithField("service", "[VIRTUAL]")}
	for i := 0; i < nbSlaves; i++ {
		m.slaves = append(m.slaves, &slave{
			objects:    defaultObjects(uint32(0x1000 + i)),
			state:      fieldbus.StateInit,
			rejections: map[fieldbus.State]int{},
			failWrite:  map[uint32]bool{},
			failRead:   map[uint32]bool{},
			overrides:  map[uint32][]byte{},
			drive:      drive{maxTorque: 1000},
		})
	}
	return m
}

func (m *Master) slave(index uint16) (*slave, error) {
	if index == 0 || int(index) > len(m.slaves) {
		return nil, fieldbus.ErrInvalidSlave
	}
	return m.slaves[index-1], nil
}

// Slaves addressed by index, 0 meaning all
func (m *Master) targets(index uint16) ([]*slave, error) {
	if index == 0 {
		return m.slaves, nil
	}
	s, err := m.slave(index)
	if err != nil {
		return nil, err
	}
	return []*slave{s}, nil
}

func (m *Master) Init(ifname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ifname == "" {
		return ErrNoInterface
	}
	m.ifname = ifname
	m.initialized = true
	m.closed = false
	m.logger.Infof("bound to interface %v", ifname)
	return nil
}

func (m *Master) DiscoverSlaves() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return 0, fieldbus.ErrNotInitialized
	}
	if len(m.slaves) == 0 {
		return 0, fieldbus.ErrNoSlaves
	}
	for _, s := range m.slaves {
		s.state = fieldbus.StatePreOperational
	}
	m.discovered = true
	return len(m.slaves), nil
}

func (m *Master) ConfigureDC() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.discovered {
		return fieldbus.ErrNotInitialized
	}
	m.dcEnabled = true
	return nil
}

// Read the mapping assigned to a sync manager from the slave dictionary
func (s *slave) assignedMapping(assignIndex uint16) ([]pdo.MappingEntry, error) {
	entries := []pdo.MappingEntry{}
	nbAssigned := s.objects[key(assignIndex, 0)].data[0]
	for i := uint8(1); i <= nbAssigned; i++ {
		assigned, ok := s.objects[key(assignIndex, i)]
		if !ok {
			return nil, param.AbortSubUnknown
		}
		mapIndex := binary.LittleEndian.Uint16(assigned.data)
		count, ok := s.objects[key(mapIndex, 0)]
		if !ok {
			return nil, param.AbortNotExist
		}
		for sub := uint8(1); sub <= count.data[0]; sub++ {
			raw := binary.LittleEndian.Uint32(s.objects[key(mapIndex, sub)].data)
			entries = append(entries, pdo.ParseMappingEntry(raw))
		}
	}
	return entries, nil
}

func (m *Master) MapProcessData() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.discovered {
		return fieldbus.ErrNotInitialized
	}
	for i, s := range m.slaves {
		rxEntries, err := s.assignedMapping(pdo.EntryRxAssignment)
		if err != nil {
			return fmt.Errorf("slave %d rx mapping : %w", i+1, err)
		}
		txEntries, err := s.assignedMapping(pdo.EntryTxAssignment)
		if err != nil {
			return fmt.Errorf("slave %d tx mapping : %w", i+1, err)
		}
		s.rx, err = pdo.NewLayout(rxEntries)
		if err != nil {
			return err
		}
		s.tx, err = pdo.NewLayout(txEntries)
		if err != nil {
			return err
		}
		s.outputs = make([]byte, s.rx.Bytes())
		s.inputs = make([]byte, s.tx.Bytes())
		s.lastOutputs = make([]byte, s.rx.Bytes())
		m.logger.Debugf("slave %d mapped, outputs %d bits, inputs %d bits", i+1, s.rx.Bits(), s.tx.Bits())
	}
	m.mapped = true
	return nil
}

func (m *Master) ExpectedWorkingCounter() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	outputsWKC, inputsWKC := 0, 0
	for _, s := range m.slaves {
		if len(s.outputs) > 0 {
			outputsWKC++
		}
		if len(s.inputs) > 0 {
			inputsWKC++
		}
	}
	return outputsWKC*2 + inputsWKC
}

func (m *Master) SlaveInfo(index uint16) (fieldbus.SlaveInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slave(index)
	if err != nil {
		return fieldbus.SlaveInfo{}, err
	}
	info := fieldbus.SlaveInfo{
		Name:        string(s.objects[key(0x1008, 0)].data),
		VendorId:    VendorId,
		ProductCode: ProductCode,
		State:       s.state,
		StatusCode:  s.statusCode,
	}
	if s.rx != nil {
		info.OutputBits = s.rx.Bits()
		info.InputBits = s.tx.Bits()
	}
	return info, nil
}

func (m *Master) Outputs(index uint16) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slave(index)
	if err != nil {
		return nil
	}
	return s.outputs
}

func (m *Master) Inputs(index uint16) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slave(index)
	if err != nil {
		return nil
	}
	return s.inputs
}

func (m *Master) ReadParameter(index uint16, objIndex uint16, subindex uint8, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slave(index)
	if err != nil {
		return nil, err
	}
	if s.state.Masked() < fieldbus.StatePreOperational {
		return nil, param.AbortDataDeviceState
	}
	if s.failRead[key(objIndex, subindex)] {
		return nil, param.AbortHardware
	}
	obj, ok := s.objects[key(objIndex, subindex)]
	if !ok {
		if _, exists := s.objects[key(objIndex, 0)]; exists {
			return nil, param.AbortSubUnknown
		}
		return nil, param.AbortNotExist
	}
	if len(obj.data) > size {
		return nil, param.AbortDataLong
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, nil
}

func (m *Master) WriteParameter(index uint16, objIndex uint16, subindex uint8, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slave(index)
	if err != nil {
		return err
	}
	s.writes++
	if s.state.Masked() < fieldbus.StatePreOperational {
		return param.AbortDataDeviceState
	}
	if s.failWrite[key(objIndex, subindex)] {
		return param.AbortHardware
	}
	obj, ok := s.objects[key(objIndex, subindex)]
	if !ok {
		if _, exists := s.objects[key(objIndex, 0)]; exists {
			return param.AbortSubUnknown
		}
		return param.AbortNotExist
	}
	if obj.readOnly {
		return param.AbortReadOnly
	}
	if len(data) != len(obj.data) {
		return param.AbortTypeMismatch
	}
	if isMappingObject(objIndex) {
		err := s.checkMappingWrite(objIndex, subindex, data)
		if err != nil {
			return err
		}
	}
	copy(obj.data, data)
	if override, ok := s.overrides[key(objIndex, subindex)]; ok && !isZero(data) {
		copy(obj.data, override)
	}
	if objIndex == cia402.EntryModesOfOperation {
		// Mode is applied immediately
		copy(s.objects[key(cia402.EntryModesOfOperationDisplay, 0)].data, data)
	}
	if objIndex == cia402.EntryMaxTorque {
		s.drive.maxTorque = int16(binary.LittleEndian.Uint16(data))
	}
	return nil
}

func isZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

func isMappingObject(index uint16) bool {
	return (index >= 0x1600 && index < 0x1800) || (index >= 0x1A00 && index < 0x1C00) ||
		index == pdo.EntryRxAssignment || index == pdo.EntryTxAssignment
}

func assignmentOf(mapIndex uint16) uint16 {
	if mapIndex >= 0x1A00 {
		return pdo.EntryTxAssignment
	}
	return pdo.EntryRxAssignment
}

// Enforce mapping modification sequence : only in PRE-OPERATIONAL,
// assignment disabled before touching a mapping, mapping disabled before touching entries
// and entries valid when re-enabling mapping.
func (s *slave) checkMappingWrite(index uint16, subindex uint8, data []byte) error {
	if s.state.Masked() != fieldbus.StatePreOperational {
		return param.AbortDataDeviceState
	}
	if index == pdo.EntryRxAssignment || index == pdo.EntryTxAssignment {
		return nil
	}
	if s.objects[key(assignmentOf(index), 0)].data[0] != 0 {
		return param.AbortDataDeviceState
	}
	if subindex != 0 {
		if s.objects[key(index, 0)].data[0] != 0 {
			return param.AbortDataDeviceState
		}
		return nil
	}
	count := data[0]
	if count > maxEntriesPerMapping {
		return param.AbortMapLen
	}
	for sub := uint8(1); sub <= count; sub++ {
		entry := pdo.ParseMappingEntry(binary.LittleEndian.Uint32(s.objects[key(index, sub)].data))
		if entry.IsDummy() {
			continue
		}
		mapped, ok := s.objects[key(entry.Index, entry.Subindex)]
		if !ok || !mapped.mappable {
			return param.AbortNoMap
		}
		if int(entry.LengthBits) != len(mapped.data)*8 {
			return param.AbortMapLen
		}
	}
	return nil
}

func (m *Master) RequestState(index uint16, state fieldbus.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	targets, err := m.targets(index)
	if err != nil {
		return err
	}
	for _, s := range targets {
		m.requestState(s, state)
	}
	return nil
}

// Simplified ESM, invalid transitions keep the current state and latch a status code
func (m *Master) requestState(s *slave, target fieldbus.State) {
	current := s.state.Masked()
	if n := s.rejections[target]; n != 0 {
		if n > 0 {
			s.rejections[target] = n - 1
		}
		s.statusCode = StatusCodeInvalidStateChange
		s.state = current | fieldbus.StateError
		return
	}
	switch target {
	case fieldbus.StateInit, fieldbus.StatePreOperational:
		s.state = target
	case fieldbus.StateSafeOperational:
		if current < fieldbus.StatePreOperational {
			s.statusCode = StatusCodeInvalidStateChange
			s.state = current | fieldbus.StateError
			return
		}
		if !m.mapped {
			s.statusCode = StatusCodeInvalidInputs
			s.state = current | fieldbus.StateError
			return
		}
		s.state = target
	case fieldbus.StateOperational:
		// No direct PRE-OP -> OP
		if current < fieldbus.StateSafeOperational {
			s.statusCode = StatusCodeInvalidStateChange
			s.state = current | fieldbus.StateError
			return
		}
		s.state = target
	default:
		s.statusCode = StatusCodeInvalidStateChange
		s.state = current | fieldbus.StateError
	}
}

// Returns lowest state of addressed slaves
func (m *Master) ConfirmState(index uint16, state fieldbus.State, timeout time.Duration) (fieldbus.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	targets, err := m.targets(index)
	if err != nil {
		return fieldbus.StateNone, err
	}
	if len(targets) == 0 {
		return fieldbus.StateNone, fieldbus.ErrNoSlaves
	}
	observed := targets[0].state
	for _, s := range targets[1:] {
		if s.state.Masked() < observed.Masked() {
			observed = s.state
		}
	}
	if observed != state {
		return observed, fmt.Errorf("%w : expected %v, observed %v", fieldbus.ErrStateTimeout, state, observed)
	}
	return observed, nil
}

func (m *Master) ReadState(index uint16) (fieldbus.State, uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slave(index)
	if err != nil {
		return fieldbus.StateNone, 0, err
	}
	return s.state, s.statusCode, nil
}

func (m *Master) ClearStatusCode(index uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	targets, err := m.targets(index)
	if err != nil {
		return
	}
	for _, s := range targets {
		s.statusCode = 0
		s.state = s.state.Masked()
	}
}

// Exchange process data with every slave and run one drive cycle.
// Outputs count twice in the working counter (read + write), inputs once.
func (m *Master) Exchange() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mapped || m.closed {
		return 0
	}
	m.exchanges++
	wkc := 0
	for _, s := range m.slaves {
		state := s.state.Masked()
		if state < fieldbus.StateSafeOperational {
			continue
		}
		copy(s.lastOutputs, s.outputs)
		outputsValid := state == fieldbus.StateOperational
		controlWord, _ := s.rx.Uint16(s.outputs, cia402.EntryControlWord, 0)
		torque, _ := s.rx.Int16(s.outputs, cia402.EntryTargetTorque, 0)
		if outputsValid {
			if mode, err := s.rx.Get(s.outputs, cia402.EntryModesOfOperation, 0); err == nil {
				s.objects[key(cia402.EntryModesOfOperationDisplay, 0)].data[0] = uint8(mode)
			}
			if len(s.outputs) > 0 {
				wkc += 2
			}
		}
		s.drive.step(controlWord, torque, outputsValid)
		s.publish()
		if len(s.inputs) > 0 {
			wkc++
		}
	}
	if len(m.wkcOverride) > 0 {
		wkc = m.wkcOverride[0]
		m.wkcOverride = m.wkcOverride[1:]
	}
	return wkc
}

// Update dictionary and inputs from drive simulation
func (s *slave) publish() {
	d := &s.drive
	binary.LittleEndian.PutUint16(s.objects[key(cia402.EntryStatusWord, 0)].data, d.statusWord())
	binary.LittleEndian.PutUint32(s.objects[key(cia402.EntryPositionActualValue, 0)].data, uint32(d.position))
	binary.LittleEndian.PutUint32(s.objects[key(cia402.EntryVelocityActualValue, 0)].data, uint32(d.velocity))
	binary.LittleEndian.PutUint16(s.objects[key(cia402.EntryTorqueActualValue, 0)].data, uint16(d.torque))
	for _, field := range s.tx.Fields() {
		if field.IsDummy() {
			continue
		}
		obj, ok := s.objects[key(field.Index, field.Subindex)]
		if !ok {
			continue
		}
		raw := uint64(0)
		for i := len(obj.data) - 1; i >= 0; i-- {
			raw = raw<<8 | uint64(obj.data[i])
		}
		_ = s.tx.Put(s.inputs, field.Index, field.Subindex, raw)
	}
}

func (m *Master) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	m.discovered = false
	m.mapped = false
	m.closed = true
	m.logger.Infof("released interface %v", m.ifname)
	return nil
}
