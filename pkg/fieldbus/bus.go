package fieldbus

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoSlaves          = errors.New("no slaves found on the bus")
	ErrStateTimeout      = errors.New("slave state confirmation timed out")
	ErrNotInitialized    = errors.New("master not initialized")
	ErrInvalidSlave      = errors.New("invalid slave index")
	ErrUnsupportedMaster = errors.New("unsupported master driver")
)

// Slave lifecycle states (application layer)
type State uint8

const (
	StateNone            State = 0x00
	StateInit            State = 0x01
	StatePreOperational  State = 0x02
	StateBoot            State = 0x03
	StateSafeOperational State = 0x04
	StateOperational     State = 0x08
	StateError           State = 0x10 // Error indication flag, or'ed with the state
)

var stateMap = map[State]string{
	StateNone:            "NONE",
	StateInit:            "INIT",
	StatePreOperational:  "PRE-OPERATIONAL",
	StateBoot:            "BOOT",
	StateSafeOperational: "SAFE-OPERATIONAL",
	StateOperational:     "OPERATIONAL",
}

// Masked returns the state without the error indication flag
func (s State) Masked() State {
	return s & 0x0F
}

func (s State) String() string {
	name, ok := stateMap[s.Masked()]
	if !ok {
		name = fmt.Sprintf("UNKNOWN(x%x)", uint8(s.Masked()))
	}
	if s&StateError != 0 {
		name += "+ERROR"
	}
	return name
}

// Information gathered by the master during discovery and mapping
type SlaveInfo struct {
	Name        string
	VendorId    uint32
	ProductCode uint32
	OutputBits  int
	InputBits   int
	State       State
	StatusCode  uint16
}

// A real-time fieldbus master.
// Slave indexes start at 1, slave 0 addresses all slaves for state requests.
type Master interface {
	// Bind to a network interface
	Init(ifname string) error
	// Enumerate slaves, returns slave count
	DiscoverSlaves() (int, error)
	// Configure distributed clocks
	ConfigureDC() error
	// Build the process image from the assigned PDOs
	MapProcessData() error
	// Working counter of a fully healthy exchange
	ExpectedWorkingCounter() int
	SlaveInfo(slave uint16) (SlaveInfo, error)
	// Output process image of a slave (master -> slave)
	Outputs(slave uint16) []byte
	// Input process image of a slave (slave -> master)
	Inputs(slave uint16) []byte
	// Mailbox parameter access
	ReadParameter(slave uint16, index uint16, subindex uint8, size int) ([]byte, error)
	WriteParameter(slave uint16, index uint16, subindex uint8, data []byte) error
	// Lifecycle state handling
	RequestState(slave uint16, state State) error
	ConfirmState(slave uint16, state State, timeout time.Duration) (State, error)
	ReadState(slave uint16) (State, uint16, error)
	ClearStatusCode(slave uint16)
	// Exchange one cycle of process data, returns working counter
	Exchange() int
	// Release the bus
	Close() error
}

type NewMasterFunc func() (Master, error)

var masterRegistry = make(map[string]NewMasterFunc)

// Register a new master driver type
// This should be called inside an init() function of plugin
func RegisterMaster(driver string, newMaster NewMasterFunc) {
	masterRegistry[driver] = newMaster
}

// Create a new master with given driver
func NewMaster(driver string) (Master, error) {
	createMaster, ok := masterRegistry[driver]
	if !ok {
		return nil, fmt.Errorf("%w : %v", ErrUnsupportedMaster, driver)
	}
	return createMaster()
}

// Registered driver names
func Drivers() []string {
	drivers := make([]string, 0, len(masterRegistry))
	for name := range masterRegistry {
		drivers = append(drivers, name)
	}
	return drivers
}
