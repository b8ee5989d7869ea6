package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/samsamfire/gocia402/pkg/controller"
	log "github.com/sirupsen/logrus"
)

var ErrTorqueOutOfRange = errors.New("torque request out of range")

// Drive is the accessor API of a running controller.
// Parameter accesses must be serialized with the cyclic exchange by the implementation.
type Drive interface {
	SetTargetTorque(torque float32)
	Snapshot() controller.Snapshot
	ReadParameter(ctx context.Context, slave uint16, index uint16, subindex uint8, size int) ([]byte, error)
	WriteParameter(ctx context.Context, slave uint16, index uint16, subindex uint8, value any) error
}

// BaseGateway implements the supervisory features shared by gateways :
// drive status, torque requests and raw parameter access.
// Each gateway maps its own parsing logic to this base gateway
type BaseGateway struct {
	logger       *log.Entry
	drive        Drive
	defaultSlave uint16
	maxTorque    float32
}

func NewBaseGateway(drive Drive, defaultSlave uint16, maxTorque float32, logger *log.Logger) *BaseGateway {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &BaseGateway{
		logger:       logger.WithField("service", "[GATEWAY]"),
		drive:        drive,
		defaultSlave: defaultSlave,
		maxTorque:    maxTorque,
	}
}

type GatewayVersion struct {
	VendorId        string
	ProductCode     string
	RevisionNumber  string
	ProtocolVersion string
}

// Get gateway version information
func (gw *BaseGateway) GetVersion() (GatewayVersion, error) {
	return GatewayVersion{
		VendorId:        "0x0",
		ProductCode:     "0x0",
		RevisionNumber:  "0x0",
		ProtocolVersion: "01.00",
	}, nil
}

func (gw *BaseGateway) DefaultSlave() uint16 {
	return gw.defaultSlave
}

// Current drive snapshot
func (gw *BaseGateway) Status() controller.Snapshot {
	return gw.drive.Snapshot()
}

// Request a normalized torque, bounded by the gateway maximum
func (gw *BaseGateway) SetTorque(torque float32) error {
	if torque > gw.maxTorque || torque < -gw.maxTorque {
		return fmt.Errorf("%w : %v (max %v)", ErrTorqueOutOfRange, torque, gw.maxTorque)
	}
	gw.logger.Debugf("torque request %v", torque)
	gw.drive.SetTargetTorque(torque)
	return nil
}

// Read a parameter
func (gw *BaseGateway) ReadParameter(ctx context.Context, slave uint16, index uint16, subindex uint8, size int) ([]byte, error) {
	return gw.drive.ReadParameter(ctx, slave, index, subindex, size)
}

// Write a parameter, value must be a fixed size integer or a byte slice
func (gw *BaseGateway) WriteParameter(ctx context.Context, slave uint16, index uint16, subindex uint8, value any) error {
	return gw.drive.WriteParameter(ctx, slave, index, subindex, value)
}
