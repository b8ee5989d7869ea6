package param

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/samsamfire/gocia402/pkg/fieldbus"
	log "github.com/sirupsen/logrus"
)

var (
	ErrTypeMismatch    = errors.New("parameter size does not match requested type")
	ErrUnsupportedType = errors.New("unsupported parameter type")
)

// Error wraps a failed parameter access with its address
type Error struct {
	Op       string
	Slave    uint16
	Index    uint16
	Subindex uint8
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s x%04x:%02x on slave %d : %v", e.Op, e.Index, e.Subindex, e.Slave, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client gives typed access to device parameters through the
// master mailbox primitives.
type Client struct {
	master fieldbus.Master
	logger *log.Entry
}

func NewClient(master fieldbus.Master, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{master: master, logger: logger.WithField("service", "[PARAM]")}
}

// Read a given index/subindex from slave, size is the expected size in bytes
// This is blocking
func (c *Client) ReadRaw(slave uint16, index uint16, subindex uint8, size int) ([]byte, error) {
	data, err := c.master.ReadParameter(slave, index, subindex, size)
	if err != nil {
		c.logger.WithFields(log.Fields{"slave": slave, "index": fmt.Sprintf("x%04x", index), "subindex": subindex}).
			Debugf("read failed : %v", err)
		return nil, &Error{Op: "read", Slave: slave, Index: index, Subindex: subindex, Err: err}
	}
	return data, nil
}

// Helper function for reading directly a uint8
func (c *Client) ReadUint8(slave uint16, index uint16, subindex uint8) (uint8, error) {
	buf, err := c.ReadRaw(slave, index, subindex, 1)
	if err != nil {
		return 0, err
	} else if len(buf) != 1 {
		return 0, &Error{Op: "read", Slave: slave, Index: index, Subindex: subindex, Err: ErrTypeMismatch}
	}
	return buf[0], nil
}

// Helper function for reading directly an int8
func (c *Client) ReadInt8(slave uint16, index uint16, subindex uint8) (int8, error) {
	v, err := c.ReadUint8(slave, index, subindex)
	return int8(v), err
}

// Helper function for reading directly a uint16
func (c *Client) ReadUint16(slave uint16, index uint16, subindex uint8) (uint16, error) {
	buf, err := c.ReadRaw(slave, index, subindex, 2)
	if err != nil {
		return 0, err
	} else if len(buf) != 2 {
		return 0, &Error{Op: "read", Slave: slave, Index: index, Subindex: subindex, Err: ErrTypeMismatch}
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// Helper function for reading directly a uint32
func (c *Client) ReadUint32(slave uint16, index uint16, subindex uint8) (uint32, error) {
	buf, err := c.ReadRaw(slave, index, subindex, 4)
	if err != nil {
		return 0, err
	} else if len(buf) != 4 {
		return 0, &Error{Op: "read", Slave: slave, Index: index, Subindex: subindex, Err: ErrTypeMismatch}
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// Write a given index/subindex to slave.
// data must be a fixed size integer or a byte slice
// This is blocking
func (c *Client) WriteRaw(slave uint16, index uint16, subindex uint8, data any) error {
	encoded, err := Encode(data)
	if err != nil {
		return &Error{Op: "write", Slave: slave, Index: index, Subindex: subindex, Err: err}
	}
	err = c.master.WriteParameter(slave, index, subindex, encoded)
	if err != nil {
		c.logger.WithFields(log.Fields{"slave": slave, "index": fmt.Sprintf("x%04x", index), "subindex": subindex}).
			Debugf("write failed : %v", err)
		return &Error{Op: "write", Slave: slave, Index: index, Subindex: subindex, Err: err}
	}
	return nil
}

// Encode a fixed size value into its little endian representation
func Encode(data any) ([]byte, error) {
	switch v := data.(type) {
	case []byte:
		return v, nil
	case bool:
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case uint8, int8, uint16, int16, uint32, int32, uint64, int64, float32, float64:
		return binary.Append(nil, binary.LittleEndian, v)
	default:
		return nil, fmt.Errorf("%w : %T", ErrUnsupportedType, data)
	}
}
