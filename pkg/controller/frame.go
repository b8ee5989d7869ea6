package controller

import (
	"errors"
	"fmt"

	"github.com/samsamfire/gocia402/pkg/cia402"
	"github.com/samsamfire/gocia402/pkg/fieldbus"
	"github.com/samsamfire/gocia402/pkg/pdo"
)

var (
	ErrLayoutMismatch = errors.New("process data layout does not match negotiated size")
	ErrMissingObject  = errors.New("required object not mapped")
)

// Feedback decoded from the inputs of one exchange
type Feedback struct {
	StatusWord   uint16
	Mode         int8
	Position     int32
	Velocity     int32
	TorqueActual int16
}

// Frame binds the negotiated rx / tx layouts to the process image of a slave.
// It is not safe for concurrent use, only the owner of the exchange cadence may use it.
type Frame struct {
	master  fieldbus.Master
	slave   uint16
	rx      *pdo.Layout
	tx      *pdo.Layout
	outputs []byte
	inputs  []byte
}

// Create a frame, checking layouts against the sizes negotiated by the master
func NewFrame(master fieldbus.Master, slave uint16, rx *pdo.Layout, tx *pdo.Layout) (*Frame, error) {
	info, err := master.SlaveInfo(slave)
	if err != nil {
		return nil, err
	}
	if err := rx.Check(info.OutputBits); err != nil {
		return nil, fmt.Errorf("%w : outputs : %w", ErrLayoutMismatch, err)
	}
	if err := tx.Check(info.InputBits); err != nil {
		return nil, fmt.Errorf("%w : inputs : %w", ErrLayoutMismatch, err)
	}
	frame := &Frame{
		master:  master,
		slave:   slave,
		rx:      rx,
		tx:      tx,
		outputs: master.Outputs(slave),
		inputs:  master.Inputs(slave),
	}
	if len(frame.outputs) < rx.Bytes() || len(frame.inputs) < tx.Bytes() {
		return nil, fmt.Errorf("%w : %w", ErrLayoutMismatch, pdo.ErrBufferShort)
	}
	for _, required := range []struct {
		layout *pdo.Layout
		index  uint16
	}{
		{rx, cia402.EntryControlWord},
		{rx, cia402.EntryTargetTorque},
		{tx, cia402.EntryStatusWord},
	} {
		if !required.layout.Has(required.index, 0) {
			return nil, fmt.Errorf("%w : x%04x", ErrMissingObject, required.index)
		}
	}
	return frame, nil
}

func (f *Frame) RxLayout() *pdo.Layout {
	return f.rx
}

func (f *Frame) TxLayout() *pdo.Layout {
	return f.tx
}

// Last received status word
func (f *Frame) StatusWord() uint16 {
	statusWord, _ := f.tx.Uint16(f.inputs, cia402.EntryStatusWord, 0)
	return statusWord
}

func (f *Frame) SetControlWord(controlWord uint16) {
	_ = f.rx.PutUint16(f.outputs, cia402.EntryControlWord, 0, controlWord)
}

func (f *Frame) SetTargetTorque(torque int16) {
	_ = f.rx.PutInt16(f.outputs, cia402.EntryTargetTorque, 0, torque)
}

// Stage mode of operation, ignored if not mapped
func (f *Frame) SetMode(mode int8) {
	if f.rx.Has(cia402.EntryModesOfOperation, 0) {
		_ = f.rx.PutInt8(f.outputs, cia402.EntryModesOfOperation, 0, mode)
	}
}

// Stage the complete command part of the frame
func (f *Frame) Stage(controlWord uint16, torque int16, mode int8) {
	f.SetControlWord(controlWord)
	f.SetTargetTorque(torque)
	f.SetMode(mode)
}

// Decode feedback, unmapped optional objects read as zero
func (f *Frame) Feedback() Feedback {
	feedback := Feedback{StatusWord: f.StatusWord()}
	if f.tx.Has(cia402.EntryModesOfOperationDisplay, 0) {
		mode, _ := f.tx.GetSigned(f.inputs, cia402.EntryModesOfOperationDisplay, 0)
		feedback.Mode = int8(mode)
	}
	if f.tx.Has(cia402.EntryPositionActualValue, 0) {
		feedback.Position, _ = f.tx.Int32(f.inputs, cia402.EntryPositionActualValue, 0)
	}
	if f.tx.Has(cia402.EntryVelocityActualValue, 0) {
		feedback.Velocity, _ = f.tx.Int32(f.inputs, cia402.EntryVelocityActualValue, 0)
	}
	if f.tx.Has(cia402.EntryTorqueActualValue, 0) {
		feedback.TorqueActual, _ = f.tx.Int16(f.inputs, cia402.EntryTorqueActualValue, 0)
	}
	return feedback
}

// Exchange one cycle of process data
func (f *Frame) Exchange() int {
	return f.master.Exchange()
}
