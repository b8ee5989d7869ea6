// Package controller runs a CiA 402 servo drive over a fieldbus master :
// bring-up, cyclic exchange and the thread safe setpoint / feedback accessors.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samsamfire/gocia402/pkg/cia402"
	"github.com/samsamfire/gocia402/pkg/config"
	"github.com/samsamfire/gocia402/pkg/fieldbus"
	"github.com/samsamfire/gocia402/pkg/lifecycle"
	"github.com/samsamfire/gocia402/pkg/param"
	"github.com/samsamfire/gocia402/pkg/pdo"
	log "github.com/sirupsen/logrus"
)

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrNotStarted     = errors.New("controller not started")
	ErrNoMapping      = errors.New("no usable process data mapping")
)

// Controller is one session with a drive. Several controllers may
// coexist, each owning its own master.
type Controller struct {
	logger       *log.Entry
	rootLogger   *log.Logger
	master       fieldbus.Master
	opts         Options
	store        *Store
	lifecycle    *lifecycle.Manager
	client       *param.Client
	configurator *config.NodeConfigurator
	driver       *cia402.Driver
	sleep        func(time.Duration)

	mu      sync.Mutex
	engine  *Engine
	frame   *Frame
	started bool
}

func New(master fieldbus.Master, opts Options, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.StandardLogger()
	}
	manager := lifecycle.NewManager(master, logger)
	manager.MaxAttempts = opts.Lifecycle.MaxAttempts
	manager.SettleDelay = opts.Lifecycle.SettleDelay
	manager.RetryDelay = opts.Lifecycle.RetryDelay
	manager.DetourDelay = opts.Lifecycle.DetourDelay
	manager.ConfirmTimeout = opts.Lifecycle.ConfirmTimeout

	client := param.NewClient(master, logger)
	configurator := config.NewNodeConfigurator(opts.Slave, client, logger)
	configurator.SettleDelay = opts.MappingSettleDelay

	driver := cia402.NewDriver(logger)
	driver.MaxAttempts = opts.DriveAttempts
	driver.AttemptDelay = opts.DriveAttemptDelay

	return &Controller{
		logger:       logger.WithFields(log.Fields{"service": "[CTRL]", "slave": opts.Slave}),
		rootLogger:   logger,
		master:       master,
		opts:         opts,
		store:        &Store{},
		lifecycle:    manager,
		client:       client,
		configurator: configurator,
		driver:       driver,
		sleep:        time.Sleep,
	}
}

// Bring up the bus and the drive, then start the exchange engine.
// On failure the bus is released and the controller is left not started.
func (c *Controller) Initialize(ctx context.Context, ifname string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	err := c.bringUp(ctx, ifname)
	if err != nil {
		c.logger.Errorf("initialization failed : %v", err)
		if closeErr := c.master.Close(); closeErr != nil {
			c.logger.Warnf("failed to release master : %v", closeErr)
		}
		c.frame = nil
		return err
	}
	c.started = true
	return nil
}

func (c *Controller) bringUp(ctx context.Context, ifname string) error {
	slave := c.opts.Slave
	err := c.master.Init(ifname)
	if err != nil {
		return fmt.Errorf("init on %v : %w", ifname, err)
	}
	c.logger.Infof("master initialized on %v", ifname)

	nbSlaves, err := c.master.DiscoverSlaves()
	if err != nil {
		return err
	}
	if nbSlaves == 0 {
		return fieldbus.ErrNoSlaves
	}
	if int(slave) > nbSlaves || slave == 0 {
		return fmt.Errorf("%w : %d (found %d)", fieldbus.ErrInvalidSlave, slave, nbSlaves)
	}
	c.logger.Infof("found %d slaves", nbSlaves)

	// Reset to a known state before configuring
	err = c.lifecycle.RequestState(slave, fieldbus.StateInit)
	if err != nil {
		c.logger.Warnf("failed to reset slave to %v : %v", fieldbus.StateInit, err)
	}
	err = c.lifecycle.RequestState(slave, fieldbus.StatePreOperational)
	if err != nil {
		return err
	}

	if identity, err := c.configurator.ReadIdentity(); err == nil {
		c.logger.Infof("%v, vendor x%08x, product x%08x, revision x%08x",
			identity.DeviceType, identity.VendorId, identity.ProductCode, identity.RevisionNumber)
	}
	if _, err := c.configurator.VerifyDriveProfile(); err != nil {
		c.logger.Warnf("drive profile not confirmed, continuing : %v", err)
	}

	rx, tx, err := c.negotiateMappings()
	if err != nil {
		return err
	}

	err = c.master.ConfigureDC()
	if err != nil {
		c.logger.Warnf("distributed clocks not configured : %v", err)
	}
	err = c.master.MapProcessData()
	if err != nil {
		return err
	}
	frame, err := NewFrame(c.master, slave, rx, tx)
	if err != nil {
		return err
	}
	c.logger.Infof("process data mapped, outputs %d bits, inputs %d bits", rx.Bits(), tx.Bits())

	err = c.configurator.WriteDriveParameters(c.opts.Drive)
	if err != nil {
		c.logger.Warnf("failed to write drive parameters : %v", err)
	} else {
		_ = c.configurator.VerifyMode(c.opts.Drive.Mode)
	}

	// Safe outputs before outputs become valid
	frame.Stage(cia402.CommandShutdown, 0, c.opts.Drive.Mode)

	err = c.lifecycle.RequestState(slave, fieldbus.StateSafeOperational)
	if err != nil {
		return err
	}
	for i := 0; i < c.opts.WarmupCycles; i++ {
		frame.Exchange()
		if c.opts.Period > 0 {
			c.sleep(c.opts.Period)
		}
	}
	err = c.lifecycle.RequestState(slave, fieldbus.StateOperational)
	if err != nil {
		return err
	}

	engine := NewEngine(frame, c.store, c.lifecycle, c.driver, c.master.ExpectedWorkingCounter(), c.opts, c.rootLogger)
	err = engine.Start(ctx)
	if err != nil {
		return err
	}
	engine.MarkReady()
	c.frame = frame
	c.engine = engine
	return nil
}

// Configure mappings and read back the ones actually in use.
// Configuration errors are not fatal, the device defaults are used instead.
// Fails only when neither the actual nor the desired mapping forms a valid layout.
func (c *Controller) negotiateMappings() (*pdo.Layout, *pdo.Layout, error) {
	layouts := [2]*pdo.Layout{}
	for i, mapping := range []MappingOptions{c.opts.Rx, c.opts.Tx} {
		if c.opts.ConfigureMapping {
			err := c.configurator.ConfigureMapping(mapping.Assignment, mapping.Mapping, mapping.Entries)
			if err != nil {
				c.logger.Warnf("mapping x%04x failed, using device defaults : %v", mapping.Mapping, err)
			}
		}
		entries, err := c.actualMapping(mapping)
		if err != nil {
			c.logger.Warnf("failed to read mapping x%04x, assuming desired mapping : %v", mapping.Mapping, err)
			entries = mapping.Entries
		}
		layout, err := pdo.NewLayout(entries)
		if err != nil {
			c.logger.Warnf("invalid mapping x%04x, assuming desired mapping : %v", mapping.Mapping, err)
			layout, err = pdo.NewLayout(mapping.Entries)
			if err != nil {
				return nil, nil, fmt.Errorf("%w : x%04x : %w", ErrNoMapping, mapping.Mapping, err)
			}
		}
		layouts[i] = layout
	}
	return layouts[0], layouts[1], nil
}

func (c *Controller) actualMapping(mapping MappingOptions) ([]pdo.MappingEntry, error) {
	if c.configurator.SupportsAssignment(mapping.Assignment) {
		return c.configurator.ReadAssignedMappings(mapping.Assignment)
	}
	return c.configurator.ReadMappings(mapping.Mapping)
}

// Stop the exchange engine and release the bus.
// This always returns, failures are only logged.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.logger.Info("shutting down")
	c.engine.Stop()
	err := c.master.Close()
	if err != nil {
		c.logger.Warnf("failed to release master : %v", err)
	}
	c.started = false
	c.logger.Info("shutdown complete")
}

func (c *Controller) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Engine of a started controller
func (c *Controller) Engine() *Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// Negotiated frame of a started controller
func (c *Controller) Frame() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// Read a parameter of slave. Once started, the access is performed by the
// engine worker between two exchanges, ctx bounds the wait for a free slot.
func (c *Controller) ReadParameter(ctx context.Context, slave uint16, index uint16, subindex uint8, size int) ([]byte, error) {
	engine := c.Engine()
	if engine == nil {
		return nil, ErrNotStarted
	}
	var data []byte
	var err error
	execErr := engine.Execute(ctx, func() {
		data, err = c.client.ReadRaw(slave, index, subindex, size)
	})
	if execErr != nil {
		return nil, execErr
	}
	return data, err
}

// Write a parameter of slave, value must be a fixed size integer or a byte slice.
// Same scheduling as [Controller.ReadParameter]
func (c *Controller) WriteParameter(ctx context.Context, slave uint16, index uint16, subindex uint8, value any) error {
	engine := c.Engine()
	if engine == nil {
		return ErrNotStarted
	}
	var err error
	execErr := engine.Execute(ctx, func() {
		err = c.client.WriteRaw(slave, index, subindex, value)
	})
	if execErr != nil {
		return execErr
	}
	return err
}

func (c *Controller) Options() Options {
	return c.opts
}

// Set normalized torque request, applied only once drive is operation enabled
func (c *Controller) SetTargetTorque(torque float32) {
	c.store.SetTargetTorque(torque)
}

func (c *Controller) TargetTorque() float32 {
	return c.store.TargetTorque()
}

func (c *Controller) Position() int32 {
	return c.store.Position()
}

func (c *Controller) Velocity() int32 {
	return c.store.Velocity()
}

func (c *Controller) TorqueActual() int16 {
	return c.store.TorqueActual()
}

func (c *Controller) CommunicationOK() bool {
	return c.store.CommunicationOK()
}

func (c *Controller) DriveState() cia402.State {
	return c.store.DriveState()
}

func (c *Controller) StatusWord() uint16 {
	return c.store.StatusWord()
}

func (c *Controller) Snapshot() Snapshot {
	return c.store.Snapshot()
}
