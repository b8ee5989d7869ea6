package controller

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/samsamfire/gocia402/pkg/cia402"
	"github.com/samsamfire/gocia402/pkg/fieldbus"
	"github.com/samsamfire/gocia402/pkg/lifecycle"
	log "github.com/sirupsen/logrus"
)

var (
	ErrEngineRunning = errors.New("exchange engine already running")
	ErrEngineStopped = errors.New("exchange engine not running")
)

type EngineState uint8

const (
	EngineIdle EngineState = iota
	EngineRunning
)

func (s EngineState) String() string {
	if s == EngineRunning {
		return "RUNNING"
	}
	return "IDLE"
}

// Work submitted to the worker, done is closed once fn has returned
type request struct {
	fn   func()
	done chan struct{}
}

// Engine exchanges one frame per period with a slave.
// Once started, it is the only owner of the bus : exchanges and
// parameter accesses all happen on the worker goroutine.
type Engine struct {
	logger           *log.Entry
	frame            *Frame
	store            *Store
	lifecycle        *lifecycle.Manager
	driver           *cia402.Driver
	sequencer        cia402.Sequencer
	slave            uint16
	period           time.Duration
	stateCheckCycles int
	torqueScale      float32
	mode             int8
	expectedWKC      int
	controlWord      uint16
	broughtUp        bool
	cycles           uint64
	bringUpErr       error

	mu        sync.Mutex
	state     EngineState
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     chan struct{}
	readyOnce *sync.Once
	requests  chan request
	exited    chan struct{}
}

func NewEngine(
	frame *Frame,
	store *Store,
	manager *lifecycle.Manager,
	driver *cia402.Driver,
	expectedWKC int,
	opts Options,
	logger *log.Logger,
) *Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Engine{
		logger:           logger.WithFields(log.Fields{"service": "[ENGINE]", "slave": opts.Slave}),
		frame:            frame,
		store:            store,
		lifecycle:        manager,
		driver:           driver,
		slave:            opts.Slave,
		period:           opts.Period,
		stateCheckCycles: opts.StateCheckCycles,
		torqueScale:      opts.TorqueScale,
		mode:             opts.Drive.Mode,
		expectedWKC:      expectedWKC,
		controlWord:      cia402.CommandShutdown,
	}
}

func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Error that occurred while bringing the drive to operation enabled, if any
func (e *Engine) BringUpErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bringUpErr
}

// Start the worker, it blocks until [Engine.MarkReady] is called.
// Cancellation of ctx does not stop the worker, only [Engine.Stop] does.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == EngineRunning {
		return ErrEngineRunning
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.ready = make(chan struct{})
	e.readyOnce = &sync.Once{}
	e.requests = make(chan request)
	e.exited = make(chan struct{})
	e.state = EngineRunning
	e.wg.Add(1)
	go e.run(ctx, e.ready, e.requests, e.exited)
	e.logger.Infof("started with period %v", e.period)
	return nil
}

// Signal that the master is initialized and exchanges may begin
func (e *Engine) MarkReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readyOnce != nil {
		e.readyOnce.Do(func() { close(e.ready) })
	}
}

// Stop the worker, wait for it to exit and bring the slave to a safe state.
// Failures are logged, this always completes.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != EngineRunning {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.safeStop()

	e.mu.Lock()
	e.state = EngineIdle
	e.mu.Unlock()
	e.logger.Info("stopped")
}

// Run fn on the worker, between two exchanges.
// At most one submission is served per period.
func (e *Engine) Execute(ctx context.Context, fn func()) error {
	e.mu.Lock()
	if e.state != EngineRunning {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	requests, exited := e.requests, e.exited
	e.mu.Unlock()

	req := request{fn: fn, done: make(chan struct{})}
	select {
	case requests <- req:
	case <-exited:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once accepted, fn always runs to completion
	<-req.done
	return nil
}

func (e *Engine) run(ctx context.Context, ready <-chan struct{}, requests <-chan request, exited chan<- struct{}) {
	defer e.wg.Done()
	defer close(exited)
	select {
	case <-ctx.Done():
		return
	case <-ready:
	}
	e.logger.Debug("master ready, entering cyclic exchange")
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()
	for {
		e.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			continue
		case req := <-requests:
			req.fn()
			close(req.done)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Scale normalized torque request to drive units
func (e *Engine) scaleTorque(torque float32) int16 {
	scaled := math.Round(float64(torque * e.torqueScale))
	return int16(max(math.MinInt16, min(math.MaxInt16, scaled)))
}

// Stage outgoing frame under the store lock.
// Torque stays zero until the drive has reported operation enabled.
func (e *Engine) stage() {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	state := e.store.snapshot.DriveState
	if e.broughtUp {
		e.controlWord = e.sequencer.Next(state)
	}
	torque := int16(0)
	if state == cia402.StateOperationEnabled {
		torque = e.scaleTorque(e.store.snapshot.TargetTorque)
	}
	e.frame.Stage(e.controlWord, torque, e.mode)
}

// One period of the exchange loop
func (e *Engine) cycle(ctx context.Context) {
	e.stage()
	wkc := e.frame.Exchange()
	e.cycles++

	if wkc < e.expectedWKC {
		e.logger.Warnf("degraded communication, working counter %d, expected %d", wkc, e.expectedWKC)
		e.store.degraded()
	} else {
		e.store.publish(e.frame.Feedback())
		if !e.broughtUp {
			e.bringUp(ctx)
		}
	}

	if e.stateCheckCycles > 0 && e.cycles%uint64(e.stateCheckCycles) == 0 {
		e.checkLifecycle()
	}
}

// Complete drive bring-up, only once on first healthy cycle
func (e *Engine) bringUp(ctx context.Context) {
	e.broughtUp = true
	err := e.driver.DriveToOperational(ctx, e.slave, e.frame)
	if err != nil && ctx.Err() == nil {
		e.logger.Errorf("bring up failed, will keep sequencing : %v", err)
	}
	e.mu.Lock()
	e.bringUpErr = err
	e.mu.Unlock()
	e.sequencer.Reset()
	e.store.publish(e.frame.Feedback())
}

func (e *Engine) checkLifecycle() {
	state, regressed, err := e.lifecycle.Check(e.slave)
	if err != nil {
		e.logger.Warnf("failed to read lifecycle state : %v", err)
		return
	}
	if !regressed {
		return
	}
	e.logger.Warnf("lifecycle state regressed to %v, recovering %v", state, fieldbus.StateOperational)
	// One step per check, exchanges keep going while the slave climbs back
	_, err = e.lifecycle.Recover(e.slave, fieldbus.StateOperational)
	if err != nil {
		e.logger.Errorf("failed to recover operational state : %v", err)
	}
}

// Zero torque, shutdown command and lifecycle back to configuration state
func (e *Engine) safeStop() {
	e.store.mu.Lock()
	e.frame.Stage(cia402.CommandShutdown, 0, e.mode)
	e.store.mu.Unlock()
	wkc := e.frame.Exchange()
	if wkc < e.expectedWKC {
		e.logger.Warnf("safe stop exchange degraded, working counter %d, expected %d", wkc, e.expectedWKC)
	}
	for _, state := range []fieldbus.State{fieldbus.StateSafeOperational, fieldbus.StatePreOperational} {
		err := e.lifecycle.RequestState(e.slave, state)
		if err != nil {
			e.logger.Warnf("failed to request %v during stop : %v", state, err)
		}
	}
}
