package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samsamfire/gocia402/pkg/cia402"
	"github.com/samsamfire/gocia402/pkg/fieldbus"
	"github.com/samsamfire/gocia402/pkg/fieldbus/virtual"
	"github.com/samsamfire/gocia402/pkg/lifecycle"
	"github.com/samsamfire/gocia402/pkg/param"
	"github.com/samsamfire/gocia402/pkg/pdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Period = time.Millisecond
	opts.WarmupCycles = 2
	opts.StateCheckCycles = 5
	opts.MappingSettleDelay = 0
	opts.DriveAttemptDelay = 0
	opts.Lifecycle = LifecycleOptions{MaxAttempts: 3, ConfirmTimeout: time.Millisecond}
	return opts
}

func createController(t *testing.T) (*virtual.Master, *Controller) {
	master := virtual.NewMaster(1, nil)
	c := New(master, testOptions(), nil)
	require.Nil(t, c.Initialize(context.Background(), "vnet0"))
	t.Cleanup(c.Shutdown)
	assert.Eventually(t, func() bool {
		return c.DriveState() == cia402.StateOperationEnabled
	}, waitFor, tick)
	return master, c
}

func TestInitialize(t *testing.T) {
	master, c := createController(t)
	assert.True(t, c.Started())
	assert.True(t, c.CommunicationOK())
	assert.Equal(t, EngineRunning, c.Engine().State())
	assert.Nil(t, c.Engine().BringUpErr())
	assert.Equal(t, cia402.StateOperationEnabled, cia402.DecodeState(c.StatusWord()))
	assert.True(t, pdo.Equal(DefaultRxMapping, layoutEntries(c.Frame().RxLayout())))
	assert.True(t, pdo.Equal(DefaultTxMapping, layoutEntries(c.Frame().TxLayout())))
	state, _, _ := master.ReadState(1)
	assert.Equal(t, fieldbus.StateOperational, state)
	display, _ := master.Object(1, cia402.EntryModesOfOperationDisplay, 0)
	assert.Equal(t, []byte{byte(cia402.ModeProfileTorque)}, display)
	assert.Equal(t, ErrAlreadyStarted, c.Initialize(context.Background(), "vnet0"))
}

func layoutEntries(layout *pdo.Layout) []pdo.MappingEntry {
	entries := []pdo.MappingEntry{}
	for _, field := range layout.Fields() {
		entries = append(entries, field.MappingEntry)
	}
	return entries
}

func TestTorque(t *testing.T) {
	master, c := createController(t)
	c.SetTargetTorque(0.5)
	assert.EqualValues(t, 0.5, c.TargetTorque())
	assert.Eventually(t, func() bool { return master.AppliedTorque(1) == 500 }, waitFor, tick)
	assert.Eventually(t, func() bool { return c.Position() > 0 && c.Velocity() > 0 }, waitFor, tick)
	assert.Eventually(t, func() bool { return c.TorqueActual() == 500 }, waitFor, tick)
}

func TestTorqueInterlock(t *testing.T) {
	master := virtual.NewMaster(1, nil)
	require.Nil(t, master.Init("vnet0"))
	_, err := master.DiscoverSlaves()
	require.Nil(t, err)
	require.Nil(t, master.MapProcessData())
	rx, _ := pdo.NewLayout(virtual.FactoryRxMapping)
	tx, _ := pdo.NewLayout(virtual.FactoryTxMapping)
	frame, err := NewFrame(master, 1, rx, tx)
	require.Nil(t, err)
	store := &Store{}
	engine := NewEngine(frame, store, nil, nil, 3, testOptions(), nil)

	store.SetTargetTorque(0.8)
	for state := cia402.StateNotReady; state <= cia402.StateFault; state++ {
		store.mu.Lock()
		store.snapshot.DriveState = state
		store.mu.Unlock()
		engine.stage()
		torque, err := rx.Int16(master.Outputs(1), cia402.EntryTargetTorque, 0)
		assert.Nil(t, err)
		if state == cia402.StateOperationEnabled {
			assert.EqualValues(t, 800, torque)
		} else {
			assert.EqualValues(t, 0, torque, "torque leaked in %v", state)
		}
	}

	t.Run("scaling saturates", func(t *testing.T) {
		assert.EqualValues(t, 32767, engine.scaleTorque(100))
		assert.EqualValues(t, -32768, engine.scaleTorque(-100))
		assert.EqualValues(t, -250, engine.scaleTorque(-0.25))
	})
}

func TestDegradedCommunication(t *testing.T) {
	master, c := createController(t)
	before := c.Snapshot()
	master.DropWorkingCounter(1, 1)
	assert.Eventually(t, func() bool {
		s := c.Snapshot()
		return s.DegradedCycles == before.DegradedCycles+1 && s.Cycles > before.Cycles+2 && s.CommunicationOK
	}, waitFor, tick)
	assert.Equal(t, EngineRunning, c.Engine().State())
	assert.Equal(t, cia402.StateOperationEnabled, c.DriveState())
}

func TestLifecycleRegression(t *testing.T) {
	master, c := createController(t)
	master.ForceState(1, fieldbus.StateSafeOperational|fieldbus.StateError)
	assert.Eventually(t, func() bool {
		state, _, _ := master.ReadState(1)
		return state == fieldbus.StateOperational && c.CommunicationOK()
	}, waitFor, tick)
}

func TestLifecycleRecoveryKeepsExchanging(t *testing.T) {
	master := virtual.NewMaster(1, nil)
	opts := testOptions()
	opts.Lifecycle.SettleDelay = 100 * time.Millisecond
	opts.Lifecycle.RetryDelay = 100 * time.Millisecond
	c := New(master, opts, nil)
	require.Nil(t, c.Initialize(context.Background(), "vnet0"))
	defer c.Shutdown()

	master.RejectState(1, fieldbus.StateOperational, -1)
	master.ForceState(1, fieldbus.StateSafeOperational)
	exchanges := master.Exchanges()
	start := time.Now()
	assert.Eventually(t, func() bool { return master.Exchanges() > exchanges+30 }, waitFor, tick)
	// No settle or retry delay is spent inside the worker
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	state, _, _ := master.ReadState(1)
	assert.Equal(t, fieldbus.StateSafeOperational, state.Masked())
}

func TestFaultRecovery(t *testing.T) {
	master, c := createController(t)
	exchanges := master.Exchanges()
	master.InjectFault(1)
	assert.Eventually(t, func() bool {
		return master.Exchanges() > exchanges+5 &&
			master.DriveState(1) == cia402.StateOperationEnabled &&
			c.DriveState() == cia402.StateOperationEnabled
	}, waitFor, tick)
}

func TestShutdown(t *testing.T) {
	t.Run("safe outputs", func(t *testing.T) {
		master, c := createController(t)
		c.SetTargetTorque(0.5)
		assert.Eventually(t, func() bool { return master.AppliedTorque(1) == 500 }, waitFor, tick)
		engine := c.Engine()
		rx := c.Frame().RxLayout()
		c.Shutdown()
		assert.False(t, c.Started())
		assert.True(t, master.Closed())
		assert.Equal(t, EngineIdle, engine.State())
		outputs := master.LastOutputs(1)
		controlWord, _ := rx.Uint16(outputs, cia402.EntryControlWord, 0)
		torque, _ := rx.Int16(outputs, cia402.EntryTargetTorque, 0)
		assert.Equal(t, cia402.CommandShutdown, controlWord)
		assert.EqualValues(t, 0, torque)
		state, _, _ := master.ReadState(1)
		assert.Equal(t, fieldbus.StatePreOperational, state)
		// Second call is a no-op
		c.Shutdown()
	})

	t.Run("lifecycle failures", func(t *testing.T) {
		master, c := createController(t)
		master.RejectState(1, fieldbus.StateSafeOperational, -1)
		master.RejectState(1, fieldbus.StatePreOperational, -1)
		done := make(chan struct{})
		go func() {
			c.Shutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("shutdown did not return")
		}
		assert.False(t, c.Started())
		assert.True(t, master.Closed())
	})

	t.Run("not started", func(t *testing.T) {
		c := New(virtual.NewMaster(1, nil), testOptions(), nil)
		c.Shutdown()
		assert.False(t, c.Started())
	})
}

func TestInitializeFatal(t *testing.T) {
	t.Run("no slaves", func(t *testing.T) {
		master := virtual.NewMaster(0, nil)
		c := New(master, testOptions(), nil)
		err := c.Initialize(context.Background(), "vnet0")
		assert.ErrorIs(t, err, fieldbus.ErrNoSlaves)
		assert.False(t, c.Started())
		assert.True(t, master.Closed())
	})

	t.Run("invalid slave", func(t *testing.T) {
		opts := testOptions()
		opts.Slave = 2
		c := New(virtual.NewMaster(1, nil), opts, nil)
		assert.ErrorIs(t, c.Initialize(context.Background(), "vnet0"), fieldbus.ErrInvalidSlave)
	})

	t.Run("size mismatch", func(t *testing.T) {
		master := virtual.NewMaster(1, nil)
		master.FailRead(1, pdo.EntryRxAssignment, 0)
		master.FailRead(1, pdo.EntryRxMappingStart, 0)
		opts := testOptions()
		opts.ConfigureMapping = false
		c := New(master, opts, nil)
		err := c.Initialize(context.Background(), "vnet0")
		assert.ErrorIs(t, err, ErrLayoutMismatch)
		assert.ErrorIs(t, err, pdo.ErrSizeMismatch)
		assert.False(t, c.Started())
		assert.True(t, master.Closed())
		assert.Nil(t, c.Engine())
	})

	t.Run("no usable mapping", func(t *testing.T) {
		master := virtual.NewMaster(1, nil)
		master.FailRead(1, pdo.EntryRxAssignment, 0)
		master.FailRead(1, pdo.EntryRxMappingStart, 0)
		opts := testOptions()
		opts.ConfigureMapping = false
		opts.Rx.Entries = []pdo.MappingEntry{{Index: cia402.EntryControlWord}}
		c := New(master, opts, nil)
		err := c.Initialize(context.Background(), "vnet0")
		assert.ErrorIs(t, err, ErrNoMapping)
		assert.ErrorIs(t, err, pdo.ErrEntryLength)
		assert.False(t, c.Started())
		assert.True(t, master.Closed())
		assert.Nil(t, c.Engine())
	})

	t.Run("missing object", func(t *testing.T) {
		opts := testOptions()
		opts.Tx.Entries = []pdo.MappingEntry{{Index: cia402.EntryPositionActualValue, LengthBits: 32}}
		c := New(virtual.NewMaster(1, nil), opts, nil)
		assert.ErrorIs(t, c.Initialize(context.Background(), "vnet0"), ErrMissingObject)
	})

	t.Run("mapping failure falls back to defaults", func(t *testing.T) {
		master := virtual.NewMaster(1, nil)
		master.FailWrite(1, pdo.EntryRxAssignment, 0)
		c := New(master, testOptions(), nil)
		require.Nil(t, c.Initialize(context.Background(), "vnet0"))
		defer c.Shutdown()
		assert.True(t, pdo.Equal(virtual.FactoryRxMapping, layoutEntries(c.Frame().RxLayout())))
		assert.Eventually(t, func() bool {
			return c.DriveState() == cia402.StateOperationEnabled
		}, waitFor, tick)
	})

	t.Run("operational refused", func(t *testing.T) {
		master := virtual.NewMaster(1, nil)
		master.RejectState(1, fieldbus.StateOperational, -1)
		c := New(master, testOptions(), nil)
		err := c.Initialize(context.Background(), "vnet0")
		assert.ErrorIs(t, err, lifecycle.ErrTransitionFailed)
		var transitionErr *lifecycle.TransitionError
		assert.ErrorAs(t, err, &transitionErr)
		assert.Equal(t, fieldbus.StateOperational, transitionErr.Target)
		assert.False(t, c.Started())
		assert.True(t, master.Closed())
	})
}

func TestIndependentControllers(t *testing.T) {
	masterA, a := createController(t)
	masterB, b := createController(t)
	a.SetTargetTorque(0.2)
	b.SetTargetTorque(-0.3)
	assert.Eventually(t, func() bool {
		return masterA.AppliedTorque(1) == 200 && masterB.AppliedTorque(1) == -300
	}, waitFor, tick)
	a.Shutdown()
	assert.True(t, masterA.Closed())
	assert.False(t, masterB.Closed())
	assert.True(t, b.CommunicationOK())
}

func TestInitializeContext(t *testing.T) {
	master := virtual.NewMaster(1, nil)
	c := New(master, testOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.Nil(t, c.Initialize(ctx, "vnet0"))
	defer c.Shutdown()
	cancel()

	// Only Shutdown stops the exchange
	exchanges := master.Exchanges()
	assert.Eventually(t, func() bool { return master.Exchanges() > exchanges+20 }, waitFor, tick)
	assert.Equal(t, EngineRunning, c.Engine().State())
	assert.Eventually(t, func() bool {
		return c.DriveState() == cia402.StateOperationEnabled
	}, waitFor, tick)
}

// Master counting parameter accesses made while an exchange is in progress
type exclusiveMaster struct {
	*virtual.Master
	exchanging atomic.Bool
	overlaps   atomic.Int32
}

func (m *exclusiveMaster) Exchange() int {
	m.exchanging.Store(true)
	defer m.exchanging.Store(false)
	wkc := m.Master.Exchange()
	time.Sleep(100 * time.Microsecond)
	return wkc
}

func (m *exclusiveMaster) ReadParameter(slave uint16, index uint16, subindex uint8, size int) ([]byte, error) {
	if m.exchanging.Load() {
		m.overlaps.Add(1)
	}
	return m.Master.ReadParameter(slave, index, subindex, size)
}

func (m *exclusiveMaster) WriteParameter(slave uint16, index uint16, subindex uint8, data []byte) error {
	if m.exchanging.Load() {
		m.overlaps.Add(1)
	}
	return m.Master.WriteParameter(slave, index, subindex, data)
}

func TestParameterAccess(t *testing.T) {
	master := &exclusiveMaster{Master: virtual.NewMaster(1, nil)}
	c := New(master, testOptions(), nil)
	_, err := c.ReadParameter(context.Background(), 1, 0x1018, 1, 4)
	assert.ErrorIs(t, err, ErrNotStarted)
	require.Nil(t, c.Initialize(context.Background(), "vnet0"))
	defer c.Shutdown()

	exchanges := master.Exchanges()
	wg := sync.WaitGroup{}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				data, err := c.ReadParameter(context.Background(), 1, 0x1018, 1, 4)
				assert.Nil(t, err)
				assert.Len(t, data, 4)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 0, master.overlaps.Load())
	// At most one access per period, exchanges are never skipped
	assert.GreaterOrEqual(t, master.Exchanges()-exchanges, 90)

	t.Run("write", func(t *testing.T) {
		assert.Nil(t, c.WriteParameter(context.Background(), 1, cia402.EntryMaxTorque, 0, uint16(500)))
		value, _ := master.Object(1, cia402.EntryMaxTorque, 0)
		assert.Equal(t, []byte{0xf4, 0x01}, value)
		err := c.WriteParameter(context.Background(), 1, cia402.EntryMaxTorque, 0, uint8(1))
		assert.ErrorIs(t, err, param.AbortTypeMismatch)
		assert.EqualValues(t, 0, master.overlaps.Load())
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.ReadParameter(ctx, 1, 0x1018, 1, 4)
		// Either served before noticing cancellation or refused
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}
	})

	t.Run("stopped", func(t *testing.T) {
		c.Shutdown()
		_, err := c.ReadParameter(context.Background(), 1, 0x1018, 1, 4)
		assert.ErrorIs(t, err, ErrEngineStopped)
		assert.ErrorIs(t, c.WriteParameter(context.Background(), 1, cia402.EntryMaxTorque, 0, uint16(1)), ErrEngineStopped)
	})
}
