package xhci_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/mem"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/usb"
	"github.com/ardnew/softxhci/usb/class/hid"
	"github.com/ardnew/softxhci/xhci"
	"github.com/ardnew/softxhci/xhci/sim"
)

// ============================================================================
// Test Harness
// ============================================================================

type system struct {
	pool    *mem.Pool
	hw      *sim.Hardware
	ctrl    *xhci.Controller
	reports [][]byte
	ready   []*xhci.Device
}

func newSystem(t *testing.T, opts ...xhci.Option) *system {
	t.Helper()
	return newSystemWithDoorbell(t, nil, opts...)
}

// newSystemWithDoorbell wires the controller to the doorbell returned by
// wrap instead of ringing the simulator directly. A nil wrap uses the
// simulator.
func newSystemWithDoorbell(t *testing.T, wrap func(hw *sim.Hardware) xhci.Doorbell, opts ...xhci.Option) *system {
	t.Helper()
	s := &system{pool: mem.NewPool(mem.DefaultBase, 0)}
	s.hw = sim.New(s.pool, xhci.DefaultMaxPorts)

	var doorbell xhci.Doorbell = s.hw
	if wrap != nil {
		doorbell = wrap(s.hw)
	}

	reg := usb.NewRegistry()
	hid.Register(reg, func(_ *hid.Driver, report []byte) {
		s.reports = append(s.reports, append([]byte(nil), report...))
	})

	opts = append([]xhci.Option{
		xhci.WithClassRegistry(reg),
		xhci.WithDeviceInitializedHook(func(d *xhci.Device) { s.ready = append(s.ready, d) }),
	}, opts...)

	var err error
	s.ctrl, err = xhci.New(s.pool, s.hw, s.hw, doorbell, opts...)
	require.NoError(t, err)
	return s
}

func (s *system) start(t *testing.T) {
	t.Helper()
	require.NoError(t, s.ctrl.Initialize())
}

// drain services the event ring until the controller goes idle.
func (s *system) drain() int {
	total := 0
	for range 100 {
		n := s.ctrl.ProcessEvents()
		if n == 0 {
			break
		}
		total += n
	}
	return total
}

func (s *system) attach(t *testing.T, port uint8, spec sim.FunctionSpec) *sim.Function {
	t.Helper()
	fn, err := sim.NewFunction(spec)
	require.NoError(t, err)
	require.NoError(t, s.hw.Attach(port, fn))
	s.drain()
	return fn
}

func hidDriver(t *testing.T, d *xhci.Device) *hid.Driver {
	t.Helper()
	drv, ok := d.USB().ClassDriver(1).(*hid.Driver)
	require.True(t, ok, "endpoint 1 not bound to the HID driver")
	return drv
}

// ============================================================================
// Construction and Bring-up
// ============================================================================

func TestNew_Invalid(t *testing.T) {
	pool := mem.NewPool(mem.DefaultBase, 0)
	hw := sim.New(pool, 1)

	_, err := xhci.New(nil, hw, hw, hw)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = xhci.New(pool, hw, hw, hw, xhci.WithEventRingSize(4))
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestController_Initialize(t *testing.T) {
	s := newSystem(t)
	assert.Zero(t, s.ctrl.ProcessEvents(), "not running yet")

	s.start(t)
	assert.True(t, s.ctrl.Running())
	assert.True(t, s.hw.Running())
	assert.True(t, s.ctrl.CommandRing().Initialized())
	assert.Equal(t, xhci.DefaultEventRingSize, s.ctrl.EventRing().Size())
	assert.Equal(t, s.ctrl.EventRing().Addr(), s.hw.ReadDequeuePointer())

	assert.ErrorIs(t, s.ctrl.Initialize(), pkg.ErrInvalidState)
}

func TestController_NoOp(t *testing.T) {
	s := newSystem(t)
	s.start(t)

	require.NoError(t, s.ctrl.NoOp())
	assert.Equal(t, xhci.TRBTypeNoOpCommand, s.ctrl.CommandRing().TRB(0).Type())
	assert.Equal(t, 1, s.drain())
	assert.Equal(t, 0, s.drain())
}

// ============================================================================
// Enumeration
// ============================================================================

func TestController_EnumerateBootKeyboard(t *testing.T) {
	s := newSystem(t)
	s.start(t)
	fn := s.attach(t, 1, sim.FunctionSpec{Kind: sim.KindKeyboard, Boot: true, VendorID: 0x1209, ProductID: 0x4242})

	require.Len(t, s.ready, 1)
	dev := s.ctrl.PortDevice(1)
	require.NotNil(t, dev)
	assert.Same(t, dev, s.ready[0])
	assert.Equal(t, []*xhci.Device{dev}, s.ctrl.Devices())
	assert.Same(t, dev, s.ctrl.Device(dev.Slot()))

	assert.True(t, dev.Addressed())
	assert.True(t, dev.EndpointsEnabled())
	assert.Equal(t, usb.SpeedFull, dev.Speed())
	assert.Equal(t, uint8(1), dev.Port())

	u := dev.USB()
	assert.True(t, u.IsInitialized())
	assert.Equal(t, usb.PhaseEndpointsConfigured, u.Phase())
	assert.Equal(t, uint16(0x4242), u.Descriptor().ProductID)
	assert.Equal(t, uint8(1), u.ConfigurationValue())
	assert.Equal(t, 1, u.NumEndpointConfigs())

	slot, err := dev.OutputSlot()
	require.NoError(t, err)
	assert.Equal(t, uint8(xhci.SlotStateConfigured), slot.State)
	assert.Equal(t, dev.Slot(), slot.DeviceAddress)
	assert.Equal(t, uint8(3), slot.ContextEntries, "EP1 IN is DCI 3")

	// Device side saw the configuration and the boot protocol switch.
	assert.Equal(t, uint8(1), fn.ConfigurationValue())
	assert.Equal(t, uint8(hid.ProtocolBoot), fn.Protocol())

	drv := hidDriver(t, dev)
	assert.True(t, drv.BootProtocol())
	assert.Equal(t, 1, dev.Pending(), "interrupt IN transfer parked on the ring")
	assert.NotNil(t, dev.Ring(3))
}

func TestController_KeyboardReports(t *testing.T) {
	s := newSystem(t)
	s.start(t)
	s.attach(t, 1, sim.FunctionSpec{Kind: sim.KindKeyboard, Boot: true})
	dev := s.ctrl.PortDevice(1)
	require.NotNil(t, dev)

	report := make([]byte, hid.KeyboardReportSize)
	(&hid.KeyboardReport{Modifiers: hid.ModLeftShift, Keys: [6]uint8{hid.KeyA}}).MarshalTo(report)

	for range 40 {
		require.NoError(t, s.hw.Report(1, report))
		s.drain()
	}

	require.Len(t, s.reports, 40, "reports must survive transfer ring wrap")
	var got hid.KeyboardReport
	require.True(t, got.Parse(s.reports[39]))
	assert.Equal(t, []uint8{hid.KeyA}, got.Pressed())
	assert.Equal(t, uint64(40), hidDriver(t, dev).Reports())
	assert.Equal(t, 1, dev.Pending())
}

func TestController_MouseShortPacket(t *testing.T) {
	s := newSystem(t)
	s.start(t)
	fn := s.attach(t, 2, sim.FunctionSpec{Kind: sim.KindMouse, Speed: "low"})

	dev := s.ctrl.PortDevice(2)
	require.NotNil(t, dev)
	assert.Equal(t, usb.SpeedLow, dev.Speed())
	assert.Equal(t, uint8(hid.ProtocolReport), fn.Protocol(), "no boot subclass, no SET_PROTOCOL")

	report := make([]byte, hid.MouseReportSize)
	(&hid.MouseReport{Buttons: hid.MouseButtonLeft, X: -3, Y: 7}).MarshalTo(report)
	require.NoError(t, s.hw.Report(2, report))
	s.drain()

	require.Len(t, s.reports, 1)
	assert.Equal(t, report, s.reports[0], "residual trims the 8-byte buffer to the report")
}

func TestController_PreattachedDevice(t *testing.T) {
	s := newSystem(t)
	fn, err := sim.NewFunction(sim.FunctionSpec{Kind: sim.KindKeyboard})
	require.NoError(t, err)
	require.NoError(t, s.hw.Attach(3, fn))

	s.start(t)
	s.drain()

	require.Len(t, s.ready, 1)
	assert.Equal(t, uint8(3), s.ready[0].Port())
}

func TestController_MultipleDevices(t *testing.T) {
	s := newSystem(t)
	s.start(t)
	s.attach(t, 1, sim.FunctionSpec{Kind: sim.KindKeyboard, Boot: true})
	s.attach(t, 2, sim.FunctionSpec{Kind: sim.KindMouse, Boot: true})

	devices := s.ctrl.Devices()
	require.Len(t, devices, 2)
	assert.NotEqual(t, devices[0].Slot(), devices[1].Slot())
	assert.NotEqual(t, devices[0].OutputContextAddr(), devices[1].OutputContextAddr())
	for _, d := range devices {
		assert.True(t, d.USB().IsInitialized(), "slot %d", d.Slot())
	}
}

func TestController_Detach(t *testing.T) {
	promReg := prometheus.NewRegistry()
	s := newSystem(t, xhci.WithRegisterer(promReg))
	s.start(t)
	s.attach(t, 1, sim.FunctionSpec{Kind: sim.KindKeyboard, Boot: true})
	require.NotNil(t, s.ctrl.PortDevice(1))
	assert.Equal(t, float64(1), gauge(t, promReg, "xhci_devices_initialized"))

	require.NoError(t, s.hw.Detach(1))
	s.drain()
	assert.Nil(t, s.ctrl.PortDevice(1))
	assert.Empty(t, s.ctrl.Devices())
	assert.Equal(t, float64(0), gauge(t, promReg, "xhci_devices_initialized"))

	// The slot is reusable.
	s.attach(t, 1, sim.FunctionSpec{Kind: sim.KindMouse})
	require.NotNil(t, s.ctrl.PortDevice(1))
	assert.Len(t, s.ready, 2)
}

func TestController_NoSlotsAvailable(t *testing.T) {
	s := newSystem(t, xhci.WithMaxSlots(1))
	s.start(t)
	s.attach(t, 1, sim.FunctionSpec{Kind: sim.KindKeyboard})
	s.attach(t, 2, sim.FunctionSpec{Kind: sim.KindKeyboard})

	assert.NotNil(t, s.ctrl.PortDevice(1))
	assert.Nil(t, s.ctrl.PortDevice(2))
	assert.Len(t, s.ready, 1)
}

func TestController_StalledSetConfiguration(t *testing.T) {
	s := newSystem(t)
	s.start(t)

	fn, err := sim.NewFunction(sim.FunctionSpec{Kind: sim.KindKeyboard})
	require.NoError(t, err)
	fn.Stall(usb.RequestSetConfiguration)
	require.NoError(t, s.hw.Attach(1, fn))
	s.drain()

	dev := s.ctrl.PortDevice(1)
	require.NotNil(t, dev)
	assert.False(t, dev.USB().IsInitialized())
	assert.Equal(t, usb.PhaseSetConfiguration, dev.USB().Phase())
	assert.Zero(t, dev.Pending())
	assert.Zero(t, dev.USB().Waiters(), "failed request releases its waiter")
	assert.Empty(t, s.ready)

	// Enumeration restarts cleanly once the function behaves.
	fresh, err := sim.NewFunction(sim.FunctionSpec{Kind: sim.KindKeyboard})
	require.NoError(t, err)
	require.NoError(t, s.hw.Detach(1))
	s.drain()
	require.NoError(t, s.hw.Attach(1, fresh))
	s.drain()
	assert.Len(t, s.ready, 1)
}

func TestController_EventRingBacklog(t *testing.T) {
	s := newSystem(t, xhci.WithEventRingSize(16))
	s.start(t)

	for range 20 {
		require.NoError(t, s.ctrl.NoOp())
	}
	assert.Equal(t, 5, s.hw.Backlog(), "one segment slot stays empty")
	assert.Equal(t, 20, s.drain())
	assert.Zero(t, s.hw.Backlog())
}

// heldDoorbell holds command ring doorbells until release, like a
// controller that runs commands some time after they are rung. Endpoint
// doorbells pass straight through.
type heldDoorbell struct {
	hw   *sim.Hardware
	held int
}

func (d *heldDoorbell) Ring(slot, target uint8) {
	if slot == xhci.DoorbellHostController {
		d.held++
		return
	}
	d.hw.Ring(slot, target)
}

func (d *heldDoorbell) release() int {
	n := d.held
	d.held = 0
	if n > 0 {
		d.hw.Ring(xhci.DoorbellHostController, xhci.DoorbellTargetCommand)
	}
	return n
}

func TestController_ClassDriversWaitForConfigureEndpoint(t *testing.T) {
	db := &heldDoorbell{}
	s := newSystemWithDoorbell(t, func(hw *sim.Hardware) xhci.Doorbell {
		db.hw = hw
		return db
	})
	s.start(t)

	// A report-protocol keyboard polls as soon as its driver starts. The
	// report is queued before enumeration and is only delivered if the
	// poll is rung after its endpoint is enabled.
	fn, err := sim.NewFunction(sim.FunctionSpec{Kind: sim.KindKeyboard})
	require.NoError(t, err)
	require.NoError(t, s.hw.Attach(1, fn))
	report := make([]byte, hid.KeyboardReportSize)
	(&hid.KeyboardReport{Keys: [6]uint8{hid.KeyEnter}}).MarshalTo(report)
	require.NoError(t, s.hw.Report(1, report))

	for range 100 {
		n := s.ctrl.ProcessEvents()
		if db.release() == 0 && n == 0 {
			break
		}
	}

	dev := s.ctrl.PortDevice(1)
	require.NotNil(t, dev)
	assert.True(t, dev.EndpointsEnabled())
	assert.True(t, dev.USB().IsInitialized())
	require.Len(t, s.ready, 1)
	assert.False(t, hidDriver(t, dev).BootProtocol())

	assert.Equal(t, [][]byte{report}, s.reports)
	assert.Zero(t, fn.Queued())
	assert.Equal(t, 1, dev.Pending(), "next poll queued")
}

func TestController_HotPlugReusesMemory(t *testing.T) {
	s := newSystem(t)
	s.start(t)

	// Each attach allocates contexts, rings and bounce buffers. Without
	// reuse the default pool runs dry well before the last cycle.
	const cycles = 40
	used := 0
	for i := range cycles {
		s.attach(t, 1, sim.FunctionSpec{Kind: sim.KindKeyboard, Boot: true})
		require.NotNil(t, s.ctrl.PortDevice(1), "cycle %d", i)
		require.NoError(t, s.hw.Detach(1))
		s.drain()
		require.Nil(t, s.ctrl.PortDevice(1))

		if i == 0 {
			used = s.pool.Used()
			continue
		}
		assert.Equal(t, used, s.pool.Used(), "cycle %d grew the pool", i)
	}
	assert.Len(t, s.ready, cycles)
}

func TestController_DeviceMemoryExhausted(t *testing.T) {
	promReg := prometheus.NewRegistry()
	s := newSystem(t, xhci.WithRegisterer(promReg), xhci.WithMaxSlots(1))
	s.start(t)

	_, err := s.pool.Allocate(s.pool.Size()-s.pool.Used(), 0, 0)
	require.NoError(t, err)

	s.attach(t, 1, sim.FunctionSpec{Kind: sim.KindKeyboard})
	assert.Nil(t, s.ctrl.PortDevice(1))
	assert.Empty(t, s.ctrl.Devices())
	assert.Empty(t, s.ready)

	// The enabled slot is handed back rather than leaked.
	assert.Equal(t, float64(1), counter(t, promReg, "xhci_commands_total",
		xhci.TRBTypeDisableSlotCommand.String()))
	assert.Equal(t, float64(1), counter(t, promReg, "xhci_dispatch_errors_total",
		xhci.TRBTypeCommandCompletionEvent.String()))
}

func counter(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func gauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}
