package xhci

import (
	"slices"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/softxhci/mem"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/usb"
)

// command is an outstanding command TRB awaiting its completion event.
type command struct {
	kind TRBType
	port uint8
	slot uint8
}

type portState struct {
	slot     uint8
	enabling bool
}

// Controller drives one xHCI host controller: it owns the command and event
// rings and the device slots. A Controller is not safe for concurrent use;
// all methods are called from the goroutine that services interrupts.
//
// Every attached device holds its contexts, transfer rings and bounce
// buffers until it detaches, when they go back to the allocator. The
// allocator must reuse freed regions (as [mem.Pool] does) for repeated
// hot-plug to run in bounded memory.
type Controller struct {
	config      Config
	alloc       mem.Allocator
	op          Operational
	interrupter Interrupter
	doorbell    Doorbell
	metrics     *Metrics

	commandRing Ring
	eventRing   EventRing
	dcbaa       mem.Region

	devices  []*Device   // Indexed by slot ID
	ports    []portState // Indexed by port number
	commands map[uint64]command
	running  bool
}

// New creates a controller over the given register sets. Ring memory is
// taken from alloc, which must hand out memory the controller can reach.
func New(alloc mem.Allocator, op Operational, interrupter Interrupter, doorbell Doorbell, opts ...Option) (*Controller, error) {
	if alloc == nil || op == nil || interrupter == nil || doorbell == nil {
		return nil, errors.Wrap(pkg.ErrInvalidParameter, "controller requires allocator and registers")
	}

	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	return &Controller{
		config:      cfg,
		alloc:       alloc,
		op:          op,
		interrupter: interrupter,
		doorbell:    doorbell,
		metrics:     NewMetrics(cfg.Registerer),
		devices:     make([]*Device, int(cfg.MaxSlots)+1),
		ports:       make([]portState, int(cfg.MaxPorts)+1),
		commands:    make(map[uint64]command),
	}, nil
}

// Config returns the controller's configuration.
func (c *Controller) Config() Config {
	return c.config
}

// Metrics returns the controller's collectors.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// CommandRing returns the command ring.
func (c *Controller) CommandRing() *Ring {
	return &c.commandRing
}

// EventRing returns the primary event ring.
func (c *Controller) EventRing() *EventRing {
	return &c.eventRing
}

// Running reports whether Initialize has completed.
func (c *Controller) Running() bool {
	return c.running
}

// Initialize programs the controller and starts it: DCBAA, command ring,
// event ring, then run. Ports already connected are handled immediately.
func (c *Controller) Initialize() error {
	if c.running {
		return errors.Wrap(pkg.ErrInvalidState, "controller already running")
	}

	var err error
	if c.dcbaa, err = c.alloc.Allocate((int(c.config.MaxSlots)+1)*8, RingAlignment, RingBoundary); err != nil {
		return errors.Wrap(err, "allocate DCBAA")
	}
	c.op.WriteConfig(c.config.MaxSlots)
	c.op.WriteDeviceContextBaseArray(c.dcbaa.Addr)

	if err := c.commandRing.Initialize(c.alloc, c.config.CommandRingSize); err != nil {
		return errors.Wrap(err, "command ring")
	}
	c.op.WriteCommandRingControl(c.commandRing.Addr(), c.commandRing.CycleBit())

	if err := c.eventRing.Initialize(c.alloc, c.config.EventRingSize, c.interrupter); err != nil {
		return errors.Wrap(err, "event ring")
	}

	c.op.Start()
	c.running = true
	pkg.LogInfo(pkg.ComponentController, "controller running",
		"slots", c.config.MaxSlots, "ports", c.config.MaxPorts)

	for port := uint8(1); port <= c.config.MaxPorts; port++ {
		if !c.op.PortStatus(port).Connected {
			continue
		}
		if err := c.onPortStatusChange(port); err != nil {
			pkg.LogWarn(pkg.ComponentController, "port setup failed", "port", port, "error", err)
		}
	}
	return nil
}

// NoOp queues a No Op command. Its completion only exercises the command
// and event rings.
func (c *Controller) NoOp() error {
	return c.pushCommand(NewNoOpCommandTRB(), command{})
}

// ProcessEvents consumes every event on the event ring and returns the
// number handled. Handler errors are logged and counted, never returned:
// one bad event must not stall the ring.
func (c *Controller) ProcessEvents() int {
	if !c.running {
		return 0
	}

	n := 0
	for c.eventRing.HasFront() {
		trb := c.eventRing.Front()
		typ := trb.Type().String()
		c.metrics.events.WithLabelValues(typ).Inc()

		if err := c.dispatch(trb); err != nil {
			c.metrics.dispatchErrors.WithLabelValues(typ).Inc()
			pkg.LogWarn(pkg.ComponentEvent, "event handling failed",
				"event", trb, "slot", trb.SlotID(), "error", err)
		}
		if err := c.eventRing.Pop(); err != nil {
			pkg.LogError(pkg.ComponentEvent, "event ring pop failed", "error", err)
			break
		}
		n++
	}
	return n
}

func (c *Controller) dispatch(trb TRB) error {
	switch trb.Type() {
	case TRBTypeTransferEvent:
		dev := c.Device(trb.SlotID())
		if dev == nil {
			return errors.Wrapf(pkg.ErrUnknownSlot, "transfer event for slot %d", trb.SlotID())
		}
		err := dev.onTransferEvent(trb)
		c.checkInitialized(dev)
		return err

	case TRBTypeCommandCompletionEvent:
		return c.onCommandCompletion(trb)

	case TRBTypePortStatusChangeEvent:
		return c.onPortStatusChange(trb.PortID())

	default:
		pkg.LogDebug(pkg.ComponentEvent, "unhandled event", "event", trb)
		return nil
	}
}

func (c *Controller) onPortStatusChange(port uint8) error {
	if port == 0 || int(port) >= len(c.ports) {
		return errors.Wrapf(pkg.ErrInvalidParameter, "port %d out of range", port)
	}

	st := c.op.PortStatus(port)
	ps := &c.ports[port]
	pkg.LogDebug(pkg.ComponentController, "port status change",
		"port", port, "connected", st.Connected, "enabled", st.Enabled, "speed", st.Speed)

	switch {
	case !st.Connected:
		if ps.slot != 0 {
			return c.detach(port)
		}
	case !st.Enabled:
		c.op.ResetPort(port)
	case ps.slot == 0 && !ps.enabling:
		ps.enabling = true
		if err := c.pushCommand(NewEnableSlotCommandTRB(), command{port: port}); err != nil {
			ps.enabling = false
			return err
		}
	}
	return nil
}

func (c *Controller) onCommandCompletion(evt TRB) error {
	cmd, ok := c.commands[evt.Pointer()]
	if !ok {
		return errors.Wrapf(pkg.ErrNoMatchingResponder, "no command at 0x%x", evt.Pointer())
	}
	delete(c.commands, evt.Pointer())

	code := evt.CompletionCode()
	if !code.IsSuccess() {
		if cmd.kind == TRBTypeEnableSlotCommand {
			c.ports[cmd.port].enabling = false
		}
		return errors.Wrapf(code.Error(), "%v command: %v", cmd.kind, code)
	}

	switch cmd.kind {
	case TRBTypeEnableSlotCommand:
		return c.enableSlotCompleted(cmd.port, evt.SlotID())

	case TRBTypeAddressDeviceCommand:
		dev := c.Device(cmd.slot)
		if dev == nil {
			return errors.Wrapf(pkg.ErrUnknownSlot, "address device for slot %d", cmd.slot)
		}
		dev.addressed = true
		pkg.LogInfo(pkg.ComponentController, "device addressed",
			"slot", dev.slot, "port", dev.port, "speed", dev.speed)
		return dev.usb.StartInitialize()

	case TRBTypeConfigureEndpointCommand:
		dev := c.Device(cmd.slot)
		if dev == nil {
			return errors.Wrapf(pkg.ErrUnknownSlot, "configure endpoint for slot %d", cmd.slot)
		}
		dev.endpointsEnabled = true
		pkg.LogDebug(pkg.ComponentController, "endpoints enabled", "slot", dev.slot)
		err := dev.usb.StartClassDrivers()
		c.checkInitialized(dev)
		return err

	default:
		pkg.LogDebug(pkg.ComponentController, "command completed",
			"command", cmd.kind, "slot", evt.SlotID())
	}
	return nil
}

func (c *Controller) enableSlotCompleted(port, slot uint8) error {
	ps := &c.ports[port]
	ps.enabling = false
	if slot == 0 || int(slot) >= len(c.devices) || c.devices[slot] != nil {
		return errors.Wrapf(pkg.ErrUnknownSlot, "enable slot returned slot %d", slot)
	}

	st := c.op.PortStatus(port)
	if !st.Connected {
		return c.pushCommand(NewDisableSlotCommandTRB(slot), command{slot: slot})
	}

	dev, err := newDevice(c, slot, port, st.Speed)
	if err != nil {
		pkg.LogError(pkg.ComponentController, "device memory unavailable",
			"slot", slot, "port", port, "error", err)
		if perr := c.pushCommand(NewDisableSlotCommandTRB(slot), command{slot: slot}); perr != nil {
			return errors.Wrapf(perr, "disable slot %d", slot)
		}
		return errors.Wrapf(err, "slot %d", slot)
	}
	c.devices[slot] = dev
	ps.slot = slot
	writeDCBAA(c.dcbaa, slot, dev.outputCtx.Addr)

	dev.prepareAddress()
	pkg.LogDebug(pkg.ComponentController, "slot enabled", "slot", slot, "port", port)
	return c.pushCommand(NewAddressDeviceCommandTRB(dev.input.Addr(), slot, false), command{slot: slot})
}

func (c *Controller) detach(port uint8) error {
	ps := &c.ports[port]
	slot := ps.slot
	dev := c.devices[slot]
	c.devices[slot] = nil
	ps.slot = 0
	writeDCBAA(c.dcbaa, slot, 0)

	if dev != nil {
		if dev.announced {
			c.metrics.devicesInitialized.Dec()
		}
		dev.release()
	}
	pkg.LogInfo(pkg.ComponentController, "device detached", "slot", slot, "port", port)
	return c.pushCommand(NewDisableSlotCommandTRB(slot), command{slot: slot})
}

// checkInitialized announces a device the first time its enumeration is
// seen complete.
func (c *Controller) checkInitialized(dev *Device) {
	if dev.announced || !dev.usb.IsInitialized() {
		return
	}
	dev.announced = true
	c.metrics.devicesInitialized.Inc()

	desc := dev.usb.Descriptor()
	pkg.LogInfo(pkg.ComponentController, "device ready",
		"slot", dev.slot, "port", dev.port,
		"vendorID", desc.VendorID, "productID", desc.ProductID)

	if c.config.OnDeviceInitialized != nil {
		c.config.OnDeviceInitialized(dev)
	}
}

func (c *Controller) pushCommand(trb TRB, cmd command) error {
	addr, err := c.commandRing.Push(trb)
	if err != nil {
		return errors.Wrapf(err, "push %v", trb.Type())
	}
	cmd.kind = trb.Type()
	c.commands[addr] = cmd
	c.metrics.commands.WithLabelValues(cmd.kind.String()).Inc()
	pkg.LogDebug(pkg.ComponentController, "command queued",
		"command", cmd.kind, "addr", addr)
	c.doorbell.Ring(DoorbellHostController, DoorbellTargetCommand)
	return nil
}

// Device returns the device in slot, or nil.
func (c *Controller) Device(slot uint8) *Device {
	if int(slot) >= len(c.devices) {
		return nil
	}
	return c.devices[slot]
}

// Devices returns the occupied slots in slot order.
func (c *Controller) Devices() []*Device {
	out := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		if d != nil {
			out = append(out, d)
		}
	}
	return slices.Clip(out)
}

// PortDevice returns the device attached to port, or nil.
func (c *Controller) PortDevice(port uint8) *Device {
	if int(port) >= len(c.ports) {
		return nil
	}
	return c.Device(c.ports[port].slot)
}

var (
	_ usb.Transport          = (*Device)(nil)
	_ usb.EndpointConfigurer = (*Device)(nil)
)
