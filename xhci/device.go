package xhci

import (
	"encoding/binary"
	"fmt"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/softxhci/mem"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/usb"
)

// Bounce buffers: one page per device split into fixed slots. Transfer
// buffers handed in by class drivers live in ordinary memory and are staged
// through a slot.
const (
	bounceSlotSize = 512
	bounceSlots    = mem.PageSize / bounceSlotSize
)

type transferKind uint8

const (
	transferControl transferKind = iota
	transferInterrupt
)

func (k transferKind) String() string {
	if k == transferControl {
		return "control"
	}
	return "interrupt"
}

// transfer is an in-flight request, indexed by the address of every TRB
// it occupies so that an event naming any of them resolves it.
type transfer struct {
	kind   transferKind
	ep     usb.EndpointID
	setup  usb.SetupData
	buf    []byte
	in     bool
	bounce int    // Slot index, or -1 without data
	data   uint64 // Address of the TRB that reports the transferred length
	trbs   [3]uint64
	ntrbs  int
}

func (x *transfer) add(addr uint64) {
	x.trbs[x.ntrbs] = addr
	x.ntrbs++
}

// Device is an addressed device slot. It owns the slot's transfer rings,
// contexts and bounce buffers, and is the [usb.Transport] of the
// [usb.Device] it carries.
type Device struct {
	ctrl  *Controller
	slot  uint8
	port  uint8
	speed usb.Speed

	usb *usb.Device

	outputCtx mem.Region
	input     *InputContext
	rings     [MaxDCI + 1]*Ring

	bounce     mem.Region
	bounceUsed [bounceSlots]bool

	pending map[uint64]*transfer

	addressed        bool
	endpointsEnabled bool
	announced        bool
}

func newDevice(c *Controller, slot, port uint8, speed usb.Speed) (*Device, error) {
	d := &Device{
		ctrl:    c,
		slot:    slot,
		port:    port,
		speed:   speed,
		pending: make(map[uint64]*transfer),
	}

	if err := d.allocate(); err != nil {
		d.release()
		return nil, err
	}

	d.usb = usb.NewDevice(d,
		usb.WithClassRegistry(c.config.Registry),
		usb.WithLabel(fmt.Sprintf("slot%d", slot)))
	return d, nil
}

func (d *Device) allocate() error {
	alloc := d.ctrl.alloc
	var err error
	if d.outputCtx, err = alloc.Allocate(DeviceContextSize, RingAlignment, RingBoundary); err != nil {
		return errors.Wrap(err, "allocate device context")
	}
	if d.input, err = NewInputContext(alloc); err != nil {
		return err
	}
	if d.bounce, err = alloc.Allocate(mem.PageSize, RingAlignment, RingBoundary); err != nil {
		return errors.Wrap(err, "allocate bounce buffers")
	}
	ep0 := &Ring{}
	if err := ep0.Initialize(alloc, d.ctrl.config.TransferRingSize); err != nil {
		return errors.Wrap(err, "default control pipe")
	}
	d.rings[usb.DefaultControlPipeID.DCI()] = ep0
	return nil
}

// Slot returns the slot ID.
func (d *Device) Slot() uint8 {
	return d.slot
}

// Port returns the root hub port the device is attached to.
func (d *Device) Port() uint8 {
	return d.port
}

// Speed returns the port speed at attach time.
func (d *Device) Speed() usb.Speed {
	return d.speed
}

// USB returns the enumeration state of the device.
func (d *Device) USB() *usb.Device {
	return d.usb
}

// Ring returns the transfer ring of an endpoint, or nil.
func (d *Device) Ring(dci uint8) *Ring {
	if dci > MaxDCI {
		return nil
	}
	return d.rings[dci]
}

// Pending returns the number of transfers in flight.
func (d *Device) Pending() int {
	n := 0
	seen := make(map[*transfer]bool, len(d.pending))
	for _, x := range d.pending {
		if !seen[x] {
			seen[x] = true
			n++
		}
	}
	return n
}

// Addressed reports whether Address Device completed.
func (d *Device) Addressed() bool {
	return d.addressed
}

// EndpointsEnabled reports whether Configure Endpoint completed.
func (d *Device) EndpointsEnabled() bool {
	return d.endpointsEnabled
}

// OutputContextAddr returns the physical address of the device context.
func (d *Device) OutputContextAddr() uint64 {
	return d.outputCtx.Addr
}

// OutputSlot decodes the slot context the controller maintains.
func (d *Device) OutputSlot() (SlotContext, error) {
	var s SlotContext
	err := ParseSlotContext(d.outputCtx.Bytes, &s)
	return s, err
}

// prepareAddress fills the input context for Address Device: the slot
// context and the default control endpoint.
func (d *Device) prepareAddress() {
	ep0 := d.rings[usb.DefaultControlPipeID.DCI()]
	d.input.Reset()
	d.input.SetSlot(SlotContext{
		Speed:          d.speed,
		ContextEntries: 1,
		RootHubPort:    d.port,
	})
	d.input.SetEndpoint(usb.DefaultControlPipeID.DCI(), EndpointContext{
		Type:             EPTypeControl,
		MaxPacketSize:    d.speed.MaxPacketSize0(),
		ErrorCount:       3,
		DequeuePointer:   ep0.Addr(),
		DequeueCycle:     ep0.CycleBit(),
		AverageTRBLength: 8,
	})
}

// ConfigureEndpoints implements [usb.EndpointConfigurer]: it creates a
// transfer ring per endpoint and issues Configure Endpoint.
func (d *Device) ConfigureEndpoints(configs []usb.EndpointConfig) error {
	d.input.Reset()
	entries := usb.DefaultControlPipeID.DCI()

	for _, cfg := range configs {
		dci := cfg.EPID.DCI()
		if dci <= usb.DefaultControlPipeID.DCI() {
			continue
		}
		if cfg.Type == usb.EndpointTypeIsochronous {
			pkg.LogDebug(pkg.ComponentDevice, "isochronous endpoint not scheduled",
				"slot", d.slot, "endpoint", cfg.EPID)
			continue
		}

		ring := d.rings[dci]
		if ring == nil {
			ring = &Ring{}
			if err := ring.Initialize(d.ctrl.alloc, d.ctrl.config.TransferRingSize); err != nil {
				return errors.Wrapf(err, "transfer ring for %v", cfg.EPID)
			}
			d.rings[dci] = ring
		} else {
			ring.Reset()
		}

		d.input.SetEndpoint(dci, EndpointContext{
			Type:             endpointContextType(cfg),
			Interval:         endpointInterval(d.speed, cfg),
			ErrorCount:       3,
			MaxPacketSize:    cfg.MaxPacketSize,
			DequeuePointer:   ring.Addr(),
			DequeueCycle:     ring.CycleBit(),
			AverageTRBLength: cfg.MaxPacketSize,
		})
		entries = max(entries, dci)
	}

	d.input.SetSlot(SlotContext{
		Speed:          d.speed,
		ContextEntries: entries,
		RootHubPort:    d.port,
	})
	return d.ctrl.pushCommand(NewConfigureEndpointCommandTRB(d.input.Addr(), d.slot), command{slot: d.slot})
}

// ControlIn implements [usb.Transport].
func (d *Device) ControlIn(ep usb.EndpointID, setup usb.SetupData, buf []byte) error {
	return d.control(ep, setup, buf, true)
}

// ControlOut implements [usb.Transport].
func (d *Device) ControlOut(ep usb.EndpointID, setup usb.SetupData, buf []byte) error {
	return d.control(ep, setup, buf, false)
}

// InterruptIn implements [usb.Transport].
func (d *Device) InterruptIn(ep usb.EndpointID, buf []byte) error {
	return d.normal(ep, buf, true)
}

// InterruptOut implements [usb.Transport].
func (d *Device) InterruptOut(ep usb.EndpointID, buf []byte) error {
	return d.normal(ep, buf, false)
}

// control queues Setup, optional Data and Status stages. The event for an
// IN transfer with data is requested on the Data stage so that its residual
// gives the received length; all other transfers complete on Status.
func (d *Device) control(ep usb.EndpointID, setup usb.SetupData, buf []byte, in bool) error {
	ring := d.Ring(ep.DCI())
	if ring == nil {
		return errors.Wrapf(pkg.ErrInvalidEndpoint, "no transfer ring for %v", ep)
	}

	x := &transfer{kind: transferControl, ep: ep, setup: setup, buf: buf, in: in, bounce: -1}
	hasData := len(buf) > 0
	var dataAddr uint64
	if hasData {
		var err error
		if x.bounce, dataAddr, err = d.acquireBounce(len(buf)); err != nil {
			return err
		}
		if !in {
			copy(d.bounceSlot(x.bounce), buf)
		}
	}

	trt := TransferTypeNoData
	if hasData {
		trt = TransferTypeOut
		if in {
			trt = TransferTypeIn
		}
	}

	trbs := []TRB{NewSetupStageTRB(setup, trt)}
	if hasData {
		trbs = append(trbs, NewDataStageTRB(dataAddr, uint32(len(buf)), in, in))
	}
	trbs = append(trbs, NewStatusStageTRB(!hasData || !in, !hasData || !in))

	report := len(trbs) - 1
	if hasData && in {
		report = 1
	}
	for i, trb := range trbs {
		addr, err := ring.Push(trb)
		if err != nil {
			d.releaseBounce(x.bounce)
			return errors.Wrapf(err, "push %v", trb.Type())
		}
		x.add(addr)
		if i == report {
			x.data = addr
		}
	}
	return d.submit(x, "control")
}

func (d *Device) normal(ep usb.EndpointID, buf []byte, in bool) error {
	ring := d.Ring(ep.DCI())
	if ring == nil || ep.Number() == 0 {
		return errors.Wrapf(pkg.ErrInvalidEndpoint, "no transfer ring for %v", ep)
	}

	x := &transfer{kind: transferInterrupt, ep: ep, buf: buf, in: in, bounce: -1}
	var addr uint64
	if len(buf) > 0 {
		var err error
		if x.bounce, addr, err = d.acquireBounce(len(buf)); err != nil {
			return err
		}
		if !in {
			copy(d.bounceSlot(x.bounce), buf)
		}
	}

	trbAddr, err := ring.Push(NewNormalTRB(addr, uint32(len(buf)), true))
	if err != nil {
		d.releaseBounce(x.bounce)
		return errors.Wrap(err, "push normal TRB")
	}
	x.add(trbAddr)
	x.data = trbAddr
	return d.submit(x, "interrupt")
}

func (d *Device) submit(x *transfer, kind string) error {
	for _, addr := range x.trbs[:x.ntrbs] {
		d.pending[addr] = x
	}
	d.ctrl.metrics.transfers.WithLabelValues(kind).Inc()
	pkg.LogDebug(pkg.ComponentDevice, "transfer queued",
		"slot", d.slot, "endpoint", x.ep, "kind", kind, "length", len(x.buf))
	d.ctrl.doorbell.Ring(d.slot, x.ep.DCI())
	return nil
}

// onTransferEvent resolves the transfer an event reports on and hands the
// result to the USB device.
func (d *Device) onTransferEvent(evt TRB) error {
	x, ok := d.pending[evt.Pointer()]
	if !ok {
		return errors.Wrapf(pkg.ErrNoMatchingResponder,
			"slot %d: no transfer at 0x%x", d.slot, evt.Pointer())
	}
	for _, addr := range x.trbs[:x.ntrbs] {
		delete(d.pending, addr)
	}

	code := evt.CompletionCode()
	if !code.IsSuccess() {
		d.releaseBounce(x.bounce)
		cause := errors.Wrapf(code.Error(), "%v transfer on %v: %v", x.kind, x.ep, code)
		if x.kind == transferControl {
			return d.usb.OnControlFailed(x.ep, x.setup, cause)
		}
		return cause
	}

	n := len(x.buf)
	if evt.Pointer() == x.data {
		n -= min(int(evt.Residual()), n)
	}
	if x.in && n > 0 {
		copy(x.buf[:n], d.bounceSlot(x.bounce))
	}
	d.releaseBounce(x.bounce)

	if x.kind == transferControl {
		return d.usb.OnControlCompleted(x.ep, x.setup, x.buf[:n])
	}
	return d.usb.OnInterruptCompleted(x.ep, x.buf[:n])
}

func (d *Device) acquireBounce(n int) (int, uint64, error) {
	if n > bounceSlotSize {
		return -1, 0, errors.Wrapf(pkg.ErrBufferTooSmall,
			"transfer of %d bytes exceeds bounce slot of %d", n, bounceSlotSize)
	}
	for i, used := range d.bounceUsed {
		if !used {
			d.bounceUsed[i] = true
			return i, d.bounce.Addr + uint64(i*bounceSlotSize), nil
		}
	}
	return -1, 0, errors.Wrapf(pkg.ErrNoResources, "slot %d: all bounce buffers in flight", d.slot)
}

func (d *Device) bounceSlot(i int) []byte {
	if i < 0 {
		return nil
	}
	return d.bounce.Bytes[i*bounceSlotSize : (i+1)*bounceSlotSize]
}

func (d *Device) releaseBounce(i int) {
	if i >= 0 {
		d.bounceUsed[i] = false
	}
}

// release returns the slot's memory to the allocator after detach.
func (d *Device) release() {
	alloc := d.ctrl.alloc
	for i, r := range d.rings {
		if r != nil {
			r.Free()
			d.rings[i] = nil
		}
	}
	alloc.Free(d.bounce)
	if d.input != nil {
		alloc.Free(d.input.region)
	}
	alloc.Free(d.outputCtx)
	clear(d.pending)
}

// writeDCBAA stores the device context pointer for slot in the DCBAA.
func writeDCBAA(dcbaa mem.Region, slot uint8, addr uint64) {
	binary.LittleEndian.PutUint64(dcbaa.Bytes[int(slot)*8:], addr)
}
