package sim

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/softxhci/mem"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/usb"
	"github.com/ardnew/softxhci/xhci"
)

// cursor is a consumer position on a producer ring.
type cursor struct {
	addr  uint64
	cycle bool
}

// producer is the controller's position on the event ring segment.
type producer struct {
	base  uint64
	size  int
	index int
	cycle bool
}

type port struct {
	fn      *Function
	enabled bool
}

type slot struct {
	port    uint8
	address uint8
	state   uint8
	eps     [xhci.MaxDCI + 1]*endpoint
}

type endpoint struct {
	ring   cursor
	typ    uint8
	setup  usb.SetupData
	data   bool // Data stage seen in the current TD
	failed bool // Rest of the current TD is skipped
}

// Hardware is a software xHCI controller operating on a [mem.Pool]. It
// implements [xhci.Operational], [xhci.Interrupter] and [xhci.Doorbell].
//
// Doorbells are serviced synchronously: ringing one consumes every TRB the
// host has made available and posts the resulting events before returning.
// Hardware is not safe for concurrent use.
type Hardware struct {
	pool *mem.Pool

	maxSlots uint8
	dcbaap   uint64
	running  bool

	cmd cursor

	erstsz  uint16
	erdp    uint64
	events  producer
	backlog []xhci.TRB

	ports []port
	slots []*slot

	irq        chan struct{}
	interrupts uint64
}

// New returns a controller with the given number of root hub ports.
func New(pool *mem.Pool, ports int) *Hardware {
	return &Hardware{
		pool:  pool,
		ports: make([]port, ports+1),
		irq:   make(chan struct{}, 1),
	}
}

// IRQ is signalled whenever an event is posted. It is buffered so that
// pending interrupts coalesce.
func (h *Hardware) IRQ() <-chan struct{} {
	return h.irq
}

// Interrupts returns the number of events posted.
func (h *Hardware) Interrupts() uint64 {
	return h.interrupts
}

// Backlog returns the number of events waiting for event ring space.
func (h *Hardware) Backlog() int {
	return len(h.backlog)
}

// Running reports whether the host has set Run/Stop.
func (h *Hardware) Running() bool {
	return h.running
}

// Attach connects fn to port. The port is reported connected but disabled
// until the host resets it.
func (h *Hardware) Attach(portID uint8, fn *Function) error {
	p, err := h.port(portID)
	if err != nil {
		return err
	}
	if p.fn != nil {
		return errors.Wrapf(pkg.ErrInvalidState, "port %d is occupied", portID)
	}
	p.fn = fn
	p.enabled = false
	pkg.LogDebug(pkg.ComponentSim, "function attached", "port", portID, "kind", fn.Kind())
	h.portChanged(portID)
	return nil
}

// Detach disconnects whatever is attached to port.
func (h *Hardware) Detach(portID uint8) error {
	p, err := h.port(portID)
	if err != nil {
		return err
	}
	if p.fn == nil {
		return errors.Wrapf(pkg.ErrInvalidState, "port %d is empty", portID)
	}
	p.fn = nil
	p.enabled = false
	pkg.LogDebug(pkg.ComponentSim, "function detached", "port", portID)
	h.portChanged(portID)
	return nil
}

// Function returns the function attached to port, or nil.
func (h *Hardware) Function(portID uint8) *Function {
	p, err := h.port(portID)
	if err != nil {
		return nil
	}
	return p.fn
}

// Report queues an input report on the function at port and services any
// interrupt IN transfer waiting for it.
func (h *Hardware) Report(portID uint8, report []byte) error {
	p, err := h.port(portID)
	if err != nil {
		return err
	}
	if p.fn == nil {
		return errors.Wrapf(pkg.ErrInvalidState, "port %d is empty", portID)
	}
	p.fn.enqueue(report)

	for id, s := range h.slots {
		if s != nil && s.port == portID {
			h.serviceEndpoint(uint8(id), p.fn.inEP.DCI())
		}
	}
	return nil
}

func (h *Hardware) port(id uint8) (*port, error) {
	if id == 0 || int(id) >= len(h.ports) {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "port %d out of range", id)
	}
	return &h.ports[id], nil
}

func (h *Hardware) portChanged(id uint8) {
	if h.running {
		h.post(xhci.NewPortStatusChangeEventTRB(id))
	}
}

// WriteConfig implements [xhci.Operational].
func (h *Hardware) WriteConfig(maxSlots uint8) {
	h.maxSlots = maxSlots
	h.slots = make([]*slot, int(maxSlots)+1)
}

// WriteDeviceContextBaseArray implements [xhci.Operational].
func (h *Hardware) WriteDeviceContextBaseArray(addr uint64) {
	h.dcbaap = addr
}

// WriteCommandRingControl implements [xhci.Operational].
func (h *Hardware) WriteCommandRingControl(addr uint64, cycle bool) {
	h.cmd = cursor{addr: addr, cycle: cycle}
}

// Start implements [xhci.Operational].
func (h *Hardware) Start() {
	h.running = true
}

// PortStatus implements [xhci.Operational].
func (h *Hardware) PortStatus(id uint8) xhci.PortStatus {
	p, err := h.port(id)
	if err != nil || p.fn == nil {
		return xhci.PortStatus{}
	}
	return xhci.PortStatus{Connected: true, Enabled: p.enabled, Speed: p.fn.Speed()}
}

// ResetPort implements [xhci.Operational]. The reset completes at once.
func (h *Hardware) ResetPort(id uint8) {
	p, err := h.port(id)
	if err != nil || p.fn == nil {
		return
	}
	p.enabled = true
	h.portChanged(id)
}

// ReadDequeuePointer implements [xhci.Interrupter].
func (h *Hardware) ReadDequeuePointer() uint64 {
	return h.erdp
}

// WriteDequeuePointer implements [xhci.Interrupter]. Freed slots are
// refilled from the backlog.
func (h *Hardware) WriteDequeuePointer(addr uint64) {
	h.erdp = addr
	for len(h.backlog) > 0 && !h.eventRingFull() {
		trb := h.backlog[0]
		h.backlog = h.backlog[1:]
		h.write(trb)
	}
}

// WriteSegmentTableSize implements [xhci.Interrupter].
func (h *Hardware) WriteSegmentTableSize(n uint16) {
	h.erstsz = n
}

// WriteSegmentTableBase implements [xhci.Interrupter]. The first segment
// table entry is read at once.
func (h *Hardware) WriteSegmentTableBase(addr uint64) {
	buf, err := h.pool.Resolve(addr, xhci.SegmentTableEntrySize)
	if err != nil || h.erstsz == 0 {
		pkg.LogError(pkg.ComponentSim, "invalid event ring segment table", "addr", addr, "error", err)
		return
	}
	entry, _ := xhci.ParseSegmentTableEntry(buf)
	h.events = producer{base: entry.Base, size: int(entry.Size), cycle: true}
}

// Ring implements [xhci.Doorbell].
func (h *Hardware) Ring(slotID uint8, target uint8) {
	if !h.running {
		return
	}
	if slotID == xhci.DoorbellHostController {
		h.serviceCommands()
		return
	}
	h.serviceEndpoint(slotID, target)
}

func (h *Hardware) eventRingFull() bool {
	next := (h.events.index + 1) % h.events.size
	return h.events.base+uint64(next*xhci.TRBSize) == h.erdp&^0xF
}

func (h *Hardware) post(trb xhci.TRB) {
	if h.events.size == 0 {
		pkg.LogWarn(pkg.ComponentSim, "event dropped before event ring setup", "event", trb)
		return
	}
	if len(h.backlog) > 0 || h.eventRingFull() {
		h.backlog = append(h.backlog, trb)
		return
	}
	h.write(trb)
}

func (h *Hardware) write(trb xhci.TRB) {
	addr := h.events.base + uint64(h.events.index*xhci.TRBSize)
	buf, err := h.pool.Resolve(addr, xhci.TRBSize)
	if err != nil {
		pkg.LogError(pkg.ComponentSim, "event ring outside memory", "addr", addr, "error", err)
		return
	}
	trb.SetCycle(h.events.cycle)
	trb.MarshalTo(buf)

	h.events.index++
	if h.events.index == h.events.size {
		h.events.index = 0
		h.events.cycle = !h.events.cycle
	}

	h.interrupts++
	select {
	case h.irq <- struct{}{}:
	default:
	}
}

// peek returns the TRB at c, following Link TRBs. It reports false when
// the host has not produced one.
func (h *Hardware) peek(c *cursor) (xhci.TRB, uint64, bool) {
	for range xhci.MaxRingSize {
		buf, err := h.pool.Resolve(c.addr, xhci.TRBSize)
		if err != nil {
			pkg.LogError(pkg.ComponentSim, "ring outside memory", "addr", c.addr, "error", err)
			return xhci.TRB{}, 0, false
		}
		trb := xhci.ParseTRB(buf)
		if trb.Cycle() != c.cycle {
			return trb, 0, false
		}
		if trb.Type() != xhci.TRBTypeLink {
			return trb, c.addr, true
		}
		if trb.ToggleCycle() {
			c.cycle = !c.cycle
		}
		c.addr = trb.Pointer()
	}
	return xhci.TRB{}, 0, false
}

func (h *Hardware) serviceCommands() {
	for {
		trb, addr, ok := h.peek(&h.cmd)
		if !ok {
			return
		}
		h.cmd.addr += xhci.TRBSize

		code, slotID := h.command(trb)
		pkg.LogDebug(pkg.ComponentSim, "command", "type", trb.Type(), "code", code, "slot", slotID)
		h.post(xhci.NewCommandCompletionEventTRB(addr, code, slotID))
	}
}

func (h *Hardware) command(trb xhci.TRB) (pkg.CompletionCode, uint8) {
	switch trb.Type() {
	case xhci.TRBTypeNoOpCommand:
		return pkg.CompletionSuccess, 0

	case xhci.TRBTypeEnableSlotCommand:
		for id := 1; id < len(h.slots); id++ {
			if h.slots[id] == nil {
				h.slots[id] = &slot{state: xhci.SlotStateDefault}
				return pkg.CompletionSuccess, uint8(id)
			}
		}
		return pkg.CompletionNoSlotsAvailable, 0

	case xhci.TRBTypeDisableSlotCommand:
		id := trb.SlotID()
		if h.slot(id) == nil {
			return pkg.CompletionSlotNotEnabled, id
		}
		h.slots[id] = nil
		return pkg.CompletionSuccess, id

	case xhci.TRBTypeAddressDeviceCommand:
		return h.addressDevice(trb), trb.SlotID()

	case xhci.TRBTypeConfigureEndpointCommand:
		return h.configureEndpoint(trb), trb.SlotID()
	}
	return pkg.CompletionTRBError, 0
}

func (h *Hardware) slot(id uint8) *slot {
	if id == 0 || int(id) >= len(h.slots) {
		return nil
	}
	return h.slots[id]
}

func (h *Hardware) inputContext(addr uint64) (uint32, xhci.SlotContext, map[uint8]xhci.EndpointContext, bool) {
	buf, err := h.pool.Resolve(addr, xhci.InputContextSize)
	if err != nil {
		return 0, xhci.SlotContext{}, nil, false
	}
	add, sc, eps, err := xhci.ParseInputContext(buf)
	return add, sc, eps, err == nil
}

func (h *Hardware) addressDevice(trb xhci.TRB) pkg.CompletionCode {
	id := trb.SlotID()
	s := h.slot(id)
	if s == nil {
		return pkg.CompletionSlotNotEnabled
	}
	add, sc, eps, ok := h.inputContext(trb.Pointer())
	if !ok || add&0x3 != 0x3 {
		return pkg.CompletionParameterError
	}
	p, err := h.port(sc.RootHubPort)
	if err != nil || p.fn == nil || !p.enabled {
		return pkg.CompletionUSBTransactionErr
	}

	ep0 := eps[1]
	s.port = sc.RootHubPort
	s.address = id
	s.state = xhci.SlotStateAddressed
	s.eps[1] = &endpoint{ring: cursor{addr: ep0.DequeuePointer, cycle: ep0.DequeueCycle}, typ: ep0.Type}
	return h.writeOutput(id, s, sc, eps)
}

func (h *Hardware) configureEndpoint(trb xhci.TRB) pkg.CompletionCode {
	id := trb.SlotID()
	s := h.slot(id)
	if s == nil {
		return pkg.CompletionSlotNotEnabled
	}
	if s.state < xhci.SlotStateAddressed {
		return pkg.CompletionContextStateError
	}
	_, sc, eps, ok := h.inputContext(trb.Pointer())
	if !ok {
		return pkg.CompletionParameterError
	}
	for dci, ep := range eps {
		if dci < 2 {
			continue
		}
		s.eps[dci] = &endpoint{ring: cursor{addr: ep.DequeuePointer, cycle: ep.DequeueCycle}, typ: ep.Type}
	}
	s.state = xhci.SlotStateConfigured
	return h.writeOutput(id, s, sc, eps)
}

// writeOutput updates the device context the DCBAA points at for slot id.
func (h *Hardware) writeOutput(id uint8, s *slot, sc xhci.SlotContext, eps map[uint8]xhci.EndpointContext) pkg.CompletionCode {
	entry, err := h.pool.Resolve(h.dcbaap+uint64(id)*8, 8)
	if err != nil {
		return pkg.CompletionParameterError
	}
	out, err := h.pool.Resolve(binary.LittleEndian.Uint64(entry), xhci.DeviceContextSize)
	if err != nil {
		return pkg.CompletionParameterError
	}

	sc.DeviceAddress = s.address
	sc.State = s.state
	sc.MarshalTo(out)
	for dci, ep := range eps {
		ep.State = xhci.EPStateRunning
		ep.MarshalTo(out[int(dci)*xhci.ContextSize:])
	}
	return pkg.CompletionSuccess
}

// serviceEndpoint executes the TDs queued on an endpoint until the ring is
// empty or an interrupt IN transfer has nothing to deliver.
func (h *Hardware) serviceEndpoint(slotID, dci uint8) {
	s := h.slot(slotID)
	if s == nil || dci > xhci.MaxDCI || s.eps[dci] == nil {
		pkg.LogWarn(pkg.ComponentSim, "doorbell for disabled endpoint", "slot", slotID, "dci", dci)
		return
	}
	ep := s.eps[dci]
	fn := h.ports[s.port].fn

	for {
		trb, addr, ok := h.peek(&ep.ring)
		if !ok {
			return
		}
		if fn == nil {
			ep.ring.addr += xhci.TRBSize
			h.post(xhci.NewTransferEventTRB(addr, trb.TransferLength(), pkg.CompletionUSBTransactionErr, slotID, dci))
			continue
		}
		if !h.execute(fn, slotID, dci, ep, trb, addr) {
			return
		}
		ep.ring.addr += xhci.TRBSize
	}
}

// execute runs one transfer TRB. It reports false when the TRB must stay
// on the ring (NAK).
func (h *Hardware) execute(fn *Function, slotID, dci uint8, ep *endpoint, trb xhci.TRB, addr uint64) bool {
	event := func(residual uint32, code pkg.CompletionCode) {
		h.post(xhci.NewTransferEventTRB(addr, residual, code, slotID, dci))
	}
	stall := func() {
		ep.failed = true
		event(trb.TransferLength(), pkg.CompletionStallError)
	}

	switch trb.Type() {
	case xhci.TRBTypeSetupStage:
		ep.setup = trb.Setup()
		ep.data = false
		ep.failed = false

	case xhci.TRBTypeDataStage:
		if ep.failed {
			break
		}
		ep.data = true
		n := int(trb.TransferLength())
		buf, err := h.pool.Resolve(trb.Pointer(), n)
		if err != nil {
			ep.failed = true
			event(uint32(n), pkg.CompletionDataBufferError)
			break
		}
		if !trb.DirectionIn() {
			if _, err := fn.control(ep.setup, buf); err != nil {
				stall()
			} else if trb.IOC() {
				event(0, pkg.CompletionSuccess)
			}
			break
		}
		data, err := fn.control(ep.setup, nil)
		if err != nil {
			stall()
			break
		}
		copied := copy(buf, data[:min(len(data), int(ep.setup.Length))])
		residual := uint32(n - copied)
		code := pkg.CompletionSuccess
		if residual > 0 {
			code = pkg.CompletionShortPacket
		}
		if trb.IOC() || residual > 0 && trb.ISP() {
			event(residual, code)
		}

	case xhci.TRBTypeStatusStage:
		if ep.failed {
			ep.failed = false
			break
		}
		if !ep.data {
			if _, err := fn.control(ep.setup, nil); err != nil {
				stall()
				ep.failed = false
				break
			}
		}
		ep.data = false
		if trb.IOC() {
			event(0, pkg.CompletionSuccess)
		}

	case xhci.TRBTypeNormal:
		n := int(trb.TransferLength())
		buf, err := h.pool.Resolve(trb.Pointer(), n)
		if err != nil {
			event(uint32(n), pkg.CompletionDataBufferError)
			break
		}
		id := usb.EndpointID(dci)
		if !id.IsIn() {
			fn.interruptOut(buf)
			if trb.IOC() {
				event(0, pkg.CompletionSuccess)
			}
			break
		}
		report, ok := fn.interruptIn(id)
		if !ok {
			return false
		}
		copied := copy(buf, report)
		residual := uint32(n - copied)
		code := pkg.CompletionSuccess
		if residual > 0 {
			code = pkg.CompletionShortPacket
		}
		if trb.IOC() || residual > 0 && trb.ISP() {
			event(residual, code)
		}

	case xhci.TRBTypeNoOp:
		if trb.IOC() {
			event(0, pkg.CompletionSuccess)
		}

	default:
		event(0, pkg.CompletionTRBError)
	}
	return true
}
