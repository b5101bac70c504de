package xhci

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/softxhci/mem"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/usb"
)

// Context sizes for controllers with CSZ=0 (32-byte contexts).
const (
	ContextSize = 32

	// MaxDCI is the highest Device Context Index.
	MaxDCI = 31

	// DeviceContextSize holds the slot context and 31 endpoint contexts.
	DeviceContextSize = (MaxDCI + 1) * ContextSize

	// InputContextSize adds the input control context in front.
	InputContextSize = DeviceContextSize + ContextSize
)

// Endpoint types as encoded in the endpoint context (xHCI Table 6-9).
const (
	EPTypeNotValid     = 0
	EPTypeIsochOut     = 1
	EPTypeBulkOut      = 2
	EPTypeInterruptOut = 3
	EPTypeControl      = 4
	EPTypeIsochIn      = 5
	EPTypeBulkIn       = 6
	EPTypeInterruptIn  = 7
)

// Endpoint states.
const (
	EPStateDisabled = 0
	EPStateRunning  = 1
	EPStateHalted   = 2
	EPStateStopped  = 3
	EPStateError    = 4
)

// Slot states.
const (
	SlotStateDisabled   = 0
	SlotStateDefault    = 1
	SlotStateAddressed  = 2
	SlotStateConfigured = 3
)

// SlotContext is the slot context of a device or input context.
type SlotContext struct {
	RouteString    uint32    // dword 0, bits 19:0
	Speed          usb.Speed // dword 0, bits 23:20
	ContextEntries uint8     // dword 0, bits 31:27; highest valid DCI
	RootHubPort    uint8     // dword 1, bits 23:16
	DeviceAddress  uint8     // dword 3, bits 7:0 (output only)
	State          uint8     // dword 3, bits 31:27 (output only)
}

// MarshalTo writes the context to buf.
func (s *SlotContext) MarshalTo(buf []byte) int {
	if len(buf) < ContextSize {
		return 0
	}
	clear(buf[:ContextSize])
	binary.LittleEndian.PutUint32(buf[0:], s.RouteString&0xFFFFF|
		uint32(s.Speed&0xF)<<20|uint32(s.ContextEntries&0x1F)<<27)
	binary.LittleEndian.PutUint32(buf[4:], uint32(s.RootHubPort)<<16)
	binary.LittleEndian.PutUint32(buf[12:], uint32(s.DeviceAddress)|uint32(s.State&0x1F)<<27)
	return ContextSize
}

// ParseSlotContext decodes a slot context.
func ParseSlotContext(buf []byte, out *SlotContext) error {
	if len(buf) < ContextSize {
		return errors.Wrapf(pkg.ErrBufferTooSmall, "slot context is %d bytes", len(buf))
	}
	dw0 := binary.LittleEndian.Uint32(buf[0:])
	dw1 := binary.LittleEndian.Uint32(buf[4:])
	dw3 := binary.LittleEndian.Uint32(buf[12:])
	out.RouteString = dw0 & 0xFFFFF
	out.Speed = usb.Speed(dw0 >> 20 & 0xF)
	out.ContextEntries = uint8(dw0 >> 27)
	out.RootHubPort = uint8(dw1 >> 16)
	out.DeviceAddress = uint8(dw3)
	out.State = uint8(dw3 >> 27)
	return nil
}

// EndpointContext is an endpoint context of a device or input context.
type EndpointContext struct {
	State            uint8  // dword 0, bits 2:0
	Interval         uint8  // dword 0, bits 23:16; period is 125us * 2^Interval
	ErrorCount       uint8  // dword 1, bits 2:1 (CErr)
	Type             uint8  // dword 1, bits 5:3
	MaxBurstSize     uint8  // dword 1, bits 15:8
	MaxPacketSize    uint16 // dword 1, bits 31:16
	DequeuePointer   uint64 // dwords 2-3, 16-byte aligned
	DequeueCycle     bool   // dword 2, bit 0 (DCS)
	AverageTRBLength uint16 // dword 4, bits 15:0
}

// MarshalTo writes the context to buf.
func (e *EndpointContext) MarshalTo(buf []byte) int {
	if len(buf) < ContextSize {
		return 0
	}
	clear(buf[:ContextSize])
	binary.LittleEndian.PutUint32(buf[0:], uint32(e.State&0x7)|uint32(e.Interval)<<16)
	binary.LittleEndian.PutUint32(buf[4:], uint32(e.ErrorCount&0x3)<<1|
		uint32(e.Type&0x7)<<3|uint32(e.MaxBurstSize)<<8|uint32(e.MaxPacketSize)<<16)
	deq := e.DequeuePointer &^ 0xF
	if e.DequeueCycle {
		deq |= 1
	}
	binary.LittleEndian.PutUint64(buf[8:], deq)
	binary.LittleEndian.PutUint32(buf[16:], uint32(e.AverageTRBLength))
	return ContextSize
}

// ParseEndpointContext decodes an endpoint context.
func ParseEndpointContext(buf []byte, out *EndpointContext) error {
	if len(buf) < ContextSize {
		return errors.Wrapf(pkg.ErrBufferTooSmall, "endpoint context is %d bytes", len(buf))
	}
	dw0 := binary.LittleEndian.Uint32(buf[0:])
	dw1 := binary.LittleEndian.Uint32(buf[4:])
	deq := binary.LittleEndian.Uint64(buf[8:])
	out.State = uint8(dw0 & 0x7)
	out.Interval = uint8(dw0 >> 16)
	out.ErrorCount = uint8(dw1 >> 1 & 0x3)
	out.Type = uint8(dw1 >> 3 & 0x7)
	out.MaxBurstSize = uint8(dw1 >> 8)
	out.MaxPacketSize = uint16(dw1 >> 16)
	out.DequeuePointer = deq &^ 0xF
	out.DequeueCycle = deq&1 != 0
	out.AverageTRBLength = uint16(binary.LittleEndian.Uint32(buf[16:]))
	return nil
}

// InputContext is the input context handed to Address Device and Configure
// Endpoint commands: an input control context followed by a device context.
type InputContext struct {
	region mem.Region
}

// NewInputContext allocates a zeroed input context.
func NewInputContext(alloc mem.Allocator) (*InputContext, error) {
	region, err := alloc.Allocate(InputContextSize, RingAlignment, RingBoundary)
	if err != nil {
		return nil, errors.Wrap(err, "allocate input context")
	}
	return &InputContext{region: region}, nil
}

// Addr returns the physical address of the input context.
func (c *InputContext) Addr() uint64 {
	return c.region.Addr
}

// Reset clears every context and flag.
func (c *InputContext) Reset() {
	clear(c.region.Bytes)
}

// AddFlags returns the Add Context flags (input control dword 1).
func (c *InputContext) AddFlags() uint32 {
	return binary.LittleEndian.Uint32(c.region.Bytes[4:])
}

// DropFlags returns the Drop Context flags (input control dword 0).
func (c *InputContext) DropFlags() uint32 {
	return binary.LittleEndian.Uint32(c.region.Bytes[0:])
}

// SetSlot writes the slot context and sets its add flag (A0).
func (c *InputContext) SetSlot(s SlotContext) {
	s.MarshalTo(c.region.Bytes[ContextSize:])
	c.addFlag(0)
}

// SetEndpoint writes the endpoint context for dci and sets its add flag.
func (c *InputContext) SetEndpoint(dci uint8, e EndpointContext) {
	if dci == 0 || dci > MaxDCI {
		return
	}
	e.MarshalTo(c.region.Bytes[int(dci+1)*ContextSize:])
	c.addFlag(dci)
}

func (c *InputContext) addFlag(dci uint8) {
	binary.LittleEndian.PutUint32(c.region.Bytes[4:], c.AddFlags()|1<<dci)
}

// Bytes returns the raw input context.
func (c *InputContext) Bytes() []byte {
	return c.region.Bytes
}

// ParseInputContext decodes the add flags, slot context and flagged
// endpoint contexts of a raw input context.
func ParseInputContext(buf []byte) (add uint32, slot SlotContext, eps map[uint8]EndpointContext, err error) {
	if len(buf) < InputContextSize {
		return 0, slot, nil, errors.Wrapf(pkg.ErrBufferTooSmall, "input context is %d bytes", len(buf))
	}
	add = binary.LittleEndian.Uint32(buf[4:])
	if err = ParseSlotContext(buf[ContextSize:], &slot); err != nil {
		return 0, slot, nil, err
	}
	eps = make(map[uint8]EndpointContext)
	for dci := uint8(1); dci <= MaxDCI; dci++ {
		if add&(1<<dci) == 0 {
			continue
		}
		var ep EndpointContext
		if err = ParseEndpointContext(buf[int(dci+1)*ContextSize:], &ep); err != nil {
			return 0, slot, nil, err
		}
		eps[dci] = ep
	}
	return add, slot, eps, nil
}

// endpointContextType maps a USB endpoint to its context type.
func endpointContextType(cfg usb.EndpointConfig) uint8 {
	in := cfg.EPID.IsIn()
	switch cfg.Type {
	case usb.EndpointTypeControl:
		return EPTypeControl
	case usb.EndpointTypeIsochronous:
		if in {
			return EPTypeIsochIn
		}
		return EPTypeIsochOut
	case usb.EndpointTypeBulk:
		if in {
			return EPTypeBulkIn
		}
		return EPTypeBulkOut
	case usb.EndpointTypeInterrupt:
		if in {
			return EPTypeInterruptIn
		}
		return EPTypeInterruptOut
	default:
		return EPTypeNotValid
	}
}

// endpointInterval converts bInterval to the context's exponent form.
// Full/low-speed interrupt endpoints express bInterval in frames; every
// other case is already an exponent biased by one.
func endpointInterval(speed usb.Speed, cfg usb.EndpointConfig) uint8 {
	if cfg.Type == usb.EndpointTypeControl || cfg.Type == usb.EndpointTypeBulk {
		return 0
	}
	if cfg.Type == usb.EndpointTypeInterrupt && (speed == usb.SpeedFull || speed == usb.SpeedLow) {
		frames := uint32(cfg.Interval)
		if frames == 0 {
			frames = 1
		}
		// 125us microframes: 8 per frame.
		exp := uint8(0)
		for v := frames * 8; v > 1; v >>= 1 {
			exp++
		}
		return min(max(exp, 3), 10)
	}
	if cfg.Interval == 0 {
		return 0
	}
	return min(cfg.Interval-1, 15)
}
