package xhci

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/usb"
)

// TRBSize is the size of a Transfer Request Block in bytes.
const TRBSize = 16

// TRBType identifies the layout of a TRB (dword 3, bits 15:10).
type TRBType uint8

// TRB types (xHCI 1.2, Table 6-91).
const (
	TRBTypeNormal                   TRBType = 1
	TRBTypeSetupStage               TRBType = 2
	TRBTypeDataStage                TRBType = 3
	TRBTypeStatusStage              TRBType = 4
	TRBTypeLink                     TRBType = 6
	TRBTypeNoOp                     TRBType = 8
	TRBTypeEnableSlotCommand        TRBType = 9
	TRBTypeDisableSlotCommand       TRBType = 10
	TRBTypeAddressDeviceCommand     TRBType = 11
	TRBTypeConfigureEndpointCommand TRBType = 12
	TRBTypeNoOpCommand              TRBType = 23
	TRBTypeTransferEvent            TRBType = 32
	TRBTypeCommandCompletionEvent   TRBType = 33
	TRBTypePortStatusChangeEvent    TRBType = 34
)

// String returns the TRB type name.
func (t TRBType) String() string {
	switch t {
	case TRBTypeNormal:
		return "normal"
	case TRBTypeSetupStage:
		return "setup stage"
	case TRBTypeDataStage:
		return "data stage"
	case TRBTypeStatusStage:
		return "status stage"
	case TRBTypeLink:
		return "link"
	case TRBTypeNoOp:
		return "no-op"
	case TRBTypeEnableSlotCommand:
		return "enable slot"
	case TRBTypeDisableSlotCommand:
		return "disable slot"
	case TRBTypeAddressDeviceCommand:
		return "address device"
	case TRBTypeConfigureEndpointCommand:
		return "configure endpoint"
	case TRBTypeNoOpCommand:
		return "no-op command"
	case TRBTypeTransferEvent:
		return "transfer event"
	case TRBTypeCommandCompletionEvent:
		return "command completion event"
	case TRBTypePortStatusChangeEvent:
		return "port status change event"
	default:
		return fmt.Sprintf("type %d", uint8(t))
	}
}

// TransferType is the TRT field of a Setup Stage TRB.
type TransferType uint8

// Setup Stage transfer types.
const (
	TransferTypeNoData TransferType = 0
	TransferTypeOut    TransferType = 2
	TransferTypeIn     TransferType = 3
)

// Bit positions in dword 3.
const (
	trbCycle       = 1 << 0
	trbToggleCycle = 1 << 1 // Link
	trbISP         = 1 << 2 // Interrupt on Short Packet
	trbIOC         = 1 << 5 // Interrupt On Completion
	trbIDT         = 1 << 6 // Immediate Data
	trbBSR         = 1 << 9 // Block Set Address Request
	trbDirIn       = 1 << 16

	trbTypeShift = 10
	trbTypeMask  = 0x3F << trbTypeShift
	trbTRTShift  = 16
	trbEPShift   = 16
	trbEPMask    = 0x1F
	trbSlotShift = 24
)

// Bit positions in dword 2.
const (
	trbLengthMask  = 0x1FFFF  // Transfer length (17 bits) in transfer TRBs
	trbResidualMax = 0xFFFFFF // Residual length (24 bits) in events
	trbCodeShift   = 24
)

// TRB is a Transfer Request Block: four little-endian dwords shared with
// the controller. The cycle bit is bit 0 of dword 3.
//
// TRB is a plain value; rings copy it into DMA memory on push.
type TRB [4]uint32

// ParseTRB decodes a TRB from the first 16 bytes of buf.
func ParseTRB(buf []byte) TRB {
	_ = buf[TRBSize-1]
	return TRB{
		binary.LittleEndian.Uint32(buf[0:]),
		binary.LittleEndian.Uint32(buf[4:]),
		binary.LittleEndian.Uint32(buf[8:]),
		binary.LittleEndian.Uint32(buf[12:]),
	}
}

// MarshalTo writes the TRB to buf. Dword 3, which carries the cycle bit,
// is written last. Returns the bytes written, or 0 if buf is too small.
func (t TRB) MarshalTo(buf []byte) int {
	if len(buf) < TRBSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:], t[0])
	binary.LittleEndian.PutUint32(buf[4:], t[1])
	binary.LittleEndian.PutUint32(buf[8:], t[2])
	binary.LittleEndian.PutUint32(buf[12:], t[3])
	return TRBSize
}

// Cycle returns the cycle bit.
func (t TRB) Cycle() bool {
	return t[3]&trbCycle != 0
}

// SetCycle sets or clears the cycle bit.
func (t *TRB) SetCycle(c bool) {
	if c {
		t[3] |= trbCycle
	} else {
		t[3] &^= trbCycle
	}
}

// Type returns the TRB type.
func (t TRB) Type() TRBType {
	return TRBType((t[3] & trbTypeMask) >> trbTypeShift)
}

// SetType sets the TRB type.
func (t *TRB) SetType(typ TRBType) {
	t[3] = t[3]&^trbTypeMask | uint32(typ)<<trbTypeShift&trbTypeMask
}

// Pointer returns the 64-bit parameter in dwords 0-1: a buffer, ring
// segment, context or TRB address depending on the type.
func (t TRB) Pointer() uint64 {
	return uint64(t[0]) | uint64(t[1])<<32
}

// SetPointer sets dwords 0-1.
func (t *TRB) SetPointer(p uint64) {
	t[0] = uint32(p)
	t[1] = uint32(p >> 32)
}

// ToggleCycle reports the Link TRB toggle-cycle flag.
func (t TRB) ToggleCycle() bool {
	return t[3]&trbToggleCycle != 0
}

// IOC reports the Interrupt On Completion flag.
func (t TRB) IOC() bool {
	return t[3]&trbIOC != 0
}

// ISP reports the Interrupt on Short Packet flag.
func (t TRB) ISP() bool {
	return t[3]&trbISP != 0
}

// ImmediateData reports whether dwords 0-1 carry data instead of a pointer.
func (t TRB) ImmediateData() bool {
	return t[3]&trbIDT != 0
}

// DirectionIn reports the DIR flag of Data and Status Stage TRBs.
func (t TRB) DirectionIn() bool {
	return t[3]&trbDirIn != 0
}

// TransferType returns the TRT field of a Setup Stage TRB.
func (t TRB) TransferType() TransferType {
	return TransferType(t[3] >> trbTRTShift & 0x3)
}

// TransferLength returns the transfer length of a transfer TRB.
func (t TRB) TransferLength() uint32 {
	return t[2] & trbLengthMask
}

// Setup returns the setup packet carried by a Setup Stage TRB.
func (t TRB) Setup() usb.SetupData {
	return usb.SetupDataFromUint64(t.Pointer())
}

// SlotID returns the slot field (dword 3, bits 31:24) of commands and
// events.
func (t TRB) SlotID() uint8 {
	return uint8(t[3] >> trbSlotShift)
}

// EndpointDCI returns the endpoint field of a Transfer Event.
func (t TRB) EndpointDCI() uint8 {
	return uint8(t[3] >> trbEPShift & trbEPMask)
}

// CompletionCode returns the completion code of an event.
func (t TRB) CompletionCode() pkg.CompletionCode {
	return pkg.CompletionCode(t[2] >> trbCodeShift)
}

// Residual returns the untransferred byte count of a Transfer Event.
func (t TRB) Residual() uint32 {
	return t[2] & trbResidualMax
}

// PortID returns the root hub port of a Port Status Change Event.
func (t TRB) PortID() uint8 {
	return uint8(t[0] >> 24)
}

// String returns a compact representation for logging.
func (t TRB) String() string {
	return fmt.Sprintf("{%s c=%d %08X %08X %08X %08X}",
		t.Type(), t[3]&trbCycle, t[0], t[1], t[2], t[3])
}

func newTRB(typ TRBType) TRB {
	var t TRB
	t.SetType(typ)
	return t
}

func flag(set bool, bit uint32) uint32 {
	if set {
		return bit
	}
	return 0
}

// NewNormalTRB builds a Normal TRB for a bulk or interrupt transfer.
// Short packets always raise an event so the residual is reported.
func NewNormalTRB(buf uint64, length uint32, ioc bool) TRB {
	t := newTRB(TRBTypeNormal)
	t.SetPointer(buf)
	t[2] = length & trbLengthMask
	t[3] |= trbISP | flag(ioc, trbIOC)
	return t
}

// NewSetupStageTRB builds the Setup Stage TRB of a control transfer. The
// setup packet is carried as immediate data.
func NewSetupStageTRB(setup usb.SetupData, trt TransferType) TRB {
	t := newTRB(TRBTypeSetupStage)
	t.SetPointer(setup.Uint64())
	t[2] = usb.SetupDataSize
	t[3] |= trbIDT | uint32(trt)<<trbTRTShift
	return t
}

// NewDataStageTRB builds the Data Stage TRB of a control transfer.
func NewDataStageTRB(buf uint64, length uint32, in, ioc bool) TRB {
	t := newTRB(TRBTypeDataStage)
	t.SetPointer(buf)
	t[2] = length & trbLengthMask
	t[3] |= flag(in, trbDirIn) | flag(in, trbISP) | flag(ioc, trbIOC)
	return t
}

// NewStatusStageTRB builds the Status Stage TRB of a control transfer.
func NewStatusStageTRB(in, ioc bool) TRB {
	t := newTRB(TRBTypeStatusStage)
	t[3] |= flag(in, trbDirIn) | flag(ioc, trbIOC)
	return t
}

// NewLinkTRB builds a Link TRB pointing at the segment at next.
func NewLinkTRB(next uint64, toggleCycle bool) TRB {
	t := newTRB(TRBTypeLink)
	t.SetPointer(next)
	t[3] |= flag(toggleCycle, trbToggleCycle)
	return t
}

// NewNoOpCommandTRB builds a No Op command.
func NewNoOpCommandTRB() TRB {
	return newTRB(TRBTypeNoOpCommand)
}

// NewEnableSlotCommandTRB builds an Enable Slot command.
func NewEnableSlotCommandTRB() TRB {
	return newTRB(TRBTypeEnableSlotCommand)
}

// NewDisableSlotCommandTRB builds a Disable Slot command.
func NewDisableSlotCommandTRB(slot uint8) TRB {
	t := newTRB(TRBTypeDisableSlotCommand)
	t[3] |= uint32(slot) << trbSlotShift
	return t
}

// NewAddressDeviceCommandTRB builds an Address Device command for slot
// using the input context at inputCtx.
func NewAddressDeviceCommandTRB(inputCtx uint64, slot uint8, blockSetAddress bool) TRB {
	t := newTRB(TRBTypeAddressDeviceCommand)
	t.SetPointer(inputCtx)
	t[3] |= uint32(slot)<<trbSlotShift | flag(blockSetAddress, trbBSR)
	return t
}

// NewConfigureEndpointCommandTRB builds a Configure Endpoint command.
func NewConfigureEndpointCommandTRB(inputCtx uint64, slot uint8) TRB {
	t := newTRB(TRBTypeConfigureEndpointCommand)
	t.SetPointer(inputCtx)
	t[3] |= uint32(slot) << trbSlotShift
	return t
}

// NewTransferEventTRB builds a Transfer Event for the TRB at ptr.
func NewTransferEventTRB(ptr uint64, residual uint32, code pkg.CompletionCode, slot, dci uint8) TRB {
	t := newTRB(TRBTypeTransferEvent)
	t.SetPointer(ptr)
	t[2] = residual&trbResidualMax | uint32(code)<<trbCodeShift
	t[3] |= uint32(slot)<<trbSlotShift | uint32(dci&trbEPMask)<<trbEPShift
	return t
}

// NewCommandCompletionEventTRB builds a Command Completion Event for the
// command TRB at ptr.
func NewCommandCompletionEventTRB(ptr uint64, code pkg.CompletionCode, slot uint8) TRB {
	t := newTRB(TRBTypeCommandCompletionEvent)
	t.SetPointer(ptr)
	t[2] = uint32(code) << trbCodeShift
	t[3] |= uint32(slot) << trbSlotShift
	return t
}

// NewPortStatusChangeEventTRB builds a Port Status Change Event.
func NewPortStatusChangeEventTRB(port uint8) TRB {
	t := newTRB(TRBTypePortStatusChangeEvent)
	t[0] = uint32(port) << 24
	t[2] = uint32(pkg.CompletionSuccess) << trbCodeShift
	return t
}
