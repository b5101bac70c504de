package xhci

import (
	"encoding/binary"

	"github.com/ardnew/softxhci/usb"
)

// Interrupter is the register set of one xHCI interrupter that the event
// ring programs and consumes through.
type Interrupter interface {
	// ReadDequeuePointer returns the Event Ring Dequeue Pointer (ERDP).
	// The low four bits are flags and are ignored by callers.
	ReadDequeuePointer() uint64

	// WriteDequeuePointer updates ERDP, releasing every event before addr
	// to the controller.
	WriteDequeuePointer(addr uint64)

	// WriteSegmentTableSize sets ERSTSZ.
	WriteSegmentTableSize(n uint16)

	// WriteSegmentTableBase sets ERSTBA. Writing it enables the event ring.
	WriteSegmentTableBase(addr uint64)
}

// Doorbell rings the doorbell array. Slot 0 is the host controller, whose
// only target is the command ring; for device slots target is the DCI of
// the endpoint whose transfer ring has new work.
type Doorbell interface {
	Ring(slot uint8, target uint8)
}

// Doorbell targets.
const (
	DoorbellHostController = 0
	DoorbellTargetCommand  = 0
)

// PortStatus is the subset of PORTSC the controller acts on.
type PortStatus struct {
	Connected bool      // CCS
	Enabled   bool      // PED, set once a reset completes
	Speed     usb.Speed // Port Speed, valid while connected
}

// Operational is the subset of operational and port registers the
// controller programs during bring-up and port handling.
type Operational interface {
	// WriteConfig sets CONFIG.MaxSlotsEn.
	WriteConfig(maxSlots uint8)

	// WriteDeviceContextBaseArray sets DCBAAP.
	WriteDeviceContextBaseArray(addr uint64)

	// WriteCommandRingControl sets CRCR to the command ring at addr with
	// the given Ring Cycle State.
	WriteCommandRingControl(addr uint64, cycle bool)

	// Start sets USBCMD.Run/Stop.
	Start()

	// PortStatus reads PORTSC of a 1-based root hub port.
	PortStatus(port uint8) PortStatus

	// ResetPort starts a port reset. Completion is reported with a Port
	// Status Change event.
	ResetPort(port uint8)
}

// SegmentTableEntrySize is the size of an Event Ring Segment Table entry.
const SegmentTableEntrySize = 16

// SegmentTableEntry describes one event ring segment to the controller.
type SegmentTableEntry struct {
	Base uint64 // Ring Segment Base Address, 64-byte aligned
	Size uint16 // Ring Segment Size in TRBs
}

// MarshalTo writes the entry to buf. Returns the bytes written, or 0 if
// buf is too small.
func (e SegmentTableEntry) MarshalTo(buf []byte) int {
	if len(buf) < SegmentTableEntrySize {
		return 0
	}
	binary.LittleEndian.PutUint64(buf[0:], e.Base)
	binary.LittleEndian.PutUint32(buf[8:], uint32(e.Size))
	binary.LittleEndian.PutUint32(buf[12:], 0)
	return SegmentTableEntrySize
}

// ParseSegmentTableEntry decodes an ERST entry.
func ParseSegmentTableEntry(buf []byte) (SegmentTableEntry, bool) {
	if len(buf) < SegmentTableEntrySize {
		return SegmentTableEntry{}, false
	}
	return SegmentTableEntry{
		Base: binary.LittleEndian.Uint64(buf[0:]),
		Size: uint16(binary.LittleEndian.Uint32(buf[8:])),
	}, true
}
