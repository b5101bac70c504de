package xhci

import (
	"github.com/efficientgo/core/errors"

	"github.com/ardnew/softxhci/mem"
	"github.com/ardnew/softxhci/pkg"
)

// erdpFlagMask covers the ERDP flag bits (DESI, EHB) below the pointer.
const erdpFlagMask = 0xF

// EventRing is the consumer side of a single-segment event ring.
//
// The read position lives in the interrupter's dequeue pointer register; the
// ring only tracks the consumer cycle state.
type EventRing struct {
	alloc       mem.Allocator
	region      mem.Region
	erst        mem.Region
	size        int
	cycle       bool
	interrupter Interrupter
}

// Initialize allocates a ring of size TRBs and its one-entry segment table,
// programs the interrupter and points its dequeue pointer at slot 0.
func (e *EventRing) Initialize(alloc mem.Allocator, size int, interrupter Interrupter) error {
	if size < 16 || size > MaxRingSize {
		return errors.Wrapf(pkg.ErrInvalidParameter,
			"event ring size %d outside [16, %d]", size, MaxRingSize)
	}
	if interrupter == nil {
		return errors.Wrap(pkg.ErrInvalidParameter, "nil interrupter")
	}
	e.Free()

	region, err := alloc.Allocate(size*TRBSize, RingAlignment, RingBoundary)
	if err != nil {
		return errors.Wrapf(err, "allocate event ring of %d TRBs", size)
	}
	erst, err := alloc.Allocate(SegmentTableEntrySize, RingAlignment, RingBoundary)
	if err != nil {
		alloc.Free(region)
		return errors.Wrap(err, "allocate event ring segment table")
	}

	SegmentTableEntry{Base: region.Addr, Size: uint16(size)}.MarshalTo(erst.Bytes)

	e.alloc = alloc
	e.region = region
	e.erst = erst
	e.size = size
	e.cycle = true
	e.interrupter = interrupter

	interrupter.WriteSegmentTableSize(1)
	interrupter.WriteDequeuePointer(region.Addr)
	interrupter.WriteSegmentTableBase(erst.Addr)

	pkg.LogDebug(pkg.ComponentEvent, "event ring initialized",
		"addr", region.Addr, "size", size, "erst", erst.Addr)
	return nil
}

// Free releases the ring and segment table.
func (e *EventRing) Free() {
	if e.alloc != nil {
		e.alloc.Free(e.region)
		e.alloc.Free(e.erst)
	}
	*e = EventRing{}
}

// dequeue returns the physical address the dequeue pointer refers to.
func (e *EventRing) dequeue() uint64 {
	return e.interrupter.ReadDequeuePointer() &^ erdpFlagMask
}

// HasFront reports whether the TRB at the dequeue pointer carries the
// consumer cycle state, i.e. the controller has written it.
func (e *EventRing) HasFront() bool {
	if e.interrupter == nil {
		return false
	}
	return e.Front().Cycle() == e.cycle
}

// Front returns the TRB at the dequeue pointer. It is only meaningful when
// [EventRing.HasFront] is true.
func (e *EventRing) Front() TRB {
	buf := e.region.Slice(e.dequeue(), TRBSize)
	if buf == nil {
		return TRB{}
	}
	return ParseTRB(buf)
}

// Pop consumes the front TRB and writes the advanced dequeue pointer back to
// the interrupter, wrapping to slot 0 and flipping the consumer cycle state
// at the end of the segment. It fails with [pkg.ErrRingEmpty] if there is
// no front.
func (e *EventRing) Pop() error {
	if !e.HasFront() {
		return pkg.ErrRingEmpty
	}
	next := e.dequeue() + TRBSize
	if next >= e.region.End() {
		next = e.region.Addr
		e.cycle = !e.cycle
	}
	e.interrupter.WriteDequeuePointer(next)
	return nil
}

// SegmentTable returns the segment table entry describing the ring.
func (e *EventRing) SegmentTable() SegmentTableEntry {
	entry, _ := ParseSegmentTableEntry(e.erst.Bytes)
	return entry
}

// SegmentTableAddr returns the physical address of the segment table.
func (e *EventRing) SegmentTableAddr() uint64 {
	return e.erst.Addr
}

// Addr returns the physical address of slot 0.
func (e *EventRing) Addr() uint64 {
	return e.region.Addr
}

// Size returns the number of TRB slots.
func (e *EventRing) Size() int {
	return e.size
}

// CycleBit returns the consumer cycle state.
func (e *EventRing) CycleBit() bool {
	return e.cycle
}
