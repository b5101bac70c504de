package xhci

import (
	"github.com/efficientgo/core/errors"

	"github.com/ardnew/softxhci/mem"
	"github.com/ardnew/softxhci/pkg"
)

// Ring buffer placement constraints.
const (
	RingAlignment = 64
	RingBoundary  = mem.PageSize

	// MaxRingSize is the largest ring that fits in one page.
	MaxRingSize = RingBoundary / TRBSize
)

// Ring is a producer-side command or transfer ring.
//
// The last slot is reserved for a Link TRB back to slot 0. The ring owns
// the cycle bit of every TRB it writes. A Ring has a single producer and no
// internal synchronization.
type Ring struct {
	alloc      mem.Allocator
	region     mem.Region
	size       int
	writeIndex int
	cycle      bool
}

// Initialize allocates a ring of size TRBs from alloc and resets the
// producer state. A previously initialized ring is released first.
func (r *Ring) Initialize(alloc mem.Allocator, size int) error {
	if size < 2 || size > MaxRingSize {
		return errors.Wrapf(pkg.ErrInvalidParameter,
			"ring size %d outside [2, %d]", size, MaxRingSize)
	}
	r.Free()

	region, err := alloc.Allocate(size*TRBSize, RingAlignment, RingBoundary)
	if err != nil {
		return errors.Wrapf(err, "allocate ring of %d TRBs", size)
	}
	r.alloc = alloc
	r.region = region
	r.size = size
	r.writeIndex = 0
	r.cycle = true

	pkg.LogDebug(pkg.ComponentRing, "ring initialized",
		"addr", region.Addr, "size", size)
	return nil
}

// Free releases the ring's buffer.
func (r *Ring) Free() {
	if r.alloc != nil && r.region.Bytes != nil {
		r.alloc.Free(r.region)
	}
	*r = Ring{}
}

// Reset discards every TRB and restarts the producer at slot 0 with the
// cycle bit set, as after Initialize.
func (r *Ring) Reset() {
	clear(r.region.Bytes)
	r.writeIndex = 0
	r.cycle = true
}

// Push copies trb into the next slot with the ring's producer cycle bit and
// returns the physical address of that slot.
//
// When the write index reaches the reserved last slot, a Link TRB with the
// toggle-cycle flag is written there using the current cycle bit, the
// cycle bit flips, and the write index returns to 0.
func (r *Ring) Push(trb TRB) (uint64, error) {
	if r.region.Bytes == nil {
		return 0, pkg.ErrRingNotInitialized
	}

	addr := r.slotAddr(r.writeIndex)
	r.write(r.writeIndex, trb)
	r.writeIndex++

	if r.writeIndex == r.size-1 {
		r.write(r.writeIndex, NewLinkTRB(r.region.Addr, true))
		r.writeIndex = 0
		r.cycle = !r.cycle
		pkg.LogDebug(pkg.ComponentRing, "ring wrapped",
			"addr", r.region.Addr, "cycle", r.cycle)
	}
	return addr, nil
}

// write stores trb at index with the producer cycle bit. The dword holding
// the cycle bit is stored last.
func (r *Ring) write(index int, trb TRB) {
	trb.SetCycle(r.cycle)
	buf := r.region.Bytes[index*TRBSize : (index+1)*TRBSize]
	var staged [TRBSize]byte
	trb.MarshalTo(staged[:])
	copy(buf[:12], staged[:12])
	copy(buf[12:], staged[12:])
}

func (r *Ring) slotAddr(index int) uint64 {
	return r.region.Addr + uint64(index*TRBSize)
}

// TRB returns the TRB stored at index.
func (r *Ring) TRB(index int) TRB {
	return ParseTRB(r.region.Bytes[index*TRBSize:])
}

// Index returns the slot index of the physical address addr, or -1.
func (r *Ring) Index(addr uint64) int {
	if !r.region.Contains(addr, TRBSize) || (addr-r.region.Addr)%TRBSize != 0 {
		return -1
	}
	return int((addr - r.region.Addr) / TRBSize)
}

// Addr returns the physical address of slot 0.
func (r *Ring) Addr() uint64 {
	return r.region.Addr
}

// Buffer returns the ring's memory.
func (r *Ring) Buffer() []byte {
	return r.region.Bytes
}

// Size returns the number of TRB slots, including the Link slot.
func (r *Ring) Size() int {
	return r.size
}

// WriteIndex returns the slot the next Push writes.
func (r *Ring) WriteIndex() int {
	return r.writeIndex
}

// CycleBit returns the producer cycle state.
func (r *Ring) CycleBit() bool {
	return r.cycle
}

// Initialized reports whether the ring has a buffer.
func (r *Ring) Initialized() bool {
	return r.region.Bytes != nil
}
