package mem

import (
	"sync"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/softxhci/pkg"
)

// Default pool parameters.
const (
	// DefaultPoolSize is the arena size used by [NewPool] when size is 0.
	DefaultPoolSize = 4096 * 32

	// DefaultBase is the synthetic physical address of the arena start.
	DefaultBase uint64 = 0x0010_0000

	// PageSize is the controller page size assumed by ring allocations.
	PageSize = 4096
)

// Region is a physically contiguous block of DMA-capable memory.
type Region struct {
	Addr  uint64 // Physical (bus) address of Bytes[0]
	Bytes []byte // CPU view of the region
}

// Len returns the region size in bytes.
func (r Region) Len() int {
	return len(r.Bytes)
}

// End returns the physical address one past the last byte.
func (r Region) End() uint64 {
	return r.Addr + uint64(len(r.Bytes))
}

// Contains reports whether the physical range [addr, addr+n) lies inside r.
func (r Region) Contains(addr uint64, n int) bool {
	return addr >= r.Addr && addr+uint64(n) <= r.End()
}

// Slice returns the CPU view of the physical range [addr, addr+n).
// It returns nil if the range is outside the region.
func (r Region) Slice(addr uint64, n int) []byte {
	if !r.Contains(addr, n) {
		return nil
	}
	off := addr - r.Addr
	return r.Bytes[off : off+uint64(n)]
}

// Allocator supplies DMA-capable memory.
//
// Allocate returns a zeroed region of size bytes whose physical address is a
// multiple of alignment and which does not cross a multiple of boundary.
// Zero for either constraint means unconstrained. Free is best effort and
// carries no guarantee of immediate reclamation.
type Allocator interface {
	Allocate(size, alignment, boundary int) (Region, error)
	Free(r Region)
}

// Pool is a bump allocator over a fixed arena. Freed regions are kept on a
// free list and handed out again to requests of exactly the same size, so
// devices that attach and detach repeatedly reuse their memory.
type Pool struct {
	base  uint64
	arena []byte
	next  uint64 // Offset of the next free byte
	freed []Region
	mutex sync.Mutex
}

// NewPool creates a pool of size bytes placed at physical address base.
// A size of 0 selects [DefaultPoolSize].
func NewPool(base uint64, size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		base:  base,
		arena: make([]byte, size),
	}
}

// Base returns the physical address of the arena.
func (p *Pool) Base() uint64 {
	return p.base
}

// Size returns the arena size in bytes.
func (p *Pool) Size() int {
	return len(p.arena)
}

// Used returns the number of arena bytes consumed so far, padding included.
func (p *Pool) Used() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return int(p.next)
}

// Allocate implements [Allocator].
func (p *Pool) Allocate(size, alignment, boundary int) (Region, error) {
	if size <= 0 || alignment < 0 || boundary < 0 {
		return Region{}, errors.Wrapf(pkg.ErrInvalidParameter,
			"allocate size=%d alignment=%d boundary=%d", size, alignment, boundary)
	}
	if boundary > 0 && size > boundary {
		return Region{}, errors.Wrapf(pkg.ErrAllocationFailed,
			"size %d exceeds boundary %d", size, boundary)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if r, ok := p.reuse(size, alignment, boundary); ok {
		return r, nil
	}

	ptr := p.base + p.next
	if alignment > 0 {
		ptr = ceil(ptr, uint64(alignment))
	}
	if boundary > 0 {
		next := ceil(ptr, uint64(boundary))
		if next != ptr && next < ptr+uint64(size) {
			ptr = next
		}
	}

	end := ptr + uint64(size)
	if end > p.base+uint64(len(p.arena)) {
		return Region{}, errors.Wrapf(pkg.ErrAllocationFailed,
			"pool exhausted: need %d bytes at 0x%x, %d free",
			size, ptr, len(p.arena)-int(p.next))
	}

	off := ptr - p.base
	p.next = end - p.base

	buf := p.arena[off:end-p.base:end-p.base]
	clear(buf)

	pkg.LogDebug(pkg.ComponentMemory, "allocated",
		"addr", ptr, "size", size, "alignment", alignment, "boundary", boundary)

	return Region{Addr: ptr, Bytes: buf}, nil
}

// Free implements [Allocator]. The region goes on the free list; arena
// bytes are never returned to the bump cursor. Regions not allocated from
// this pool, and regions already freed, are ignored.
func (p *Pool) Free(r Region) {
	if r.Len() == 0 {
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if r.Addr < p.base || r.End() > p.base+p.next {
		pkg.LogWarn(pkg.ComponentMemory, "free of foreign region ignored",
			"addr", r.Addr, "size", r.Len())
		return
	}
	for _, f := range p.freed {
		if f.Addr < r.End() && r.Addr < f.End() {
			pkg.LogWarn(pkg.ComponentMemory, "double free ignored",
				"addr", r.Addr, "size", r.Len())
			return
		}
	}
	p.freed = append(p.freed, r)
	pkg.LogDebug(pkg.ComponentMemory, "freed", "addr", r.Addr, "size", r.Len())
}

// Freed returns the number of regions waiting on the free list.
func (p *Pool) Freed() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.freed)
}

// reuse takes a freed region of exactly size bytes that satisfies
// alignment and boundary. The caller holds the mutex.
func (p *Pool) reuse(size, alignment, boundary int) (Region, bool) {
	for i, r := range p.freed {
		if r.Len() != size {
			continue
		}
		if alignment > 0 && r.Addr%uint64(alignment) != 0 {
			continue
		}
		if boundary > 0 && r.Addr/uint64(boundary) != (r.End()-1)/uint64(boundary) {
			continue
		}
		p.freed = append(p.freed[:i], p.freed[i+1:]...)
		clear(r.Bytes)
		pkg.LogDebug(pkg.ComponentMemory, "reused", "addr", r.Addr, "size", size)
		return r, true
	}
	return Region{}, false
}

// Resolve maps the physical range [addr, addr+n) back to arena bytes.
func (p *Pool) Resolve(addr uint64, n int) ([]byte, error) {
	if n < 0 || addr < p.base || addr+uint64(n) > p.base+uint64(len(p.arena)) {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter,
			"physical range 0x%x+%d outside pool", addr, n)
	}
	off := addr - p.base
	return p.arena[off : off+uint64(n)], nil
}

// ceil rounds v up to a multiple of align.
func ceil(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
