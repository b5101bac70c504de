package xhci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/mem"
	"github.com/ardnew/softxhci/pkg"
)

// fakeInterrupter records register writes.
type fakeInterrupter struct {
	erdp   uint64
	erstsz uint16
	erstba uint64
	writes []string
}

func (f *fakeInterrupter) ReadDequeuePointer() uint64 { return f.erdp }

func (f *fakeInterrupter) WriteDequeuePointer(addr uint64) {
	f.erdp = addr
	f.writes = append(f.writes, "erdp")
}

func (f *fakeInterrupter) WriteSegmentTableSize(n uint16) {
	f.erstsz = n
	f.writes = append(f.writes, "erstsz")
}

func (f *fakeInterrupter) WriteSegmentTableBase(addr uint64) {
	f.erstba = addr
	f.writes = append(f.writes, "erstba")
}

func newTestEventRing(t *testing.T, size int) (*EventRing, *fakeInterrupter) {
	t.Helper()
	ir := &fakeInterrupter{}
	var e EventRing
	require.NoError(t, e.Initialize(mem.NewPool(mem.DefaultBase, 0), size, ir))
	return &e, ir
}

// produce writes an event the way the controller would.
func produce(e *EventRing, index int, cycle bool, trb TRB) {
	trb.SetCycle(cycle)
	trb.MarshalTo(e.region.Bytes[index*TRBSize:])
}

func TestEventRing_Initialize(t *testing.T) {
	e, ir := newTestEventRing(t, 16)

	assert.Equal(t, []string{"erstsz", "erdp", "erstba"}, ir.writes)
	assert.Equal(t, uint16(1), ir.erstsz)
	assert.Equal(t, e.Addr(), ir.erdp)
	assert.Equal(t, e.SegmentTableAddr(), ir.erstba)
	assert.Equal(t, SegmentTableEntry{Base: e.Addr(), Size: 16}, e.SegmentTable())
	assert.True(t, e.CycleBit())
	assert.Equal(t, 16, e.Size())
}

func TestEventRing_InitializeErrors(t *testing.T) {
	pool := mem.NewPool(mem.DefaultBase, 0)
	var e EventRing
	assert.ErrorIs(t, e.Initialize(pool, 8, &fakeInterrupter{}), pkg.ErrInvalidParameter)
	assert.ErrorIs(t, e.Initialize(pool, 16, nil), pkg.ErrInvalidParameter)
	assert.False(t, e.HasFront())
}

func TestEventRing_EmptyPop(t *testing.T) {
	e, ir := newTestEventRing(t, 16)
	assert.False(t, e.HasFront())
	assert.ErrorIs(t, e.Pop(), pkg.ErrRingEmpty)
	assert.Equal(t, e.Addr(), ir.erdp, "failed pop must not move ERDP")
}

func TestEventRing_PopAdvancesERDP(t *testing.T) {
	e, ir := newTestEventRing(t, 16)
	produce(e, 0, true, NewPortStatusChangeEventTRB(1))
	produce(e, 1, true, NewPortStatusChangeEventTRB(2))

	require.True(t, e.HasFront())
	assert.Equal(t, uint8(1), e.Front().PortID())
	require.NoError(t, e.Pop())
	assert.Equal(t, e.Addr()+TRBSize, ir.erdp)

	require.True(t, e.HasFront())
	assert.Equal(t, uint8(2), e.Front().PortID())
	require.NoError(t, e.Pop())
	assert.False(t, e.HasFront())
}

func TestEventRing_IgnoresERDPFlags(t *testing.T) {
	e, ir := newTestEventRing(t, 16)
	produce(e, 0, true, NewPortStatusChangeEventTRB(3))

	ir.erdp |= 0x8 // Event Handler Busy
	require.True(t, e.HasFront())
	assert.Equal(t, uint8(3), e.Front().PortID())
	require.NoError(t, e.Pop())
	assert.Equal(t, e.Addr()+TRBSize, ir.erdp)
}

func TestEventRing_Wrap(t *testing.T) {
	const size = 16
	e, ir := newTestEventRing(t, size)

	for i := range size {
		produce(e, i, true, NewPortStatusChangeEventTRB(uint8(i+1)))
	}
	for i := range size {
		require.True(t, e.HasFront(), "event %d", i)
		assert.Equal(t, uint8(i+1), e.Front().PortID())
		require.NoError(t, e.Pop())
	}

	assert.Equal(t, e.Addr(), ir.erdp, "dequeue wraps to slot 0")
	assert.False(t, e.CycleBit())
	assert.False(t, e.HasFront(), "stale events from the previous lap are not valid")

	produce(e, 0, false, NewPortStatusChangeEventTRB(9))
	require.True(t, e.HasFront())
	assert.Equal(t, uint8(9), e.Front().PortID())
}
