// Package mem defines the DMA-capable memory contract consumed by the xHCI
// transport core and provides a fixed-arena bump allocator.
//
// Controller-visible structures (TRB rings, event ring segment tables,
// device contexts, bounce buffers) must be physically contiguous and obey
// alignment and page-boundary constraints. An [Allocator] hands out
// [Region] values pairing a physical address with the CPU view of the same
// bytes.
//
// [Pool] carves regions out of a single byte arena placed at a synthetic
// physical base address. Memory is never reclaimed; [Pool.Free] is accepted
// for contract compatibility only.
package mem
