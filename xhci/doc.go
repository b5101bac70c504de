// Package xhci implements the host side of an xHCI controller: TRB rings,
// the primary event ring, device and input contexts, and the controller
// that ties them to [usb.Device] enumeration.
//
// Hardware is reached through three small register interfaces,
// [Operational], [Interrupter] and [Doorbell], and ring memory through a
// [mem.Allocator]. The xhci/sim package provides software implementations
// of all of them.
//
// # Rings
//
// A [Ring] is the producer side of a command or transfer ring. Each push
// writes one TRB with the current producer cycle bit; when the slot before
// the end is reached a Link TRB with toggle-cycle set is written there and
// the cycle bit flips, so the usable capacity is size-1 TRBs per lap.
//
// An [EventRing] is the consumer side of the single-segment primary event
// ring. An event is valid while its cycle bit equals the consumer cycle
// state; every Pop advances the dequeue pointer and writes it back to
// ERDP.
//
// # Event Flow
//
//	Port Status Change  -> Reset Port / Enable Slot
//	Enable Slot         -> Address Device
//	Address Device      -> usb.Device.StartInitialize
//	Transfer Event      -> usb.Device completion callbacks
//
// [Controller.ProcessEvents] drains the event ring from the goroutine that
// services interrupts. Nothing in this package is safe for concurrent use.
package xhci
