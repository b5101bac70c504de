// Package usb implements the controller-independent half of the host
// transport core: endpoint addressing, setup packets, descriptor parsing,
// the class-driver contract, and the [Device] state machine that walks a
// newly attached device through enumeration.
//
// # Enumeration
//
// A [Device] is created once per attached port. [Device.StartInitialize]
// issues GET_DESCRIPTOR(DEVICE) over the default control pipe; each
// completion delivered through [Device.OnControlCompleted] advances one
// phase:
//
//	Phase 1  device descriptor received      -> GET_DESCRIPTOR(CONFIGURATION)
//	Phase 2  configuration tree received     -> SET_CONFIGURATION
//	Phase 3  configuration selected          -> OnEndpointsConfigured
//	Phase 4  endpoints configured            -> initialized
//
// Progress never blocks: every request is issued through a [Transport] and
// the device waits for the matching completion on a later interrupt.
//
// # Completion routing
//
// Control requests are correlated by their setup packet. [Device.ControlIn]
// and [Device.ControlOut] register the issuing [Responder] in a four-entry
// [WaiterTable] before the transfer is sent; the completion is delivered to
// that responder exactly once. Enumeration requests register the device's
// own responder, so phase progress is explicitly correlated rather than
// inferred from a lookup miss.
//
// # Concurrency
//
// Nothing in this package locks. All methods of a [Device] must run on the
// single execution context that drains the controller's event ring.
package usb
