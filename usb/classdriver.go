package usb

import "sync"

// ClassDriver is the capability interface implemented by device-class
// drivers (HID, mass storage, ...). A driver is bound to one interface of a
// device and to every endpoint number that interface declares.
//
// The device invokes OnControlCompleted exactly once for each control
// request the driver issued with itself as the issuer, and
// OnInterruptCompleted for each interrupt transfer on its endpoints.
type ClassDriver interface {
	Responder

	// Initialize prepares the driver after it is bound to an interface.
	Initialize() error

	// SetEndpoint records an endpoint belonging to the driver's interface.
	SetEndpoint(cfg EndpointConfig) error

	// OnEndpointsConfigured starts steady-state transfers once the device
	// is configured and its endpoint rings exist.
	OnEndpointsConfigured() error

	// OnInterruptCompleted handles a completed interrupt transfer.
	OnInterruptCompleted(ep EndpointID, buf []byte) error
}

// ClassDriverFactory creates a driver for an interface, or returns nil if
// it declines the interface.
type ClassDriverFactory func(dev *Device, iface *InterfaceDescriptor) ClassDriver

// MatchAny matches every value of a class, subclass, or protocol field.
const MatchAny = -1

type registryEntry struct {
	class, subClass, protocol int
	factory                   ClassDriverFactory
}

func (e *registryEntry) matches(iface *InterfaceDescriptor) bool {
	return fieldMatches(e.class, iface.InterfaceClass) &&
		fieldMatches(e.subClass, iface.InterfaceSubClass) &&
		fieldMatches(e.protocol, iface.InterfaceProtocol)
}

func fieldMatches(want int, got uint8) bool {
	return want == MatchAny || want == int(got)
}

// Registry selects class-driver factories by interface class code. Entries
// are consulted in registration order; the first factory that returns a
// non-nil driver wins.
type Registry struct {
	entries []registryEntry
	mutex   sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a factory for interfaces matching class, subClass and
// protocol. Pass [MatchAny] to wildcard a field.
func (r *Registry) Register(class, subClass, protocol int, f ClassDriverFactory) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.entries = append(r.entries, registryEntry{
		class:    class,
		subClass: subClass,
		protocol: protocol,
		factory:  f,
	})
}

// Len returns the number of registered factories.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.entries)
}

// New creates a driver for iface, or returns nil if no factory accepts it.
func (r *Registry) New(dev *Device, iface *InterfaceDescriptor) ClassDriver {
	if r == nil {
		return nil
	}
	r.mutex.RLock()
	entries := r.entries
	r.mutex.RUnlock()

	for i := range entries {
		if !entries[i].matches(iface) {
			continue
		}
		if drv := entries[i].factory(dev, iface); drv != nil {
			return drv
		}
	}
	return nil
}
