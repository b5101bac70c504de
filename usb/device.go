package usb

import (
	"fmt"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/softxhci/pkg"
)

// DescriptorBufferSize is the size of a device's descriptor scratch buffer.
const DescriptorBufferSize = 256

// Phase is the enumeration progress of a [Device].
type Phase int

// Enumeration phases. Each phase names the completion it is waiting for.
const (
	PhaseNotStarted              Phase = 0
	PhaseDeviceDescriptor        Phase = 1
	PhaseConfigurationDescriptor Phase = 2
	PhaseSetConfiguration        Phase = 3
	PhaseEndpointsConfigured     Phase = 4
)

// String returns a human-readable phase description.
func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not started"
	case PhaseDeviceDescriptor:
		return "device descriptor"
	case PhaseConfigurationDescriptor:
		return "configuration descriptor"
	case PhaseSetConfiguration:
		return "set configuration"
	case PhaseEndpointsConfigured:
		return "endpoints configured"
	default:
		return fmt.Sprintf("unknown phase (%d)", int(p))
	}
}

// Transport issues raw transfers for a [Device]. Implementations queue the
// transfer with the controller and return; the completion is reported later
// through [Device.OnControlCompleted] or [Device.OnInterruptCompleted] with
// buf trimmed to the bytes actually transferred.
type Transport interface {
	ControlIn(ep EndpointID, setup SetupData, buf []byte) error
	ControlOut(ep EndpointID, setup SetupData, buf []byte) error
	InterruptIn(ep EndpointID, buf []byte) error
	InterruptOut(ep EndpointID, buf []byte) error
}

// EndpointConfigurer is implemented by transports that must program
// controller state (rings, endpoint contexts) before class drivers start
// their steady-state transfers. ConfigureEndpoints only queues the work;
// the transport calls [Device.StartClassDrivers] once the controller has
// enabled the endpoints.
type EndpointConfigurer interface {
	ConfigureEndpoints(configs []EndpointConfig) error
}

// DeviceOption configures a [Device].
type DeviceOption func(*Device)

// WithClassRegistry selects the registry consulted for class drivers.
func WithClassRegistry(r *Registry) DeviceOption {
	return func(d *Device) {
		d.registry = r
	}
}

// WithLabel sets the identifier attached to the device's log records.
func WithLabel(label string) DeviceOption {
	return func(d *Device) {
		d.label = label
	}
}

// Device is a USB device attached to a root port, seen from the host.
//
// A Device owns its endpoint configurations, descriptor buffer and waiter
// table. It does not own the controller rings behind its [Transport].
// Device is not safe for concurrent use.
type Device struct {
	transport Transport
	registry  *Registry
	label     string

	buf        [DescriptorBufferSize]byte
	descriptor DeviceDescriptor
	config     ConfigurationDescriptor

	numConfigurations uint8
	configIndex       uint8
	configValue       uint8

	epConfigs    [MaxEndpoints]EndpointConfig
	numEPConfigs int

	// Indexed by endpoint number. Entry 0 is never bound.
	classDrivers [MaxEndpoints]ClassDriver

	waiters WaiterTable
	enum    enumeration

	phase       Phase
	initialized bool

	// Set while the transport is enabling the configured endpoints.
	awaitingEndpoints bool

	// The control request the current phase waits on.
	pending    SetupData
	hasPending bool
}

// enumeration is the responder registered for phase requests.
type enumeration struct {
	dev *Device
}

func (e *enumeration) OnControlCompleted(ep EndpointID, setup SetupData, buf []byte) error {
	return e.dev.onEnumerationCompleted(setup, buf)
}

// NewDevice creates a device that issues transfers through t.
func NewDevice(t Transport, opts ...DeviceOption) *Device {
	d := &Device{transport: t}
	d.enum.dev = d
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Label returns the device's log identifier.
func (d *Device) Label() string {
	return d.label
}

// Phase returns the current enumeration phase.
func (d *Device) Phase() Phase {
	return d.phase
}

// IsInitialized reports whether enumeration has finished.
func (d *Device) IsInitialized() bool {
	return d.initialized
}

// Descriptor returns the device descriptor received in phase 1.
func (d *Device) Descriptor() DeviceDescriptor {
	return d.descriptor
}

// Configuration returns the configuration descriptor received in phase 2.
func (d *Device) Configuration() ConfigurationDescriptor {
	return d.config
}

// NumConfigurations returns bNumConfigurations from the device descriptor.
func (d *Device) NumConfigurations() uint8 {
	return d.numConfigurations
}

// ConfigurationValue returns the value selected by SET_CONFIGURATION.
func (d *Device) ConfigurationValue() uint8 {
	return d.configValue
}

// Buffer returns the descriptor scratch buffer.
func (d *Device) Buffer() []byte {
	return d.buf[:]
}

// EndpointConfigs returns the endpoints discovered in phase 2.
// The returned slice references internal storage; do not modify.
func (d *Device) EndpointConfigs() []EndpointConfig {
	return d.epConfigs[:d.numEPConfigs]
}

// NumEndpointConfigs returns the number of discovered endpoints.
func (d *Device) NumEndpointConfigs() int {
	return d.numEPConfigs
}

// EndpointConfig returns the configuration of ep, if discovered.
func (d *Device) EndpointConfig(ep EndpointID) (EndpointConfig, bool) {
	for _, cfg := range d.EndpointConfigs() {
		if cfg.EPID == ep {
			return cfg, true
		}
	}
	return EndpointConfig{}, false
}

// ClassDriver returns the driver bound to endpoint number num.
func (d *Device) ClassDriver(num uint8) ClassDriver {
	if int(num) >= len(d.classDrivers) {
		return nil
	}
	return d.classDrivers[num]
}

// Waiters returns the number of control requests in flight.
func (d *Device) Waiters() int {
	return d.waiters.Len()
}

// StartInitialize (re)starts enumeration from phase 1 by requesting the
// device descriptor over the default control pipe.
func (d *Device) StartInitialize() error {
	d.phase = PhaseDeviceDescriptor
	d.initialized = false
	d.numEPConfigs = 0
	d.releaseClassDrivers()
	d.waiters.DeleteResponder(&d.enum)
	d.hasPending = false
	d.awaitingEndpoints = false

	pkg.LogDebug(pkg.ComponentEnumeration, "start initialize", "device", d.label)

	setup := GetDescriptorSetup(DescriptorTypeDevice, 0, uint16(len(d.buf)))
	if err := d.issue(setup, d.buf[:]); err != nil {
		return errors.Wrap(err, "request device descriptor")
	}
	return nil
}

// ControlIn issues a device-to-host control transfer on behalf of issuer.
// The waiter is registered before the transfer is queued, and removed again
// if queueing fails.
func (d *Device) ControlIn(ep EndpointID, setup SetupData, buf []byte, issuer Responder) error {
	return d.control(ep, setup, buf, issuer, true)
}

// ControlOut issues a host-to-device control transfer on behalf of issuer.
func (d *Device) ControlOut(ep EndpointID, setup SetupData, buf []byte, issuer Responder) error {
	return d.control(ep, setup, buf, issuer, false)
}

func (d *Device) control(ep EndpointID, setup SetupData, buf []byte, issuer Responder, in bool) error {
	if d.transport == nil {
		return errors.Wrap(pkg.ErrInvalidState, "device has no transport")
	}
	if issuer == nil {
		return errors.Wrap(pkg.ErrInvalidParameter, "control transfer without issuer")
	}
	if int(setup.Length) > len(buf) {
		return errors.Wrapf(pkg.ErrBufferTooSmall,
			"wLength %d, buffer %d", setup.Length, len(buf))
	}
	if err := d.waiters.Put(setup, issuer); err != nil {
		return err
	}

	var err error
	if in {
		err = d.transport.ControlIn(ep, setup, buf[:setup.Length])
	} else {
		err = d.transport.ControlOut(ep, setup, buf[:setup.Length])
	}
	if err != nil {
		d.waiters.Delete(setup)
		return err
	}
	return nil
}

// InterruptIn queues an interrupt IN transfer on a configured endpoint.
func (d *Device) InterruptIn(ep EndpointID, buf []byte) error {
	if err := d.checkInterrupt(ep, true); err != nil {
		return err
	}
	return d.transport.InterruptIn(ep, buf)
}

// InterruptOut queues an interrupt OUT transfer on a configured endpoint.
func (d *Device) InterruptOut(ep EndpointID, buf []byte) error {
	if err := d.checkInterrupt(ep, false); err != nil {
		return err
	}
	return d.transport.InterruptOut(ep, buf)
}

func (d *Device) checkInterrupt(ep EndpointID, in bool) error {
	if d.transport == nil {
		return errors.Wrap(pkg.ErrInvalidState, "device has no transport")
	}
	cfg, ok := d.EndpointConfig(ep)
	if !ok || cfg.Type != EndpointTypeInterrupt || ep.IsIn() != in {
		return errors.Wrapf(pkg.ErrInvalidEndpoint, "%v is not an interrupt endpoint", ep)
	}
	return nil
}

// OnControlCompleted routes a completed control transfer. A registered
// waiter for setup is removed and invoked. Otherwise a default-pipe
// completion matching the request the current phase issued advances
// enumeration; anything else fails with [pkg.ErrNoMatchingResponder].
func (d *Device) OnControlCompleted(ep EndpointID, setup SetupData, buf []byte) error {
	if r, ok := d.waiters.Get(setup); ok {
		d.waiters.Delete(setup)
		return r.OnControlCompleted(ep, setup, buf)
	}
	if ep == DefaultControlPipeID && d.hasPending && d.pending == setup {
		return d.onEnumerationCompleted(setup, buf)
	}
	return errors.Wrapf(pkg.ErrNoMatchingResponder, "%v setup %v", ep, setup)
}

// OnControlFailed releases the waiter of a control request that the
// controller completed with an error. Issuers implementing
// [FailureResponder] are notified; a failed phase request parks
// enumeration in its current phase. The returned error wraps cause.
func (d *Device) OnControlFailed(ep EndpointID, setup SetupData, cause error) error {
	r, ok := d.waiters.Get(setup)
	if !ok {
		return errors.Wrapf(pkg.ErrNoMatchingResponder, "%v setup %v", ep, setup)
	}
	d.waiters.Delete(setup)

	if r == &d.enum {
		d.hasPending = false
		return errors.Wrapf(cause, "enumeration phase %d", int(d.phase))
	}
	if f, ok := r.(FailureResponder); ok {
		if err := f.OnControlFailed(ep, setup, cause); err != nil {
			return err
		}
	}
	return errors.Wrapf(cause, "%v setup %v", ep, setup)
}

// OnInterruptCompleted routes a completed interrupt transfer to the class
// driver bound to the endpoint.
func (d *Device) OnInterruptCompleted(ep EndpointID, buf []byte) error {
	drv := d.ClassDriver(ep.Number())
	if drv == nil {
		return errors.Wrapf(pkg.ErrNoMatchingResponder, "no class driver on %v", ep)
	}
	return drv.OnInterruptCompleted(ep, buf)
}

// OnEndpointsConfigured programs the transport for the discovered
// endpoints. Class drivers start at once when the transport needs no
// endpoint setup; otherwise they start from [Device.StartClassDrivers].
func (d *Device) OnEndpointsConfigured() error {
	c, ok := d.transport.(EndpointConfigurer)
	if !ok {
		return d.startClassDrivers()
	}
	if err := c.ConfigureEndpoints(d.EndpointConfigs()); err != nil {
		return errors.Wrap(err, "configure endpoints")
	}
	d.awaitingEndpoints = true
	return nil
}

// StartClassDrivers is called by an [EndpointConfigurer] transport when the
// endpoints requested by ConfigureEndpoints are enabled. Every bound class
// driver starts its transfers and enumeration finishes.
func (d *Device) StartClassDrivers() error {
	if !d.awaitingEndpoints {
		return errors.Wrapf(pkg.ErrInvalidState, "no endpoint configuration pending in phase %v", d.phase)
	}
	d.awaitingEndpoints = false
	return d.startClassDrivers()
}

func (d *Device) startClassDrivers() error {
	for i, drv := range d.classDrivers {
		if drv == nil || d.boundEarlier(i, drv) {
			continue
		}
		if err := drv.OnEndpointsConfigured(); err != nil {
			return errors.Wrapf(err, "class driver on endpoint %d", i)
		}
	}
	d.initializePhase4()
	return nil
}

// releaseClassDrivers unbinds every class driver and drops the control
// requests they still have in flight.
func (d *Device) releaseClassDrivers() {
	for i, drv := range d.classDrivers {
		if drv == nil || d.boundEarlier(i, drv) {
			continue
		}
		d.waiters.DeleteResponder(drv)
	}
	d.classDrivers = [MaxEndpoints]ClassDriver{}
}

// boundEarlier reports whether drv is also bound to an endpoint number
// below i, so that each driver is notified once.
func (d *Device) boundEarlier(i int, drv ClassDriver) bool {
	for j := 0; j < i; j++ {
		if d.classDrivers[j] == drv {
			return true
		}
	}
	return false
}

// issue registers the enumeration responder and queues a phase request.
func (d *Device) issue(setup SetupData, buf []byte) error {
	d.pending, d.hasPending = setup, true

	var err error
	if setup.IsIn() {
		err = d.ControlIn(DefaultControlPipeID, setup, buf, &d.enum)
	} else {
		err = d.ControlOut(DefaultControlPipeID, setup, buf, &d.enum)
	}
	if err != nil {
		d.hasPending = false
	}
	return err
}

// advance moves to next and issues its request. On failure the device stays
// parked in the phase it was in.
func (d *Device) advance(next Phase, setup SetupData, buf []byte) error {
	prev := d.phase
	d.phase = next
	if err := d.issue(setup, buf); err != nil {
		d.phase = prev
		return err
	}
	return nil
}

func (d *Device) onEnumerationCompleted(setup SetupData, buf []byte) error {
	d.hasPending = false

	var err error
	switch d.phase {
	case PhaseDeviceDescriptor:
		err = d.initializePhase1(buf)
	case PhaseConfigurationDescriptor:
		err = d.initializePhase2(buf)
	case PhaseSetConfiguration:
		err = d.initializePhase3(uint8(setup.Value))
	default:
		err = errors.Wrapf(pkg.ErrInvalidState, "unexpected completion %v", setup)
	}
	if err != nil {
		return errors.Wrapf(err, "enumeration phase %d", int(d.phase))
	}
	return nil
}

func (d *Device) initializePhase1(buf []byte) error {
	if err := ParseDeviceDescriptor(buf, &d.descriptor); err != nil {
		return err
	}
	if d.descriptor.NumConfigurations == 0 {
		return errors.Wrap(pkg.ErrInvalidDescriptor, "device reports no configurations")
	}
	d.numConfigurations = d.descriptor.NumConfigurations
	d.configIndex = 0

	pkg.LogDebug(pkg.ComponentEnumeration, "device descriptor",
		"device", d.label,
		"vendorID", fmt.Sprintf("0x%04X", d.descriptor.VendorID),
		"productID", fmt.Sprintf("0x%04X", d.descriptor.ProductID),
		"class", d.descriptor.DeviceClass,
		"configurations", d.numConfigurations)

	setup := GetDescriptorSetup(DescriptorTypeConfiguration, d.configIndex, uint16(len(d.buf)))
	return d.advance(PhaseConfigurationDescriptor, setup, d.buf[:])
}

func (d *Device) initializePhase2(buf []byte) error {
	if err := ParseConfigurationDescriptor(buf, &d.config); err != nil {
		return err
	}
	total := int(d.config.TotalLength)
	truncated := total > len(buf)
	if truncated {
		pkg.LogWarn(pkg.ComponentEnumeration, "configuration truncated",
			"device", d.label, "totalLength", total, "received", len(buf))
		total = len(buf)
	}

	d.numEPConfigs = 0
	d.classDrivers = [MaxEndpoints]ClassDriver{}

	var (
		iface   InterfaceDescriptor
		ep      EndpointDescriptor
		driver  ClassDriver
		skip    bool
		ignored int
	)

	r := NewDescriptorReader(buf[:total])
	if truncated {
		r.AllowTruncated()
	}
	r.Next() // configuration header
	for desc := r.Next(); desc != nil; desc = r.Next() {
		switch desc[1] {
		case DescriptorTypeInterface:
			if err := ParseInterfaceDescriptor(desc, &iface); err != nil {
				return err
			}
			// Endpoints of alternate settings are not active after
			// SET_CONFIGURATION.
			skip = iface.AlternateSetting != 0
			driver = nil
			if !skip {
				driver = d.bindClassDriver(&iface)
			}

		case DescriptorTypeEndpoint:
			if skip {
				continue
			}
			if err := ParseEndpointDescriptor(desc, &ep); err != nil {
				return err
			}
			if d.numEPConfigs >= MaxEndpoints {
				ignored++
				continue
			}
			cfg := NewEndpointConfig(&ep)
			d.epConfigs[d.numEPConfigs] = cfg
			d.numEPConfigs++
			if driver != nil {
				d.classDrivers[cfg.EPID.Number()] = driver
				if err := driver.SetEndpoint(cfg); err != nil {
					pkg.LogWarn(pkg.ComponentClass, "class driver rejected endpoint",
						"device", d.label, "endpoint", cfg.EPID, "error", err)
				}
			}
		}
	}
	if err := r.Err(); err != nil {
		return err
	}
	if ignored > 0 {
		pkg.LogDebug(pkg.ComponentEnumeration, "endpoints beyond capacity ignored",
			"device", d.label, "ignored", ignored)
	}

	pkg.LogDebug(pkg.ComponentEnumeration, "configuration descriptor",
		"device", d.label,
		"value", d.config.ConfigurationValue,
		"interfaces", d.config.NumInterfaces,
		"endpoints", d.numEPConfigs)

	return d.advance(PhaseSetConfiguration, SetConfigurationSetup(d.config.ConfigurationValue), nil)
}

// bindClassDriver instantiates and initializes the driver for iface.
func (d *Device) bindClassDriver(iface *InterfaceDescriptor) ClassDriver {
	drv := d.registry.New(d, iface)
	if drv == nil {
		return nil
	}
	if err := drv.Initialize(); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "class driver initialization failed",
			"device", d.label, "interface", iface.InterfaceNumber, "error", err)
		return nil
	}
	pkg.LogDebug(pkg.ComponentClass, "class driver bound",
		"device", d.label,
		"interface", iface.InterfaceNumber,
		"class", iface.InterfaceClass,
		"protocol", iface.InterfaceProtocol)
	return drv
}

func (d *Device) initializePhase3(configValue uint8) error {
	d.configValue = configValue
	d.phase = PhaseEndpointsConfigured
	return d.OnEndpointsConfigured()
}

func (d *Device) initializePhase4() {
	d.initialized = true
	pkg.LogInfo(pkg.ComponentEnumeration, "device initialized",
		"device", d.label,
		"vendorID", fmt.Sprintf("0x%04X", d.descriptor.VendorID),
		"productID", fmt.Sprintf("0x%04X", d.descriptor.ProductID),
		"configuration", d.configValue,
		"endpoints", d.numEPConfigs)
}
