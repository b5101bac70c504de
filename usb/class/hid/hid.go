package hid

import (
	"github.com/efficientgo/core/errors"

	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/usb"
)

// MaxReportSize is the maximum HID report size.
const MaxReportSize = 64

// Listener receives each input report. report is only valid for the
// duration of the call.
type Listener func(d *Driver, report []byte)

// Driver is the host-side HID class driver for one interface.
type Driver struct {
	dev   *usb.Device
	iface usb.InterfaceDescriptor

	inEP   usb.EndpointConfig
	outEP  usb.EndpointConfig
	hasIn  bool
	hasOut bool

	listener Listener

	// Buffers (zero-allocation)
	reportBuf [MaxReportSize]byte

	bootSelected bool
	polling      bool
	reports      uint64
}

// New creates a driver for iface of dev.
func New(dev *usb.Device, iface *usb.InterfaceDescriptor, listener Listener) *Driver {
	return &Driver{
		dev:      dev,
		iface:    *iface,
		listener: listener,
	}
}

// Factory returns a [usb.ClassDriverFactory] producing drivers that report
// to listener.
func Factory(listener Listener) usb.ClassDriverFactory {
	return func(dev *usb.Device, iface *usb.InterfaceDescriptor) usb.ClassDriver {
		if iface.InterfaceClass != usb.ClassHID {
			return nil
		}
		return New(dev, iface, listener)
	}
}

// Register adds the HID driver to r for every HID interface.
func Register(r *usb.Registry, listener Listener) {
	r.Register(usb.ClassHID, usb.MatchAny, usb.MatchAny, Factory(listener))
}

// Device returns the device the driver is bound to.
func (d *Driver) Device() *usb.Device {
	return d.dev
}

// Interface returns the interface descriptor the driver is bound to.
func (d *Driver) Interface() usb.InterfaceDescriptor {
	return d.iface
}

// Protocol returns the interface protocol (keyboard, mouse, or none).
func (d *Driver) Protocol() uint8 {
	return d.iface.InterfaceProtocol
}

// InEndpoint returns the interrupt IN endpoint, if one was declared.
func (d *Driver) InEndpoint() (usb.EndpointConfig, bool) {
	return d.inEP, d.hasIn
}

// BootProtocol reports whether SET_PROTOCOL(boot) has completed.
func (d *Driver) BootProtocol() bool {
	return d.bootSelected
}

// Reports returns the number of input reports received.
func (d *Driver) Reports() uint64 {
	return d.reports
}

// Initialize implements [usb.ClassDriver].
func (d *Driver) Initialize() error {
	d.hasIn, d.hasOut = false, false
	d.bootSelected = false
	d.polling = false
	d.reports = 0
	return nil
}

// SetEndpoint implements [usb.ClassDriver]. Only interrupt endpoints are
// used; others are ignored.
func (d *Driver) SetEndpoint(cfg usb.EndpointConfig) error {
	if cfg.Type != usb.EndpointTypeInterrupt {
		return nil
	}
	if cfg.EPID.IsIn() {
		d.inEP, d.hasIn = cfg, true
	} else {
		d.outEP, d.hasOut = cfg, true
	}
	return nil
}

// OnEndpointsConfigured implements [usb.ClassDriver].
func (d *Driver) OnEndpointsConfigured() error {
	if !d.hasIn {
		return errors.Wrapf(pkg.ErrInvalidEndpoint,
			"HID interface %d has no interrupt IN endpoint", d.iface.InterfaceNumber)
	}

	if d.iface.InterfaceSubClass == SubclassBoot {
		setup := usb.SetProtocolSetup(d.iface.InterfaceNumber, ProtocolBoot)
		return d.dev.ControlOut(usb.DefaultControlPipeID, setup, nil, d)
	}
	return d.poll()
}

// OnControlCompleted implements [usb.Responder].
func (d *Driver) OnControlCompleted(ep usb.EndpointID, setup usb.SetupData, buf []byte) error {
	if setup.Request != usb.RequestHIDSetProtocol {
		return errors.Wrapf(pkg.ErrNotSupported, "HID completion %v", setup)
	}
	d.bootSelected = setup.Value == ProtocolBoot
	pkg.LogDebug(pkg.ComponentClass, "HID protocol selected",
		"device", d.dev.Label(),
		"interface", d.iface.InterfaceNumber,
		"boot", d.bootSelected)
	return d.poll()
}

// OnControlFailed implements [usb.FailureResponder]. Devices that stall
// SET_PROTOCOL keep their default protocol; polling starts regardless.
func (d *Driver) OnControlFailed(ep usb.EndpointID, setup usb.SetupData, cause error) error {
	pkg.LogWarn(pkg.ComponentClass, "HID request failed",
		"device", d.dev.Label(),
		"interface", d.iface.InterfaceNumber,
		"setup", setup,
		"error", cause)
	return d.poll()
}

// OnInterruptCompleted implements [usb.ClassDriver]. The report is passed
// to the listener and the next transfer is queued.
func (d *Driver) OnInterruptCompleted(ep usb.EndpointID, buf []byte) error {
	if d.hasOut && ep == d.outEP.EPID {
		return nil
	}
	if !d.hasIn || ep != d.inEP.EPID {
		return errors.Wrapf(pkg.ErrInvalidEndpoint, "HID report on %v", ep)
	}
	d.polling = false
	d.reports++
	if d.listener != nil {
		d.listener(d, buf)
	}
	return d.poll()
}

// SendOutputReport queues data on the interrupt OUT endpoint, e.g. keyboard
// LED state.
func (d *Driver) SendOutputReport(data []byte) error {
	if !d.hasOut {
		return errors.Wrapf(pkg.ErrNotSupported,
			"HID interface %d has no interrupt OUT endpoint", d.iface.InterfaceNumber)
	}
	return d.dev.InterruptOut(d.outEP.EPID, data)
}

// poll queues one interrupt IN transfer unless one is already pending.
func (d *Driver) poll() error {
	if d.polling {
		return nil
	}
	n := int(d.inEP.MaxPacketSize)
	if n == 0 || n > len(d.reportBuf) {
		n = len(d.reportBuf)
	}
	if err := d.dev.InterruptIn(d.inEP.EPID, d.reportBuf[:n]); err != nil {
		return errors.Wrap(err, "queue HID report transfer")
	}
	d.polling = true
	return nil
}
