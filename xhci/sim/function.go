package sim

import (
	"slices"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/mitchellh/mapstructure"

	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/usb"
	"github.com/ardnew/softxhci/usb/class/hid"
)

// Function kinds.
const (
	KindKeyboard = "keyboard"
	KindMouse    = "mouse"
)

// Default identity of simulated functions (pid.codes test VID).
const (
	DefaultVendorID  = 0x1209
	DefaultProductID = 0x0001
)

// FunctionSpec describes a simulated HID function. It is decoded from
// configuration with mapstructure.
type FunctionSpec struct {
	Kind      string `mapstructure:"kind"`       // keyboard or mouse
	Port      uint8  `mapstructure:"port"`       // 1-based root hub port
	Speed     string `mapstructure:"speed"`      // low, full or high
	VendorID  uint16 `mapstructure:"vendor_id"`  // idVendor
	ProductID uint16 `mapstructure:"product_id"` // idProduct
	Interval  uint8  `mapstructure:"interval"`   // bInterval of the IN endpoint
	Boot      bool   `mapstructure:"boot"`       // advertise the boot subclass
}

// DecodeFunctionSpecs decodes a list of function specs from generic
// configuration data, such as the value of a viper key.
func DecodeFunctionSpecs(raw any) ([]FunctionSpec, error) {
	var specs []FunctionSpec
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &specs,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "decode functions: %v", err)
	}
	return specs, nil
}

// ParseSpeed maps a speed name to its port speed ID.
func ParseSpeed(name string) (usb.Speed, bool) {
	switch strings.ToLower(name) {
	case "low":
		return usb.SpeedLow, true
	case "", "full":
		return usb.SpeedFull, true
	case "high":
		return usb.SpeedHigh, true
	case "super":
		return usb.SpeedSuper, true
	default:
		return 0, false
	}
}

// Function is a simulated USB function behind a root hub port. It answers
// control requests from canned descriptors and delivers queued reports on
// its interrupt IN endpoint.
type Function struct {
	kind  string
	speed usb.Speed

	device []byte
	config []byte
	report []byte
	inEP   usb.EndpointID

	configValue uint8
	protocol    uint8
	idle        uint8

	queued   [][]byte
	output   [][]byte
	requests []usb.SetupData
	stalls   map[uint8]bool
}

// NewFunction builds a function from spec.
func NewFunction(spec FunctionSpec) (*Function, error) {
	speed, ok := ParseSpeed(spec.Speed)
	if !ok {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "unknown speed %q", spec.Speed)
	}

	var protocol uint8
	switch strings.ToLower(spec.Kind) {
	case KindKeyboard:
		protocol = hid.ProtocolKeyboard
	case KindMouse:
		protocol = hid.ProtocolMouse
	default:
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "unknown function kind %q", spec.Kind)
	}

	f := &Function{
		kind:     strings.ToLower(spec.Kind),
		speed:    speed,
		report:   hid.ReportDescriptor(protocol),
		inEP:     usb.EndpointIDFromAddress(usb.EndpointDirectionIn | 1),
		protocol: hid.ProtocolReport,
		stalls:   make(map[uint8]bool),
	}

	vid, pid := spec.VendorID, spec.ProductID
	if vid == 0 {
		vid = DefaultVendorID
	}
	if pid == 0 {
		pid = DefaultProductID
	}
	mps0 := speed.MaxPacketSize0()
	if mps0 > 64 {
		mps0 = 9 // SuperSpeed encodes 2^9
	}
	dev := usb.DeviceDescriptor{
		USBVersion:        0x0200,
		MaxPacketSize0:    uint8(mps0),
		VendorID:          vid,
		ProductID:         pid,
		DeviceVersion:     0x0100,
		NumConfigurations: 1,
	}
	f.device = make([]byte, usb.DeviceDescriptorSize)
	dev.MarshalTo(f.device)

	interval := spec.Interval
	if interval == 0 {
		interval = 10
	}
	var subclass uint8 = hid.SubclassNone
	if spec.Boot {
		subclass = hid.SubclassBoot
	}
	f.config = buildConfiguration(subclass, protocol, uint16(len(f.report)), interval)
	return f, nil
}

func buildConfiguration(subclass, protocol uint8, reportLength uint16, interval uint8) []byte {
	const total = usb.ConfigurationDescriptorSize + usb.InterfaceDescriptorSize +
		usb.HIDDescriptorSize + usb.EndpointDescriptorSize
	buf := make([]byte, total)
	n := 0

	cfg := usb.ConfigurationDescriptor{
		TotalLength:        total,
		NumInterfaces:      1,
		ConfigurationValue: 1,
		Attributes:         0xA0, // Bus powered, remote wakeup
		MaxPower:           50,
	}
	n += cfg.MarshalTo(buf[n:])

	iface := usb.InterfaceDescriptor{
		NumEndpoints:      1,
		InterfaceClass:    usb.ClassHID,
		InterfaceSubClass: subclass,
		InterfaceProtocol: protocol,
	}
	n += iface.MarshalTo(buf[n:])

	desc := usb.HIDDescriptor{
		HIDVersion:     0x0111,
		NumDescriptors: 1,
		ReportType:     usb.DescriptorTypeHIDReport,
		ReportLength:   reportLength,
	}
	n += desc.MarshalTo(buf[n:])

	ep := usb.EndpointDescriptor{
		EndpointAddress: usb.EndpointDirectionIn | 1,
		Attributes:      uint8(usb.EndpointTypeInterrupt),
		MaxPacketSize:   8,
		Interval:        interval,
	}
	ep.MarshalTo(buf[n:])
	return buf
}

// Kind returns the function kind.
func (f *Function) Kind() string {
	return f.kind
}

// Speed returns the speed the function connects at.
func (f *Function) Speed() usb.Speed {
	return f.speed
}

// ConfigurationValue returns the value of the last SET_CONFIGURATION.
func (f *Function) ConfigurationValue() uint8 {
	return f.configValue
}

// Protocol returns the HID protocol selected by the host.
func (f *Function) Protocol() uint8 {
	return f.protocol
}

// Requests returns every control request received, in order.
func (f *Function) Requests() []usb.SetupData {
	return slices.Clone(f.requests)
}

// Output returns the output reports received through SET_REPORT or the
// interrupt OUT pipe.
func (f *Function) Output() [][]byte {
	return slices.Clone(f.output)
}

// Queued returns the number of reports waiting for an IN transfer.
func (f *Function) Queued() int {
	return len(f.queued)
}

// Stall makes every later request with the given bRequest fail with a
// STALL handshake.
func (f *Function) Stall(request uint8) {
	f.stalls[request] = true
}

func (f *Function) enqueue(report []byte) {
	f.queued = append(f.queued, slices.Clone(report))
}

// control answers one control request. For IN requests the returned
// bytes are the data stage; out carries the OUT data stage.
func (f *Function) control(setup usb.SetupData, out []byte) ([]byte, error) {
	f.requests = append(f.requests, setup)
	if f.stalls[setup.Request] {
		return nil, errors.Wrapf(pkg.ErrStall, "request 0x%02X", setup.Request)
	}

	switch setup.RequestType & 0x60 {
	case usb.RequestTypeStandard:
		return f.standard(setup)
	case usb.RequestTypeClass:
		return f.class(setup, out)
	}
	return nil, errors.Wrapf(pkg.ErrStall, "unsupported request type 0x%02X", setup.RequestType)
}

func (f *Function) standard(setup usb.SetupData) ([]byte, error) {
	switch setup.Request {
	case usb.RequestGetDescriptor:
		switch uint8(setup.Value >> 8) {
		case usb.DescriptorTypeDevice:
			return f.device, nil
		case usb.DescriptorTypeConfiguration:
			if uint8(setup.Value) == 0 {
				return f.config, nil
			}
		case usb.DescriptorTypeHIDReport:
			return f.report, nil
		}
		return nil, errors.Wrapf(pkg.ErrStall, "no descriptor 0x%04X", setup.Value)
	case usb.RequestSetAddress, usb.RequestSetInterface,
		usb.RequestSetFeature, usb.RequestClearFeature:
		return nil, nil
	case usb.RequestSetConfiguration:
		f.configValue = uint8(setup.Value)
		return nil, nil
	case usb.RequestGetConfiguration:
		return []byte{f.configValue}, nil
	case usb.RequestGetStatus:
		return []byte{0, 0}, nil
	}
	return nil, errors.Wrapf(pkg.ErrStall, "standard request 0x%02X", setup.Request)
}

func (f *Function) class(setup usb.SetupData, out []byte) ([]byte, error) {
	switch setup.Request {
	case usb.RequestHIDSetProtocol:
		f.protocol = uint8(setup.Value)
		return nil, nil
	case usb.RequestHIDGetProtocol:
		return []byte{f.protocol}, nil
	case usb.RequestHIDSetIdle:
		f.idle = uint8(setup.Value >> 8)
		return nil, nil
	case usb.RequestHIDGetIdle:
		return []byte{f.idle}, nil
	case usb.RequestHIDSetReport:
		f.output = append(f.output, slices.Clone(out))
		return nil, nil
	}
	return nil, errors.Wrapf(pkg.ErrStall, "class request 0x%02X", setup.Request)
}

// interruptIn returns the next queued report, or false to NAK.
func (f *Function) interruptIn(ep usb.EndpointID) ([]byte, bool) {
	if ep != f.inEP || len(f.queued) == 0 {
		return nil, false
	}
	report := f.queued[0]
	f.queued = f.queued[1:]
	return report, true
}

func (f *Function) interruptOut(data []byte) {
	f.output = append(f.output, slices.Clone(data))
}
