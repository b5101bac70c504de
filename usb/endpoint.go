package usb

import "fmt"

// MaxEndpoints is the number of endpoint numbers on a device (0-15), and the
// capacity of a device's endpoint configuration table.
const MaxEndpoints = 16

// EndpointType is the transfer type of an endpoint (bmAttributes bits 1:0).
type EndpointType uint8

// Endpoint transfer types (USB 2.0 Spec Table 9-13).
const (
	EndpointTypeControl     EndpointType = 0 // Control transfer
	EndpointTypeIsochronous EndpointType = 1 // Isochronous transfer
	EndpointTypeBulk        EndpointType = 2 // Bulk transfer
	EndpointTypeInterrupt   EndpointType = 3 // Interrupt transfer
)

// String returns the transfer type name.
func (t EndpointType) String() string {
	switch t {
	case EndpointTypeControl:
		return "control"
	case EndpointTypeIsochronous:
		return "isochronous"
	case EndpointTypeBulk:
		return "bulk"
	case EndpointTypeInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Endpoint address bits (bEndpointAddress).
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
	endpointNumberMask   = 0x0F
)

// EndpointID identifies a logical channel by endpoint number and direction,
// packed as number<<1 | in. Control endpoints are bidirectional and are
// always addressed as IN.
//
// The packed value equals the xHCI Device Context Index of the endpoint.
type EndpointID uint8

// DefaultControlPipeID addresses endpoint 0.
const DefaultControlPipeID = EndpointID(0<<1 | 1)

// NewEndpointID composes an EndpointID from an endpoint number (0-15) and
// direction. Callers addressing a control endpoint must pass in=true.
func NewEndpointID(num uint8, in bool) EndpointID {
	id := EndpointID((num & endpointNumberMask) << 1)
	if in {
		id |= 1
	}
	return id
}

// EndpointIDFromAddress converts a USB endpoint address (bit 7 = IN) into an
// EndpointID.
func EndpointIDFromAddress(addr uint8) EndpointID {
	return NewEndpointID(addr&endpointNumberMask, addr&EndpointDirectionIn != 0)
}

// Address returns the packed address (0-31).
func (e EndpointID) Address() uint8 {
	return uint8(e)
}

// Number returns the endpoint number (0-15).
func (e EndpointID) Number() uint8 {
	return uint8(e) >> 1
}

// IsIn returns true for IN endpoints and for control endpoints.
func (e EndpointID) IsIn() bool {
	return e&1 != 0
}

// USBAddress returns the endpoint in bEndpointAddress form.
func (e EndpointID) USBAddress() uint8 {
	if e.IsIn() && e.Number() != 0 {
		return e.Number() | EndpointDirectionIn
	}
	return e.Number()
}

// DCI returns the xHCI Device Context Index (1-31) for this endpoint.
func (e EndpointID) DCI() uint8 {
	return uint8(e)
}

// String returns a compact representation such as "ep1in".
func (e EndpointID) String() string {
	dir := "out"
	if e.IsIn() {
		dir = "in"
	}
	return fmt.Sprintf("ep%d%s", e.Number(), dir)
}

// EndpointConfig describes an endpoint discovered during enumeration.
type EndpointConfig struct {
	EPID          EndpointID
	Type          EndpointType
	MaxPacketSize uint16 // Bytes per packet
	Interval      uint8  // Service interval, 125us * 2^(Interval-1) for high speed
}

// NewEndpointConfig derives an EndpointConfig from an endpoint descriptor.
func NewEndpointConfig(desc *EndpointDescriptor) EndpointConfig {
	return EndpointConfig{
		EPID:          EndpointIDFromAddress(desc.EndpointAddress),
		Type:          desc.TransferType(),
		MaxPacketSize: desc.MaxPacketSize & 0x07FF,
		Interval:      desc.Interval,
	}
}
