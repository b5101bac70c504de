package usb

import (
	"encoding/binary"
	"fmt"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/softxhci/pkg"
)

// Standard request codes (USB 2.0 Spec Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
)

// HID class request codes (HID 1.11 section 7.2).
const (
	RequestHIDGetReport   = 0x01
	RequestHIDGetIdle     = 0x02
	RequestHIDGetProtocol = 0x03
	RequestHIDSetReport   = 0x09
	RequestHIDSetIdle     = 0x0A
	RequestHIDSetProtocol = 0x0B
)

// Request types (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00 // Standard request
	RequestTypeClass     = 0x20 // Class-specific request
	RequestTypeVendor    = 0x40 // Vendor-specific request
	RequestTypeDevice    = 0x00 // Recipient: device
	RequestTypeInterface = 0x01 // Recipient: interface
	RequestTypeEndpoint  = 0x02 // Recipient: endpoint
	RequestTypeOther     = 0x03 // Recipient: other
)

// SetupDataSize is the size of a SETUP packet on the wire.
const SetupDataSize = 8

// SetupData is the 8-byte header of a control transfer. It is comparable
// and is used as the correlation key for in-flight control requests.
type SetupData struct {
	RequestType uint8  // bmRequestType
	Request     uint8  // bRequest
	Value       uint16 // wValue
	Index       uint16 // wIndex
	Length      uint16 // wLength
}

// ParseSetupData decodes a little-endian SETUP packet.
func ParseSetupData(data []byte, out *SetupData) error {
	if len(data) < SetupDataSize {
		return errors.Wrapf(pkg.ErrInvalidParameter, "setup packet is %d bytes", len(data))
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:])
	out.Index = binary.LittleEndian.Uint16(data[4:])
	out.Length = binary.LittleEndian.Uint16(data[6:])
	return nil
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s SetupData) MarshalTo(buf []byte) int {
	if len(buf) < SetupDataSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:], s.Value)
	binary.LittleEndian.PutUint16(buf[4:], s.Index)
	binary.LittleEndian.PutUint16(buf[6:], s.Length)
	return SetupDataSize
}

// Uint64 returns the packet as the little-endian quadword an xHCI Setup
// Stage TRB carries immediately in its parameter field.
func (s SetupData) Uint64() uint64 {
	var buf [SetupDataSize]byte
	s.MarshalTo(buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// SetupDataFromUint64 is the inverse of [SetupData.Uint64].
func SetupDataFromUint64(v uint64) SetupData {
	var (
		buf [SetupDataSize]byte
		s   SetupData
	)
	binary.LittleEndian.PutUint64(buf[:], v)
	_ = ParseSetupData(buf[:], &s)
	return s
}

// IsIn reports whether the data stage flows from device to host.
func (s SetupData) IsIn() bool {
	return s.RequestType&RequestTypeIn != 0
}

// String returns a compact representation for logging.
func (s SetupData) String() string {
	return fmt.Sprintf("{type=0x%02X req=0x%02X value=0x%04X index=%d len=%d}",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}

// GetDescriptorSetup builds a standard GET_DESCRIPTOR request.
func GetDescriptorSetup(descType, descIndex uint8, length uint16) SetupData {
	return SetupData{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       0,
		Length:      length,
	}
}

// SetConfigurationSetup builds a standard SET_CONFIGURATION request.
func SetConfigurationSetup(value uint8) SetupData {
	return SetupData{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
}

// SetProtocolSetup builds a HID SET_PROTOCOL request for an interface.
func SetProtocolSetup(iface uint8, protocol uint16) SetupData {
	return SetupData{
		RequestType: RequestTypeOut | RequestTypeClass | RequestTypeInterface,
		Request:     RequestHIDSetProtocol,
		Value:       protocol,
		Index:       uint16(iface),
	}
}
