package usb

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/softxhci/pkg"
)

// Descriptor types.
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeDeviceQualifier      = 0x06
	DescriptorTypeOtherSpeedConfig     = 0x07
	DescriptorTypeInterfacePower       = 0x08
	DescriptorTypeInterfaceAssociation = 0x0B
	DescriptorTypeHID                  = 0x21
	DescriptorTypeHIDReport            = 0x22
)

// Class codes (bDeviceClass / bInterfaceClass).
const (
	ClassPerInterface = 0x00
	ClassAudio        = 0x01
	ClassCDC          = 0x02
	ClassHID          = 0x03
	ClassMassStorage  = 0x08
	ClassHub          = 0x09
	ClassVendor       = 0xFF
)

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
	HIDDescriptorSize           = 9
)

// DeviceDescriptor represents a USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor parses a device descriptor from data.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if err := checkDescriptor(data, DeviceDescriptorSize, DescriptorTypeDevice); err != nil {
		return err
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = binary.LittleEndian.Uint16(data[2:])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:])
	out.ProductID = binary.LittleEndian.Uint16(data[10:])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return nil
}

// MarshalTo writes the descriptor to buf and returns the bytes written,
// or 0 if buf is too small.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// ConfigurationDescriptor represents a USB configuration descriptor header.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ParseConfigurationDescriptor parses a configuration descriptor header.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	if err := checkDescriptor(data, ConfigurationDescriptorSize, DescriptorTypeConfiguration); err != nil {
		return err
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.TotalLength = binary.LittleEndian.Uint16(data[2:])
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return nil
}

// MarshalTo writes the header to buf and returns the bytes written, or 0
// if buf is too small.
func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < ConfigurationDescriptorSize {
		return 0
	}
	buf[0] = ConfigurationDescriptorSize
	buf[1] = DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(buf[2:], c.TotalLength)
	buf[4] = c.NumInterfaces
	buf[5] = c.ConfigurationValue
	buf[6] = c.ConfigurationIndex
	buf[7] = c.Attributes
	buf[8] = c.MaxPower
	return ConfigurationDescriptorSize
}

// InterfaceDescriptor represents a USB interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// ParseInterfaceDescriptor parses an interface descriptor.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) error {
	if err := checkDescriptor(data, InterfaceDescriptorSize, DescriptorTypeInterface); err != nil {
		return err
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return nil
}

// MarshalTo writes the descriptor to buf and returns the bytes written,
// or 0 if buf is too small.
func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < InterfaceDescriptorSize {
		return 0
	}
	buf[0] = InterfaceDescriptorSize
	buf[1] = DescriptorTypeInterface
	buf[2] = i.InterfaceNumber
	buf[3] = i.AlternateSetting
	buf[4] = i.NumEndpoints
	buf[5] = i.InterfaceClass
	buf[6] = i.InterfaceSubClass
	buf[7] = i.InterfaceProtocol
	buf[8] = i.InterfaceIndex
	return InterfaceDescriptorSize
}

// EndpointDescriptor represents a USB endpoint descriptor.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// ParseEndpointDescriptor parses an endpoint descriptor.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) error {
	if err := checkDescriptor(data, EndpointDescriptorSize, DescriptorTypeEndpoint); err != nil {
		return err
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = binary.LittleEndian.Uint16(data[4:])
	out.Interval = data[6]
	return nil
}

// MarshalTo writes the descriptor to buf and returns the bytes written,
// or 0 if buf is too small.
func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	buf[0] = EndpointDescriptorSize
	buf[1] = DescriptorTypeEndpoint
	buf[2] = e.EndpointAddress
	buf[3] = e.Attributes
	binary.LittleEndian.PutUint16(buf[4:], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() EndpointType {
	return EndpointType(e.Attributes & 0x03)
}

// IsIn returns true if this is an IN endpoint.
func (e *EndpointDescriptor) IsIn() bool {
	return e.EndpointAddress&EndpointDirectionIn != 0
}

// HIDDescriptor represents a HID class descriptor with one subordinate
// descriptor entry.
type HIDDescriptor struct {
	Length         uint8
	DescriptorType uint8
	HIDVersion     uint16
	CountryCode    uint8
	NumDescriptors uint8
	ReportType     uint8
	ReportLength   uint16
}

// ParseHIDDescriptor parses a HID descriptor.
func ParseHIDDescriptor(data []byte, out *HIDDescriptor) error {
	if err := checkDescriptor(data, HIDDescriptorSize, DescriptorTypeHID); err != nil {
		return err
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.HIDVersion = binary.LittleEndian.Uint16(data[2:])
	out.CountryCode = data[4]
	out.NumDescriptors = data[5]
	out.ReportType = data[6]
	out.ReportLength = binary.LittleEndian.Uint16(data[7:])
	return nil
}

// MarshalTo writes the descriptor to buf and returns the bytes written,
// or 0 if buf is too small.
func (h *HIDDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < HIDDescriptorSize {
		return 0
	}
	buf[0] = HIDDescriptorSize
	buf[1] = DescriptorTypeHID
	binary.LittleEndian.PutUint16(buf[2:], h.HIDVersion)
	buf[4] = h.CountryCode
	buf[5] = h.NumDescriptors
	buf[6] = h.ReportType
	binary.LittleEndian.PutUint16(buf[7:], h.ReportLength)
	return HIDDescriptorSize
}

// checkDescriptor validates the common bLength/bDescriptorType header.
func checkDescriptor(data []byte, size int, descType uint8) error {
	if len(data) < size {
		return errors.Wrapf(pkg.ErrInvalidDescriptor,
			"descriptor type 0x%02X: %d bytes, need %d", descType, len(data), size)
	}
	if int(data[0]) < size {
		return errors.Wrapf(pkg.ErrInvalidDescriptor,
			"descriptor type 0x%02X: bLength %d, need %d", descType, data[0], size)
	}
	if data[1] != descType {
		return errors.Wrapf(pkg.ErrInvalidDescriptor,
			"descriptor type 0x%02X, want 0x%02X", data[1], descType)
	}
	return nil
}

// DescriptorReader walks the descriptors packed in a configuration blob.
type DescriptorReader struct {
	data      []byte
	pos       int
	err       error
	truncated bool
}

// NewDescriptorReader returns a reader over data. Reading stops at the end
// of data or at the first malformed length field.
func NewDescriptorReader(data []byte) *DescriptorReader {
	return &DescriptorReader{data: data}
}

// Next returns the next descriptor, or nil when the blob is exhausted or a
// malformed entry is found (see [DescriptorReader.Err]).
func (r *DescriptorReader) Next() []byte {
	if r.err != nil || r.pos+2 > len(r.data) {
		return nil
	}
	length := int(r.data[r.pos])
	if length >= 2 && r.pos+length > len(r.data) && r.truncated {
		r.pos = len(r.data)
		return nil
	}
	if length < 2 || r.pos+length > len(r.data) {
		r.err = errors.Wrapf(pkg.ErrInvalidDescriptor,
			"descriptor at offset %d has bLength %d", r.pos, length)
		return nil
	}
	desc := r.data[r.pos : r.pos+length]
	r.pos += length
	return desc
}

// AllowTruncated makes a descriptor that runs past the end of the data end
// iteration instead of failing it. Use it when the blob was cut short by
// the receive buffer.
func (r *DescriptorReader) AllowTruncated() {
	r.truncated = true
}

// Err returns the error that stopped iteration, if any.
func (r *DescriptorReader) Err() error {
	return r.err
}
