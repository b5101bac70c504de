package usb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// EndpointID Tests
// =============================================================================

func TestEndpointID_Packing(t *testing.T) {
	tests := []struct {
		num     uint8
		in      bool
		addr    uint8
		usbAddr uint8
		str     string
	}{
		{0, true, 1, 0x00, "ep0in"},
		{1, true, 3, 0x81, "ep1in"},
		{1, false, 2, 0x01, "ep1out"},
		{2, false, 4, 0x02, "ep2out"},
		{15, true, 31, 0x8F, "ep15in"},
	}

	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			id := NewEndpointID(tt.num, tt.in)
			assert.Equal(t, tt.addr, id.Address())
			assert.Equal(t, tt.addr, id.DCI())
			assert.Equal(t, tt.num, id.Number())
			assert.Equal(t, tt.in, id.IsIn())
			assert.Equal(t, tt.usbAddr, id.USBAddress())
			assert.Equal(t, tt.str, id.String())
		})
	}
}

func TestEndpointID_DefaultControlPipe(t *testing.T) {
	assert.Equal(t, uint8(1), DefaultControlPipeID.Address())
	assert.Equal(t, uint8(0), DefaultControlPipeID.Number())
	assert.True(t, DefaultControlPipeID.IsIn())
}

func TestEndpointIDFromAddress(t *testing.T) {
	assert.Equal(t, NewEndpointID(1, true), EndpointIDFromAddress(0x81))
	assert.Equal(t, NewEndpointID(2, false), EndpointIDFromAddress(0x02))
	// Reserved bits 6:4 are ignored.
	assert.Equal(t, NewEndpointID(3, true), EndpointIDFromAddress(0xF3))
}

// =============================================================================
// EndpointConfig Tests
// =============================================================================

func TestNewEndpointConfig(t *testing.T) {
	desc := EndpointDescriptor{
		Length:          EndpointDescriptorSize,
		DescriptorType:  DescriptorTypeEndpoint,
		EndpointAddress: 0x81,
		Attributes:      0x03,
		MaxPacketSize:   0x1808, // high-bandwidth bits set
		Interval:        10,
	}

	cfg := NewEndpointConfig(&desc)
	assert.Equal(t, NewEndpointID(1, true), cfg.EPID)
	assert.Equal(t, EndpointTypeInterrupt, cfg.Type)
	assert.Equal(t, uint16(8), cfg.MaxPacketSize)
	assert.Equal(t, uint8(10), cfg.Interval)
}

func TestEndpointType_String(t *testing.T) {
	tests := []struct {
		typ      EndpointType
		expected string
	}{
		{EndpointTypeControl, "control"},
		{EndpointTypeIsochronous, "isochronous"},
		{EndpointTypeBulk, "bulk"},
		{EndpointTypeInterrupt, "interrupt"},
		{EndpointType(7), "unknown(7)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.typ.String())
		})
	}
}

// =============================================================================
// Speed Tests
// =============================================================================

func TestSpeed_String(t *testing.T) {
	tests := []struct {
		speed    Speed
		expected string
	}{
		{SpeedLow, "Low Speed (1.5 Mbps)"},
		{SpeedFull, "Full Speed (12 Mbps)"},
		{SpeedHigh, "High Speed (480 Mbps)"},
		{SpeedSuper, "Super Speed (5 Gbps)"},
		{SpeedSuperPlus, "Super Speed Plus (10 Gbps)"},
		{Speed(255), "Unknown Speed (255)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.speed.String())
		})
	}
}

func TestSpeed_MaxPacketSize0(t *testing.T) {
	tests := []struct {
		speed    Speed
		expected uint16
	}{
		{SpeedLow, 8},
		{SpeedFull, 64},
		{SpeedHigh, 64},
		{SpeedSuper, 512},
		{Speed(255), 8}, // Unknown defaults to 8
	}

	for _, tt := range tests {
		t.Run(tt.speed.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.speed.MaxPacketSize0())
		})
	}
}
