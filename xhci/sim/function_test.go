package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/usb"
	"github.com/ardnew/softxhci/usb/class/hid"
)

func TestParseSpeed(t *testing.T) {
	tests := []struct {
		name string
		want usb.Speed
		ok   bool
	}{
		{"", usb.SpeedFull, true},
		{"Low", usb.SpeedLow, true},
		{"high", usb.SpeedHigh, true},
		{"super", usb.SpeedSuper, true},
		{"warp", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseSpeed(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeFunctionSpecs(t *testing.T) {
	raw := []any{
		map[string]any{"kind": "keyboard", "port": 1, "boot": true, "vendor_id": "4617"},
		map[string]any{"kind": "mouse", "port": "2", "speed": "low", "interval": 4},
	}
	specs, err := DecodeFunctionSpecs(raw)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, FunctionSpec{Kind: KindKeyboard, Port: 1, Boot: true, VendorID: 0x1209}, specs[0])
	assert.Equal(t, FunctionSpec{Kind: KindMouse, Port: 2, Speed: "low", Interval: 4}, specs[1])

	_, err = DecodeFunctionSpecs([]any{map[string]any{"kind": "keyboard", "colour": "red"}})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestNewFunction_Invalid(t *testing.T) {
	_, err := NewFunction(FunctionSpec{Kind: "joystick"})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
	_, err = NewFunction(FunctionSpec{Kind: KindMouse, Speed: "warp"})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestFunction_Descriptors(t *testing.T) {
	fn, err := NewFunction(FunctionSpec{Kind: KindKeyboard, Boot: true, Speed: "high"})
	require.NoError(t, err)
	assert.Equal(t, usb.SpeedHigh, fn.Speed())
	assert.Equal(t, KindKeyboard, fn.Kind())

	data, err := fn.control(usb.GetDescriptorSetup(usb.DescriptorTypeDevice, 0, 256), nil)
	require.NoError(t, err)
	var dev usb.DeviceDescriptor
	require.NoError(t, usb.ParseDeviceDescriptor(data, &dev))
	assert.Equal(t, uint16(DefaultVendorID), dev.VendorID)
	assert.Equal(t, uint8(64), dev.MaxPacketSize0)
	assert.Equal(t, uint8(1), dev.NumConfigurations)

	data, err = fn.control(usb.GetDescriptorSetup(usb.DescriptorTypeConfiguration, 0, 256), nil)
	require.NoError(t, err)
	var cfg usb.ConfigurationDescriptor
	require.NoError(t, usb.ParseConfigurationDescriptor(data, &cfg))
	assert.Equal(t, int(cfg.TotalLength), len(data))

	r := usb.NewDescriptorReader(data)
	var types []uint8
	for desc := r.Next(); desc != nil; desc = r.Next() {
		types = append(types, desc[1])
	}
	require.NoError(t, r.Err())
	assert.Equal(t, []uint8{
		usb.DescriptorTypeConfiguration,
		usb.DescriptorTypeInterface,
		usb.DescriptorTypeHID,
		usb.DescriptorTypeEndpoint,
	}, types)

	var iface usb.InterfaceDescriptor
	require.NoError(t, usb.ParseInterfaceDescriptor(data[usb.ConfigurationDescriptorSize:], &iface))
	assert.Equal(t, uint8(hid.SubclassBoot), iface.InterfaceSubClass)
	assert.Equal(t, uint8(hid.ProtocolKeyboard), iface.InterfaceProtocol)

	_, err = fn.control(usb.GetDescriptorSetup(usb.DescriptorTypeString, 1, 64), nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestFunction_Requests(t *testing.T) {
	fn, err := NewFunction(FunctionSpec{Kind: KindMouse})
	require.NoError(t, err)

	_, err = fn.control(usb.SetConfigurationSetup(1), nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), fn.ConfigurationValue())

	_, err = fn.control(usb.SetProtocolSetup(0, hid.ProtocolBoot), nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(hid.ProtocolBoot), fn.Protocol())

	setReport := usb.SetupData{
		RequestType: usb.RequestTypeOut | usb.RequestTypeClass | usb.RequestTypeInterface,
		Request:     usb.RequestHIDSetReport,
		Value:       0x0200,
		Length:      1,
	}
	_, err = fn.control(setReport, []byte{0x02})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x02}}, fn.Output())
	assert.Len(t, fn.Requests(), 3)

	fn.Stall(usb.RequestSetConfiguration)
	_, err = fn.control(usb.SetConfigurationSetup(1), nil)
	assert.ErrorIs(t, err, pkg.ErrStall)

	vendor := usb.SetupData{RequestType: usb.RequestTypeIn | usb.RequestTypeVendor, Request: 0x42}
	_, err = fn.control(vendor, nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestFunction_InterruptIn(t *testing.T) {
	fn, err := NewFunction(FunctionSpec{Kind: KindMouse})
	require.NoError(t, err)
	ep := usb.EndpointIDFromAddress(0x81)

	_, ok := fn.interruptIn(ep)
	assert.False(t, ok, "NAK without a queued report")

	fn.enqueue([]byte{1, 2, 3, 4})
	fn.enqueue([]byte{5, 6, 7, 8})
	assert.Equal(t, 2, fn.Queued())

	_, ok = fn.interruptIn(usb.EndpointIDFromAddress(0x82))
	assert.False(t, ok, "wrong endpoint")

	report, ok := fn.interruptIn(ep)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, report)
	assert.Equal(t, 1, fn.Queued())
}
