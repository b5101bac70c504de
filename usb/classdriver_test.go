package usb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDriver is a ClassDriver that records every callback.
type testDriver struct {
	dev   *Device
	iface InterfaceDescriptor

	initErr error

	initialized int
	configured  int
	endpoints   []EndpointConfig
	recordingResponder
	reports [][]byte
}

func (d *testDriver) Initialize() error {
	d.initialized++
	return d.initErr
}

func (d *testDriver) SetEndpoint(cfg EndpointConfig) error {
	d.endpoints = append(d.endpoints, cfg)
	return nil
}

func (d *testDriver) OnEndpointsConfigured() error {
	d.configured++
	return nil
}

func (d *testDriver) OnInterruptCompleted(ep EndpointID, buf []byte) error {
	d.reports = append(d.reports, append([]byte(nil), buf...))
	return nil
}

// driverFactory returns a factory that records the drivers it creates.
func driverFactory(created *[]*testDriver) ClassDriverFactory {
	return func(dev *Device, iface *InterfaceDescriptor) ClassDriver {
		drv := &testDriver{dev: dev, iface: *iface}
		*created = append(*created, drv)
		return drv
	}
}

func TestRegistry_New(t *testing.T) {
	var hid, vendor, fallback []*testDriver

	r := NewRegistry()
	r.Register(ClassHID, MatchAny, MatchAny, driverFactory(&hid))
	r.Register(ClassVendor, 0x01, 0x02, driverFactory(&vendor))
	r.Register(MatchAny, MatchAny, MatchAny, driverFactory(&fallback))
	require.Equal(t, 3, r.Len())

	tests := []struct {
		name  string
		iface InterfaceDescriptor
		want  *[]*testDriver
	}{
		{"hid", InterfaceDescriptor{InterfaceClass: ClassHID, InterfaceProtocol: 2}, &hid},
		{"vendor exact", InterfaceDescriptor{InterfaceClass: ClassVendor, InterfaceSubClass: 1, InterfaceProtocol: 2}, &vendor},
		{"vendor mismatch", InterfaceDescriptor{InterfaceClass: ClassVendor, InterfaceSubClass: 1}, &fallback},
		{"fallback", InterfaceDescriptor{InterfaceClass: ClassMassStorage}, &fallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(*tt.want)
			drv := r.New(nil, &tt.iface)
			require.NotNil(t, drv)
			require.Len(t, *tt.want, before+1)
			assert.Same(t, (*tt.want)[before], drv)
		})
	}
}

func TestRegistry_Declined(t *testing.T) {
	var created []*testDriver

	r := NewRegistry()
	r.Register(ClassHID, MatchAny, MatchAny, func(*Device, *InterfaceDescriptor) ClassDriver {
		return nil
	})
	r.Register(ClassHID, MatchAny, MatchAny, driverFactory(&created))

	drv := r.New(nil, &InterfaceDescriptor{InterfaceClass: ClassHID})
	require.NotNil(t, drv)
	assert.Len(t, created, 1)

	assert.Nil(t, r.New(nil, &InterfaceDescriptor{InterfaceClass: ClassAudio}))
}

func TestRegistry_Nil(t *testing.T) {
	var r *Registry
	assert.Nil(t, r.New(nil, &InterfaceDescriptor{InterfaceClass: ClassHID}))
}
