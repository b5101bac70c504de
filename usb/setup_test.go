package usb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/pkg"
)

func TestSetupData_MarshalParse(t *testing.T) {
	setup := GetDescriptorSetup(DescriptorTypeDevice, 0, 18)

	var buf [SetupDataSize]byte
	require.Equal(t, SetupDataSize, setup.MarshalTo(buf[:]))
	assert.Equal(t, []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}, buf[:])

	var got SetupData
	require.NoError(t, ParseSetupData(buf[:], &got))
	assert.Equal(t, setup, got)

	assert.Zero(t, setup.MarshalTo(make([]byte, 4)))
	assert.ErrorIs(t, ParseSetupData(buf[:7], &got), pkg.ErrInvalidParameter)
}

func TestSetupData_Uint64(t *testing.T) {
	setup := GetDescriptorSetup(DescriptorTypeConfiguration, 0, 256)
	v := setup.Uint64()
	assert.Equal(t, uint64(0x0100_0000_0200_0680), v)
	assert.Equal(t, setup, SetupDataFromUint64(v))
}

func TestSetupData_Builders(t *testing.T) {
	tests := []struct {
		name  string
		setup SetupData
		want  SetupData
		in    bool
	}{
		{
			name:  "get configuration descriptor",
			setup: GetDescriptorSetup(DescriptorTypeConfiguration, 1, 256),
			want:  SetupData{RequestType: 0x80, Request: RequestGetDescriptor, Value: 0x0201, Length: 256},
			in:    true,
		},
		{
			name:  "set configuration",
			setup: SetConfigurationSetup(1),
			want:  SetupData{RequestType: 0x00, Request: RequestSetConfiguration, Value: 1},
		},
		{
			name:  "set boot protocol",
			setup: SetProtocolSetup(2, 0),
			want:  SetupData{RequestType: 0x21, Request: RequestHIDSetProtocol, Index: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.setup)
			assert.Equal(t, tt.in, tt.setup.IsIn())
		})
	}
}

func TestSetupData_String(t *testing.T) {
	assert.Equal(t, "{type=0x80 req=0x06 value=0x0100 index=0 len=18}",
		GetDescriptorSetup(DescriptorTypeDevice, 0, 18).String())
}
