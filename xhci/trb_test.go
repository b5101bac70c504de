package xhci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/usb"
)

func TestTRB_MarshalParse(t *testing.T) {
	trb := NewNormalTRB(0x1234_5678_9ABC_DEF0, 64, true)
	trb.SetCycle(true)

	buf := make([]byte, TRBSize)
	require.Equal(t, TRBSize, trb.MarshalTo(buf))
	assert.Equal(t, []byte{0xF0, 0xDE, 0xBC, 0x9A}, buf[0:4])

	got := ParseTRB(buf)
	assert.Equal(t, trb, got)
	assert.True(t, got.Cycle())
	assert.Equal(t, TRBTypeNormal, got.Type())
	assert.Equal(t, uint64(0x1234_5678_9ABC_DEF0), got.Pointer())
	assert.Equal(t, uint32(64), got.TransferLength())
	assert.True(t, got.IOC())
	assert.True(t, got.ISP())

	assert.Zero(t, trb.MarshalTo(buf[:15]))
}

func TestTRB_CycleBitIsBitZeroOfDwordThree(t *testing.T) {
	var trb TRB
	trb.SetType(TRBTypeNoOp)
	trb.SetCycle(true)
	assert.Equal(t, uint32(1), trb[3]&1)
	assert.Equal(t, TRBTypeNoOp, trb.Type())

	trb.SetCycle(false)
	assert.False(t, trb.Cycle())
	assert.Equal(t, TRBTypeNoOp, trb.Type(), "cycle must not disturb type")
}

func TestTRB_TypeField(t *testing.T) {
	var trb TRB
	trb.SetType(TRBTypePortStatusChangeEvent)
	assert.Equal(t, uint32(34)<<10, trb[3])
	trb.SetType(TRBTypeLink)
	assert.Equal(t, uint32(6)<<10, trb[3])
}

func TestTRB_ControlStages(t *testing.T) {
	setup := usb.GetDescriptorSetup(usb.DescriptorTypeDevice, 0, 18)

	s := NewSetupStageTRB(setup, TransferTypeIn)
	assert.Equal(t, TRBTypeSetupStage, s.Type())
	assert.True(t, s.ImmediateData())
	assert.Equal(t, uint32(usb.SetupDataSize), s.TransferLength())
	assert.Equal(t, TransferTypeIn, s.TransferType())
	assert.Equal(t, setup, s.Setup())

	d := NewDataStageTRB(0x2000, 18, true, true)
	assert.True(t, d.DirectionIn())
	assert.True(t, d.ISP())
	assert.True(t, d.IOC())
	assert.Equal(t, uint64(0x2000), d.Pointer())

	st := NewStatusStageTRB(false, false)
	assert.False(t, st.DirectionIn())
	assert.False(t, st.IOC())
}

func TestTRB_Link(t *testing.T) {
	l := NewLinkTRB(0x4000, true)
	assert.Equal(t, TRBTypeLink, l.Type())
	assert.True(t, l.ToggleCycle())
	assert.Equal(t, uint64(0x4000), l.Pointer())

	assert.False(t, NewLinkTRB(0x4000, false).ToggleCycle())
}

func TestTRB_Commands(t *testing.T) {
	assert.Equal(t, TRBTypeEnableSlotCommand, NewEnableSlotCommandTRB().Type())
	assert.Equal(t, uint8(5), NewDisableSlotCommandTRB(5).SlotID())

	a := NewAddressDeviceCommandTRB(0x8000, 3, false)
	assert.Equal(t, TRBTypeAddressDeviceCommand, a.Type())
	assert.Equal(t, uint8(3), a.SlotID())
	assert.Equal(t, uint64(0x8000), a.Pointer())

	c := NewConfigureEndpointCommandTRB(0x9000, 7)
	assert.Equal(t, TRBTypeConfigureEndpointCommand, c.Type())
	assert.Equal(t, uint8(7), c.SlotID())
}

func TestTRB_Events(t *testing.T) {
	e := NewTransferEventTRB(0x1230, 6, pkg.CompletionShortPacket, 2, 3)
	assert.Equal(t, TRBTypeTransferEvent, e.Type())
	assert.Equal(t, uint64(0x1230), e.Pointer())
	assert.Equal(t, uint32(6), e.Residual())
	assert.Equal(t, pkg.CompletionShortPacket, e.CompletionCode())
	assert.Equal(t, uint8(2), e.SlotID())
	assert.Equal(t, uint8(3), e.EndpointDCI())

	c := NewCommandCompletionEventTRB(0x5550, pkg.CompletionNoSlotsAvailable, 0)
	assert.Equal(t, pkg.CompletionNoSlotsAvailable, c.CompletionCode())
	assert.Equal(t, uint64(0x5550), c.Pointer())

	p := NewPortStatusChangeEventTRB(4)
	assert.Equal(t, uint8(4), p.PortID())
	assert.Equal(t, pkg.CompletionSuccess, p.CompletionCode())
}

func TestTRBType_String(t *testing.T) {
	assert.Equal(t, "link", TRBTypeLink.String())
	assert.Equal(t, "transfer event", TRBTypeTransferEvent.String())
	assert.Contains(t, TRBType(63).String(), "63")
}
