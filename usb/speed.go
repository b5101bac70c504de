package usb

import "fmt"

// Speed is a port's Protocol Speed ID as reported in PORTSC. The values are
// the xHCI defaults that apply when a port advertises no custom PSI table.
type Speed uint8

// Default Protocol Speed IDs.
const (
	SpeedFull      Speed = 1 // 12 Mbps (USB 1.1)
	SpeedLow       Speed = 2 // 1.5 Mbps (USB 1.0)
	SpeedHigh      Speed = 3 // 480 Mbps (USB 2.0)
	SpeedSuper     Speed = 4 // 5 Gbps (USB 3.0)
	SpeedSuperPlus Speed = 5 // 10 Gbps (USB 3.1)
)

// String returns a human-readable speed description.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed (1.5 Mbps)"
	case SpeedFull:
		return "Full Speed (12 Mbps)"
	case SpeedHigh:
		return "High Speed (480 Mbps)"
	case SpeedSuper:
		return "Super Speed (5 Gbps)"
	case SpeedSuperPlus:
		return "Super Speed Plus (10 Gbps)"
	default:
		return fmt.Sprintf("Unknown Speed (%d)", s)
	}
}

// MaxPacketSize0 returns the default maximum packet size for endpoint 0 at
// this speed, used until the device descriptor reports the real value.
func (s Speed) MaxPacketSize0() uint16 {
	switch s {
	case SpeedLow:
		return 8
	case SpeedFull, SpeedHigh:
		return 64
	case SpeedSuper, SpeedSuperPlus:
		return 512
	default:
		return 8
	}
}
