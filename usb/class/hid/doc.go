// Package hid implements the host side of the USB Human Interface Device
// class for boot keyboards and mice.
//
// A [Driver] binds to one HID interface of a [usb.Device]. Once the device
// is configured it selects the boot protocol with SET_PROTOCOL (boot
// subclass interfaces only) and then keeps one interrupt IN transfer
// queued on the interface's input endpoint. Each completed report is handed
// to the driver's [Listener] and the transfer is queued again.
//
// # Usage
//
//	reg := usb.NewRegistry()
//	hid.Register(reg, func(d *hid.Driver, report []byte) {
//	    var kb hid.KeyboardReport
//	    if d.Protocol() == hid.ProtocolKeyboard && kb.Parse(report) {
//	        // kb.Modifiers, kb.Keys
//	    }
//	})
//
// Boot report layouts:
//
//   - Keyboard: [modifiers, reserved, key1, key2, key3, key4, key5, key6]
//   - Mouse: [buttons, X, Y, wheel]
//
// [KeyboardReportDescriptor] and [MouseReportDescriptor] describe the same
// layouts and are served by simulated functions.
package hid
