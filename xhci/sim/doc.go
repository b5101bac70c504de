// Package sim provides a software xHCI controller and simulated HID
// functions for exercising the xhci package without hardware.
//
// [Hardware] keeps its "physical memory" in a [mem.Pool] shared with the
// host side, so rings and contexts the host writes are read back through
// [mem.Pool.Resolve] exactly as a controller would fetch them over DMA:
//
//	pool := mem.NewPool(mem.DefaultBase, mem.DefaultPoolSize)
//	hw := sim.New(pool, 4)
//	ctrl, _ := xhci.New(pool, hw, hw, hw)
//	_ = ctrl.Initialize()
//
//	kbd, _ := sim.NewFunction(sim.FunctionSpec{Kind: sim.KindKeyboard, Boot: true})
//	_ = hw.Attach(1, kbd)
//	for range hw.IRQ() {
//	    ctrl.ProcessEvents()
//	}
//
// Command and transfer rings are consumed synchronously when their
// doorbell is rung. Interrupt IN transfers stay queued until a report is
// supplied with [Hardware.Report]. A stalled control transfer does not
// halt the endpoint; the next Setup stage clears the condition.
package sim
