// Package sim provides an in-memory USB device controller and a scripted
// host for exercising the device core without hardware.
//
// A [Controller] implements [hal.Driver]. Transfers armed by the device
// stay pending until the test, or a [Host], completes them:
//
//	ctl := sim.New()
//	dev, _ := device.New(device.Config{}, desc, ctl)
//	_ = dev.Initialize()
//	go dev.Run(ctx)
//
//	host := sim.NewHost(ctl)
//	enum, err := host.Enumerate(ctx, 5)
//
// The controller records every driver call and can inject driver failures
// with [Controller.Fail].
package sim
