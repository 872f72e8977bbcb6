// Package device implements the device side of a USB 2.0 stack: the
// endpoint 0 control transfer engine, the standard request dispatcher,
// configuration and interface switching, and the per-device event worker.
//
// It is platform-agnostic and drives a controller through the
// [hal.Driver] interface defined in the
// [github.com/ardnew/usbdcore/device/hal] package. A simulated controller
// for tests lives in [github.com/ardnew/usbdcore/device/hal/sim].
//
// # Architecture
//
//   - [Device] owns the record, the control transaction, and the scratch
//     buffer, all guarded by one lock
//   - [Device.Run] is the worker: it drains driver events and polls VBUS
//     when the controller cannot report it
//   - [Registry] maps device indices to devices and runs their workers
//   - [Descriptors] holds the static tables; [TableBuilder] generates them
//     and [Bundle] stores them as CBOR
//
// # Control Transfers
//
// Each SETUP packet replaces the [Transaction] in flight. The engine moves
// it through [StageDataIn] or [StageDataOut] and a status stage, sending IN
// data one max-packet chunk at a time with a terminating zero-length
// packet when the host asked for more than was sent. SET_ADDRESS is held
// as a [Commit] and programmed only after its status stage completes.
//
// # Device States
//
//	Detached → Powered → Default → Address → Configured
//	                                  ↕
//	                              Suspended
//
// # Class Extensions
//
// A [ClassExtension] opts into request handling by implementing any of
// the capability interfaces ([ControlHandler], [InterfaceRequestHandler],
// [EndpointHandler], and others). Extensions are consulted in registration
// order and answer with a [RequestStatus]. Built-in classes:
//
//   - [github.com/ardnew/usbdcore/device/class/hid] - Human Interface Device
//   - [github.com/ardnew/usbdcore/device/class/cdc] - Communications Device Class (CDC-ACM)
//   - [github.com/ardnew/usbdcore/device/class/msc] - Mass Storage Class (Bulk-Only Transport)
//
// # Example
//
//	desc, err := device.NewTableBuilder().
//	    WithVendorProduct(0xCAFE, 0xBABE).
//	    WithStrings("Acme", "Widget", "0001").
//	    AddConfiguration(1, 0, 50).
//	    AddInterface(device.ClassVendor, 0, 0).
//	    AddEndpoint(0x81, device.EndpointTypeBulk, 64, 0).
//	    Build()
//	if err != nil {
//	    return err
//	}
//	dev, err := device.New(device.Config{}, desc, drv)
//	if err != nil {
//	    return err
//	}
//	if err := dev.Initialize(); err != nil {
//	    return err
//	}
//	go dev.Run(ctx)
//	dev.Connect()
package device
