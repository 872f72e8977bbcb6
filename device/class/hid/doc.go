// Package hid implements the USB Human Interface Device class as a device
// class extension.
//
// A [HID] serves the HID and report descriptors, answers the class
// requests (GET/SET_REPORT, GET/SET_IDLE, GET/SET_PROTOCOL) and sends
// input reports on its interrupt IN endpoint. An optional interrupt OUT
// endpoint delivers output reports.
//
//	kbd := hid.New(0, 0x81, hid.KeyboardReportDescriptor)
//	b := device.NewTableBuilder().
//		WithVendorProduct(0x1209, 0x0001).
//		AddConfiguration(1, 0, 50)
//	desc, _ := kbd.AddTo(b, hid.SubclassBoot, hid.ProtocolKeyboard, 10).Build()
//
//	dev, _ := device.New(device.Config{}, desc, drv, kbd)
//	kbd.SetDevice(dev)
//
// Protocol and idle rate return to their defaults on bus reset.
//
// Request and output report callbacks run on the device worker after the
// device lock is released, so they may send reports. The GET_REPORT and
// report-sent callbacks return data to the core and run with the device
// locked; they must not call into the device.
package hid
