// Package cdc implements the CDC Abstract Control Model (virtual serial
// port) as a device class extension.
//
// An [ACM] owns a communications interface with an interrupt notification
// endpoint and a data interface with a pair of bulk endpoints. It answers
// SET/GET_LINE_CODING, SET_CONTROL_LINE_STATE and SEND_BREAK, and moves
// serial data with [ACM.Read] and [ACM.Write].
//
//	acm := cdc.NewACM(0, 1, 0x83, 0x82, 0x02)
//	b := device.NewTableBuilder().
//		WithDeviceClass(device.ClassMisc, 0x02, 0x01).
//		AddConfiguration(1, 0, 50)
//	desc, _ := acm.AddTo(b, "Serial").Build()
//
//	dev, _ := device.New(device.Config{}, desc, drv, acm)
//	acm.SetDevice(dev)
//
// Callbacks run on the device worker after the device lock is released.
// They may call [ACM.SendSerialState] or start transfers, but must not
// wait in [ACM.Write] or [ACM.Read], which complete on that same worker.
package cdc
