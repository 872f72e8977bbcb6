// Package msc implements the Bulk-Only Transport of the USB Mass Storage
// class as a device class extension.
//
// [MSC] runs the command/data/status stage machine on its bulk endpoints:
// it receives a Command Block Wrapper, moves the data phase the [Handler]
// asks for, and returns a Command Status Wrapper. A wrapper that fails
// validation is a phase error: both bulk endpoints halt and stay halted
// until the host issues Bulk-Only Mass Storage Reset and clears them.
// A data-in phase shorter than the host expects ends with a halt, and the
// status follows once the host clears it.
//
// [SCSI] is a Handler for the SCSI transparent command set over a
// [Storage] such as [MemoryStorage] or [FileStorage]:
//
//	disk := msc.NewMemoryStorage(2048, msc.DefaultBlockSize)
//	m := msc.New(0, 0x81, 0x02, msc.NewSCSI(disk, "Acme", "Flash Disk", "1.0"))
//	b := device.NewTableBuilder().AddConfiguration(1, 0, 100)
//	desc, _ := m.AddTo(b).Build()
//	dev, _ := device.New(device.Config{}, desc, drv, m)
package msc
