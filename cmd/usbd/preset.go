package main

import (
	"fmt"

	"github.com/ardnew/usbdcore/device"
	"github.com/ardnew/usbdcore/device/class/cdc"
	"github.com/ardnew/usbdcore/device/class/hid"
	"github.com/ardnew/usbdcore/device/class/msc"
	"github.com/ardnew/usbdcore/pkg"
)

// Class presets.
const (
	presetHID    = "hid"
	presetCDC    = "cdc"
	presetMSC    = "msc"
	presetVendor = "vendor"
)

// defaultVendorCode is the MS OS vendor code used by the vendor preset
// when none is given.
const defaultVendorCode = 0x20

// presetOptions selects a device shape and its identity.
type presetOptions struct {
	class        string
	vendorID     uint16
	productID    uint16
	manufacturer string
	product      string
	serial       string
	highSpeed    bool
	vendorCode   uint8
	diskBlocks   uint64
}

// preset is a device built from a class preset.
type preset struct {
	config  device.Config
	desc    *device.Descriptors
	classes []device.ClassExtension
	attach  func(*device.Device)
}

func (o *presetOptions) build() (*preset, error) {
	b := device.NewTableBuilder().
		WithVendorProduct(o.vendorID, o.productID).
		WithStrings(o.manufacturer, o.product, o.serial)
	if o.highSpeed {
		b = b.WithHighSpeed()
	}

	p := &preset{
		config: device.Config{HighSpeed: o.highSpeed, VendorCode: o.vendorCode},
		attach: func(*device.Device) {},
	}
	switch o.class {
	case presetHID:
		kbd := hid.New(0, 0x81, hid.KeyboardReportDescriptor)
		b = kbd.AddTo(b.AddConfiguration(1, 0, 50), hid.SubclassBoot, hid.ProtocolKeyboard, 10)
		p.classes = append(p.classes, kbd)
		p.attach = kbd.SetDevice

	case presetCDC:
		acm := cdc.NewACM(0, 1, 0x83, 0x82, 0x02)
		b = acm.AddTo(b.WithDeviceClass(device.ClassMisc, 0x02, 0x01).AddConfiguration(1, 0, 50), o.product)
		p.classes = append(p.classes, acm)
		p.attach = acm.SetDevice

	case presetMSC:
		disk := msc.NewMemoryStorage(o.diskBlocks, msc.DefaultBlockSize)
		m := msc.New(0, 0x81, 0x02, msc.NewSCSI(disk, o.manufacturer, o.product, "1.0"))
		b = m.AddTo(b.AddConfiguration(1, 0, 100))
		p.classes = append(p.classes, m)

	case presetVendor:
		if p.config.VendorCode == 0 {
			p.config.VendorCode = defaultVendorCode
		}
		b = b.AddConfiguration(1, 0, 50).
			AddInterface(device.ClassVendor, 0, 0).
			AddEndpoint(0x81, device.EndpointTypeBulk, 64, 0).
			AddEndpoint(0x01, device.EndpointTypeBulk, 64, 0).
			WithExtendedCompatID(0, "WINUSB", "")

	default:
		return nil, fmt.Errorf("class preset %q: %w", o.class, pkg.ErrInvalidParameter)
	}
	desc, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build %s tables: %w", o.class, err)
	}
	p.desc = desc
	return p, nil
}
