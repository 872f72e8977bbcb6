package device

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ardnew/usbdcore/pkg"
)

func TestTableBuilder_Build(t *testing.T) {
	desc := testTables(t, false)
	if err := desc.Validate(); err != nil {
		t.Fatal(err)
	}

	var dev DeviceDescriptor
	if err := ParseDeviceDescriptor(desc.Device, &dev); err != nil {
		t.Fatal(err)
	}
	if dev.VendorID != 0xCAFE || dev.ProductID != 0xBABE || dev.NumConfigurations != 2 {
		t.Errorf("device = %+v", dev)
	}
	if dev.ManufacturerIndex != 1 || dev.ProductIndex != 2 || dev.SerialNumberIndex != SerialNumberStringIndex {
		t.Errorf("string indices = %d %d %d", dev.ManufacturerIndex, dev.ProductIndex, dev.SerialNumberIndex)
	}
	if desc.MaxPacketSize0() != 64 || desc.MaxInterfaces() != 2 {
		t.Errorf("mps0=%d interfaces=%d", desc.MaxPacketSize0(), desc.MaxInterfaces())
	}
	if desc.FirstAttributes() != ConfigAttrBusPowered|ConfigAttrSelfPowered {
		t.Errorf("attributes = 0x%02X", desc.FirstAttributes())
	}
	if desc.ConfigurationHS != nil || desc.QualifierFS != nil || desc.OtherSpeedFS != nil {
		t.Error("high-speed tables built for a full-speed device")
	}

	block := configAt(desc.ConfigurationFS, 0)
	var cfg ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(block, &cfg); err != nil {
		t.Fatal(err)
	}
	// config + 2 interfaces + alternate + 3 endpoints
	if want := 9 + 3*9 + 3*7; int(cfg.TotalLength) != want {
		t.Errorf("wTotalLength = %d, want %d", cfg.TotalLength, want)
	}
	var iface InterfaceDescriptor
	if err := ParseInterfaceDescriptor(block[9:], &iface); err != nil || iface.NumEndpoints != 2 {
		t.Errorf("interface 0 = %+v (%v)", iface, err)
	}
	if findConfig(desc.ConfigurationFS, 2) == nil || findConfig(desc.ConfigurationFS, 3) != nil {
		t.Error("findConfig mismatch")
	}

	s, _ := DecodeStringDescriptor(stringAt(desc.Strings, 2))
	if s != "Widget" {
		t.Errorf("product = %q", s)
	}
}

func TestTableBuilder_HighSpeed(t *testing.T) {
	desc := testTables(t, true)

	if len(desc.QualifierFS) != DeviceQualifierSize || desc.QualifierFS[8] != 2 {
		t.Errorf("qualifier = % X", desc.QualifierFS)
	}
	packet := func(chain []byte, typ uint8) uint16 {
		block := configAt(chain, 0)
		if block == nil || block[1] != typ {
			t.Fatalf("block type mismatch in % X", block)
		}
		return binary.LittleEndian.Uint16(block[18+4:])
	}
	tests := []struct {
		name  string
		chain []byte
		typ   uint8
		want  uint16
	}{
		{"full speed", desc.ConfigurationFS, DescriptorTypeConfiguration, 64},
		{"high speed", desc.ConfigurationHS, DescriptorTypeConfiguration, 512},
		{"other speed at full", desc.OtherSpeedFS, DescriptorTypeOtherSpeedConfig, 512},
		{"other speed at high", desc.OtherSpeedHS, DescriptorTypeOtherSpeedConfig, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := packet(tt.chain, tt.typ); got != tt.want {
				t.Errorf("bulk packet size = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTableBuilder_Errors(t *testing.T) {
	tests := []struct {
		name  string
		build func() *TableBuilder
		want  error
	}{
		{"no configurations", func() *TableBuilder { return NewTableBuilder() }, pkg.ErrDescriptorMissing},
		{"configuration value 0", func() *TableBuilder {
			return NewTableBuilder().AddConfiguration(0, 0, 50)
		}, pkg.ErrInvalidParameter},
		{"duplicate configuration", func() *TableBuilder {
			return NewTableBuilder().AddConfiguration(1, 0, 50).AddConfiguration(1, 0, 50)
		}, pkg.ErrInvalidParameter},
		{"interface before configuration", func() *TableBuilder {
			return NewTableBuilder().AddInterface(ClassVendor, 0, 0)
		}, pkg.ErrInvalidState},
		{"endpoint before interface", func() *TableBuilder {
			return NewTableBuilder().AddConfiguration(1, 0, 50).AddEndpoint(0x81, EndpointTypeBulk, 64, 0)
		}, pkg.ErrInvalidState},
		{"endpoint 0", func() *TableBuilder {
			return NewTableBuilder().AddConfiguration(1, 0, 50).AddInterface(ClassVendor, 0, 0).
				AddEndpoint(0x80, EndpointTypeBulk, 64, 0)
		}, pkg.ErrInvalidEndpoint},
		{"duplicate alternate", func() *TableBuilder {
			return NewTableBuilder().AddConfiguration(1, 0, 50).AddInterface(ClassVendor, 0, 0).AddAlternate(0)
		}, pkg.ErrInvalidParameter},
		{"control packet size", func() *TableBuilder {
			return NewTableBuilder().WithMaxPacketSize0(12).AddConfiguration(1, 0, 50)
		}, pkg.ErrInvalidParameter},
		{"malformed class descriptor", func() *TableBuilder {
			return NewTableBuilder().AddConfiguration(1, 0, 50).AddClassDescriptor([]byte{5, 0x24, 0})
		}, pkg.ErrDescriptorTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Build()
			if !errors.Is(err, tt.want) {
				t.Errorf("Build() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTableBuilder_ClassDescriptorsAndIAD(t *testing.T) {
	header := []byte{5, DescriptorTypeCSInterface, 0x00, 0x10, 0x01}
	desc, err := NewTableBuilder().
		WithDeviceClass(ClassMisc, 0x02, 0x01).
		AddConfiguration(1, 0, 50).
		AddInterfaceAssociation(0, 2, ClassCDC, 0x02, 0x01).
		AddInterfaceNamed(ClassCDC, 0x02, 0x01, "Control").
		AddClassDescriptor(header).
		AddEndpoint(0x83, EndpointTypeInterrupt, 8, 16).
		AddInterface(ClassCDCData, 0, 0).
		AddEndpoint(0x02, EndpointTypeBulk, 64, 0).
		AddEndpoint(0x82, EndpointTypeBulk, 64, 0).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	var types []uint8
	eachDescriptor(configAt(desc.ConfigurationFS, 0), func(d []byte) bool {
		types = append(types, d[1])
		return true
	})
	want := []uint8{
		DescriptorTypeConfiguration, DescriptorTypeInterfaceAssociation,
		DescriptorTypeInterface, DescriptorTypeCSInterface, DescriptorTypeEndpoint,
		DescriptorTypeInterface, DescriptorTypeEndpoint, DescriptorTypeEndpoint,
	}
	if len(types) != len(want) {
		t.Fatalf("types = % X", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("types = % X, want % X", types, want)
			break
		}
	}

	s, _ := DecodeStringDescriptor(stringAt(desc.Strings, 4))
	if s != "Control" {
		t.Errorf("interface string = %q", s)
	}
}

func TestDescriptors_Validate(t *testing.T) {
	good := testTables(t, false)

	badMPS := *good
	badMPS.Device = append([]byte(nil), good.Device...)
	badMPS.Device[7] = 12

	truncated := *good
	truncated.ConfigurationFS = good.ConfigurationFS[:20]

	tests := []struct {
		name string
		desc *Descriptors
		want error
	}{
		{"valid", good, nil},
		{"packet size", &badMPS, pkg.ErrInvalidParameter},
		{"truncated configuration", &truncated, pkg.ErrDescriptorMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Validate() = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWalk(t *testing.T) {
	desc, err := NewTableBuilder().
		WithStrings("Acme", "Widget", "").
		AddConfiguration(1, 0, 50).
		AddInterface(ClassVendor, 0, 0).
		AddEndpoint(0x81, EndpointTypeBulk, 64, 0).
		AddConfiguration(2, 0, 100).
		AddInterface(ClassVendor, 0, 0).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	var values []uint8
	var types []uint8
	WalkConfigurations(desc.ConfigurationFS, func(block []byte) bool {
		values = append(values, block[5])
		Walk(block, func(d []byte) bool {
			types = append(types, d[1])
			return true
		})
		return true
	})
	if len(values) != 2 || values[0] != 1 || values[1] != 2 {
		t.Errorf("configuration values = %v", values)
	}
	want := []uint8{
		DescriptorTypeConfiguration, DescriptorTypeInterface, DescriptorTypeEndpoint,
		DescriptorTypeConfiguration, DescriptorTypeInterface,
	}
	if len(types) != len(want) {
		t.Fatalf("descriptor types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("descriptor %d type = 0x%02X, want 0x%02X", i, types[i], want[i])
		}
	}

	// language table, two strings and the empty serial slot
	count := 0
	Walk(desc.Strings, func([]byte) bool { count++; return true })
	if count != 4 {
		t.Errorf("string descriptors = %d, want 4", count)
	}
}
