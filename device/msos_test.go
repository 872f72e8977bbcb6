package device

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ardnew/usbdcore/device/hal"
)

const testVendorCode = 0x20

func msosSetup(recipient uint8, value, index, length uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeVendor | recipient,
		Request:     testVendorCode,
		Value:       value,
		Index:       index,
		Length:      length,
	}
}

func newMSOSDevice(t *testing.T, classes ...ClassExtension) (*Device, *mockDriver) {
	t.Helper()
	m := newMockDriver()
	desc, err := NewTableBuilder().
		WithVendorProduct(0xCAFE, 0x0002).
		WithStrings("Acme", "WinUSB", "").
		AddConfiguration(1, 0, 50).
		AddInterface(ClassVendor, 0, 0).
		AddEndpoint(0x81, EndpointTypeBulk, 64, 0).
		WithExtendedCompatID(0, "WINUSB", "").
		Build()
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(Config{VendorCode: testVendorCode}, desc, m, classes...)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Initialize(); err != nil {
		t.Fatal(err)
	}
	m.port(hal.EventVBUSOn | hal.EventReset)
	drain(d)
	return d, m
}

func TestMSOS_StringDescriptor(t *testing.T) {
	d, m := newMSOSDevice(t)
	var s SetupPacket
	GetStringDescriptorSetup(&s, MSOSStringIndex, 0, 255)
	got := mustControl(t, d, m, s)
	if len(got) != msosStringSize || got[0] != msosStringSize || got[1] != DescriptorTypeString {
		t.Fatalf("OS string = % X", got)
	}
	if got[16] != testVendorCode {
		t.Errorf("vendor code = 0x%02X", got[16])
	}
	want := []byte{'M', 0, 'S', 0, 'F', 0, 'T', 0, '1', 0, '0', 0, '0', 0}
	if !bytes.Equal(got[2:16], want) {
		t.Errorf("signature = % X", got[2:16])
	}
}

func TestMSOS_ExtendedCompatID(t *testing.T) {
	d, m := newMSOSDevice(t)

	header := mustControl(t, d, m, msosSetup(RequestRecipientDevice, 0, MSOSIndexExtendedCompatID, 16))
	if len(header) != 16 {
		t.Fatalf("header length %d", len(header))
	}
	total := binary.LittleEndian.Uint32(header[0:4])
	if total != 40 || header[8] != 1 {
		t.Errorf("dwLength=%d bCount=%d", total, header[8])
	}

	full := mustControl(t, d, m, msosSetup(RequestRecipientDevice, 0, MSOSIndexExtendedCompatID, 255))
	if len(full) != 40 {
		t.Fatalf("length %d", len(full))
	}
	if !bytes.Equal(full[18:24], []byte("WINUSB")) {
		t.Errorf("compatible ID = %q", full[18:26])
	}

	t.Run("wrong vendor code", func(t *testing.T) {
		s := msosSetup(RequestRecipientDevice, 0, MSOSIndexExtendedCompatID, 16)
		s.Request = testVendorCode + 1
		mustStall(t, d, m, s)
	})
	t.Run("host to device", func(t *testing.T) {
		s := msosSetup(RequestRecipientDevice, 0, MSOSIndexExtendedCompatID, 16)
		s.RequestType &^= RequestDirectionDeviceToHost
		mustStall(t, d, m, s)
	})
	t.Run("interface recipient", func(t *testing.T) {
		mustStall(t, d, m, msosSetup(RequestRecipientInterface, 0, MSOSIndexExtendedCompatID, 16))
	})
}

func TestMSOS_ExtendedProperties(t *testing.T) {
	props := []byte{0x0A, 0, 0, 0, 0x00, 0x01, 0x05, 0x00, 0x00, 0x00}
	var asked []uint8
	tc := &testClass{properties: func(c *Control, iface uint8) ([]byte, bool) {
		asked = append(asked, iface)
		return props, iface == 0
	}}
	d, m := newMSOSDevice(t, tc)

	got := mustControl(t, d, m, msosSetup(RequestRecipientInterface, 0, MSOSIndexExtendedProperties, 255))
	if !bytes.Equal(got, props) {
		t.Errorf("properties = % X", got)
	}
	got = mustControl(t, d, m, msosSetup(RequestRecipientDevice, 0, MSOSIndexExtendedProperties, 4))
	if !bytes.Equal(got, props[:4]) {
		t.Errorf("truncated properties = % X", got)
	}
	mustStall(t, d, m, msosSetup(RequestRecipientInterface, 1, MSOSIndexExtendedProperties, 255))
	if len(asked) != 3 || asked[2] != 1 {
		t.Errorf("asked = %v", asked)
	}
}

func TestMSOS_DisabledWithoutVendorCode(t *testing.T) {
	d, m := newTestDevice(t, Config{})
	mustStall(t, d, m, msosSetup(RequestRecipientDevice, 0, MSOSIndexExtendedCompatID, 16))
}
