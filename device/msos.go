package device

import (
	"encoding/binary"
)

// Microsoft OS 1.0 descriptor constants.
const (
	// MSOSStringIndex is the string index the host probes for the OS
	// string descriptor.
	MSOSStringIndex = 0xEE

	// MSOSIndexExtendedCompatID is the wIndex of an Extended Compat ID
	// request.
	MSOSIndexExtendedCompatID = 0x0004

	// MSOSIndexExtendedProperties is the wIndex of an Extended Properties
	// request.
	MSOSIndexExtendedProperties = 0x0005

	msosStringSize = 18
)

var msosSignature = [...]byte{'M', 'S', 'F', 'T', '1', '0', '0'}

// msosStringDescriptor builds the OS string descriptor carrying vendorCode.
func msosStringDescriptor(vendorCode uint8) []byte {
	buf := make([]byte, msosStringSize)
	buf[0] = msosStringSize
	buf[1] = DescriptorTypeString
	for i, c := range msosSignature {
		buf[2+2*i] = c
	}
	buf[16] = vendorCode
	return buf
}

// vendorRequest serves Microsoft OS feature descriptors. Other vendor
// requests are declined.
func (d *Device) vendorRequest() RequestStatus {
	s := &d.tx.Setup
	if d.cfg.VendorCode == 0 || s.Request != d.cfg.VendorCode ||
		!s.IsDeviceToHost() || s.Value&0xFF00 != 0 || s.Length == 0 {
		return RequestDeclined
	}

	switch s.Recipient() {
	case RequestRecipientDevice:
		switch s.Index {
		case MSOSIndexExtendedCompatID:
			return d.extendedCompatID()
		case MSOSIndexExtendedProperties:
			return d.extendedProperties(uint8(s.Value))
		}
	case RequestRecipientInterface:
		if s.Index == MSOSIndexExtendedProperties {
			return d.extendedProperties(uint8(s.Value))
		}
	}
	return RequestDeclined
}

// extendedCompatID stages the Extended Compat ID table, bounded by its
// own dwLength.
func (d *Device) extendedCompatID() RequestStatus {
	buf := d.desc.ExtendedCompatID
	if len(buf) < 4 {
		return RequestDeclined
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	if n > len(buf) {
		n = len(buf)
	}
	d.tx.stage(buf[:n])
	return RequestClaimed
}

// extendedProperties asks the class extensions for the Extended Properties
// descriptor of iface.
func (d *Device) extendedProperties(iface uint8) RequestStatus {
	for _, c := range d.classes {
		p, ok := c.(ExtendedPropertiesProvider)
		if !ok {
			continue
		}
		if buf, ok := p.ExtendedProperties(&d.ctl, iface); ok {
			d.tx.stage(buf)
			return RequestClaimed
		}
	}
	return RequestDeclined
}
