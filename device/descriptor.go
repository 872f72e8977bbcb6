package device

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/ardnew/usbdcore/pkg"
)

// USB Descriptor Types (USB 2.0 Spec Table 9-5).
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeDeviceQualifier      = 0x06
	DescriptorTypeOtherSpeedConfig     = 0x07
	DescriptorTypeInterfacePower       = 0x08
	DescriptorTypeInterfaceAssociation = 0x0B
	DescriptorTypeHID                  = 0x21
	DescriptorTypeHIDReport            = 0x22
	DescriptorTypeHIDPhysical          = 0x23
	DescriptorTypeCSInterface          = 0x24 // Class-specific interface
	DescriptorTypeCSEndpoint           = 0x25 // Class-specific endpoint
)

// USB Class Codes.
const (
	ClassPerInterface = 0x00 // Class defined at interface level
	ClassAudio        = 0x01 // Audio class
	ClassCDC          = 0x02 // Communications Device Class
	ClassHID          = 0x03 // Human Interface Device
	ClassMassStorage  = 0x08 // Mass Storage
	ClassCDCData      = 0x0A // CDC-Data
	ClassMisc         = 0xEF // Miscellaneous
	ClassVendor       = 0xFF // Vendor Specific
)

// DeviceDescriptor represents a USB device descriptor (18 bytes).
type DeviceDescriptor struct {
	Length            uint8  // Size of this descriptor (18)
	DescriptorType    uint8  // Device descriptor type (0x01)
	USBVersion        uint16 // USB specification version (BCD)
	DeviceClass       uint8  // Class code
	DeviceSubClass    uint8  // Subclass code
	DeviceProtocol    uint8  // Protocol code
	MaxPacketSize0    uint8  // Max packet size for EP0
	VendorID          uint16 // Vendor ID
	ProductID         uint16 // Product ID
	DeviceVersion     uint16 // Device release number (BCD)
	ManufacturerIndex uint8  // Index of manufacturer string
	ProductIndex      uint8  // Index of product string
	SerialNumberIndex uint8  // Index of serial number string
	NumConfigurations uint8  // Number of configurations
}

// DeviceDescriptorSize is the size of a device descriptor in bytes.
const DeviceDescriptorSize = 18

// MarshalTo serializes the device descriptor to buf.
// Returns the number of bytes written (always 18 if buf is large enough).
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// ParseDeviceDescriptor parses a device descriptor from bytes into out.
// Returns an error if the data is too short or the descriptor type is wrong.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if len(data) < DeviceDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeDevice {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = binary.LittleEndian.Uint16(data[2:4])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:10])
	out.ProductID = binary.LittleEndian.Uint16(data[10:12])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:14])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return nil
}

// DeviceQualifierDescriptor describes the device at the speed it is not
// currently operating at (10 bytes).
type DeviceQualifierDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	NumConfigurations uint8
}

// DeviceQualifierSize is the size of a device qualifier descriptor in bytes.
const DeviceQualifierSize = 10

// MarshalTo serializes the qualifier to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (q *DeviceQualifierDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceQualifierSize {
		return 0
	}
	buf[0] = DeviceQualifierSize
	buf[1] = DescriptorTypeDeviceQualifier
	binary.LittleEndian.PutUint16(buf[2:4], q.USBVersion)
	buf[4] = q.DeviceClass
	buf[5] = q.DeviceSubClass
	buf[6] = q.DeviceProtocol
	buf[7] = q.MaxPacketSize0
	buf[8] = q.NumConfigurations
	buf[9] = 0
	return DeviceQualifierSize
}

// ConfigurationDescriptor represents a USB configuration descriptor (9 bytes).
// The same layout serves the other-speed configuration descriptor.
type ConfigurationDescriptor struct {
	Length             uint8  // Size of this descriptor (9)
	DescriptorType     uint8  // Configuration or other-speed type
	TotalLength        uint16 // Total length of configuration data
	NumInterfaces      uint8  // Number of interfaces
	ConfigurationValue uint8  // Configuration value for SET_CONFIGURATION
	ConfigurationIndex uint8  // Index of string descriptor
	Attributes         uint8  // Configuration attributes
	MaxPower           uint8  // Maximum power consumption (2mA units)
}

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   = 0x80 // Bus-powered (required)
	ConfigAttrSelfPowered  = 0x40 // Self-powered
	ConfigAttrRemoteWakeup = 0x20 // Remote wakeup capable
)

// ConfigurationDescriptorSize is the size of a configuration descriptor in bytes.
const ConfigurationDescriptorSize = 9

// MarshalTo serializes the configuration descriptor to buf.
// A zero DescriptorType is written as DescriptorTypeConfiguration.
func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < ConfigurationDescriptorSize {
		return 0
	}
	buf[0] = ConfigurationDescriptorSize
	buf[1] = c.DescriptorType
	if buf[1] == 0 {
		buf[1] = DescriptorTypeConfiguration
	}
	binary.LittleEndian.PutUint16(buf[2:4], c.TotalLength)
	buf[4] = c.NumInterfaces
	buf[5] = c.ConfigurationValue
	buf[6] = c.ConfigurationIndex
	buf[7] = c.Attributes
	buf[8] = c.MaxPower
	return ConfigurationDescriptorSize
}

// ParseConfigurationDescriptor parses a configuration or other-speed
// configuration descriptor from bytes into out.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	if len(data) < ConfigurationDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeConfiguration && data[1] != DescriptorTypeOtherSpeedConfig {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return nil
}

// InterfaceDescriptor represents a USB interface descriptor (9 bytes).
type InterfaceDescriptor struct {
	Length            uint8 // Size of this descriptor (9)
	DescriptorType    uint8 // Interface descriptor type (0x04)
	InterfaceNumber   uint8 // Interface number
	AlternateSetting  uint8 // Alternate setting number
	NumEndpoints      uint8 // Number of endpoints (excluding EP0)
	InterfaceClass    uint8 // Class code
	InterfaceSubClass uint8 // Subclass code
	InterfaceProtocol uint8 // Protocol code
	InterfaceIndex    uint8 // Index of string descriptor
}

// InterfaceDescriptorSize is the size of an interface descriptor in bytes.
const InterfaceDescriptorSize = 9

// MarshalTo serializes the interface descriptor to buf.
func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < InterfaceDescriptorSize {
		return 0
	}
	buf[0] = InterfaceDescriptorSize
	buf[1] = DescriptorTypeInterface
	buf[2] = i.InterfaceNumber
	buf[3] = i.AlternateSetting
	buf[4] = i.NumEndpoints
	buf[5] = i.InterfaceClass
	buf[6] = i.InterfaceSubClass
	buf[7] = i.InterfaceProtocol
	buf[8] = i.InterfaceIndex
	return InterfaceDescriptorSize
}

// ParseInterfaceDescriptor parses an interface descriptor from bytes into out.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) error {
	if len(data) < InterfaceDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeInterface {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return nil
}

// EndpointDescriptor represents a USB endpoint descriptor (7 bytes).
type EndpointDescriptor struct {
	Length          uint8  // Size of this descriptor (7)
	DescriptorType  uint8  // Endpoint descriptor type (0x05)
	EndpointAddress uint8  // Endpoint address (including direction)
	Attributes      uint8  // Endpoint attributes (transfer type, etc.)
	MaxPacketSize   uint16 // Maximum packet size
	Interval        uint8  // Polling interval (for interrupt/isochronous)
}

// EndpointDescriptorSize is the size of an endpoint descriptor in bytes.
const EndpointDescriptorSize = 7

// MarshalTo serializes the endpoint descriptor to buf.
func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	buf[0] = EndpointDescriptorSize
	buf[1] = DescriptorTypeEndpoint
	buf[2] = e.EndpointAddress
	buf[3] = e.Attributes
	binary.LittleEndian.PutUint16(buf[4:6], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// ParseEndpointDescriptor parses an endpoint descriptor from bytes into out.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) error {
	if len(data) < EndpointDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeEndpoint {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = binary.LittleEndian.Uint16(data[4:6])
	out.Interval = data[6]
	return nil
}

// ID returns the endpoint identity encoded in EndpointAddress.
func (e *EndpointDescriptor) ID() EndpointID {
	return ParseEndpointAddress(e.EndpointAddress)
}

// TransferType returns the transfer type bits of Attributes.
func (e *EndpointDescriptor) TransferType() uint8 {
	return e.Attributes & 0x03
}

// PacketSize returns the packet size bits of MaxPacketSize, excluding the
// high-bandwidth transaction count.
func (e *EndpointDescriptor) PacketSize() uint16 {
	return e.MaxPacketSize & 0x07FF
}

// InterfaceAssociationDescriptor represents an IAD (8 bytes).
// Used for composite devices like CDC-ACM.
type InterfaceAssociationDescriptor struct {
	FirstInterface   uint8 // First interface number
	InterfaceCount   uint8 // Number of contiguous interfaces
	FunctionClass    uint8 // Class code
	FunctionSubClass uint8 // Subclass code
	FunctionProtocol uint8 // Protocol code
	FunctionIndex    uint8 // Index of string descriptor
}

// IADSize is the size of an interface association descriptor in bytes.
const IADSize = 8

// MarshalTo serializes the IAD to buf.
func (i *InterfaceAssociationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < IADSize {
		return 0
	}
	buf[0] = IADSize
	buf[1] = DescriptorTypeInterfaceAssociation
	buf[2] = i.FirstInterface
	buf[3] = i.InterfaceCount
	buf[4] = i.FunctionClass
	buf[5] = i.FunctionSubClass
	buf[6] = i.FunctionProtocol
	buf[7] = i.FunctionIndex
	return IADSize
}

// StringDescriptorTo writes a USB string descriptor to buf.
// Returns the number of bytes written. The descriptor encodes the string
// as UTF-16LE, truncated to the 255-byte descriptor limit. If buf is too
// small, returns 0.
func StringDescriptorTo(buf []byte, s string) int {
	units := utf16.Encode([]rune(s))
	if limit := (255 - 2) / 2; len(units) > limit {
		units = units[:limit]
	}
	length := 2 + len(units)*2
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2+i*2:], u)
	}
	return length
}

// DecodeStringDescriptor returns the text of a UTF-16LE string descriptor.
func DecodeStringDescriptor(data []byte) (string, error) {
	if len(data) < 2 || int(data[0]) > len(data) || data[0] < 2 {
		return "", pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeString {
		return "", pkg.ErrDescriptorTypeMismatch
	}
	n := (int(data[0]) - 2) / 2
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(data[2+i*2:])
	}
	return string(utf16.Decode(units)), nil
}

// LanguageDescriptorTo writes the language ID string descriptor to buf.
// Returns the number of bytes written. If buf is too small, returns 0.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) int {
	length := 2 + len(langIDs)*2
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+i*2:], id)
	}
	return length
}

// LangIDUSEnglish is the language ID for US English.
const LangIDUSEnglish = 0x0409

// nextDescriptor splits data into its first descriptor and the remainder.
// It returns ok=false when the header is truncated, bLength is zero, or
// bLength runs past the end of data.
func nextDescriptor(data []byte) (desc, rest []byte, ok bool) {
	if len(data) < 2 {
		return nil, nil, false
	}
	n := int(data[0])
	if n < 2 || n > len(data) {
		return nil, nil, false
	}
	return data[:n], data[n:], true
}

// eachDescriptor calls fn for every well-formed descriptor in data until fn
// returns false or a malformed header is found.
func eachDescriptor(data []byte, fn func(desc []byte) bool) {
	for {
		desc, rest, ok := nextDescriptor(data)
		if !ok || !fn(desc) {
			return
		}
		data = rest
	}
}
