package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbdcore/pkg"
)

// TableBuilder provides a fluent API for building descriptor tables.
//
//	desc, err := device.NewTableBuilder().
//		WithVendorProduct(0x1209, 0x0001).
//		WithStrings("Acme", "Widget", "0001").
//		AddConfiguration(1, device.ConfigAttrSelfPowered, 50).
//		AddInterface(device.ClassHID, 0, 0).
//		AddEndpoint(0x81, device.EndpointTypeInterrupt, 8, 10).
//		Build()
//
// Errors are collected along the chain and the first one is returned by
// Build.
type TableBuilder struct {
	device    DeviceDescriptor
	highSpeed bool
	strings   [][]byte
	configs   []*tableConfig
	config    *tableConfig
	iface     int // item index of the current interface descriptor, or -1
	compat    []compatFunction
	errors    []error
}

type tableConfig struct {
	desc       ConfigurationDescriptor
	items      []tableItem
	interfaces int
}

// tableItem is one descriptor inside a configuration block. Endpoints keep
// their packet size per speed; everything else is stored pre-encoded.
type tableItem struct {
	raw      []byte
	endpoint *EndpointDescriptor
	hsSize   uint16
}

type compatFunction struct {
	iface       uint8
	compatID    [8]byte
	subCompatID [8]byte
}

// NewTableBuilder creates a builder for a USB 2.0 device with a 64-byte
// control endpoint and US English strings.
func NewTableBuilder() *TableBuilder {
	b := &TableBuilder{
		device: DeviceDescriptor{
			Length:         DeviceDescriptorSize,
			DescriptorType: DescriptorTypeDevice,
			USBVersion:     0x0200,
			MaxPacketSize0: 64,
		},
		iface: -1,
	}
	var lang [4]byte
	LanguageDescriptorTo(lang[:], LangIDUSEnglish)
	empty := []byte{2, DescriptorTypeString}
	b.strings = [][]byte{lang[:], empty, empty, empty}
	return b
}

// WithVendorProduct sets vendor and product IDs.
func (b *TableBuilder) WithVendorProduct(vendorID, productID uint16) *TableBuilder {
	b.device.VendorID = vendorID
	b.device.ProductID = productID
	return b
}

// WithDeviceVersion sets bcdDevice.
func (b *TableBuilder) WithDeviceVersion(bcd uint16) *TableBuilder {
	b.device.DeviceVersion = bcd
	return b
}

// WithDeviceClass sets the device class triple.
func (b *TableBuilder) WithDeviceClass(class, subClass, protocol uint8) *TableBuilder {
	b.device.DeviceClass = class
	b.device.DeviceSubClass = subClass
	b.device.DeviceProtocol = protocol
	return b
}

// WithMaxPacketSize0 sets the control endpoint packet size (8, 16, 32 or 64).
func (b *TableBuilder) WithMaxPacketSize0(size uint8) *TableBuilder {
	switch size {
	case 8, 16, 32, 64:
		b.device.MaxPacketSize0 = size
	default:
		b.errors = append(b.errors, fmt.Errorf("max packet size %d: %w", size, pkg.ErrInvalidParameter))
	}
	return b
}

// WithHighSpeed enables generation of high-speed, other-speed, and
// qualifier tables.
func (b *TableBuilder) WithHighSpeed() *TableBuilder {
	b.highSpeed = true
	return b
}

// WithStrings sets the manufacturer, product, and serial strings at
// indices 1, 2 and 3. Empty strings leave the descriptor index unset.
func (b *TableBuilder) WithStrings(manufacturer, product, serial string) *TableBuilder {
	for i, s := range []string{manufacturer, product, serial} {
		if s == "" {
			continue
		}
		b.strings[i+1] = encodeString(s)
	}
	if manufacturer != "" {
		b.device.ManufacturerIndex = 1
	}
	if product != "" {
		b.device.ProductIndex = 2
	}
	if serial != "" {
		b.device.SerialNumberIndex = SerialNumberStringIndex
	}
	return b
}

func encodeString(s string) []byte {
	var buf [255]byte
	n := StringDescriptorTo(buf[:], s)
	out := make([]byte, n)
	copy(out, buf[:n])
	return out
}

func (b *TableBuilder) addString(s string) uint8 {
	if s == "" {
		return 0
	}
	if len(b.strings) >= 0xEE {
		b.errors = append(b.errors, fmt.Errorf("string %q: %w", s, pkg.ErrBufferTooSmall))
		return 0
	}
	b.strings = append(b.strings, encodeString(s))
	return uint8(len(b.strings) - 1)
}

// AddConfiguration starts a new configuration. The bus-powered bit is
// always set in attributes; maxPower is in 2 mA units.
func (b *TableBuilder) AddConfiguration(value, attributes, maxPower uint8) *TableBuilder {
	if value == 0 {
		b.errors = append(b.errors, fmt.Errorf("configuration value 0: %w", pkg.ErrInvalidParameter))
		return b
	}
	for _, c := range b.configs {
		if c.desc.ConfigurationValue == value {
			b.errors = append(b.errors, fmt.Errorf("duplicate configuration %d: %w", value, pkg.ErrInvalidParameter))
			return b
		}
	}
	b.config = &tableConfig{desc: ConfigurationDescriptor{
		ConfigurationValue: value,
		Attributes:         attributes | ConfigAttrBusPowered,
		MaxPower:           maxPower,
	}}
	b.configs = append(b.configs, b.config)
	b.iface = -1
	return b
}

// AddInterfaceAssociation adds an IAD to the current configuration.
func (b *TableBuilder) AddInterfaceAssociation(first, count, class, subClass, protocol uint8) *TableBuilder {
	if b.config == nil {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	iad := InterfaceAssociationDescriptor{
		FirstInterface:   first,
		InterfaceCount:   count,
		FunctionClass:    class,
		FunctionSubClass: subClass,
		FunctionProtocol: protocol,
	}
	raw := make([]byte, IADSize)
	iad.MarshalTo(raw)
	b.config.items = append(b.config.items, tableItem{raw: raw})
	return b
}

// AddInterface adds the next interface number at alternate setting 0.
func (b *TableBuilder) AddInterface(class, subClass, protocol uint8) *TableBuilder {
	return b.AddInterfaceNamed(class, subClass, protocol, "")
}

// AddInterfaceNamed adds an interface with an iInterface string.
func (b *TableBuilder) AddInterfaceNamed(class, subClass, protocol uint8, name string) *TableBuilder {
	if b.config == nil {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	if b.config.interfaces >= MaxInterfaces {
		b.errors = append(b.errors, fmt.Errorf("interface %d: %w", b.config.interfaces, pkg.ErrBufferTooSmall))
		return b
	}
	b.appendInterface(&InterfaceDescriptor{
		InterfaceNumber:   uint8(b.config.interfaces),
		InterfaceClass:    class,
		InterfaceSubClass: subClass,
		InterfaceProtocol: protocol,
		InterfaceIndex:    b.addString(name),
	})
	b.config.interfaces++
	return b
}

// AddAlternate adds an alternate setting of the current interface with
// the same class triple.
func (b *TableBuilder) AddAlternate(alt uint8) *TableBuilder {
	if b.config == nil || b.iface < 0 {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	var cur InterfaceDescriptor
	_ = ParseInterfaceDescriptor(b.config.items[b.iface].raw, &cur)
	if alt == cur.AlternateSetting {
		b.errors = append(b.errors, fmt.Errorf("alternate setting %d: %w", alt, pkg.ErrInvalidParameter))
		return b
	}
	cur.AlternateSetting = alt
	cur.NumEndpoints = 0
	b.appendInterface(&cur)
	return b
}

func (b *TableBuilder) appendInterface(desc *InterfaceDescriptor) {
	raw := make([]byte, InterfaceDescriptorSize)
	desc.MarshalTo(raw)
	b.config.items = append(b.config.items, tableItem{raw: raw})
	b.iface = len(b.config.items) - 1
}

// AddClassDescriptor adds a pre-encoded class-specific descriptor after
// the current interface or endpoint.
func (b *TableBuilder) AddClassDescriptor(raw []byte) *TableBuilder {
	if b.config == nil {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	if len(raw) < 2 || int(raw[0]) != len(raw) {
		b.errors = append(b.errors, fmt.Errorf("class descriptor: %w", pkg.ErrDescriptorTooShort))
		return b
	}
	b.config.items = append(b.config.items, tableItem{raw: append([]byte(nil), raw...)})
	return b
}

// AddEndpoint adds an endpoint to the current interface. When high speed
// is enabled, bulk endpoints use 512-byte packets in the high-speed table.
func (b *TableBuilder) AddEndpoint(address, attributes uint8, maxPacketSize uint16, interval uint8) *TableBuilder {
	hs := maxPacketSize
	if attributes&0x03 == EndpointTypeBulk {
		hs = 512
	}
	return b.AddEndpointHS(address, attributes, maxPacketSize, hs, interval)
}

// AddEndpointHS adds an endpoint with distinct full-speed and high-speed
// packet sizes.
func (b *TableBuilder) AddEndpointHS(address, attributes uint8, fsSize, hsSize uint16, interval uint8) *TableBuilder {
	if b.config == nil || b.iface < 0 {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	if address&0x0F == 0 {
		b.errors = append(b.errors, fmt.Errorf("endpoint 0x%02X: %w", address, pkg.ErrInvalidEndpoint))
		return b
	}
	b.config.items = append(b.config.items, tableItem{
		endpoint: &EndpointDescriptor{
			EndpointAddress: address,
			Attributes:      attributes,
			MaxPacketSize:   fsSize,
			Interval:        interval,
		},
		hsSize: hsSize,
	})
	b.config.items[b.iface].raw[4]++
	return b
}

// WithExtendedCompatID adds a Microsoft OS Extended Compat ID function
// section for an interface.
func (b *TableBuilder) WithExtendedCompatID(iface uint8, compatID, subCompatID string) *TableBuilder {
	f := compatFunction{iface: iface}
	copy(f.compatID[:], compatID)
	copy(f.subCompatID[:], subCompatID)
	b.compat = append(b.compat, f)
	return b
}

// Build returns the encoded descriptor tables.
func (b *TableBuilder) Build() (*Descriptors, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if len(b.configs) == 0 {
		return nil, fmt.Errorf("no configurations: %w", pkg.ErrDescriptorMissing)
	}

	dev := b.device
	dev.NumConfigurations = uint8(len(b.configs))
	out := &Descriptors{Device: make([]byte, DeviceDescriptorSize)}
	dev.MarshalTo(out.Device)

	var err error
	if out.ConfigurationFS, err = b.encodeConfigs(false, DescriptorTypeConfiguration); err != nil {
		return nil, err
	}
	if b.highSpeed {
		if out.ConfigurationHS, err = b.encodeConfigs(true, DescriptorTypeConfiguration); err != nil {
			return nil, err
		}
		// Other-speed tables describe the configuration at the speed the
		// device is not running at.
		if out.OtherSpeedFS, err = b.encodeConfigs(true, DescriptorTypeOtherSpeedConfig); err != nil {
			return nil, err
		}
		if out.OtherSpeedHS, err = b.encodeConfigs(false, DescriptorTypeOtherSpeedConfig); err != nil {
			return nil, err
		}
		q := DeviceQualifierDescriptor{
			USBVersion:        dev.USBVersion,
			DeviceClass:       dev.DeviceClass,
			DeviceSubClass:    dev.DeviceSubClass,
			DeviceProtocol:    dev.DeviceProtocol,
			MaxPacketSize0:    dev.MaxPacketSize0,
			NumConfigurations: dev.NumConfigurations,
		}
		out.QualifierFS = make([]byte, DeviceQualifierSize)
		q.MarshalTo(out.QualifierFS)
		out.QualifierHS = append([]byte(nil), out.QualifierFS...)
	}

	for _, s := range b.strings {
		out.Strings = append(out.Strings, s...)
	}
	if len(b.compat) > 0 {
		out.ExtendedCompatID = b.encodeCompatID()
	}
	return out, nil
}

func (b *TableBuilder) encodeConfigs(highSpeed bool, descType uint8) ([]byte, error) {
	var chain []byte
	for _, c := range b.configs {
		total := ConfigurationDescriptorSize
		for _, it := range c.items {
			if it.endpoint != nil {
				total += EndpointDescriptorSize
			} else {
				total += len(it.raw)
			}
		}
		if total > 0xFFFF {
			return nil, fmt.Errorf("configuration %d: %w", c.desc.ConfigurationValue, pkg.ErrBufferTooSmall)
		}
		hdr := c.desc
		hdr.DescriptorType = descType
		hdr.TotalLength = uint16(total)
		hdr.NumInterfaces = uint8(c.interfaces)

		block := make([]byte, total)
		n := hdr.MarshalTo(block)
		for _, it := range c.items {
			if it.endpoint == nil {
				n += copy(block[n:], it.raw)
				continue
			}
			ep := *it.endpoint
			if highSpeed {
				ep.MaxPacketSize = it.hsSize
			}
			n += ep.MarshalTo(block[n:])
		}
		chain = append(chain, block...)
	}
	return chain, nil
}

// Microsoft OS 1.0 Extended Compat ID layout.
const (
	compatHeaderSize   = 16
	compatFunctionSize = 24
)

func (b *TableBuilder) encodeCompatID() []byte {
	out := make([]byte, compatHeaderSize+compatFunctionSize*len(b.compat))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	binary.LittleEndian.PutUint16(out[4:6], 0x0100)
	binary.LittleEndian.PutUint16(out[6:8], MSOSIndexExtendedCompatID)
	out[8] = uint8(len(b.compat))
	for i, f := range b.compat {
		sec := out[compatHeaderSize+i*compatFunctionSize:]
		sec[0] = f.iface
		sec[1] = 0x01
		copy(sec[2:10], f.compatID[:])
		copy(sec[10:18], f.subCompatID[:])
	}
	return out
}
