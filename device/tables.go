package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbdcore/pkg"
)

// Descriptors holds the static descriptor tables served by a device.
//
// Configuration and other-speed fields are chains: one or more complete
// configuration blocks (configuration descriptor plus its interfaces,
// endpoints, and class descriptors) laid end to end, each advanced by its
// wTotalLength. Strings is a chain of string descriptors advanced by
// bLength, starting with the language ID table at index 0. The FS tables
// are served while operating at full speed and the HS tables while
// operating at high speed.
type Descriptors struct {
	Device           []byte `cbor:"device"`
	QualifierFS      []byte `cbor:"qualifier_fs,omitempty"`
	QualifierHS      []byte `cbor:"qualifier_hs,omitempty"`
	ConfigurationFS  []byte `cbor:"config_fs"`
	ConfigurationHS  []byte `cbor:"config_hs,omitempty"`
	OtherSpeedFS     []byte `cbor:"other_speed_fs,omitempty"`
	OtherSpeedHS     []byte `cbor:"other_speed_hs,omitempty"`
	Strings          []byte `cbor:"strings,omitempty"`
	ExtendedCompatID []byte `cbor:"ms_compat_id,omitempty"`
}

// Validate checks the device descriptor and the full-speed configuration
// chain. Tables are otherwise walked defensively at request time.
func (d *Descriptors) Validate() error {
	var dev DeviceDescriptor
	if err := ParseDeviceDescriptor(d.Device, &dev); err != nil {
		return fmt.Errorf("device descriptor: %w", err)
	}
	switch dev.MaxPacketSize0 {
	case 8, 16, 32, 64:
	default:
		return fmt.Errorf("bMaxPacketSize0 %d: %w", dev.MaxPacketSize0, pkg.ErrInvalidParameter)
	}
	if configAt(d.ConfigurationFS, 0) == nil {
		return fmt.Errorf("configuration chain: %w", pkg.ErrDescriptorMissing)
	}
	return nil
}

// MaxPacketSize0 returns bMaxPacketSize0 of the device descriptor.
func (d *Descriptors) MaxPacketSize0() uint16 {
	if len(d.Device) < DeviceDescriptorSize {
		return 8
	}
	return uint16(d.Device[7])
}

// MaxInterfaces returns the largest bNumInterfaces across both
// configuration chains.
func (d *Descriptors) MaxInterfaces() int {
	n := 0
	for _, chain := range [][]byte{d.ConfigurationFS, d.ConfigurationHS} {
		eachConfig(chain, func(block []byte) bool {
			if int(block[4]) > n {
				n = int(block[4])
			}
			return true
		})
	}
	return n
}

// FirstAttributes returns bmAttributes of the first full-speed configuration.
func (d *Descriptors) FirstAttributes() uint8 {
	if block := configAt(d.ConfigurationFS, 0); block != nil {
		return block[7]
	}
	return 0
}

func (d *Descriptors) configurations(highSpeed bool) []byte {
	if highSpeed {
		return d.ConfigurationHS
	}
	return d.ConfigurationFS
}

func (d *Descriptors) otherSpeed(highSpeed bool) []byte {
	if highSpeed {
		return d.OtherSpeedHS
	}
	return d.OtherSpeedFS
}

func (d *Descriptors) qualifier(highSpeed bool) []byte {
	if highSpeed {
		return d.QualifierHS
	}
	return d.QualifierFS
}

// eachConfig calls fn for every well-formed configuration block in chain.
// Walking stops at a block whose bLength is zero, whose wTotalLength is
// shorter than a configuration descriptor, or which overruns the chain.
func eachConfig(chain []byte, fn func(block []byte) bool) {
	for len(chain) >= ConfigurationDescriptorSize && chain[0] != 0 {
		total := int(binary.LittleEndian.Uint16(chain[2:4]))
		if total < ConfigurationDescriptorSize || total > len(chain) {
			return
		}
		if !fn(chain[:total]) {
			return
		}
		chain = chain[total:]
	}
}

// configAt returns the configuration block at position index in chain.
func configAt(chain []byte, index uint8) []byte {
	var found []byte
	n := 0
	eachConfig(chain, func(block []byte) bool {
		if n == int(index) {
			found = block
			return false
		}
		n++
		return true
	})
	return found
}

// findConfig returns the configuration block whose bConfigurationValue is value.
func findConfig(chain []byte, value uint8) []byte {
	var found []byte
	eachConfig(chain, func(block []byte) bool {
		if block[5] == value {
			found = block
			return false
		}
		return true
	})
	return found
}

// stringAt returns the string descriptor at position index in chain.
func stringAt(chain []byte, index uint8) []byte {
	var found []byte
	n := 0
	eachDescriptor(chain, func(desc []byte) bool {
		if n == int(index) {
			found = desc
			return false
		}
		n++
		return true
	})
	return found
}

// Walk calls fn for each descriptor in data, advancing by bLength, until
// fn returns false or a descriptor is malformed.
func Walk(data []byte, fn func(desc []byte) bool) {
	eachDescriptor(data, fn)
}

// WalkConfigurations calls fn for each configuration block in chain.
func WalkConfigurations(chain []byte, fn func(block []byte) bool) {
	eachConfig(chain, fn)
}
