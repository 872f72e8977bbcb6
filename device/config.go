package device

import (
	"fmt"

	"github.com/ardnew/usbdcore/pkg"
)

// eachInterfaceEndpoint calls fn for every endpoint descriptor in a
// configuration block that belongs to an interface descriptor accepted by
// match. Endpoint 0 entries are skipped. It stops at the first error.
func eachInterfaceEndpoint(block []byte, match func(*InterfaceDescriptor) bool, fn func(*EndpointDescriptor) error) error {
	var (
		iface InterfaceDescriptor
		ep    EndpointDescriptor
		in    bool
		err   error
	)
	eachDescriptor(block, func(desc []byte) bool {
		switch desc[1] {
		case DescriptorTypeInterface:
			in = ParseInterfaceDescriptor(desc, &iface) == nil && match(&iface)
		case DescriptorTypeEndpoint:
			if !in || ParseEndpointDescriptor(desc, &ep) != nil || ep.ID().IsControl() {
				return true
			}
			err = fn(&ep)
		}
		return err == nil
	})
	return err
}

// hasAlternate reports whether a configuration block contains interface
// iface with alternate setting alt.
func hasAlternate(block []byte, iface, alt uint8) bool {
	found := false
	var desc InterfaceDescriptor
	eachDescriptor(block, func(raw []byte) bool {
		if raw[1] == DescriptorTypeInterface && ParseInterfaceDescriptor(raw, &desc) == nil {
			found = desc.InterfaceNumber == iface && desc.AlternateSetting == alt
		}
		return !found
	})
	return found
}

func matchAlternate(iface, alt uint8) func(*InterfaceDescriptor) bool {
	return func(d *InterfaceDescriptor) bool {
		return d.InterfaceNumber == iface && d.AlternateSetting == alt
	}
}

func matchDefault(d *InterfaceDescriptor) bool {
	return d.AlternateSetting == 0
}

// teardown unconfigures every endpoint except endpoint 0 and drops it from
// the record. Every endpoint is attempted; the first error is returned.
func (d *Device) teardown() error {
	var first error
	(d.rec.mask &^ MaskEP0).Each(func(ep EndpointID) {
		if err := d.drv.unconfigure(ep); err != nil && first == nil {
			first = err
		}
		d.rec.dropEndpoint(ep)
	})
	return first
}

// forceUnconfigured leaves the device unconfigured after a configuration
// switch failed part way through reprogramming the endpoints.
func (d *Device) forceUnconfigured(cause error) {
	if err := d.teardown(); err != nil {
		pkg.LogDebug(pkg.ComponentConfig, "teardown incomplete", "error", err)
	}
	d.rec.unconfigure()
	pkg.LogWarn(pkg.ComponentConfig, "device forced unconfigured", "cause", cause)
	d.configurationChanged(0)
}

// configurationChanged reports value to the class observers and queues the
// user hook.
func (d *Device) configurationChanged(value uint8) {
	for _, c := range d.classes {
		if o, ok := c.(ConfigurationObserver); ok {
			o.ConfigurationChanged(&d.ctl, value)
		}
	}
	if fn := d.hooks.onConfigurationChanged; fn != nil {
		d.notify(func() { fn(value) })
	}
}

// configureEndpoint enables ep on the controller with a cleared halt.
func (d *Device) configureEndpoint(desc *EndpointDescriptor) error {
	ep := desc.ID()
	if err := d.drv.configure(ep, desc.TransferType(), desc.MaxPacketSize); err != nil {
		return err
	}
	d.rec.mask.Set(ep)
	d.rec.halt.Clear(ep)
	return nil
}

// setConfiguration handles SET_CONFIGURATION. Value 0 returns the device to
// the address state; any other value must name a configuration in the
// table for the current speed.
func (d *Device) setConfiguration(s *SetupPacket) error {
	if s.IsDeviceToHost() || s.Index != 0 || s.Length != 0 || s.Value > 0xFF {
		return pkg.ErrInvalidRequest
	}
	value := uint8(s.Value)

	// a request naming no usable configuration leaves the current one alone
	block, err := d.lookupConfiguration(value)
	if err != nil {
		return err
	}
	if err := d.applyConfiguration(value, block); err != nil {
		d.forceUnconfigured(err)
		return err
	}

	d.configurationChanged(value)
	pkg.LogDebug(pkg.ComponentConfig, "configuration set",
		"value", value,
		"endpoints", d.rec.mask.String())
	return nil
}

// lookupConfiguration returns the descriptor block of configuration value
// for the current speed, or nil for value 0.
func (d *Device) lookupConfiguration(value uint8) ([]byte, error) {
	if value == 0 {
		return nil, nil
	}
	block := findConfig(d.desc.configurations(d.rec.highSpeed), value)
	if block == nil {
		return nil, fmt.Errorf("configuration %d: %w", value, pkg.ErrDescriptorMissing)
	}
	if n := int(block[4]); n > len(d.rec.alternates) {
		return nil, fmt.Errorf("configuration %d has %d interfaces, capacity %d: %w",
			value, n, len(d.rec.alternates), pkg.ErrInvalidParameter)
	}
	return block, nil
}

// applyConfiguration tears down the current configuration and enables the
// endpoints of alternate setting 0 of every interface in block.
func (d *Device) applyConfiguration(value uint8, block []byte) error {
	if err := d.teardown(); err != nil {
		return err
	}
	d.rec.unconfigure()
	if value == 0 {
		return nil
	}

	if err := eachInterfaceEndpoint(block, matchDefault, d.configureEndpoint); err != nil {
		return err
	}
	if block[7]&ConfigAttrSelfPowered != 0 {
		d.rec.status |= StatusSelfPowered
	} else {
		d.rec.status &^= StatusSelfPowered
	}
	d.rec.configuration = value
	d.rec.interfaces = block[4]
	return nil
}

// setInterface handles SET_INTERFACE. The endpoints of the new alternate
// setting are enabled first; endpoints only the old setting used are then
// disabled.
func (d *Device) setInterface(s *SetupPacket) error {
	if s.IsDeviceToHost() || s.Length != 0 || s.Value > 0xFF || s.Index > 0xFF {
		return pkg.ErrInvalidRequest
	}
	if d.rec.configuration == 0 {
		return pkg.ErrNotConfigured
	}
	iface, alt := uint8(s.Index), uint8(s.Value)
	if iface >= d.rec.interfaces {
		return fmt.Errorf("interface %d: %w", iface, pkg.ErrInvalidRequest)
	}
	block := findConfig(d.desc.configurations(d.rec.highSpeed), d.rec.configuration)
	if block == nil || !hasAlternate(block, iface, alt) {
		return fmt.Errorf("interface %d alternate %d: %w", iface, alt, pkg.ErrDescriptorMissing)
	}

	old := d.rec.alternates[iface]
	var handled EndpointMask
	err := eachInterfaceEndpoint(block, matchAlternate(iface, alt), func(desc *EndpointDescriptor) error {
		if err := d.configureEndpoint(desc); err != nil {
			return err
		}
		handled.Set(desc.ID())
		return nil
	})
	if err == nil && old != alt {
		err = eachInterfaceEndpoint(block, matchAlternate(iface, old), func(desc *EndpointDescriptor) error {
			ep := desc.ID()
			if handled.Has(ep) {
				return nil
			}
			if err := d.drv.unconfigure(ep); err != nil {
				return err
			}
			d.rec.dropEndpoint(ep)
			return nil
		})
	}
	if err != nil {
		d.forceUnconfigured(err)
		return err
	}

	d.rec.alternates[iface] = alt
	for _, c := range d.classes {
		if o, ok := c.(InterfaceObserver); ok {
			o.AlternateChanged(&d.ctl, iface, alt)
		}
	}
	pkg.LogDebug(pkg.ComponentConfig, "alternate setting changed",
		"interface", iface,
		"alternate", alt,
		"endpoints", d.rec.mask.String())
	return nil
}
