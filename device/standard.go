package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbdcore/pkg"
)

// standardRequest handles a standard request addressed to the device, an
// interface, or an endpoint. Responses are staged on the transaction.
func (d *Device) standardRequest() RequestStatus {
	s := &d.tx.Setup

	var err error
	switch s.Recipient() {
	case RequestRecipientDevice:
		err = d.deviceRequest(s)
	case RequestRecipientInterface:
		err = d.interfaceRequest(s)
	case RequestRecipientEndpoint:
		err = d.endpointRequest(s)
	default:
		err = pkg.ErrInvalidRequest
	}
	if err != nil {
		pkg.LogDebug(pkg.ComponentStandard, "standard request failed",
			"setup", s.String(),
			"error", err)
		return RequestStall
	}
	return RequestClaimed
}

// deviceRequest handles device-level standard requests.
func (d *Device) deviceRequest(s *SetupPacket) error {
	switch s.Request {
	case RequestGetStatus:
		return d.getDeviceStatus(s)
	case RequestClearFeature:
		return d.deviceFeature(s, false)
	case RequestSetFeature:
		return d.deviceFeature(s, true)
	case RequestSetAddress:
		return d.setAddress(s)
	case RequestGetDescriptor:
		return d.getDescriptor(s)
	case RequestGetConfiguration:
		return d.getConfiguration(s)
	case RequestSetConfiguration:
		return d.setConfiguration(s)
	case RequestSetDescriptor:
		return pkg.ErrNotSupported
	default:
		return pkg.ErrInvalidRequest
	}
}

// interfaceRequest handles interface-level standard requests.
func (d *Device) interfaceRequest(s *SetupPacket) error {
	switch s.Request {
	case RequestGetStatus:
		return d.getInterfaceStatus(s)
	case RequestGetDescriptor:
		return d.getInterfaceDescriptor(s)
	case RequestGetInterface:
		return d.getInterface(s)
	case RequestSetInterface:
		return d.setInterface(s)
	default:
		return pkg.ErrInvalidRequest
	}
}

// endpointRequest handles endpoint-level standard requests.
func (d *Device) endpointRequest(s *SetupPacket) error {
	switch s.Request {
	case RequestGetStatus:
		return d.getEndpointStatus(s)
	case RequestClearFeature:
		return d.endpointFeature(s, false)
	case RequestSetFeature:
		return d.endpointFeature(s, true)
	case RequestSynchFrame:
		return pkg.ErrNotSupported
	default:
		return pkg.ErrInvalidRequest
	}
}

// stageStatus stages a two-byte status word.
func (d *Device) stageStatus(status uint16) {
	binary.LittleEndian.PutUint16(d.scratch[0:2], status)
	d.tx.stage(d.scratch[:2])
}

// checkGetStatus validates the fields shared by every GET_STATUS.
func checkGetStatus(s *SetupPacket) error {
	if !s.IsDeviceToHost() || s.Value != 0 || s.Length != 2 {
		return pkg.ErrInvalidRequest
	}
	return nil
}

func (d *Device) getDeviceStatus(s *SetupPacket) error {
	if err := checkGetStatus(s); err != nil {
		return err
	}
	if s.Index != 0 {
		return pkg.ErrInvalidRequest
	}
	d.stageStatus(d.rec.status)
	return nil
}

func (d *Device) getInterfaceStatus(s *SetupPacket) error {
	if err := checkGetStatus(s); err != nil {
		return err
	}
	if d.rec.configuration == 0 {
		return pkg.ErrNotConfigured
	}
	if s.Index > 0xFF || uint8(s.Index) >= d.rec.interfaces {
		return fmt.Errorf("interface %d: %w", s.Index, pkg.ErrInvalidRequest)
	}
	d.stageStatus(0)
	return nil
}

func (d *Device) getEndpointStatus(s *SetupPacket) error {
	if err := checkGetStatus(s); err != nil {
		return err
	}
	ep := s.Endpoint()
	if !ep.IsControl() && (d.rec.configuration == 0 || !d.rec.mask.Has(ep)) {
		return fmt.Errorf("status %v: %w", ep, pkg.ErrInvalidEndpoint)
	}
	var status uint16
	if d.rec.halt.Has(ep) {
		status = 1
	}
	d.stageStatus(status)
	return nil
}

// deviceFeature handles SET_FEATURE and CLEAR_FEATURE for the device.
// Only remote wakeup is supported.
func (d *Device) deviceFeature(s *SetupPacket, set bool) error {
	if s.IsDeviceToHost() || s.Length != 0 || s.Value != FeatureDeviceRemoteWakeup {
		return pkg.ErrInvalidRequest
	}
	if set {
		d.rec.status |= StatusRemoteWakeup
		d.notify(d.hooks.onEnableRemoteWakeup)
	} else {
		d.rec.status &^= StatusRemoteWakeup
		d.notify(d.hooks.onDisableRemoteWakeup)
	}
	pkg.LogDebug(pkg.ComponentStandard, "remote wakeup changed", "enabled", set)
	return nil
}

// endpointFeature handles SET_FEATURE and CLEAR_FEATURE(ENDPOINT_HALT).
func (d *Device) endpointFeature(s *SetupPacket, set bool) error {
	if s.IsDeviceToHost() || s.Length != 0 || s.Value != FeatureEndpointHalt {
		return pkg.ErrInvalidRequest
	}
	ep := s.Endpoint()
	if ep.IsControl() || !d.rec.mask.Has(ep) {
		return fmt.Errorf("halt %v: %w", ep, pkg.ErrInvalidEndpoint)
	}
	if set {
		return d.setHalt(ep, true)
	}
	return d.clearHalt(ep)
}

// clearHalt clears a host-visible endpoint halt unless the endpoint is
// marked no-halt-clear, then notifies the halt observers.
func (d *Device) clearHalt(ep EndpointID) error {
	if d.rec.halt.Has(ep) && d.rec.noHaltClear.Has(ep) {
		pkg.LogDebug(pkg.ComponentStandard, "halt kept", "endpoint", ep.String())
		return nil
	}
	if err := d.setHalt(ep, false); err != nil {
		return err
	}
	for _, c := range d.classes {
		if o, ok := c.(HaltClearObserver); ok {
			o.EndpointHaltCleared(&d.ctl, ep)
		}
	}
	return nil
}

// setAddress defers the new address until the status stage completes.
func (d *Device) setAddress(s *SetupPacket) error {
	if s.IsDeviceToHost() || s.Index != 0 || s.Length != 0 || s.Value > 127 {
		return pkg.ErrInvalidRequest
	}
	d.tx.Commit = Commit{Kind: CommitAddress, Address: uint8(s.Value)}
	return nil
}

func (d *Device) getConfiguration(s *SetupPacket) error {
	if !s.IsDeviceToHost() || s.Value != 0 || s.Index != 0 || s.Length != 1 {
		return pkg.ErrInvalidRequest
	}
	d.scratch[0] = d.rec.configuration
	d.tx.stage(d.scratch[:1])
	return nil
}

func (d *Device) getInterface(s *SetupPacket) error {
	if !s.IsDeviceToHost() || s.Value != 0 || s.Length != 1 {
		return pkg.ErrInvalidRequest
	}
	if d.rec.configuration == 0 {
		return pkg.ErrNotConfigured
	}
	if s.Index > 0xFF || uint8(s.Index) >= d.rec.interfaces {
		return fmt.Errorf("interface %d: %w", s.Index, pkg.ErrInvalidRequest)
	}
	d.scratch[0] = d.rec.alternates[s.Index]
	d.tx.stage(d.scratch[:1])
	return nil
}

// getDescriptor serves a device-level GET_DESCRIPTOR from the tables.
func (d *Device) getDescriptor(s *SetupPacket) error {
	if !s.IsDeviceToHost() || s.Length == 0 {
		return pkg.ErrInvalidRequest
	}
	desc := d.lookupDescriptor(s.DescriptorType(), s.DescriptorIndex())
	if desc == nil {
		return fmt.Errorf("descriptor type 0x%02X index %d: %w",
			s.DescriptorType(), s.DescriptorIndex(), pkg.ErrDescriptorMissing)
	}
	d.tx.stage(desc)
	return nil
}

// lookupDescriptor returns the descriptor of typ and index for the current
// operating speed, or nil.
func (d *Device) lookupDescriptor(typ, index uint8) []byte {
	hs := d.rec.highSpeed
	switch typ {
	case DescriptorTypeDevice:
		if index != 0 || len(d.desc.Device) < DeviceDescriptorSize {
			return nil
		}
		return d.desc.Device[:DeviceDescriptorSize]
	case DescriptorTypeDeviceQualifier:
		if !d.cfg.HighSpeed {
			return nil
		}
		q := d.desc.qualifier(hs)
		if len(q) < DeviceQualifierSize {
			return nil
		}
		return q[:DeviceQualifierSize]
	case DescriptorTypeConfiguration:
		if hs && !d.cfg.HighSpeed {
			return nil
		}
		return configAt(d.desc.configurations(hs), index)
	case DescriptorTypeOtherSpeedConfig:
		if !d.cfg.HighSpeed {
			return nil
		}
		return configAt(d.desc.otherSpeed(hs), index)
	case DescriptorTypeString:
		switch {
		case index == SerialNumberStringIndex && d.serial != nil:
			return d.serial
		case index == MSOSStringIndex && d.msosString != nil:
			return d.msosString
		}
		return stringAt(d.desc.Strings, index)
	}
	return nil
}

// getInterfaceDescriptor offers an interface-level GET_DESCRIPTOR to the
// class descriptor providers.
func (d *Device) getInterfaceDescriptor(s *SetupPacket) error {
	if !s.IsDeviceToHost() || s.Length == 0 {
		return pkg.ErrInvalidRequest
	}
	for _, c := range d.classes {
		p, ok := c.(DescriptorProvider)
		if !ok {
			continue
		}
		if desc, ok := p.DescriptorToInterface(&d.ctl); ok {
			d.tx.stage(desc)
			return nil
		}
	}
	return pkg.ErrDescriptorMissing
}
