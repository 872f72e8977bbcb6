package device

// Device status word bits (USB 2.0 Spec Figure 9-4).
const (
	StatusSelfPowered  uint16 = 1 << 0 // Device is self-powered
	StatusRemoteWakeup uint16 = 1 << 1 // Remote wakeup enabled
)

// Record is the per-device state tracked by the core.
//
// The live record is owned by the device worker. [Device.Record] and
// [Control.Record] return copies.
type Record struct {
	address       uint8
	configuration uint8
	interfaces    uint8
	highSpeed     bool
	alternates    []uint8
	mask          EndpointMask
	halt          EndpointMask
	noHaltClear   EndpointMask
	active        EndpointMask
	status        uint16
}

func newRecord(interfaces int) Record {
	return Record{
		alternates: make([]uint8, interfaces),
		mask:       MaskEP0,
	}
}

// clone returns a copy that shares no memory with r.
func (r *Record) clone() Record {
	c := *r
	c.alternates = append([]uint8(nil), r.alternates...)
	return c
}

// Address returns the committed device address.
func (r Record) Address() uint8 { return r.address }

// Configuration returns the active configuration value (0 = unconfigured).
func (r Record) Configuration() uint8 { return r.configuration }

// Interfaces returns the number of interfaces in the active configuration.
func (r Record) Interfaces() uint8 { return r.interfaces }

// HighSpeed reports whether the device is operating at high speed.
func (r Record) HighSpeed() bool { return r.highSpeed }

// Alternate returns the active alternate setting of an interface.
func (r Record) Alternate(iface uint8) uint8 {
	if int(iface) >= len(r.alternates) {
		return 0
	}
	return r.alternates[iface]
}

// Mask returns the set of configured endpoints.
func (r Record) Mask() EndpointMask { return r.mask }

// Status returns the device status word.
func (r Record) Status() uint16 { return r.status }

// IsConfigured reports whether ep is configured.
func (r Record) IsConfigured(ep EndpointID) bool { return r.mask.Has(ep) }

// IsHalted reports whether ep is halted.
func (r Record) IsHalted(ep EndpointID) bool { return r.halt.Has(ep) }

// IsActive reports whether ep has a transfer in progress.
func (r Record) IsActive(ep EndpointID) bool { return r.active.Has(ep) }

// IsNoHaltClear reports whether a host CLEAR_FEATURE(ENDPOINT_HALT) is
// ignored for ep.
func (r Record) IsNoHaltClear(ep EndpointID) bool { return r.noHaltClear.Has(ep) }

// State returns the USB device state implied by the record.
func (r Record) State() State {
	switch {
	case r.configuration != 0:
		return StateConfigured
	case r.address != 0:
		return StateAddress
	default:
		return StateDefault
	}
}

// dropEndpoint removes ep from every mask.
func (r *Record) dropEndpoint(ep EndpointID) {
	r.mask.Clear(ep)
	r.halt.Clear(ep)
	r.noHaltClear.Clear(ep)
}

// unconfigure returns the record to the "endpoint 0 only" state.
func (r *Record) unconfigure() {
	r.configuration = 0
	r.interfaces = 0
	r.mask = MaskEP0
	r.halt = 0
	r.noHaltClear = 0
	for i := range r.alternates {
		r.alternates[i] = 0
	}
}
