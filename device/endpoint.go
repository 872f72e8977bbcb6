package device

import (
	"fmt"
	"math/bits"
)

// Endpoint transfer types (USB 2.0 Spec Table 9-13).
const (
	EndpointTypeControl     = 0x00 // Control transfer
	EndpointTypeIsochronous = 0x01 // Isochronous transfer
	EndpointTypeBulk        = 0x02 // Bulk transfer
	EndpointTypeInterrupt   = 0x03 // Interrupt transfer
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
)

// Isochronous synchronization types (bits 2-3 of Attributes).
const (
	IsoSyncNone     = 0x00 // No synchronization
	IsoSyncAsync    = 0x04 // Asynchronous
	IsoSyncAdaptive = 0x08 // Adaptive
	IsoSyncSync     = 0x0C // Synchronous
)

// Endpoint 0 addresses.
const (
	EP0Out uint8 = 0x00
	EP0In  uint8 = 0x80
)

// EndpointID identifies one direction of one endpoint.
type EndpointID struct {
	Number uint8 // Endpoint number (0-15)
	In     bool  // Device to host
}

// ParseEndpointAddress splits an endpoint address into number and direction.
func ParseEndpointAddress(address uint8) EndpointID {
	return EndpointID{
		Number: address & 0x0F,
		In:     address&EndpointDirectionIn != 0,
	}
}

// Address returns the endpoint address with the direction in bit 7.
func (e EndpointID) Address() uint8 {
	if e.In {
		return e.Number&0x0F | EndpointDirectionIn
	}
	return e.Number & 0x0F
}

// Slot returns the mask position of the endpoint: Number + 16 for IN.
func (e EndpointID) Slot() uint8 {
	if e.In {
		return e.Number&0x0F + MaxEndpoints
	}
	return e.Number & 0x0F
}

// IsControl returns true for either direction of endpoint 0.
func (e EndpointID) IsControl() bool {
	return e.Number == 0
}

// String returns a human-readable endpoint name such as "EP1 IN".
func (e EndpointID) String() string {
	return fmt.Sprintf("EP%d %s", e.Number&0x0F, DirectionName(e.Address()&EndpointDirectionIn))
}

func endpointFromSlot(slot uint8) EndpointID {
	return EndpointID{Number: slot % MaxEndpoints, In: slot >= MaxEndpoints}
}

// EndpointMask is a set of endpoints indexed by [EndpointID.Slot]:
// bits 0-15 are OUT0..OUT15 and bits 16-31 are IN0..IN15.
type EndpointMask uint32

// MaskEP0 contains both directions of endpoint 0.
const MaskEP0 EndpointMask = 0x00010001

// Has reports whether ep is in the mask.
func (m EndpointMask) Has(ep EndpointID) bool {
	return m&(1<<ep.Slot()) != 0
}

// Set adds ep to the mask.
func (m *EndpointMask) Set(ep EndpointID) {
	*m |= 1 << ep.Slot()
}

// Clear removes ep from the mask.
func (m *EndpointMask) Clear(ep EndpointID) {
	*m &^= 1 << ep.Slot()
}

// Count returns the number of endpoints in the mask, counting the
// bidirectional control endpoint once.
func (m EndpointMask) Count() int {
	n := bits.OnesCount32(uint32(m))
	if m&MaskEP0 == MaskEP0 {
		n--
	}
	return n
}

// Each calls fn for every endpoint in the mask in slot order.
func (m EndpointMask) Each(fn func(ep EndpointID)) {
	for v := uint32(m); v != 0; v &= v - 1 {
		fn(endpointFromSlot(uint8(bits.TrailingZeros32(v))))
	}
}

// String returns the mask in hexadecimal.
func (m EndpointMask) String() string {
	return fmt.Sprintf("0x%08X", uint32(m))
}

// TransferTypeName returns a human-readable transfer type name.
func TransferTypeName(t uint8) string {
	switch t & 0x03 {
	case EndpointTypeControl:
		return "Control"
	case EndpointTypeIsochronous:
		return "Isochronous"
	case EndpointTypeBulk:
		return "Bulk"
	default:
		return "Interrupt"
	}
}

// DirectionName returns a human-readable direction name.
func DirectionName(dir uint8) string {
	if dir == EndpointDirectionIn {
		return "IN"
	}
	return "OUT"
}
