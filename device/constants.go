package device

import (
	"fmt"
	"time"

	"github.com/ardnew/usbdcore/device/hal"
)

// Fixed limits of the device core.
const (
	// MaxEndpoints is the number of endpoint numbers per direction.
	MaxEndpoints = 16

	// MaxInterfaces is the largest interface capacity a Config may request.
	MaxInterfaces = 32

	// DefaultInterfaces is the interface capacity used when Config leaves it unset.
	DefaultInterfaces = 8

	// DefaultScratchSize is the control buffer size used when Config leaves it unset.
	DefaultScratchSize = 256

	// DefaultVBUSPollInterval is the VBUS polling period used when the
	// controller cannot signal VBUS changes.
	DefaultVBUSPollInterval = 100 * time.Millisecond

	// DefaultDriverRetries is the number of additional attempts for a
	// transient driver failure.
	DefaultDriverRetries = 2

	// MaxSerialNumberLength is the longest serial number SetSerialNumber accepts.
	MaxSerialNumberLength = 126

	// SerialNumberStringIndex is the string index served from SetSerialNumber.
	SerialNumberStringIndex = 3
)

// CoreVersion is the device core API version (BCD).
const CoreVersion uint16 = 0x0100

// USB Speeds as defined in USB 2.0 specification.
const (
	SpeedLow  Speed = 0 // 1.5 Mbps (USB 1.0)
	SpeedFull Speed = 1 // 12 Mbps (USB 1.1)
	SpeedHigh Speed = 2 // 480 Mbps (USB 2.0)
)

// Speed represents USB connection speed.
type Speed uint8

// String returns a human-readable speed description.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed (1.5 Mbps)"
	case SpeedFull:
		return "Full Speed (12 Mbps)"
	case SpeedHigh:
		return "High Speed (480 Mbps)"
	default:
		return fmt.Sprintf("Unknown Speed (%d)", s)
	}
}

// MaxPacketSize0 returns the largest endpoint 0 packet size allowed at this speed.
func (s Speed) MaxPacketSize0() uint16 {
	switch s {
	case SpeedFull, SpeedHigh:
		return 64
	default:
		return 8
	}
}

func speedFromHAL(s hal.Speed) Speed {
	switch s {
	case hal.SpeedLow:
		return SpeedLow
	case hal.SpeedHigh:
		return SpeedHigh
	default:
		return SpeedFull
	}
}

// Device states as defined in USB 2.0 specification section 9.1.
const (
	StateDetached   State = 0 // Waiting for VBUS
	StatePowered    State = 1 // VBUS present, no reset seen
	StateDefault    State = 2 // Device has been reset, using default address
	StateAddress    State = 3 // Device has been assigned a unique address
	StateConfigured State = 4 // Device is configured and operational
	StateSuspended  State = 5 // Device is in suspend mode
)

// State represents USB device state.
type State uint8

// String returns a human-readable state description.
func (s State) String() string {
	switch s {
	case StateDetached:
		return "Detached"
	case StatePowered:
		return "Powered"
	case StateDefault:
		return "Default"
	case StateAddress:
		return "Address"
	case StateConfigured:
		return "Configured"
	case StateSuspended:
		return "Suspended"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}
