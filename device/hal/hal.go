package hal

import "errors"

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedFull Speed = iota // Full Speed (12 Mbit/s)
	SpeedLow               // Low Speed (1.5 Mbit/s)
	SpeedHigh              // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// PowerState selects the controller power mode.
type PowerState uint8

// Power states for [Driver.PowerControl].
const (
	PowerOff  PowerState = iota // Controller powered down
	PowerLow                    // Low-power mode
	PowerFull                   // Fully powered
)

// Endpoint transfer types passed to [Driver.EndpointConfigure].
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// Event is a bit set of device-level notifications.
type Event uint32

// Device events signaled through [DeviceEventFunc].
const (
	EventVBUSOn    Event = 1 << iota // VBUS became present
	EventVBUSOff                     // VBUS went away
	EventReset                       // Bus reset detected
	EventHighSpeed                   // High-speed handshake completed
	EventSuspend                     // Bus suspended
	EventResume                      // Bus resumed
)

// EndpointEvent is a bit set of endpoint-level notifications.
type EndpointEvent uint32

// Endpoint events signaled through [EndpointEventFunc].
const (
	EndpointEventSetup EndpointEvent = 1 << iota // SETUP packet received (EP0)
	EndpointEventOut                             // OUT transfer completed
	EndpointEventIn                              // IN transfer completed
)

// EndpointEventShift is the bit position of endpoint 0 events within a
// packed event word.
const EndpointEventShift = 8

// Pack combines device events and endpoint 0 events into a single event word.
// Endpoint 0 events occupy bits 8 and above.
func Pack(dev Event, ep0 EndpointEvent) uint32 {
	return uint32(dev) | uint32(ep0)<<EndpointEventShift
}

// Unpack splits a packed event word into device and endpoint 0 events.
func Unpack(word uint32) (Event, EndpointEvent) {
	return Event(word & 0xFF), EndpointEvent(word >> EndpointEventShift)
}

// DeviceEventFunc receives device-level events from a driver.
type DeviceEventFunc func(event Event)

// EndpointEventFunc receives endpoint events from a driver.
type EndpointEventFunc func(ep uint8, event EndpointEvent)

// DeviceState reports the controller's view of the bus.
type DeviceState struct {
	VBUS   bool  // VBUS present
	Speed  Speed // Negotiated speed
	Active bool  // Device is attached and active on the bus
}

// Capabilities describes optional controller features.
type Capabilities struct {
	VBUSDetection bool // Controller can sense VBUS
	EventVBUSOn   bool // Controller signals EventVBUSOn
	EventVBUSOff  bool // Controller signals EventVBUSOff
}

// Version identifies the driver API and implementation versions (BCD).
type Version struct {
	API    uint16
	Driver uint16
}

// Driver errors. Implementations return these (optionally wrapped) so the
// core can decide whether a call is worth retrying.
var (
	// ErrBusy indicates the controller cannot accept the request now.
	ErrBusy = errors.New("hal: busy")

	// ErrTimeout indicates the controller did not respond in time.
	ErrTimeout = errors.New("hal: timeout")

	// ErrUnsupported indicates the operation is not implemented.
	ErrUnsupported = errors.New("hal: unsupported")

	// ErrParameter indicates an invalid argument.
	ErrParameter = errors.New("hal: invalid parameter")
)

// Retryable reports whether err is a transient driver condition.
// Unrecognized errors are treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrUnsupported) && !errors.Is(err, ErrParameter)
}

// SetupPacket represents a USB SETUP packet in the HAL layer.
// This is a fixed-size, zero-allocation structure for SETUP transactions.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// Driver is the controller abstraction consumed by the device core.
//
// A driver signals asynchronous activity by invoking the callbacks passed
// to Initialize. Callbacks may run on any goroutine, including from within
// a Driver method, and must not block. Endpoint addresses carry the
// direction in bit 7.
//
// Transfers are asynchronous: EndpointTransfer arms the endpoint and
// returns; completion is reported with EndpointEventIn or EndpointEventOut,
// after which EndpointTransferGetResult returns the transferred length.
type Driver interface {
	// Version returns the driver API and implementation versions.
	Version() Version

	// Capabilities returns the optional features of the controller.
	Capabilities() Capabilities

	// Initialize prepares the controller and registers event callbacks.
	Initialize(onDevice DeviceEventFunc, onEndpoint EndpointEventFunc) error

	// Uninitialize releases the controller.
	Uninitialize() error

	// PowerControl switches the controller power state.
	PowerControl(state PowerState) error

	// DeviceConnect attaches the device to the bus (pull-up on).
	DeviceConnect() error

	// DeviceDisconnect detaches the device from the bus.
	DeviceDisconnect() error

	// DeviceGetState returns the current bus state.
	DeviceGetState() DeviceState

	// DeviceRemoteWakeup signals remote wakeup to the host.
	DeviceRemoteWakeup() error

	// DeviceSetAddress programs the device address into the controller.
	DeviceSetAddress(address uint8) error

	// ReadSetupPacket copies the last received SETUP packet into out,
	// which must hold at least 8 bytes.
	ReadSetupPacket(out []byte) error

	// EndpointConfigure enables an endpoint with the given transfer type
	// and maximum packet size.
	EndpointConfigure(ep uint8, epType uint8, maxPacketSize uint16) error

	// EndpointUnconfigure disables an endpoint.
	EndpointUnconfigure(ep uint8) error

	// EndpointStall sets or clears the stall condition of an endpoint.
	EndpointStall(ep uint8, stall bool) error

	// EndpointTransfer starts a transfer on an endpoint. For OUT
	// endpoints buf receives data; for IN endpoints buf is sent.
	// A nil or empty buf requests a zero-length packet.
	EndpointTransfer(ep uint8, buf []byte) error

	// EndpointTransferGetResult returns the number of bytes transferred
	// by the last completed transfer on an endpoint.
	EndpointTransferGetResult(ep uint8) uint32

	// EndpointTransferAbort cancels an active transfer.
	EndpointTransferAbort(ep uint8) error

	// GetFrameNumber returns the last received start-of-frame number.
	GetFrameNumber() uint16
}
