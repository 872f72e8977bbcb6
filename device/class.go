package device

import (
	"github.com/ardnew/usbdcore/device/hal"
)

// RequestStatus is the answer of a class extension to a request.
type RequestStatus uint8

// Request outcomes.
const (
	RequestDeclined RequestStatus = iota // Not handled; try the next handler
	RequestClaimed                       // Handled
	RequestStall                         // Refused; stall
	RequestNAK                           // Busy; stall
)

// String returns the outcome name.
func (s RequestStatus) String() string {
	switch s {
	case RequestDeclined:
		return "declined"
	case RequestClaimed:
		return "claimed"
	case RequestStall:
		return "stall"
	case RequestNAK:
		return "nak"
	default:
		return "unknown"
	}
}

// ClassExtension is a class implementation registered with a device.
//
// Extensions opt into request handling by implementing any of the
// capability interfaces in this file. The core discovers capabilities by
// type assertion and consults extensions in registration order.
//
// Every capability method runs on the device worker with the device lock
// held. Methods receive a [Control] handle for the device and must not
// call the locking [Device] API.
type ClassExtension interface {
	Name() string
}

// ControlHandler gets first refusal on every SETUP packet.
//
// SetupPacketReceived may claim the request. A claimed request with a data
// stage is then owned by the handler: data staged with [Control.Stage]
// (or the default scratch window) is sent or received, and completion is
// reported to InDataSent or OutDataReceived before the status stage.
type ControlHandler interface {
	ClassExtension
	SetupPacketReceived(c *Control) RequestStatus
	SetupPacketProcessed(c *Control)
	OutDataReceived(c *Control) RequestStatus
	InDataSent(c *Control) RequestStatus
}

// InterfaceRequestHandler handles class requests addressed to an interface.
// Device-to-host requests stage their response with [Control.Stage].
type InterfaceRequestHandler interface {
	ClassExtension
	SetupToInterface(c *Control) RequestStatus
}

// EndpointRequestHandler handles class requests addressed to an endpoint.
type EndpointRequestHandler interface {
	ClassExtension
	SetupToEndpoint(c *Control) RequestStatus
}

// InterfaceOutHandler receives the data stage of a claimed host-to-device
// class request addressed to an interface.
type InterfaceOutHandler interface {
	ClassExtension
	OutDataToInterface(c *Control) RequestStatus
}

// EndpointOutHandler receives the data stage of a claimed host-to-device
// class request addressed to an endpoint.
type EndpointOutHandler interface {
	ClassExtension
	OutDataToEndpoint(c *Control) RequestStatus
}

// DescriptorProvider serves GET_DESCRIPTOR requests addressed to an
// interface, such as HID report descriptors.
type DescriptorProvider interface {
	ClassExtension
	DescriptorToInterface(c *Control) ([]byte, bool)
}

// ExtendedPropertiesProvider serves Microsoft OS Extended Properties
// descriptors for an interface.
type ExtendedPropertiesProvider interface {
	ClassExtension
	ExtendedProperties(c *Control, iface uint8) ([]byte, bool)
}

// HaltClearObserver is notified after the host clears an endpoint halt.
type HaltClearObserver interface {
	ClassExtension
	EndpointHaltCleared(c *Control, ep EndpointID)
}

// ResetObserver is notified of bus resets after endpoint 0 is reconfigured.
type ResetObserver interface {
	ClassExtension
	BusReset(c *Control)
}

// ConfigurationObserver is notified after a successful SET_CONFIGURATION.
type ConfigurationObserver interface {
	ClassExtension
	ConfigurationChanged(c *Control, value uint8)
}

// InterfaceObserver is notified after a successful SET_INTERFACE.
type InterfaceObserver interface {
	ClassExtension
	AlternateChanged(c *Control, iface, alt uint8)
}

// EndpointHandler receives transfer events on non-zero endpoints. It
// returns true when the event was consumed.
type EndpointHandler interface {
	ClassExtension
	EndpointEvent(c *Control, ep EndpointID, event hal.EndpointEvent) bool
}

// Initializer is called when the device is initialized and uninitialized.
type Initializer interface {
	ClassExtension
	Init(c *Control) error
	Uninit(c *Control) error
}

// Control is the handle class extensions use to act on a device while the
// device lock is held.
type Control struct {
	d *Device
}

// Defer queues fn to run once the device lock is released. Callbacks into
// application code go through Defer so they may call back into the
// device.
func (c *Control) Defer(fn func()) {
	c.d.notify(fn)
}

// Setup returns the SETUP packet of the current transaction.
func (c *Control) Setup() SetupPacket {
	return c.d.tx.Setup
}

// Buffer returns the device scratch buffer. Responses may be built in it
// and staged with Stage.
func (c *Control) Buffer() []byte {
	return c.d.scratch
}

// Stage sets the data window of the current transaction. For
// device-to-host requests buf is sent (truncated to wLength); for
// host-to-device requests data is received into buf.
func (c *Control) Stage(buf []byte) {
	c.d.tx.stage(buf)
}

// Data returns the bytes received by the completed data-out stage.
func (c *Control) Data() []byte {
	return c.d.tx.window[:c.d.tx.received]
}

// Record returns a copy of the device record.
func (c *Control) Record() Record {
	return c.d.snapshot()
}

// Speed returns the operating speed.
func (c *Control) Speed() Speed {
	if c.d.rec.highSpeed {
		return SpeedHigh
	}
	return SpeedFull
}

// Index returns the registry index of the device.
func (c *Control) Index() int {
	return c.d.cfg.Index
}

// EndpointStall sets or clears the halt of a configured non-zero endpoint.
func (c *Control) EndpointStall(address uint8, stall bool) error {
	return c.d.setHalt(ParseEndpointAddress(address), stall)
}

// SetNoHaltClear marks or unmarks an endpoint whose halt must survive a
// host CLEAR_FEATURE(ENDPOINT_HALT).
func (c *Control) SetNoHaltClear(address uint8, on bool) {
	ep := ParseEndpointAddress(address)
	if on {
		c.d.rec.noHaltClear.Set(ep)
	} else {
		c.d.rec.noHaltClear.Clear(ep)
	}
}

// ClearNoHaltClear unmarks every endpoint.
func (c *Control) ClearNoHaltClear() {
	c.d.rec.noHaltClear = 0
}

// EndpointTransfer starts a transfer on a configured endpoint.
func (c *Control) EndpointTransfer(address uint8, buf []byte) error {
	return c.d.transfer(ParseEndpointAddress(address), buf)
}

// EndpointTransferGetResult returns the length of the last completed transfer.
func (c *Control) EndpointTransferGetResult(address uint8) uint32 {
	return c.d.drv.EndpointTransferGetResult(address)
}

// EndpointTransferAbort cancels the active transfer of an endpoint.
func (c *Control) EndpointTransferAbort(address uint8) error {
	return c.d.drv.abort(ParseEndpointAddress(address))
}
