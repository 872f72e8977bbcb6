// Package hal defines the controller abstraction consumed by the device core.
//
// The core implements every USB protocol decision. A [Driver] only moves
// bytes, programs endpoints, and reports what happened on the bus. Platform
// vendors implement the interface for their controller; the core never
// touches registers.
//
// # Events
//
// Drivers are event-driven. Activity is reported through the callbacks
// registered with [Driver.Initialize]:
//
//   - [DeviceEventFunc] carries bus events such as [EventReset] and
//     [EventVBUSOn]
//   - [EndpointEventFunc] carries transfer completions and SETUP arrival
//
// The core folds both into one event word per notification (see [Pack]),
// with endpoint 0 events shifted into bits 8 and above, and processes them
// on a single worker per device.
//
// # Errors
//
// Drivers return [ErrBusy] or [ErrTimeout] for transient conditions and
// [ErrParameter] or [ErrUnsupported] for permanent ones. The core retries
// only transient failures (see [Retryable]).
//
// # Implementing a driver
//
//  1. Create a type that implements all [Driver] methods
//  2. Store the callbacks passed to Initialize
//  3. Complete transfers asynchronously and signal the matching event
//  4. Report bus state from DeviceGetState
//
// An in-memory controller for tests and simulation is available in
// [github.com/ardnew/usbdcore/device/hal/sim].
package hal
