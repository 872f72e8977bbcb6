package pkg

import "errors"

// USB protocol errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrNAK indicates a NAK response (device busy).
	ErrNAK = errors.New("NAK received")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNotConfigured indicates the device is not configured.
	ErrNotConfigured = errors.New("device not configured")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an invalid device state for the operation.
	ErrInvalidState = errors.New("invalid device state")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrDescriptorMissing indicates a required descriptor table is absent.
	ErrDescriptorMissing = errors.New("descriptor missing")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrReset indicates a bus reset was received.
	ErrReset = errors.New("bus reset")
)

// Device core lifecycle errors.
var (
	// ErrAlreadyRunning indicates the device worker is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the device worker is not running.
	ErrNotRunning = errors.New("not running")

	// ErrAlreadyInitialized indicates Initialize was called twice.
	ErrAlreadyInitialized = errors.New("device already initialized")

	// ErrDeviceNotInitialized indicates the device has not been initialized.
	ErrDeviceNotInitialized = errors.New("device not initialized")

	// ErrUnknownDevice indicates no device is registered at an index.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrDuplicateDevice indicates a device index is already registered.
	ErrDuplicateDevice = errors.New("duplicate device index")

	// ErrEndpointHalted indicates a transfer was refused on a halted endpoint.
	ErrEndpointHalted = errors.New("endpoint halted")

	// ErrBundleVersion indicates an unsupported descriptor bundle version.
	ErrBundleVersion = errors.New("unsupported bundle version")
)

// Controller driver errors.
var (
	// ErrDriverError indicates a generic controller driver failure.
	ErrDriverError = errors.New("driver error")

	// ErrDriverBusy indicates the controller driver is busy.
	ErrDriverBusy = errors.New("driver busy")
)

// Status is a discrete status code reported by the device core.
// Every error returned by the core maps to exactly one Status.
type Status int

// Status values.
const (
	StatusOK               Status = iota // Operation succeeded
	StatusInvalidParameter               // Invalid argument
	StatusDeviceError                    // Device not initialized or unknown
	StatusDriverError                    // Controller driver failure
	StatusDriverBusy                     // Controller driver busy
	StatusTimeout                        // Operation timed out
	StatusUnsupported                    // Operation not supported
	StatusStall                          // Endpoint halted
	StatusUnknown                        // Unclassified failure
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusDeviceError:
		return "device error"
	case StatusDriverError:
		return "driver error"
	case StatusDriverBusy:
		return "driver busy"
	case StatusTimeout:
		return "timeout"
	case StatusUnsupported:
		return "unsupported"
	case StatusStall:
		return "stall"
	default:
		return "unknown"
	}
}

// Error returns the sentinel error corresponding to the status.
func (s Status) Error() error {
	switch s {
	case StatusOK:
		return nil
	case StatusInvalidParameter:
		return ErrInvalidParameter
	case StatusDeviceError:
		return ErrDeviceNotInitialized
	case StatusDriverError:
		return ErrDriverError
	case StatusDriverBusy:
		return ErrDriverBusy
	case StatusTimeout:
		return ErrTimeout
	case StatusUnsupported:
		return ErrNotSupported
	case StatusStall:
		return ErrStall
	default:
		return ErrProtocol
	}
}

// StatusOf classifies err into a Status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInvalidParameter), errors.Is(err, ErrInvalidEndpoint):
		return StatusInvalidParameter
	case errors.Is(err, ErrDeviceNotInitialized), errors.Is(err, ErrUnknownDevice),
		errors.Is(err, ErrAlreadyInitialized):
		return StatusDeviceError
	case errors.Is(err, ErrDriverBusy), errors.Is(err, ErrEndpointHalted):
		return StatusDriverBusy
	case errors.Is(err, ErrDriverError):
		return StatusDriverError
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrNotSupported):
		return StatusUnsupported
	case errors.Is(err, ErrStall):
		return StatusStall
	default:
		return StatusUnknown
	}
}
