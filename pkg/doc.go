// Package pkg provides shared utilities for the usbdcore device stack.
//
// This package contains common functionality used by the device core, the
// controller drivers, and the class extensions, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB protocol and driver errors
//   - A discrete [Status] code mirroring the core's status taxonomy
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogDebug(pkg.ComponentControl, "stall", "setup", setup.String())
//
// # Errors
//
// Common errors are defined as sentinel values and classified with
// [StatusOf]:
//
//	if errors.Is(err, pkg.ErrDriverBusy) {
//	    // Retry later
//	}
//	status := pkg.StatusOf(err)
package pkg
