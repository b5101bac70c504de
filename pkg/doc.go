// Package pkg provides shared utilities for the softxhci transport core.
//
// This package contains functionality used by the memory, xhci, and usb
// packages alike:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error values for ring, enumeration, and dispatch failures
//   - xHCI completion codes reported in Transfer and Command events
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute so that
// output from the interrupt path can be filtered by subsystem:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentController, "slot enabled", "slot", 1)
//
// # Errors
//
// Failures are reported as sentinel values and wrapped with context at
// package boundaries:
//
//	if errors.Is(err, pkg.ErrWaiterTableFull) {
//	    // retry once an in-flight control request completes
//	}
package pkg
