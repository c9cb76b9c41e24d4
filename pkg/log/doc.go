// Package log provides structured protocol logging for the companion core.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (transport, stream, security,
// service). It is separate from operational logging (slog) - protocol capture
// provides a complete machine-readable event trace for debugging pairing and
// reconnection flows in the field.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	logger := log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	logger, _ := log.NewFileLogger("/var/log/companion/phone.clog")
//
//	// Both: use MultiLogger
//	logger := log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Transport: scan results and connection lifecycle (ScanEvent)
//   - Stream: framed companion messages (MessageEvent)
//   - Security: association/reconnection state changes (StateChangeEvent)
//   - Service: secured channel and manager lifecycle
//
// Errors at any layer use ErrorEventData.
//
// # File Format
//
// Log files use CBOR encoding with .clog extension.
package log
