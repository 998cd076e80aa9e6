// Package log provides structured trace capture for the driver manager.
//
// This package defines the Logger interface and Event types for recording
// lifecycle activity of devices, drivers, modules, resources and recovery.
// It is separate from operational logging (slog): trace capture produces a
// complete machine-readable event stream for post-mortem analysis.
//
// # Basic Usage
//
//	// For development: trace to console via slog
//	cfg.Trace = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.Trace, _ = log.NewFileLogger("/var/log/drvkit/core.dlog")
//
//	// Both: use MultiLogger
//	cfg.Trace = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Sessions
//
// Every manager instance stamps its events with a session id (UUID) so
// traces from successive runs appended to one file can be told apart.
//
// # File Format
//
// Trace files are a stream of CBOR-encoded events with integer keys
// (.dlog extension). The drvkit-log CLI views, filters and summarizes them.
package log
