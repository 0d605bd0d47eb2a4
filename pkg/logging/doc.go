// Package logging provides the process-wide structured logger used by all
// unimcp subsystems. It is a thin wrapper around log/slog that tags every
// entry with the emitting subsystem, so that interleaved output from the
// connection manager, aggregator, and session router stays attributable.
package logging
