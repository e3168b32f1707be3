// Package logging assembles the slog loggers used by the enricher.
//
// It owns handler selection (console text or JSON), level parsing, and the
// small attribute helpers components use so every log line carries the same
// field names. A no-op logger is provided for tests and wiring code.
package logging
