// Package logging assembles structured slog loggers and formatting helpers used
// across genrelay.
//
// It owns the console and JSON handlers, fans records out to several
// destinations through slog-multi, and exposes context-aware helpers so
// coordinator code can tag log lines with job and request identifiers. The
// package also provides a no-op logger for tests and wiring code that cannot
// fail.
package logging
