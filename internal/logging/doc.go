// Package logging assembles structured slog loggers and formatting helpers used
// across parsewatch components.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes helpers so loop components can tag log lines with job
// IDs, grace-period reasons, and request correlation IDs. The package also
// provides a no-op logger for tests and wiring code that cannot fail.
package logging
