// Package config loads, normalizes, and validates parsewatch configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// PARSEWATCH_API_TOKEN. The Config type centralizes every knob the watcher and
// CLI need: backend endpoint and credentials, polling cadence, the retention
// deadline and warning threshold, grace-period durations, and the session
// store backend.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, positive intervals, and clear validation errors.
package config
