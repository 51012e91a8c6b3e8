// Package preflight provides readiness checks for the directories, session
// store, and backend that parsewatch depends on.
//
// The CLI "doctor" command runs RunAll and prints one line per check. The
// watch command runs the directory and session checks before taking its
// lock so a broken state directory fails fast instead of mid-run.
//
// Checks for optional features are skipped when the feature is disabled.
package preflight
