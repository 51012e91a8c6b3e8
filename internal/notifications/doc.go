// Package notifications pushes job and activation events to ntfy.
//
// NewService returns a no-op when no topic is configured, so callers publish
// unconditionally. Rendering lives next to the transport; callers pass an
// Event plus loosely typed Payload fields.
package notifications
