// Package workflow wires the job lifecycle components into one coordinator.
//
// The Coordinator owns a poller, an expiration tracker, a quota guard, and an
// activation reconciler, all confined to a single event loop. Poll updates
// attach deadlines to the tracker as soon as a job reports expiresAt; a job
// reaching a terminal status triggers an entitlement fetch that refreshes the
// quota guard and feeds the reconciler; expiry and grace events are fanned out
// to subscribers and to the notification service.
//
// The exported blocking methods (Upload, Results, Download, Delete and the
// status readers) may be called from any goroutine. They perform network I/O
// on the caller's goroutine and hop onto the loop with eventloop.Call to read
// or mutate state. Download and Results refuse jobs the tracker already
// reports expired without touching the network.
package workflow
