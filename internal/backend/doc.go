// Package backend is the HTTP client for the name-parsing service.
//
// Client covers the job endpoints (upload, list, get, results, download,
// delete) and the entitlement endpoint. Calls block and take a context; the
// loop components run them through eventloop.Loop.Go and post the outcome
// back. Every non-2xx response is classified into one of the sentinel errors
// so callers can separate transient failures, which are retried on the next
// tick, from resource-gone responses, which mean the data was deleted and the
// file must be submitted again.
//
// List and entitlement payloads are checked against embedded JSON schemas
// before decoding; a malformed payload counts as a transient failure.
package backend
