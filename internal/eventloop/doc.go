// Package eventloop provides the single logical timeline every timed
// component runs on.
//
// A Loop owns a clock, a task queue, and cancellable timer handles. Callbacks
// posted to a loop, fired by its timers, or delivered as fetch completions
// never overlap, so poller, expiration, and reconciliation state can be mutated
// without locks as long as it is only touched from loop callbacks. Blocking
// I/O is started with Go and reports back through Post.
//
// Runner is the production loop driven by the wall clock. Manual is a
// deterministic loop for tests: time only moves when Advance or Jump is
// called, and all queued work runs synchronously.
package eventloop
