// Package jobs models processing jobs and the rules for folding backend
// snapshots into them.
//
// A Job is never guessed locally: it changes only when Apply merges a fetched
// Snapshot. Apply enforces the lifecycle order Pending → Processing →
// {Completed, Failed}; a snapshot that would move a job backwards, or from
// one terminal state to another, is rejected with a *TransitionError and the
// job is left untouched. Identity, creation time, the deletion deadline, and
// the result summary are write-once.
package jobs
