// Package expiry watches job deletion deadlines.
//
// Tracker computes the signed time remaining before the backend deletes a
// job's data and emits two edge-triggered events per job: Warning once the
// remaining time drops to the warning threshold, and Expired once it reaches
// zero. Queries never fire events. Evaluation happens on a one-shot timer
// armed at the next boundary and whenever Evaluate or Resume is called, so a
// process that was suspended past one or both boundaries fires the missed
// events immediately, in order, when it wakes.
package expiry
