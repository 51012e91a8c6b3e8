// Package activation decides whether the user may act as entitled before the
// backend confirms it.
//
// Right after registration or a checkout redirect the entitlement endpoint
// can lag behind. The Reconciler grants a short provisional window per
// reason, persists it in the session store so a restart inside the window
// keeps it, and rechecks the authoritative entitlement until it is confirmed
// or the window lapses. A window is never extended implicitly.
package activation
