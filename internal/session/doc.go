// Package session persists small string values that must survive a process
// restart, such as the pending-registration marker and grace-period records.
//
// Store is a minimal key/value contract. SQLiteStore is the default backend;
// FileStore keeps a JSON document guarded by a lock file, PostgresStore
// shares state between machines, and MemoryStore backs tests. Open selects a
// backend from the [session] config section.
package session
