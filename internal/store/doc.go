// Package store provides the SQLite backing store for the keyhole engine.
//
// The store is an opaque transactional key/value primitive:
//   - "data" table: key -> (value blob, metadata blob), addressed by key or rowid
//   - "yap" table: (extension, key) -> data, the auxiliary configuration table;
//     the persisted snapshot number lives under the engine-owned row ('', 'snapshot')
//
// Concurrency relies on SQLite WAL mode: many concurrent readers plus one
// writer, each on its own session. A Session wraps a dedicated *sql.Conn so
// that BEGIN/COMMIT/ROLLBACK are session-scoped; the engine gives every
// database connection exactly one Session.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout: wait for locks instead of failing with SQLITE_BUSY
//   - foreign_keys=ON: enforce referential integrity
package store
