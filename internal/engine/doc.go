// Package engine implements the snapshot/MVCC transaction core of keyhole.
//
// One DB exists per open database file (see Open); it owns the monotonic
// snapshot counter, the in-memory changeset ledger, the connection registry,
// and the extension registry, and it schedules WAL checkpoints. Connections
// give each client a private, point-in-time consistent view; Transactions are
// the only way application code touches stored data.
//
// Thread-safety model:
//   - DB.mu (the "snapshot context"): guards the snapshot counter, ledger,
//     connection states, registered extensions. Cheap, never held across I/O.
//   - DB.writeMu (the "write context"): at most one read-write transaction is
//     in flight across the whole database. Held for the full write.
//   - Connection.mu: a connection never runs two transactions concurrently.
//   - Lock order: writeMu -> Connection.mu -> DB.mu. Mailbox appends use a
//     separate leaf mutex so fan-out never needs a sibling's Connection.mu.
//
// INVARIANTS:
//   - The published snapshot is strictly increasing and advances by exactly
//     one per committed read-write transaction that mutated storage.
//   - Changesets are applied to a connection in increasing snapshot order,
//     never skipped, never applied twice.
//   - Checkpoint floor <= min(connection snapshot) at all times.
package engine
