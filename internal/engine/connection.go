package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/keyholedb/keyhole/internal/store"
)

// FlushLevel grades Connection.FlushMemory.
type FlushLevel int

const (
	// FlushMild releases cached values only.
	FlushMild FlushLevel = iota
	// FlushModerate additionally releases infrequently-used prepared
	// statements.
	FlushModerate
	// FlushFull releases every cached and prepared resource, including
	// extension-held state.
	FlushFull
)

// Connection is a long-lived handle bound to one logical client. It owns a
// private backing-store session, private caches, and a local snapshot value,
// and consults the coordinator to begin and commit transactions.
//
// A connection serializes its own transactions; different connections' read
// transactions run fully in parallel.
type Connection struct {
	db  *DB
	id  string
	log *slog.Logger

	// mu serializes transactions on this connection and guards everything
	// below.
	mu            sync.Mutex
	closed        bool
	session       *store.Session
	snapshot      uint64
	valueCache    *keyCache
	metadataCache *keyCache
	extConns      map[string]ExtensionConnection
	longLived     bool

	// processedCollector, when non-nil, receives a copy of every changeset
	// applied via processChangesetLocked. Used by BeginLongLivedRead to
	// report what the pinned view skipped.
	processedCollector *[]Changeset

	// mailbox holds committed sibling changesets awaiting the next
	// transaction boundary. mailboxMu is a leaf lock: fan-out appends here
	// without touching mu, so commits never block on a busy sibling.
	mailboxMu sync.Mutex
	mailbox   []*Changeset
}

// NewConnection creates a connection bound to the database.
// Connections must be Closed when no longer needed; an open connection holds
// back changeset pruning and checkpoint progress.
func (db *DB) NewConnection(ctx context.Context) (*Connection, error) {
	session, err := db.store.Session(ctx)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		db:            db,
		id:            uuid.Must(uuid.NewV7()).String(),
		session:       session,
		valueCache:    newKeyCache(db.opts.CacheLimit),
		metadataCache: newKeyCache(db.opts.MetadataCacheLimit),
		extConns:      make(map[string]ExtensionConnection),
	}
	c.log = db.log.With("conn", c.id[:8])

	snapshot, err := db.addConnection(c)
	if err != nil {
		session.Close()
		return nil, err
	}
	c.snapshot = snapshot

	for name, ext := range db.registeredExtensions() {
		c.extConns[name] = ext.NewConnection(c)
	}
	return c, nil
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id
}

// Snapshot returns the snapshot this connection's view currently sits at.
// Must not be called from inside a transaction body on this connection; use
// Transaction.Snapshot there.
func (c *Connection) Snapshot() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Database returns the owning coordinator.
func (c *Connection) Database() *DB {
	return c.db
}

// Close deregisters the connection and releases its session. A closed
// connection stops holding back checkpoint progress and changeset retention.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.longLived {
		if err := c.session.Commit(context.Background()); err != nil {
			c.log.Warn("ending long-lived read on close failed", "error", err)
		}
		c.longLived = false
	}
	c.closed = true
	err := c.session.Close()
	c.db.removeConnection(c)
	return err
}

// closeInternal is Close for engine-owned connections during DB teardown.
func (c *Connection) closeInternal() {
	if err := c.Close(); err != nil {
		c.log.Warn("closing internal connection failed", "error", err)
	}
}

// Read runs body inside a read-only transaction pinned to the connection's
// current snapshot. Concurrent with any other connection's transactions;
// serialized against this connection's own.
func (c *Connection) Read(ctx context.Context, body func(*Transaction) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &Error{Code: CodeConnectionClosed, Message: "connection is closed"}
	}

	if c.longLived {
		// Reuse the pinned view; no begin/commit, no changeset processing.
		tx := newTransaction(ctx, c, false)
		err := body(tx)
		tx.invalidate()
		return err
	}

	if err := c.preReadLocked(ctx); err != nil {
		return err
	}
	tx := newTransaction(ctx, c, false)
	err := body(tx)
	tx.invalidate()

	if cerr := c.session.Commit(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// ReadAsync runs Read on its own goroutine and invokes done (if non-nil)
// with the result once the transaction has fully torn down.
func (c *Connection) ReadAsync(ctx context.Context, body func(*Transaction) error, done func(error)) {
	go func() {
		err := c.Read(ctx, body)
		if done != nil {
			done(err)
		}
	}()
}

// ReadWrite runs body inside the database's single read-write transaction
// slot. If body returns an error or requests rollback, every change -
// including extension state - is discarded and the snapshot is unchanged.
// Exactly one snapshot increment occurs per successful commit that mutated
// storage.
func (c *Connection) ReadWrite(ctx context.Context, body func(*Transaction) error) error {
	c.db.writeMu.Lock()
	defer c.db.writeMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &Error{Code: CodeConnectionClosed, Message: "connection is closed"}
	}
	if c.longLived {
		return &Error{
			Code:    CodeLongLivedReadActive,
			Message: "end the long-lived read before writing on this connection",
		}
	}

	if err := c.preReadWriteLocked(ctx); err != nil {
		return err
	}

	tx := newTransaction(ctx, c, true)
	err := body(tx)
	tx.invalidate()

	if err == nil && tx.violation != nil {
		// A protocol violation (mutation during enumeration) aborts the
		// transaction even if the body swallowed the error.
		err = tx.violation
	}
	if err != nil || tx.rollbackRequested {
		c.rollbackLocked(ctx, tx)
		return err
	}
	return c.commitLocked(ctx, tx)
}

// ReadWriteAsync runs ReadWrite on its own goroutine and invokes done (if
// non-nil) with the result.
func (c *Connection) ReadWriteAsync(ctx context.Context, body func(*Transaction) error, done func(error)) {
	go func() {
		err := c.ReadWrite(ctx, body)
		if done != nil {
			done(err)
		}
	}()
}

// BeginLongLivedRead pins the connection's view across multiple operations
// until EndLongLivedRead (or a subsequent BeginLongLivedRead, which advances
// the pinned view to the latest snapshot). It returns the changesets the
// previous pinned view had skipped, in snapshot order, so the caller can
// reconcile external state.
func (c *Connection) BeginLongLivedRead(ctx context.Context) ([]Changeset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &Error{Code: CodeConnectionClosed, Message: "connection is closed"}
	}

	if c.longLived {
		if err := c.session.Commit(ctx); err != nil {
			return nil, err
		}
		c.longLived = false
		c.db.noteLongLivedRead(c, false)
	}

	var skipped []Changeset
	c.processedCollector = &skipped
	err := c.preReadLocked(ctx)
	c.processedCollector = nil
	if err != nil {
		return nil, err
	}

	c.longLived = true
	c.db.noteLongLivedRead(c, true)
	return skipped, nil
}

// EndLongLivedRead releases the pinned view. The next transaction observes
// the latest snapshot.
func (c *Connection) EndLongLivedRead(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.longLived {
		return nil
	}
	if err := c.session.Commit(ctx); err != nil {
		return err
	}
	c.longLived = false
	c.db.noteLongLivedRead(c, false)
	return nil
}

// IsInLongLivedRead reports whether a pinned read is active.
func (c *Connection) IsInLongLivedRead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.longLived
}

// FlushMemory releases cached resources. Safe between transactions only;
// with a long-lived read pinned, only FlushMild is permitted because
// prepared statements may be in use by the open read.
func (c *Connection) FlushMemory(level FlushLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &Error{Code: CodeConnectionClosed, Message: "connection is closed"}
	}
	if c.longLived && level > FlushMild {
		return &Error{
			Code:    CodeLongLivedReadActive,
			Message: "only a mild flush is allowed while a long-lived read is pinned",
		}
	}

	c.valueCache.purge()
	c.metadataCache.purge()

	if level >= FlushModerate {
		c.session.ReleaseStatements(store.ReleaseInfrequent)
	}
	if level >= FlushFull {
		c.session.ReleaseStatements(store.ReleaseAll)
	}
	for _, extConn := range c.extConns {
		extConn.FlushMemory(level)
	}
	return nil
}

// noteCommittedChangeset queues a sibling's committed changeset for this
// connection. Called by the coordinator during fan-out; the changeset is
// applied at this connection's next transaction boundary, never mid-
// transaction.
func (c *Connection) noteCommittedChangeset(cs *Changeset) {
	c.mailboxMu.Lock()
	c.mailbox = append(c.mailbox, cs)
	c.mailboxMu.Unlock()
}

// drainMailboxLocked applies queued sibling changesets in order.
func (c *Connection) drainMailboxLocked() {
	c.mailboxMu.Lock()
	pending := c.mailbox
	c.mailbox = nil
	c.mailboxMu.Unlock()

	for _, cs := range pending {
		c.processChangesetLocked(cs)
	}
}

// processChangesetLocked applies one sibling changeset: invalidates cache
// entries it names, forwards extension payloads to each extension
// connection, and advances the connection's snapshot. Changesets at or below
// the current snapshot were already applied (e.g. through race correction)
// and are skipped, never applied twice.
func (c *Connection) processChangesetLocked(cs *Changeset) {
	if cs.Snapshot <= c.snapshot {
		return
	}

	if in := cs.Internal; in != nil {
		if in.AllKeysRemoved {
			c.valueCache.purge()
			c.metadataCache.purge()
		}
		for key := range in.ChangedKeys {
			c.valueCache.remove(key)
			c.metadataCache.remove(key)
		}
		for key := range in.RemovedKeys {
			c.valueCache.remove(key)
			c.metadataCache.remove(key)
		}
		if in.RegisteredExtensionsChanged {
			c.syncExtensionsLocked()
		}
		for name, extConn := range c.extConns {
			extConn.ProcessChangeset(in.Extensions[name])
		}
	}

	c.snapshot = cs.Snapshot
	c.db.noteConnectionSnapshot(c, cs.Snapshot)

	if c.processedCollector != nil {
		*c.processedCollector = append(*c.processedCollector, *cs)
	}
}

// syncExtensionsLocked reconciles this connection's extension connections
// with the registry after a registration change.
func (c *Connection) syncExtensionsLocked() {
	registered := c.db.registeredExtensions()
	for name, ext := range registered {
		if _, ok := c.extConns[name]; !ok {
			c.extConns[name] = ext.NewConnection(c)
		}
	}
	for name := range c.extConns {
		if _, ok := registered[name]; !ok {
			delete(c.extConns, name)
		}
	}
}

// preReadLocked is the read-transaction prologue: apply queued changesets,
// open the SQL read transaction, and correct for the stale-snapshot race.
func (c *Connection) preReadLocked(ctx context.Context) error {
	c.drainMailboxLocked()

	if err := c.session.Begin(ctx, false); err != nil {
		return err
	}
	if err := c.correctStaleSnapshotLocked(ctx); err != nil {
		if rerr := c.session.Rollback(ctx); rerr != nil {
			c.log.Warn("rollback after failed read prologue", "error", rerr)
		}
		return err
	}
	return nil
}

// preReadWriteLocked is the write-transaction prologue. BEGIN IMMEDIATE takes
// the writer lock up front so the transaction cannot later fail to upgrade.
func (c *Connection) preReadWriteLocked(ctx context.Context) error {
	c.drainMailboxLocked()

	if err := c.session.Begin(ctx, true); err != nil {
		return err
	}
	if err := c.correctStaleSnapshotLocked(ctx); err != nil {
		if rerr := c.session.Rollback(ctx); rerr != nil {
			c.log.Warn("rollback after failed write prologue", "error", rerr)
		}
		return err
	}
	return nil
}

// correctStaleSnapshotLocked detects the race between a reader starting and
// a writer's in-flight durable commit. Inside the just-opened SQL
// transaction the persisted ("sql-level") snapshot is visible; if it is
// ahead of the connection's ("yap-level") snapshot, the missed changesets
// are fetched from the coordinator and applied before the transaction body
// runs. This is the only path where a connection's snapshot jumps by more
// than one without a commit of its own, and it is never surfaced to the
// caller.
func (c *Connection) correctStaleSnapshotLocked(ctx context.Context) error {
	sqlSnapshot, err := c.session.ReadSnapshot(ctx)
	if err != nil {
		return err
	}
	if sqlSnapshot <= c.snapshot {
		return nil
	}

	missed := c.db.changesetsSince(c.snapshot, sqlSnapshot)
	c.log.Debug("correcting stale snapshot",
		"from", c.snapshot, "to", sqlSnapshot, "changesets", len(missed))
	for _, cs := range missed {
		c.processChangesetLocked(cs)
	}
	if c.snapshot != sqlSnapshot {
		// The ledger no longer covers the gap; it should be impossible for
		// a live connection (retention is pinned to the lowest connection
		// snapshot), so fail loudly rather than serve an inconsistent view.
		return errors.New("engine: changeset history gap during race correction")
	}
	return nil
}

// rollbackLocked aborts a read-write transaction: rolls back the SQL
// transaction, discards every extension's speculative state, and leaves
// caches and snapshot untouched. No changeset is published.
func (c *Connection) rollbackLocked(ctx context.Context, tx *Transaction) {
	if err := c.session.Rollback(ctx); err != nil {
		c.log.Warn("sql rollback failed", "error", err)
	}
	for _, extConn := range c.extConns {
		extConn.PostRollbackCleanup()
	}
}

// commitLocked drives the commit protocol: extension pre-commit hooks,
// changeset assembly, snapshot persistence, pending registration with the
// coordinator, the durable SQL commit, and publication.
func (c *Connection) commitLocked(ctx context.Context, tx *Transaction) error {
	for _, name := range tx.extOrder {
		tx.extTxs[name].PreCommit()
	}

	cs := tx.buildChangeset(c.snapshot)

	if !cs.StorageMutated {
		// No-op commit: nothing durable changed, the snapshot does not
		// advance, and siblings have nothing to process.
		if err := c.session.Commit(ctx); err != nil {
			c.rollbackLocked(ctx, tx)
			return &Error{Code: CodeCommitFailed, Message: "commit failed", Err: err}
		}
		for _, name := range tx.extOrder {
			tx.extTxs[name].Commit()
		}
		tx.applyPagesToCaches()
		return nil
	}

	cs.Snapshot = c.snapshot + 1
	if err := c.session.WriteSnapshot(ctx, cs.Snapshot); err != nil {
		c.rollbackLocked(ctx, tx)
		return &Error{Code: CodeCommitFailed, Message: "persisting snapshot failed", Err: err}
	}

	c.db.beginPendingChangeset(cs, c)

	if err := c.session.Commit(ctx); err != nil {
		// The durable commit failed after the changeset was staged: roll
		// back storage and every extension, withdraw the pending changeset,
		// and publish nothing. The snapshot counter is unaffected.
		c.rollbackLocked(ctx, tx)
		c.db.dropPendingChangeset(cs)
		return &Error{Code: CodeCommitFailed, Message: "commit failed", Err: err}
	}

	for _, name := range tx.extOrder {
		tx.extTxs[name].Commit()
	}
	if tx.regChange != nil {
		c.db.applyRegistrationChange(tx.regChange)
		c.syncExtensionsLocked()
	}
	tx.applyPagesToCaches()
	c.snapshot = cs.Snapshot
	c.db.commitChangeset(cs, c)
	return nil
}
