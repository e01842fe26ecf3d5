package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/keyholedb/keyhole/internal/config"
	"github.com/keyholedb/keyhole/internal/store"
)

// registrationKeyPrefix namespaces persisted extension registrations within
// the engine-owned rows of the yap table.
const registrationKeyPrefix = "ext:"

// openDatabases maps canonical database path to its one coordinator.
// Constructed on first open, torn down when the last handle closes.
var openDatabases = struct {
	mu  sync.Mutex
	dbs map[string]*DB
}{dbs: make(map[string]*DB)}

// DB is the process-wide coordinator for one open database file: the single
// source of truth for "what snapshot is the database at" and "who has seen
// what".
type DB struct {
	path  string
	opts  config.Options
	log   *slog.Logger
	store *store.DB

	// writeMu is the write context: at most one read-write transaction is in
	// flight across the whole database. Writers queue here.
	writeMu sync.Mutex

	// mu is the snapshot context. It guards everything below and is never
	// held across storage I/O.
	mu                   sync.Mutex
	closed               bool
	refs                 int
	snapshot             uint64
	ledger               changesetLedger
	states               map[*Connection]*connectionState
	registered           map[string]Extension
	previouslyRegistered []string
	observers            map[uint64]chan CommitNotification
	nextObserverID       uint64
	checkpointTarget     uint64
	lastFloor            uint64

	// regMu serializes extension (un)registration; regConn is the dedicated
	// internal connection those transactions run on.
	regMu   sync.Mutex
	regConn *Connection

	checkpointSignal chan struct{}
	checkpointDone   chan struct{}
	checkpointWG     sync.WaitGroup
}

// connectionState tracks one live connection, for computing the checkpoint
// floor and deciding changeset retention.
type connectionState struct {
	snapshot            uint64
	longLivedReadActive bool
}

// Open returns the coordinator for the database at path, creating it (and
// the database file) on first open. Subsequent opens of the same path return
// the same *DB; each Open must be balanced by a Close.
func Open(path string, opts config.Options) (*DB, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	openDatabases.mu.Lock()
	defer openDatabases.mu.Unlock()

	if db, ok := openDatabases.dbs[abs]; ok {
		db.mu.Lock()
		db.refs++
		db.mu.Unlock()
		return db, nil
	}

	backing, err := store.Open(abs, opts.BusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	db := &DB{
		path:             abs,
		opts:             opts,
		log:              opts.Log().With("db", filepath.Base(abs)),
		store:            backing,
		refs:             1,
		states:           make(map[*Connection]*connectionState),
		registered:       make(map[string]Extension),
		observers:        make(map[uint64]chan CommitNotification),
		checkpointSignal: make(chan struct{}, 1),
		checkpointDone:   make(chan struct{}),
	}

	if err := db.loadPersistedState(); err != nil {
		backing.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	db.checkpointWG.Add(1)
	go db.checkpointLoop()

	openDatabases.dbs[abs] = db
	db.log.Debug("database opened", "snapshot", db.snapshot,
		"previously_registered", db.previouslyRegistered)
	return db, nil
}

// loadPersistedState primes the in-memory snapshot and the list of
// previously registered extension names from the yap table.
func (db *DB) loadPersistedState() error {
	ctx := context.Background()
	session, err := db.store.Session(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	snapshot, err := session.ReadSnapshot(ctx)
	if err != nil {
		return err
	}
	db.snapshot = snapshot
	db.lastFloor = snapshot
	db.checkpointTarget = snapshot

	keys, err := session.ExtKeys(ctx, store.EngineNamespace)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if name, ok := strings.CutPrefix(key, registrationKeyPrefix); ok {
			db.previouslyRegistered = append(db.previouslyRegistered, name)
		}
	}
	return nil
}

// Path returns the canonical filesystem path of the database.
func (db *DB) Path() string {
	return db.path
}

// Snapshot returns the latest published snapshot number.
func (db *DB) Snapshot() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.snapshot
}

// PreviouslyRegisteredExtensionNames returns the extension names persisted by
// earlier runs of this database, in ascending order. Callers are expected to
// re-register (or unregister) each before relying on its derived data.
func (db *DB) PreviouslyRegisteredExtensionNames() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := append([]string(nil), db.previouslyRegistered...)
	sort.Strings(out)
	return out
}

// Close releases one Open handle. When the last handle closes, the
// coordinator stops its checkpointer, closes the backing store, and removes
// itself from the process registry. All connections must be closed first.
func (db *DB) Close() error {
	openDatabases.mu.Lock()
	defer openDatabases.mu.Unlock()

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.refs--
	if db.refs > 0 {
		db.mu.Unlock()
		return nil
	}
	open := len(db.states)
	if db.regConn != nil {
		if _, ok := db.states[db.regConn]; ok {
			open-- // engine-owned; closed below
		}
	}
	if open > 0 {
		db.refs++
		db.mu.Unlock()
		return &Error{
			Code:    CodeDatabaseClosed,
			Message: fmt.Sprintf("cannot close: %d connection(s) still open", open),
		}
	}
	db.closed = true
	for id, ch := range db.observers {
		close(ch)
		delete(db.observers, id)
	}
	regConn := db.regConn
	db.regConn = nil
	db.mu.Unlock()

	close(db.checkpointDone)
	db.checkpointWG.Wait()

	if regConn != nil {
		// The registration connection was removed from states when it
		// closed; it is closed directly here because it is engine-owned.
		regConn.closeInternal()
	}

	delete(openDatabases.dbs, db.path)
	db.log.Debug("database closed")
	return db.store.Close()
}

// isClosed reports whether the last handle has closed.
func (db *DB) isClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

// ChangesetsSince returns every changeset with from < snapshot <= until in
// increasing snapshot order. Observers use it to reconcile after missed
// notifications; connections use it for stale-snapshot correction.
func (db *DB) ChangesetsSince(from, until uint64) []Changeset {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []Changeset
	for _, cs := range db.ledger.since(from, until) {
		out = append(out, *cs)
	}
	return out
}

// changesetsSince is the internal variant used on the race-correction path.
func (db *DB) changesetsSince(from, until uint64) []*Changeset {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]*Changeset(nil), db.ledger.since(from, until)...)
}

// beginPendingChangeset records a writer's changeset before its durable
// commit starts. Readers that begin between this call and commitChangeset
// can find the changeset through changesetsSince and self-correct.
func (db *DB) beginPendingChangeset(cs *Changeset, from *Connection) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.ledger.appendPending(cs)
}

// dropPendingChangeset discards a staged changeset after a failed durable
// commit. The snapshot counter is unaffected and nothing was published.
func (db *DB) dropPendingChangeset(cs *Changeset) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.ledger.dropPending(cs.Snapshot)
}

// commitChangeset publishes a durably committed changeset: advances the
// snapshot counter, fans the changeset out to every sibling connection's
// mailbox, notifies observers, and advances the checkpoint floor.
func (db *DB) commitChangeset(cs *Changeset, from *Connection) {
	db.mu.Lock()
	db.ledger.markCommitted(cs.Snapshot)
	db.snapshot = cs.Snapshot

	if state, ok := db.states[from]; ok {
		state.snapshot = cs.Snapshot
	}
	for conn := range db.states {
		if conn != from {
			conn.noteCommittedChangeset(cs)
		}
	}

	db.advanceFloorLocked()

	notification := CommitNotification{Snapshot: cs.Snapshot, External: cs.External}
	for id, ch := range db.observers {
		select {
		case ch <- notification:
		default:
			// The observer is falling behind; it can reconcile via
			// ChangesetsSince using the snapshot numbers it did receive.
			db.log.Warn("dropping commit notification for slow observer",
				"observer", id, "snapshot", cs.Snapshot)
		}
	}
	db.mu.Unlock()
}

// noteConnectionSnapshot records that a connection has advanced its view,
// possibly unblocking changeset pruning and checkpointing.
func (db *DB) noteConnectionSnapshot(c *Connection, snapshot uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	state, ok := db.states[c]
	if !ok {
		return
	}
	state.snapshot = snapshot
	db.advanceFloorLocked()
}

// noteLongLivedRead records whether a connection currently pins a long-lived
// read transaction.
func (db *DB) noteLongLivedRead(c *Connection, active bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if state, ok := db.states[c]; ok {
		state.longLivedReadActive = active
	}
}

// addConnection registers a new connection and returns the snapshot it
// starts at.
func (db *DB) addConnection(c *Connection) (uint64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, &Error{Code: CodeDatabaseClosed, Message: "database is closed"}
	}
	db.states[c] = &connectionState{snapshot: db.snapshot}
	return db.snapshot, nil
}

// removeConnection deregisters a connection. The departed connection may have
// been the laggard holding back the checkpoint floor, so the floor is
// recomputed.
func (db *DB) removeConnection(c *Connection) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.states, c)
	db.advanceFloorLocked()
}

// minSnapshotLocked returns the lowest snapshot among live connections, or
// the published snapshot when none are open.
func (db *DB) minSnapshotLocked() uint64 {
	min := db.snapshot
	for _, state := range db.states {
		if state.snapshot < min {
			min = state.snapshot
		}
	}
	return min
}

// advanceFloorLocked recomputes the checkpoint floor; when it advanced, old
// changesets are pruned and a checkpoint is scheduled. Never blocks: the
// checkpoint itself runs on the checkpointer goroutine.
func (db *DB) advanceFloorLocked() {
	floor := db.minSnapshotLocked()
	if floor <= db.lastFloor {
		return
	}
	db.lastFloor = floor
	db.ledger.pruneBelow(floor)
	db.scheduleCheckpointLocked(floor)
}

// scheduleCheckpointLocked requests an asynchronous checkpoint up to
// maxCheckpointable. Requests coalesce: if one is already scheduled for a
// snapshot >= the new floor, this is a no-op.
func (db *DB) scheduleCheckpointLocked(maxCheckpointable uint64) {
	if db.opts.DisableCheckpoints {
		return
	}
	if maxCheckpointable <= db.checkpointTarget {
		return
	}
	db.checkpointTarget = maxCheckpointable
	select {
	case db.checkpointSignal <- struct{}{}:
	default:
	}
}

// checkpointLoop runs WAL checkpoints off the critical path. The buffered
// signal channel coalesces bursts of floor advances into one checkpoint.
func (db *DB) checkpointLoop() {
	defer db.checkpointWG.Done()

	ctx := context.Background()
	var lastCheckpointed uint64

	for {
		select {
		case <-db.checkpointDone:
			return
		case <-db.checkpointSignal:
			db.mu.Lock()
			target := db.checkpointTarget
			db.mu.Unlock()

			if target <= lastCheckpointed {
				continue
			}
			if err := db.store.Checkpoint(ctx); err != nil {
				db.log.Warn("checkpoint failed", "target", target, "error", err)
				continue
			}
			lastCheckpointed = target
			db.log.Debug("checkpointed", "through", target)
		}
	}
}

// Checkpoint runs a WAL checkpoint synchronously. Tooling only; the engine
// itself checkpoints asynchronously as the floor advances.
func (db *DB) Checkpoint(ctx context.Context) error {
	return db.store.Checkpoint(ctx)
}

// Subscribe registers a commit observer. The returned channel receives one
// CommitNotification per successful read-write commit, in commit order; the
// cancel function unsubscribes and closes the channel. A slow observer may
// miss notifications (they are dropped, never queued unboundedly) and should
// reconcile via ChangesetsSince.
func (db *DB) Subscribe() (<-chan CommitNotification, func()) {
	db.mu.Lock()
	defer db.mu.Unlock()

	buffer := db.opts.ObserverBuffer
	if buffer <= 0 {
		buffer = config.DefaultObserverBuffer
	}
	ch := make(chan CommitNotification, buffer)
	id := db.nextObserverID
	db.nextObserverID++
	db.observers[id] = ch

	cancel := func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		if existing, ok := db.observers[id]; ok {
			delete(db.observers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// registeredExtensions returns a copy of the registration map.
func (db *DB) registeredExtensions() map[string]Extension {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[string]Extension, len(db.registered))
	for name, ext := range db.registered {
		out[name] = ext
	}
	return out
}

// RegisteredExtensionNames returns the currently registered names in
// ascending order.
func (db *DB) RegisteredExtensionNames() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := make([]string, 0, len(db.registered))
	for name := range db.registered {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// applyRegistrationChange mutates the registration map. Called on the commit
// path of a registration transaction, after the durable commit succeeds and
// before the changeset fans out, so siblings that process the changeset see
// the updated map.
func (db *DB) applyRegistrationChange(change *registrationChange) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if change.remove {
		delete(db.registered, change.name)
	} else {
		db.registered[change.name] = change.ext
	}
	remaining := db.previouslyRegistered[:0]
	for _, name := range db.previouslyRegistered {
		if name != change.name {
			remaining = append(remaining, name)
		}
	}
	db.previouslyRegistered = remaining
}
