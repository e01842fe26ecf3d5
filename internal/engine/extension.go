package engine

import (
	"context"
	"fmt"

	"github.com/keyholedb/keyhole/internal/store"
)

// Extension is an optional derived-data component (secondary index, search,
// and the like) that rides the core's transaction and changeset machinery.
// Each registration contributes a matched trio: one Extension per process,
// one ExtensionConnection per database connection, one ExtensionTransaction
// per transaction.
type Extension interface {
	// NewConnection creates this extension's per-connection state holder.
	NewConnection(c *Connection) ExtensionConnection

	// DropTables removes every table the extension created under the given
	// registered name. Invoked inside the unregistration transaction.
	DropTables(ctx context.Context, name string, tx *Transaction) error
}

// Versioned is optionally implemented by extensions whose configuration
// carries a version token. The token is persisted with the registration; an
// extension can compare it against its stored state to decide whether a
// rebuild is needed.
type Versioned interface {
	VersionToken() string
}

// ExtensionConnection holds one extension's per-connection cached state.
// Transactions are short-lived, so the bulk of an extension's state lives
// here and is kept current through the changeset flow.
type ExtensionConnection interface {
	// NewTransaction creates the extension transaction mirroring tx.
	NewTransaction(tx *Transaction) ExtensionTransaction

	// ProcessChangeset applies a sibling connection's internal changeset
	// (the value this extension returned from Changesets on the committing
	// connection; nil if it returned none).
	ProcessChangeset(changeset any)

	// PostRollbackCleanup discards speculative state accumulated during an
	// aborted write.
	PostRollbackCleanup()

	// FlushMemory releases cached state at the given level.
	FlushMemory(level FlushLevel)
}

// ExtensionTransaction mirrors one core transaction.
//
// CreateIfNeeded, PrepareIfNeeded, Changesets (together with the connection's
// ProcessChangeset and PostRollbackCleanup) form the required contract; the
// commit hooks and write-notification hooks are optional and default to
// no-ops via NopExtensionTransaction.
type ExtensionTransaction interface {
	// CreateIfNeeded performs idempotent setup: create backing tables,
	// optionally backfill from existing rows. Run inside the dedicated
	// registration transaction; an error aborts the registration.
	CreateIfNeeded() error

	// PrepareIfNeeded primes connection-scoped state. Called on every
	// extension-transaction creation; must be cheap after the first
	// successful call on a connection.
	PrepareIfNeeded() error

	// Changesets reports this extension's delta for the enclosing commit.
	// internal is handed to sibling extension connections; external is
	// embedded in the observer notification. storageMutated must be true
	// whenever the extension wrote to the database file this transaction,
	// even if both payloads are nil - the engine uses it to decide whether
	// the commit advances the snapshot.
	Changesets() (internal any, external any, storageMutated bool)

	// PreCommit runs before the changeset is gathered, giving the extension
	// a chance to flush derived state. Read-write transactions only.
	PreCommit()

	// Commit runs after the durable commit succeeds.
	Commit()

	// Write-notification hooks, invoked at the moment of each primitive
	// write, in program order within the transaction, before the
	// transaction's commit step.
	HandleSet(key string, value, metadata []byte, rowid int64)
	HandleSetMetadata(key string, metadata []byte, rowid int64)
	HandleRemove(key string, rowid int64)
	HandleRemoveKeys(keys []string, rowids []int64)
	HandleRemoveAll()
}

// NopExtensionTransaction provides no-op implementations of every optional
// ExtensionTransaction hook. Embed it and override what the extension needs;
// Changesets defaults to "nothing changed, storage untouched".
type NopExtensionTransaction struct{}

func (NopExtensionTransaction) Changesets() (any, any, bool)              { return nil, nil, false }
func (NopExtensionTransaction) PreCommit()                                {}
func (NopExtensionTransaction) Commit()                                   {}
func (NopExtensionTransaction) HandleSet(string, []byte, []byte, int64)   {}
func (NopExtensionTransaction) HandleSetMetadata(string, []byte, int64)   {}
func (NopExtensionTransaction) HandleRemove(string, int64)                {}
func (NopExtensionTransaction) HandleRemoveKeys([]string, []int64)        {}
func (NopExtensionTransaction) HandleRemoveAll()                          {}

// registrationChange is carried on the registration transaction and applied
// to the coordinator's registry after the durable commit succeeds.
type registrationChange struct {
	name   string
	ext    Extension
	remove bool
}

// registrationConnection returns the dedicated internal connection used for
// extension (un)registration, creating it on first use.
func (db *DB) registrationConnection(ctx context.Context) (*Connection, error) {
	db.mu.Lock()
	existing := db.regConn
	db.mu.Unlock()
	if existing != nil {
		return existing, nil
	}

	conn, err := db.NewConnection(ctx)
	if err != nil {
		return nil, err
	}
	db.mu.Lock()
	db.regConn = conn
	db.mu.Unlock()
	return conn, nil
}

// RegisterExtension registers ext under name and runs its setup inside a
// dedicated internal read-write transaction. On any setup failure the
// transaction rolls back entirely and nothing is left registered.
//
// Names are unique and an instance may be registered at most once; the
// registration row (name plus version token) is persisted so the set of
// registered extensions survives process restart.
func (db *DB) RegisterExtension(ctx context.Context, name string, ext Extension) error {
	if name == "" {
		return &Error{Code: CodeRegistrationFailed, Message: "extension name must be non-empty"}
	}
	if ext == nil {
		return &Error{Code: CodeRegistrationFailed, Message: "extension must be non-nil", Extension: name}
	}

	db.regMu.Lock()
	defer db.regMu.Unlock()

	db.mu.Lock()
	if _, exists := db.registered[name]; exists {
		db.mu.Unlock()
		return &Error{Code: CodeRegistrationFailed, Message: "name already registered", Extension: name}
	}
	for other, registered := range db.registered {
		if registered == ext {
			db.mu.Unlock()
			return &Error{
				Code:      CodeRegistrationFailed,
				Message:   fmt.Sprintf("instance already registered as %q", other),
				Extension: name,
			}
		}
	}
	db.mu.Unlock()

	conn, err := db.registrationConnection(ctx)
	if err != nil {
		return &Error{Code: CodeRegistrationFailed, Message: "registration connection", Extension: name, Err: err}
	}

	var token string
	if v, ok := ext.(Versioned); ok {
		token = v.VersionToken()
	}

	err = conn.ReadWrite(ctx, func(tx *Transaction) error {
		// The extension connection is created against the registration
		// connection solely to drive CreateIfNeeded; regular connections
		// build their own on the registration changeset.
		extConn := ext.NewConnection(conn)
		et := extConn.NewTransaction(tx)
		if err := et.CreateIfNeeded(); err != nil {
			return fmt.Errorf("create extension %s: %w", name, err)
		}
		if err := tx.SetExtData(store.EngineNamespace, registrationKeyPrefix+name, []byte(token)); err != nil {
			return err
		}
		tx.regChange = &registrationChange{name: name, ext: ext}
		return nil
	})
	if err != nil {
		return &Error{Code: CodeRegistrationFailed, Message: "setup failed", Extension: name, Err: err}
	}

	db.log.Debug("extension registered", "name", name, "version", token)
	return nil
}

// UnregisterExtension removes the extension registered under name: drops its
// tables, deletes its persisted configuration rows, and removes the
// registration row, all within one commit.
//
// An extension persisted by an earlier run but not re-registered this run
// can still be unregistered; its configuration rows are deleted, but its
// tables can only be dropped when the instance is available.
func (db *DB) UnregisterExtension(ctx context.Context, name string) error {
	db.regMu.Lock()
	defer db.regMu.Unlock()

	db.mu.Lock()
	ext, registered := db.registered[name]
	known := registered
	if !known {
		for _, prev := range db.previouslyRegistered {
			if prev == name {
				known = true
				break
			}
		}
	}
	db.mu.Unlock()

	if !known {
		return &Error{Code: CodeUnknownExtension, Message: "extension not registered", Extension: name}
	}

	conn, err := db.registrationConnection(ctx)
	if err != nil {
		return err
	}

	if !registered {
		db.log.Warn("unregistering extension without an instance; its tables are not dropped",
			"name", name)
	}

	return conn.ReadWrite(ctx, func(tx *Transaction) error {
		if registered {
			if err := ext.DropTables(ctx, name, tx); err != nil {
				return fmt.Errorf("drop tables for %s: %w", name, err)
			}
		}
		if err := tx.DeleteAllExtData(name); err != nil {
			return err
		}
		if err := tx.DeleteExtData(store.EngineNamespace, registrationKeyPrefix+name); err != nil {
			return err
		}
		tx.regChange = &registrationChange{name: name, remove: true}
		return nil
	})
}
