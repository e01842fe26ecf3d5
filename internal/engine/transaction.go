package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/keyholedb/keyhole/internal/store"
)

// Rows is the result of a raw Transaction.Query.
type Rows = *sql.Rows

// ErrStopEnumeration may be returned from an enumeration callback to stop
// early. It is swallowed; the enumeration returns nil.
var ErrStopEnumeration = errors.New("engine: stop enumeration")

// Transaction is a short-lived, single-use view of the database, scoped to
// one connection. It is the only way application code touches stored data.
// A transaction is valid only for the duration of the Read/ReadWrite body
// that produced it; any use afterwards fails with CodeTransactionInvalid.
type Transaction struct {
	conn      *Connection
	ctx       context.Context
	readWrite bool

	invalid           bool
	rollbackRequested bool

	// violation records a protocol violation (mutation during enumeration)
	// so the transaction still rolls back if the body swallowed the error.
	violation error

	// enumerating counts currently-running enumerations; mutations are
	// rejected at the mutation site while it is non-zero.
	enumerating int

	// Write tracking (read-write only). The page holds values read or
	// written during this transaction; it is merged into the connection's
	// caches only on successful commit, so a rollback can never poison them.
	mutated     bool // data table touched
	yapMutated  bool // yap table or extension tables touched
	allRemoved  bool
	changedKeys map[string]struct{}
	removedKeys map[string]struct{}
	page        map[string]cachedValue
	metaPage    map[string]cachedValue

	// Extension transactions created for this transaction, keyed by name.
	// Created lazily on first access and cached; never recreated within the
	// same transaction. extOrder preserves creation order for hook calls.
	extTxs   map[string]ExtensionTransaction
	extOrder []string
	extArmed bool

	custom    any
	regChange *registrationChange
}

func newTransaction(ctx context.Context, c *Connection, readWrite bool) *Transaction {
	tx := &Transaction{
		conn:      c,
		ctx:       ctx,
		readWrite: readWrite,
		extTxs:    make(map[string]ExtensionTransaction),
	}
	if readWrite {
		tx.changedKeys = make(map[string]struct{})
		tx.removedKeys = make(map[string]struct{})
		tx.page = make(map[string]cachedValue)
		tx.metaPage = make(map[string]cachedValue)
	}
	return tx
}

func (tx *Transaction) invalidate() {
	tx.invalid = true
}

func (tx *Transaction) check() error {
	if tx.invalid {
		return &Error{
			Code:    CodeTransactionInvalid,
			Message: "transaction used after its operation completed",
		}
	}
	return nil
}

func (tx *Transaction) writeCheck(key string) error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.readWrite {
		return &Error{Code: CodeReadOnly, Message: "write inside a read-only transaction", Key: key}
	}
	if tx.enumerating > 0 {
		err := &Error{
			Code:    CodeMutationDuringEnumeration,
			Message: "mutation while an enumeration is in progress",
			Key:     key,
		}
		tx.violation = err
		return err
	}
	return nil
}

// Context returns the context the transaction was started with.
func (tx *Transaction) Context() context.Context {
	return tx.ctx
}

// IsReadWrite reports whether this is a read-write transaction.
func (tx *Transaction) IsReadWrite() bool {
	return tx.readWrite
}

// Snapshot returns the snapshot number this transaction's view sits at.
func (tx *Transaction) Snapshot() uint64 {
	return tx.conn.snapshot
}

// Connection returns the owning connection. The reference is borrowed: it
// must not outlive the transaction body.
func (tx *Transaction) Connection() *Connection {
	return tx.conn
}

// Rollback requests that the transaction be rolled back instead of
// committed. This is the only cancellation signal; it takes effect at the
// end of the body, never preempting mid-statement.
func (tx *Transaction) Rollback() error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.readWrite {
		return &Error{Code: CodeReadOnly, Message: "rollback on a read-only transaction"}
	}
	tx.rollbackRequested = true
	return nil
}

// Reads ------------------------------------------------------------------------

// touchedLocally reports whether this transaction already wrote key, in which
// case the connection cache must not be consulted.
func (tx *Transaction) touchedLocally(key string) bool {
	if !tx.readWrite {
		return false
	}
	if tx.allRemoved {
		return true
	}
	if _, ok := tx.changedKeys[key]; ok {
		return true
	}
	_, ok := tx.removedKeys[key]
	return ok
}

// Value returns the value blob for key.
func (tx *Transaction) Value(key string) ([]byte, bool, error) {
	if err := tx.check(); err != nil {
		return nil, false, err
	}
	c := tx.conn

	if tx.readWrite {
		if v, ok := tx.page[key]; ok {
			return v.data, v.present, nil
		}
		if !tx.touchedLocally(key) {
			if v, ok := c.valueCache.get(key); ok {
				return v.data, v.present, nil
			}
		}
	} else {
		if v, ok := c.valueCache.get(key); ok {
			return v.data, v.present, nil
		}
	}

	value, found, err := c.session.GetValue(tx.ctx, key)
	if err != nil {
		return nil, false, err
	}
	cv := cachedValue{data: value, present: found}
	if tx.readWrite {
		tx.page[key] = cv
	} else {
		c.valueCache.put(key, cv)
	}
	return value, found, nil
}

// Metadata returns the metadata blob for key.
func (tx *Transaction) Metadata(key string) ([]byte, bool, error) {
	if err := tx.check(); err != nil {
		return nil, false, err
	}
	c := tx.conn

	if tx.readWrite {
		if v, ok := tx.metaPage[key]; ok {
			return v.data, v.present, nil
		}
		if !tx.touchedLocally(key) {
			if v, ok := c.metadataCache.get(key); ok {
				return v.data, v.present, nil
			}
		}
	} else {
		if v, ok := c.metadataCache.get(key); ok {
			return v.data, v.present, nil
		}
	}

	metadata, found, err := c.session.GetMetadata(tx.ctx, key)
	if err != nil {
		return nil, false, err
	}
	cv := cachedValue{data: metadata, present: found}
	if tx.readWrite {
		tx.metaPage[key] = cv
	} else {
		c.metadataCache.put(key, cv)
	}
	return metadata, found, nil
}

// Row returns both blobs for key.
func (tx *Transaction) Row(key string) (value, metadata []byte, found bool, err error) {
	value, found, err = tx.Value(key)
	if err != nil || !found {
		return nil, nil, found, err
	}
	metadata, _, err = tx.Metadata(key)
	if err != nil {
		return nil, nil, false, err
	}
	return value, metadata, true, nil
}

// Has reports whether key exists.
func (tx *Transaction) Has(key string) (bool, error) {
	if err := tx.check(); err != nil {
		return false, err
	}
	c := tx.conn
	if tx.readWrite {
		if v, ok := tx.page[key]; ok {
			return v.present, nil
		}
	}
	if !tx.touchedLocally(key) {
		if v, ok := c.valueCache.get(key); ok {
			return v.present, nil
		}
	}
	return c.session.HasKey(tx.ctx, key)
}

// Count returns the number of keys.
func (tx *Transaction) Count() (int64, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	return tx.conn.session.RowCount(tx.ctx)
}

// EnumerateKeys calls fn for each key in ascending order. fn may return
// ErrStopEnumeration to stop early. Mutating the database while the
// enumeration runs is a protocol violation that aborts the transaction.
func (tx *Transaction) EnumerateKeys(fn func(key string) error) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.enumerating++
	defer func() { tx.enumerating-- }()

	return tx.conn.session.EnumerateKeys(tx.ctx, func(rowid int64, key string) error {
		err := fn(key)
		if errors.Is(err, ErrStopEnumeration) {
			return store.ErrStop
		}
		return err
	})
}

// EnumerateRows calls fn for each (key, value, metadata) in ascending key
// order. fn may return ErrStopEnumeration to stop early.
func (tx *Transaction) EnumerateRows(fn func(key string, value, metadata []byte) error) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.enumerating++
	defer func() { tx.enumerating-- }()

	return tx.conn.session.EnumerateRows(tx.ctx, func(row store.Row) error {
		err := fn(row.Key, row.Value, row.Metadata)
		if errors.Is(err, ErrStopEnumeration) {
			return store.ErrStop
		}
		return err
	})
}

// Writes -----------------------------------------------------------------------

// Set inserts or replaces the row for key.
func (tx *Transaction) Set(key string, value, metadata []byte) error {
	if err := tx.writeCheck(key); err != nil {
		return err
	}
	if err := tx.armExtensionHooks(); err != nil {
		return err
	}

	rowid, err := tx.conn.session.SetRow(tx.ctx, key, value, metadata)
	if err != nil {
		return err
	}

	tx.mutated = true
	tx.changedKeys[key] = struct{}{}
	delete(tx.removedKeys, key)
	tx.page[key] = cachedValue{data: value, present: true}
	tx.metaPage[key] = cachedValue{data: metadata, present: true}

	for _, name := range tx.extOrder {
		tx.extTxs[name].HandleSet(key, value, metadata, rowid)
	}
	return nil
}

// SetMetadata replaces only the metadata blob for an existing key.
// A missing key is a no-op.
func (tx *Transaction) SetMetadata(key string, metadata []byte) error {
	if err := tx.writeCheck(key); err != nil {
		return err
	}
	if err := tx.armExtensionHooks(); err != nil {
		return err
	}

	rowid, updated, err := tx.conn.session.SetMetadata(tx.ctx, key, metadata)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}

	tx.mutated = true
	tx.changedKeys[key] = struct{}{}
	tx.metaPage[key] = cachedValue{data: metadata, present: true}

	for _, name := range tx.extOrder {
		tx.extTxs[name].HandleSetMetadata(key, metadata, rowid)
	}
	return nil
}

// Delete removes the row for key. A missing key is a no-op.
func (tx *Transaction) Delete(key string) error {
	if err := tx.writeCheck(key); err != nil {
		return err
	}
	if err := tx.armExtensionHooks(); err != nil {
		return err
	}

	rowid, removed, err := tx.conn.session.DeleteKey(tx.ctx, key)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}

	tx.mutated = true
	tx.removedKeys[key] = struct{}{}
	delete(tx.changedKeys, key)
	tx.page[key] = cachedValue{}
	tx.metaPage[key] = cachedValue{}

	for _, name := range tx.extOrder {
		tx.extTxs[name].HandleRemove(key, rowid)
	}
	return nil
}

// DeleteKeys removes a batch of keys. Missing keys are skipped. Extensions
// receive one batched hook call covering the keys actually removed.
func (tx *Transaction) DeleteKeys(keys []string) error {
	if err := tx.writeCheck(""); err != nil {
		return err
	}
	if err := tx.armExtensionHooks(); err != nil {
		return err
	}

	var removedKeys []string
	var rowids []int64
	for _, key := range keys {
		rowid, removed, err := tx.conn.session.DeleteKey(tx.ctx, key)
		if err != nil {
			return err
		}
		if !removed {
			continue
		}
		removedKeys = append(removedKeys, key)
		rowids = append(rowids, rowid)

		tx.mutated = true
		tx.removedKeys[key] = struct{}{}
		delete(tx.changedKeys, key)
		tx.page[key] = cachedValue{}
		tx.metaPage[key] = cachedValue{}
	}
	if len(removedKeys) == 0 {
		return nil
	}

	for _, name := range tx.extOrder {
		tx.extTxs[name].HandleRemoveKeys(removedKeys, rowids)
	}
	return nil
}

// DeleteAll wipes the data table.
func (tx *Transaction) DeleteAll() error {
	if err := tx.writeCheck(""); err != nil {
		return err
	}
	if err := tx.armExtensionHooks(); err != nil {
		return err
	}

	if err := tx.conn.session.DeleteAll(tx.ctx); err != nil {
		return err
	}

	tx.mutated = true
	tx.allRemoved = true
	tx.changedKeys = make(map[string]struct{})
	tx.removedKeys = make(map[string]struct{})
	tx.page = make(map[string]cachedValue)
	tx.metaPage = make(map[string]cachedValue)

	for _, name := range tx.extOrder {
		tx.extTxs[name].HandleRemoveAll()
	}
	return nil
}

// SetCustomChangesetObject attaches an application object to this commit's
// external changeset, delivered verbatim to observers.
func (tx *Transaction) SetCustomChangesetObject(obj any) error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.readWrite {
		return &Error{Code: CodeReadOnly, Message: "custom changeset object on a read-only transaction"}
	}
	tx.custom = obj
	return nil
}

// Extensions -------------------------------------------------------------------

// Ext returns the extension transaction for name, creating it on first
// access within this transaction and caching it for the transaction's
// remaining lifetime.
func (tx *Transaction) Ext(name string) (ExtensionTransaction, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if et, ok := tx.extTxs[name]; ok {
		return et, nil
	}
	extConn, ok := tx.conn.extConns[name]
	if !ok {
		return nil, &Error{Code: CodeUnknownExtension, Message: "extension not registered", Extension: name}
	}
	et := extConn.NewTransaction(tx)
	if err := et.PrepareIfNeeded(); err != nil {
		return nil, fmt.Errorf("prepare extension %s: %w", name, err)
	}
	tx.extTxs[name] = et
	tx.extOrder = append(tx.extOrder, name)
	return et, nil
}

// armExtensionHooks instantiates an extension transaction for every
// registered extension before the first mutation, so each one observes every
// write hook of this transaction in program order.
func (tx *Transaction) armExtensionHooks() error {
	if tx.extArmed {
		return nil
	}
	names := make([]string, 0, len(tx.conn.extConns))
	for name := range tx.conn.extConns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := tx.Ext(name); err != nil {
			return err
		}
	}
	tx.extArmed = true
	return nil
}

// Extension configuration (the persisted auxiliary table) ---------------------

// ExtData fetches the persisted configuration blob at (extension, key).
func (tx *Transaction) ExtData(extension, key string) ([]byte, bool, error) {
	if err := tx.check(); err != nil {
		return nil, false, err
	}
	return tx.conn.session.ExtGet(tx.ctx, extension, key)
}

// SetExtData persists a configuration blob at (extension, key).
func (tx *Transaction) SetExtData(extension, key string, data []byte) error {
	if err := tx.writeCheck(key); err != nil {
		return err
	}
	if err := tx.conn.session.ExtSet(tx.ctx, extension, key, data); err != nil {
		return err
	}
	tx.yapMutated = true
	return nil
}

// DeleteExtData removes one configuration row.
func (tx *Transaction) DeleteExtData(extension, key string) error {
	if err := tx.writeCheck(key); err != nil {
		return err
	}
	if err := tx.conn.session.ExtDelete(tx.ctx, extension, key); err != nil {
		return err
	}
	tx.yapMutated = true
	return nil
}

// DeleteAllExtData removes every configuration row for an extension.
func (tx *Transaction) DeleteAllExtData(extension string) error {
	if err := tx.writeCheck(""); err != nil {
		return err
	}
	if err := tx.conn.session.ExtDeleteAll(tx.ctx, extension); err != nil {
		return err
	}
	tx.yapMutated = true
	return nil
}

// ExtString fetches a configuration value as a string.
func (tx *Transaction) ExtString(extension, key string) (string, bool, error) {
	data, found, err := tx.ExtData(extension, key)
	return string(data), found, err
}

// SetExtString persists a string configuration value.
func (tx *Transaction) SetExtString(extension, key, value string) error {
	return tx.SetExtData(extension, key, []byte(value))
}

// ExtInt64 fetches a configuration value as an int64. Returns found=false
// for both missing rows and unparseable values.
func (tx *Transaction) ExtInt64(extension, key string) (int64, bool, error) {
	data, found, err := tx.ExtData(extension, key)
	if err != nil || !found {
		return 0, false, err
	}
	n, perr := strconv.ParseInt(string(data), 10, 64)
	if perr != nil {
		return 0, false, nil
	}
	return n, true, nil
}

// SetExtInt64 persists an int64 configuration value.
func (tx *Transaction) SetExtInt64(extension, key string, value int64) error {
	return tx.SetExtData(extension, key, []byte(strconv.FormatInt(value, 10)))
}

// Exec runs a raw statement on the transaction's session. Extensions use it
// for DDL and for writes to their own tables; any use marks the transaction
// as having mutated storage.
func (tx *Transaction) Exec(query string, args ...any) error {
	if err := tx.writeCheck(""); err != nil {
		return err
	}
	if err := tx.conn.session.Exec(tx.ctx, query, args...); err != nil {
		return err
	}
	tx.yapMutated = true
	return nil
}

// Query runs a raw query on the transaction's session. Extensions use it to
// read their own tables. Callers must close the rows before the transaction
// ends.
func (tx *Transaction) Query(query string, args ...any) (Rows, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.conn.session.Query(tx.ctx, query, args...)
}

// Changeset assembly -----------------------------------------------------------

// buildChangeset assembles the commit's changeset from the core write
// tracking plus every participating extension transaction. The caller
// assigns the final snapshot number if StorageMutated is set.
func (tx *Transaction) buildChangeset(currentSnapshot uint64) *Changeset {
	storageMutated := tx.mutated || tx.yapMutated

	var internal *InternalChangeset
	var external *ExternalChangeset

	if tx.mutated {
		internal = newInternalChangeset()
		internal.ChangedKeys = tx.changedKeys
		internal.RemovedKeys = tx.removedKeys
		internal.AllKeysRemoved = tx.allRemoved
		external = &ExternalChangeset{
			ChangedKeys:    sortedKeySet(tx.changedKeys),
			RemovedKeys:    sortedKeySet(tx.removedKeys),
			AllKeysRemoved: tx.allRemoved,
		}
	}

	for _, name := range tx.extOrder {
		in, ex, mut := tx.extTxs[name].Changesets()
		if mut {
			storageMutated = true
		}
		if in != nil {
			if internal == nil {
				internal = newInternalChangeset()
			}
			internal.Extensions[name] = in
		}
		if ex != nil {
			if external == nil {
				external = &ExternalChangeset{}
			}
			if external.Extensions == nil {
				external.Extensions = make(map[string]any)
			}
			external.Extensions[name] = ex
		}
	}

	if tx.regChange != nil {
		if internal == nil {
			internal = newInternalChangeset()
		}
		internal.RegisteredExtensionsChanged = true
		storageMutated = true
	}

	if tx.custom != nil {
		if external == nil {
			external = &ExternalChangeset{}
		}
		external.Custom = tx.custom
	}

	return &Changeset{
		Snapshot:       currentSnapshot,
		StorageMutated: storageMutated,
		Internal:       internal,
		External:       external,
	}
}

// applyPagesToCaches merges the transaction's speculative page into the
// connection caches. Called only after a successful durable commit.
func (tx *Transaction) applyPagesToCaches() {
	if !tx.readWrite {
		return
	}
	c := tx.conn
	if tx.allRemoved {
		c.valueCache.purge()
		c.metadataCache.purge()
	}
	for key, v := range tx.page {
		c.valueCache.put(key, v)
	}
	for key, v := range tx.metaPage {
		c.metadataCache.put(key, v)
	}
}
