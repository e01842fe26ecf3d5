package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EngineNamespace is the reserved extension name for engine-owned rows in the
// yap table. Extensions must register under a non-empty name, so the empty
// string can never collide.
const EngineNamespace = ""

// SnapshotKey addresses the persisted snapshot number within EngineNamespace.
const SnapshotKey = "snapshot"

// ErrStop may be returned by an enumeration callback to stop early.
// It is swallowed by the enumerator and not surfaced to the caller.
var ErrStop = errors.New("store: stop enumeration")

// Row is one entry of the data table.
type Row struct {
	RowID    int64
	Key      string
	Value    []byte
	Metadata []byte
}

// Statement release levels for Session.ReleaseStatements.
const (
	// ReleaseInfrequent finalizes statements outside the hot read path
	// (writes, snapshot persistence, extension configuration).
	ReleaseInfrequent = iota
	// ReleaseAll finalizes every prepared statement.
	ReleaseAll
)

// Session is one pinned database connection plus its prepared statements.
//
// Sessions are NOT safe for concurrent use; the engine serializes all access
// through the owning connection. Transactions are driven with explicit
// BEGIN/COMMIT/ROLLBACK statements so that the transaction state lives on
// this session only.
type Session struct {
	conn *sql.Conn

	// Prepared statements, split by usage frequency so that memory pressure
	// can release the cold half without touching the hot read path.
	frequent   map[string]*sql.Stmt
	infrequent map[string]*sql.Stmt
}

func newSession(conn *sql.Conn) *Session {
	return &Session{
		conn:       conn,
		frequent:   make(map[string]*sql.Stmt),
		infrequent: make(map[string]*sql.Stmt),
	}
}

// Close finalizes all prepared statements and returns the underlying
// connection to the pool.
func (s *Session) Close() error {
	s.ReleaseStatements(ReleaseAll)
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// ReleaseStatements finalizes prepared statements at the given level.
// Must not be called while a transaction is open on this session.
func (s *Session) ReleaseStatements(level int) {
	for key, stmt := range s.infrequent {
		stmt.Close()
		delete(s.infrequent, key)
	}
	if level >= ReleaseAll {
		for key, stmt := range s.frequent {
			stmt.Close()
			delete(s.frequent, key)
		}
	}
}

func (s *Session) stmt(ctx context.Context, cache map[string]*sql.Stmt, query string) (*sql.Stmt, error) {
	if st, ok := cache[query]; ok {
		return st, nil
	}
	st, err := s.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare %q: %w", query, err)
	}
	cache[query] = st
	return st, nil
}

func (s *Session) hot(ctx context.Context, query string) (*sql.Stmt, error) {
	return s.stmt(ctx, s.frequent, query)
}

func (s *Session) cold(ctx context.Context, query string) (*sql.Stmt, error) {
	return s.stmt(ctx, s.infrequent, query)
}

// Transaction control ---------------------------------------------------------

// Begin opens a transaction on this session. immediate selects BEGIN IMMEDIATE
// (writer: takes the reserved lock up front) versus BEGIN DEFERRED (reader).
func (s *Session) Begin(ctx context.Context, immediate bool) error {
	query := "BEGIN DEFERRED"
	if immediate {
		query = "BEGIN IMMEDIATE"
	}
	st, err := s.hot(ctx, query)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	return nil
}

// Commit commits the open transaction.
func (s *Session) Commit(ctx context.Context) error {
	st, err := s.hot(ctx, "COMMIT")
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the open transaction.
func (s *Session) Rollback(ctx context.Context) error {
	st, err := s.hot(ctx, "ROLLBACK")
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx); err != nil {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// Data table ------------------------------------------------------------------

// GetRow fetches the full row for key. found is false if the key is absent.
func (s *Session) GetRow(ctx context.Context, key string) (row Row, found bool, err error) {
	st, err := s.hot(ctx, `SELECT "rowid", "value", "metadata" FROM "data" WHERE "key" = ?`)
	if err != nil {
		return Row{}, false, err
	}
	row.Key = key
	err = st.QueryRowContext(ctx, key).Scan(&row.RowID, &row.Value, &row.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("get row: %w", err)
	}
	return row, true, nil
}

// GetValue fetches only the value blob for key.
func (s *Session) GetValue(ctx context.Context, key string) (value []byte, found bool, err error) {
	st, err := s.hot(ctx, `SELECT "value" FROM "data" WHERE "key" = ?`)
	if err != nil {
		return nil, false, err
	}
	err = st.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get value: %w", err)
	}
	return value, true, nil
}

// GetMetadata fetches only the metadata blob for key.
func (s *Session) GetMetadata(ctx context.Context, key string) (metadata []byte, found bool, err error) {
	st, err := s.hot(ctx, `SELECT "metadata" FROM "data" WHERE "key" = ?`)
	if err != nil {
		return nil, false, err
	}
	err = st.QueryRowContext(ctx, key).Scan(&metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get metadata: %w", err)
	}
	return metadata, true, nil
}

// HasKey reports whether key exists.
func (s *Session) HasKey(ctx context.Context, key string) (bool, error) {
	st, err := s.hot(ctx, `SELECT COUNT(*) FROM "data" WHERE "key" = ?`)
	if err != nil {
		return false, err
	}
	var count int
	if err := st.QueryRowContext(ctx, key).Scan(&count); err != nil {
		return false, fmt.Errorf("has key: %w", err)
	}
	return count > 0, nil
}

// RowCount returns the number of rows in the data table.
func (s *Session) RowCount(ctx context.Context) (int64, error) {
	st, err := s.hot(ctx, `SELECT COUNT(*) FROM "data"`)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := st.QueryRowContext(ctx).Scan(&count); err != nil {
		return 0, fmt.Errorf("row count: %w", err)
	}
	return count, nil
}

// SetRow inserts or replaces the row for key, returning its rowid.
// An update keeps the existing rowid so extension references stay valid.
func (s *Session) SetRow(ctx context.Context, key string, value, metadata []byte) (rowid int64, err error) {
	st, err := s.cold(ctx, `
		INSERT INTO "data" ("key", "value", "metadata") VALUES (?, ?, ?)
		ON CONFLICT("key") DO UPDATE SET "value" = excluded."value", "metadata" = excluded."metadata"
	`)
	if err != nil {
		return 0, err
	}
	if _, err := st.ExecContext(ctx, key, value, metadata); err != nil {
		return 0, fmt.Errorf("set row: %w", err)
	}

	// ON CONFLICT DO UPDATE keeps the original rowid, so LastInsertId is not
	// reliable for the update path; fetch it explicitly.
	rowidStmt, err := s.hot(ctx, `SELECT "rowid" FROM "data" WHERE "key" = ?`)
	if err != nil {
		return 0, err
	}
	if err := rowidStmt.QueryRowContext(ctx, key).Scan(&rowid); err != nil {
		return 0, fmt.Errorf("set row: fetch rowid: %w", err)
	}
	return rowid, nil
}

// SetMetadata replaces only the metadata blob for an existing key.
// Returns the rowid and false if the key does not exist (nothing is written).
func (s *Session) SetMetadata(ctx context.Context, key string, metadata []byte) (rowid int64, updated bool, err error) {
	st, err := s.hot(ctx, `SELECT "rowid" FROM "data" WHERE "key" = ?`)
	if err != nil {
		return 0, false, err
	}
	err = st.QueryRowContext(ctx, key).Scan(&rowid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("set metadata: %w", err)
	}

	upd, err := s.cold(ctx, `UPDATE "data" SET "metadata" = ? WHERE "key" = ?`)
	if err != nil {
		return 0, false, err
	}
	if _, err := upd.ExecContext(ctx, metadata, key); err != nil {
		return 0, false, fmt.Errorf("set metadata: %w", err)
	}
	return rowid, true, nil
}

// DeleteKey removes the row for key. Returns the removed rowid and whether a
// row was actually removed.
func (s *Session) DeleteKey(ctx context.Context, key string) (rowid int64, removed bool, err error) {
	// The rowid is needed by extensions before the row disappears.
	st, err := s.hot(ctx, `SELECT "rowid" FROM "data" WHERE "key" = ?`)
	if err != nil {
		return 0, false, err
	}
	err = st.QueryRowContext(ctx, key).Scan(&rowid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("delete key: %w", err)
	}

	del, err := s.cold(ctx, `DELETE FROM "data" WHERE "key" = ?`)
	if err != nil {
		return 0, false, err
	}
	if _, err := del.ExecContext(ctx, key); err != nil {
		return 0, false, fmt.Errorf("delete key: %w", err)
	}
	return rowid, true, nil
}

// DeleteAll removes every row from the data table.
func (s *Session) DeleteAll(ctx context.Context) error {
	st, err := s.cold(ctx, `DELETE FROM "data"`)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	return nil
}

// EnumerateKeys calls fn for each (rowid, key) in ascending key order.
// fn may return ErrStop to stop early; any other error aborts and propagates.
func (s *Session) EnumerateKeys(ctx context.Context, fn func(rowid int64, key string) error) error {
	rows, err := s.conn.QueryContext(ctx, `SELECT "rowid", "key" FROM "data" ORDER BY "key"`)
	if err != nil {
		return fmt.Errorf("enumerate keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rowid int64
		var key string
		if err := rows.Scan(&rowid, &key); err != nil {
			return fmt.Errorf("enumerate keys: scan: %w", err)
		}
		if err := fn(rowid, key); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("enumerate keys: %w", err)
	}
	return nil
}

// EnumerateRows calls fn for each full row in ascending key order.
// fn may return ErrStop to stop early; any other error aborts and propagates.
func (s *Session) EnumerateRows(ctx context.Context, fn func(row Row) error) error {
	rows, err := s.conn.QueryContext(ctx, `SELECT "rowid", "key", "value", "metadata" FROM "data" ORDER BY "key"`)
	if err != nil {
		return fmt.Errorf("enumerate rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.RowID, &row.Key, &row.Value, &row.Metadata); err != nil {
			return fmt.Errorf("enumerate rows: scan: %w", err)
		}
		if err := fn(row); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("enumerate rows: %w", err)
	}
	return nil
}

// Yap table -------------------------------------------------------------------

// ReadSnapshot returns the persisted ("sql-level") snapshot number, or 0 if
// the database has never committed.
func (s *Session) ReadSnapshot(ctx context.Context) (uint64, error) {
	st, err := s.hot(ctx, `SELECT "data" FROM "yap" WHERE "extension" = ? AND "key" = ?`)
	if err != nil {
		return 0, err
	}
	var snapshot int64
	err = st.QueryRowContext(ctx, EngineNamespace, SnapshotKey).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	return uint64(snapshot), nil
}

// WriteSnapshot persists the snapshot number. Called inside the writer's
// transaction so the value commits atomically with the data it describes.
func (s *Session) WriteSnapshot(ctx context.Context, snapshot uint64) error {
	st, err := s.cold(ctx, `
		INSERT INTO "yap" ("extension", "key", "data") VALUES (?, ?, ?)
		ON CONFLICT("extension", "key") DO UPDATE SET "data" = excluded."data"
	`)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx, EngineNamespace, SnapshotKey, int64(snapshot)); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ExtGet fetches a configuration blob for (extension, key).
func (s *Session) ExtGet(ctx context.Context, extension, key string) (data []byte, found bool, err error) {
	st, err := s.cold(ctx, `SELECT "data" FROM "yap" WHERE "extension" = ? AND "key" = ?`)
	if err != nil {
		return nil, false, err
	}
	err = st.QueryRowContext(ctx, extension, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ext get: %w", err)
	}
	return data, true, nil
}

// ExtSet upserts a configuration blob for (extension, key).
func (s *Session) ExtSet(ctx context.Context, extension, key string, data []byte) error {
	st, err := s.cold(ctx, `
		INSERT INTO "yap" ("extension", "key", "data") VALUES (?, ?, ?)
		ON CONFLICT("extension", "key") DO UPDATE SET "data" = excluded."data"
	`)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx, extension, key, data); err != nil {
		return fmt.Errorf("ext set: %w", err)
	}
	return nil
}

// ExtDelete removes one configuration row.
func (s *Session) ExtDelete(ctx context.Context, extension, key string) error {
	st, err := s.cold(ctx, `DELETE FROM "yap" WHERE "extension" = ? AND "key" = ?`)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx, extension, key); err != nil {
		return fmt.Errorf("ext delete: %w", err)
	}
	return nil
}

// ExtDeleteAll removes every configuration row for an extension.
// Used when an extension is unregistered.
func (s *Session) ExtDeleteAll(ctx context.Context, extension string) error {
	st, err := s.cold(ctx, `DELETE FROM "yap" WHERE "extension" = ?`)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx, extension); err != nil {
		return fmt.Errorf("ext delete all: %w", err)
	}
	return nil
}

// ExtKeys returns the configuration keys present for an extension, in
// ascending order.
func (s *Session) ExtKeys(ctx context.Context, extension string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT "key" FROM "yap" WHERE "extension" = ? ORDER BY "key"`, extension)
	if err != nil {
		return nil, fmt.Errorf("ext keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("ext keys: scan: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ext keys: %w", err)
	}
	return keys, nil
}

// Exec runs an arbitrary statement on this session. Extensions use it to
// create and drop their own tables during registration.
func (s *Session) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Query runs an arbitrary query on this session. Callers must close the rows.
func (s *Session) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, query, args...)
}
