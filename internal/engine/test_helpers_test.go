package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keyholedb/keyhole/internal/config"
)

// createTestDB opens a fresh database in a temp dir with default options.
func createTestDB(t *testing.T) *DB {
	t.Helper()
	return createTestDBWithOptions(t, config.DefaultOptions())
}

func createTestDBWithOptions(t *testing.T, opts config.Options) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// createTestConn opens a connection on db and registers cleanup. Cleanups run
// LIFO, so connections close before the database they belong to.
func createTestConn(t *testing.T, db *DB) *Connection {
	t.Helper()
	conn, err := db.NewConnection(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// mustSet commits one key through conn and returns nothing; it fails the test
// on any error.
func mustSet(t *testing.T, conn *Connection, key, value string) {
	t.Helper()
	err := conn.ReadWrite(context.Background(), func(tx *Transaction) error {
		return tx.Set(key, []byte(value), nil)
	})
	require.NoError(t, err)
}

// readValue fetches one key through a fresh read transaction.
func readValue(t *testing.T, conn *Connection, key string) (string, bool) {
	t.Helper()
	var value []byte
	var found bool
	err := conn.Read(context.Background(), func(tx *Transaction) error {
		var err error
		value, found, err = tx.Value(key)
		return err
	})
	require.NoError(t, err)
	return string(value), found
}
