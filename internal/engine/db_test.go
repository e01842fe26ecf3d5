package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyholedb/keyhole/internal/config"
)

func TestOpenSamePathSharesCoordinator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")

	db1, err := Open(path, config.DefaultOptions())
	require.NoError(t, err)
	db2, err := Open(path, config.DefaultOptions())
	require.NoError(t, err)

	assert.Same(t, db1, db2, "one coordinator per database file")

	require.NoError(t, db1.Close())
	// The second handle keeps the coordinator alive.
	assert.False(t, db2.isClosed())
	require.NoError(t, db2.Close())
	assert.True(t, db2.isClosed())
}

func TestOpenRejectsInvalidOptions(t *testing.T) {
	opts := config.DefaultOptions()
	opts.CacheLimit = -1
	_, err := Open(filepath.Join(t.TempDir(), "bad.db"), opts)
	assert.Error(t, err)
}

func TestCloseRefusedWhileConnectionsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.db")
	db, err := Open(path, config.DefaultOptions())
	require.NoError(t, err)

	conn, err := db.NewConnection(context.Background())
	require.NoError(t, err)

	err = db.Close()
	require.Error(t, err)
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, CodeDatabaseClosed, engineErr.Code)

	require.NoError(t, conn.Close())
	require.NoError(t, db.Close())
}

func TestSnapshotCountsMutatingCommitsOnly(t *testing.T) {
	db := createTestDB(t)
	conn := createTestConn(t, db)
	ctx := context.Background()

	assert.Equal(t, uint64(0), db.Snapshot())

	mustSet(t, conn, "a", "1")
	assert.Equal(t, uint64(1), db.Snapshot())

	// Empty body: commits, but mutates nothing.
	require.NoError(t, conn.ReadWrite(ctx, func(tx *Transaction) error { return nil }))
	assert.Equal(t, uint64(1), db.Snapshot())

	// Deleting an absent key mutates nothing.
	require.NoError(t, conn.ReadWrite(ctx, func(tx *Transaction) error {
		return tx.Delete("never-existed")
	}))
	assert.Equal(t, uint64(1), db.Snapshot())

	// Metadata on an absent key mutates nothing.
	require.NoError(t, conn.ReadWrite(ctx, func(tx *Transaction) error {
		return tx.SetMetadata("never-existed", []byte("m"))
	}))
	assert.Equal(t, uint64(1), db.Snapshot())

	mustSet(t, conn, "b", "2")
	mustSet(t, conn, "c", "3")
	assert.Equal(t, uint64(3), db.Snapshot())
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	db, err := Open(path, config.DefaultOptions())
	require.NoError(t, err)
	conn, err := db.NewConnection(context.Background())
	require.NoError(t, err)
	mustSet(t, conn, "k", "v")
	mustSet(t, conn, "k", "v2")
	require.NoError(t, conn.Close())
	require.NoError(t, db.Close())

	db, err = Open(path, config.DefaultOptions())
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, uint64(2), db.Snapshot())

	conn, err = db.NewConnection(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	value, found := readValue(t, conn, "k")
	require.True(t, found)
	assert.Equal(t, "v2", value)
}

func TestChangesetsSinceReturnsRange(t *testing.T) {
	db := createTestDB(t)
	// A laggard connection pins retention at snapshot 0.
	laggard := createTestConn(t, db)
	_ = laggard
	writer := createTestConn(t, db)

	mustSet(t, writer, "a", "1")
	mustSet(t, writer, "b", "2")
	mustSet(t, writer, "c", "3")

	got := db.ChangesetsSince(1, 3)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Snapshot)
	assert.Equal(t, uint64(3), got[1].Snapshot)
	assert.Equal(t, []string{"b"}, got[0].External.ChangedKeys)
	assert.True(t, got[0].StorageMutated)

	assert.Empty(t, db.ChangesetsSince(3, 3))
}

func TestChangesetRetentionPinnedByLaggard(t *testing.T) {
	db := createTestDB(t)
	laggard := createTestConn(t, db)
	writer := createTestConn(t, db)

	mustSet(t, writer, "a", "1")
	mustSet(t, writer, "b", "2")

	db.mu.Lock()
	retained := db.ledger.len()
	db.mu.Unlock()
	assert.Equal(t, 2, retained, "laggard at snapshot 0 holds every changeset")

	// Once the laggard catches up, the ledger drains.
	_, _ = readValue(t, laggard, "a")
	db.mu.Lock()
	retained = db.ledger.len()
	db.mu.Unlock()
	assert.Zero(t, retained)
}

func TestRemoveConnectionAdvancesFloor(t *testing.T) {
	db := createTestDB(t)
	laggard := createTestConn(t, db)
	writer := createTestConn(t, db)

	mustSet(t, writer, "a", "1")

	db.mu.Lock()
	before := db.ledger.len()
	db.mu.Unlock()
	require.Equal(t, 1, before)

	require.NoError(t, laggard.Close())

	db.mu.Lock()
	after := db.ledger.len()
	db.mu.Unlock()
	assert.Zero(t, after, "closing the laggard recomputes the floor")
}

func TestSubscribeReceivesCommitsInOrder(t *testing.T) {
	db := createTestDB(t)
	conn := createTestConn(t, db)

	notifications, cancel := db.Subscribe()
	defer cancel()

	mustSet(t, conn, "x", "1")
	mustSet(t, conn, "y", "2")

	first := receiveNotification(t, notifications)
	assert.Equal(t, uint64(1), first.Snapshot)
	require.NotNil(t, first.External)
	assert.Equal(t, []string{"x"}, first.External.ChangedKeys)

	second := receiveNotification(t, notifications)
	assert.Equal(t, uint64(2), second.Snapshot)
	assert.Equal(t, []string{"y"}, second.External.ChangedKeys)
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	db := createTestDB(t)

	notifications, cancel := db.Subscribe()
	cancel()

	_, open := <-notifications
	assert.False(t, open)

	// A second cancel is harmless.
	cancel()
}

func TestSlowObserverDropsInsteadOfBlocking(t *testing.T) {
	opts := config.DefaultOptions()
	opts.ObserverBuffer = 1
	db := createTestDBWithOptions(t, opts)
	// A laggard connection keeps the changeset log populated so the observer
	// has something to reconcile from.
	_ = createTestConn(t, db)
	conn := createTestConn(t, db)

	notifications, cancel := db.Subscribe()
	defer cancel()

	// Nobody reads; the second commit must not block.
	mustSet(t, conn, "a", "1")
	mustSet(t, conn, "b", "2")

	got := receiveNotification(t, notifications)
	assert.Equal(t, uint64(1), got.Snapshot)

	// The dropped notification is recoverable through the changeset log.
	missed := db.ChangesetsSince(got.Snapshot, db.Snapshot())
	require.Len(t, missed, 1)
	assert.Equal(t, uint64(2), missed[0].Snapshot)
}

func receiveNotification(t *testing.T, ch <-chan CommitNotification) CommitNotification {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "notification channel closed unexpectedly")
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for commit notification")
		return CommitNotification{}
	}
}
