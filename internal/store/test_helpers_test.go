package store

import (
	"context"
	"path/filepath"
	"testing"
)

// createTestDB creates a new on-disk store in a temp dir for testing.
func createTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSession opens a session on the store and registers cleanup.
func createTestSession(t *testing.T, s *DB) *Session {
	t.Helper()
	session, err := s.Session(context.Background())
	if err != nil {
		t.Fatalf("Session() failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}
