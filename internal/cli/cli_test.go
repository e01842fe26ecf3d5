package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCommand executes the CLI with the given args and captures its output.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "cli.db")
}

func TestSetGetRoundTrip(t *testing.T) {
	path := testDBPath(t)

	out, err := runCommand(t, "set", "--db", path, "greeting", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "ok (snapshot 1)")

	out, err = runCommand(t, "get", "--db", path, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestGetJSONFormat(t *testing.T) {
	path := testDBPath(t)

	_, err := runCommand(t, "set", "--db", path, "k", "v")
	require.NoError(t, err)

	out, err := runCommand(t, "get", "--db", path, "k", "--format", "json")
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "k", result["key"])
	assert.Equal(t, "v", result["value"])
}

func TestGetMissingKey(t *testing.T) {
	path := testDBPath(t)

	_, err := runCommand(t, "get", "--db", path, "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSetWithMetadata(t *testing.T) {
	path := testDBPath(t)

	_, err := runCommand(t, "set", "--db", path, "k", "v", "--metadata", "created=now")
	require.NoError(t, err)

	out, err := runCommand(t, "get", "--db", path, "k", "--metadata", "--format", "json")
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "created=now", result["metadata"])
}

func TestDelAndCount(t *testing.T) {
	path := testDBPath(t)

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		_, err := runCommand(t, "set", "--db", path, kv[0], kv[1])
		require.NoError(t, err)
	}

	out, err := runCommand(t, "count", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	_, err = runCommand(t, "del", "--db", path, "a", "b")
	require.NoError(t, err)

	out, err = runCommand(t, "count", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	_, err = runCommand(t, "del", "--db", path, "--all")
	require.NoError(t, err)

	out, err = runCommand(t, "count", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)
}

func TestDelFlagValidation(t *testing.T) {
	path := testDBPath(t)

	_, err := runCommand(t, "del", "--db", path)
	require.Error(t, err)

	_, err = runCommand(t, "del", "--db", path, "--all", "extra")
	require.Error(t, err)
}

func TestKeysOrderedWithLimit(t *testing.T) {
	path := testDBPath(t)

	for _, key := range []string{"cherry", "apple", "banana"} {
		_, err := runCommand(t, "set", "--db", path, key, "x")
		require.NoError(t, err)
	}

	out, err := runCommand(t, "keys", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "apple\nbanana\ncherry\n", out)

	out, err = runCommand(t, "keys", "--db", path, "--limit", "2")
	require.NoError(t, err)
	assert.Equal(t, "apple\nbanana\n", out)
}

func TestSnapshotCommand(t *testing.T) {
	path := testDBPath(t)

	out, err := runCommand(t, "snapshot", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)

	_, err = runCommand(t, "set", "--db", path, "k", "v")
	require.NoError(t, err)

	out, err = runCommand(t, "snapshot", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)
}

func TestChangesetsEmptyInFreshProcess(t *testing.T) {
	path := testDBPath(t)

	_, err := runCommand(t, "set", "--db", path, "k", "v")
	require.NoError(t, err)

	// Changesets live in memory; a fresh open has nothing retained.
	out, err := runCommand(t, "changesets", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "no retained changesets")
}

func TestCheckpointCommand(t *testing.T) {
	path := testDBPath(t)

	_, err := runCommand(t, "set", "--db", path, "k", "v")
	require.NoError(t, err)

	out, err := runCommand(t, "checkpoint", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (snapshot 1)")
}

func TestRequiresDBFlag(t *testing.T) {
	_, err := runCommand(t, "count")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--db is required")
}

func TestRejectsUnknownFormat(t *testing.T) {
	_, err := runCommand(t, "count", "--db", testDBPath(t), "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
