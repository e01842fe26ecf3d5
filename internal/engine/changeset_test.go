package engine

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	n := CommitNotification{
		Snapshot: 4,
		External: &ExternalChangeset{
			ChangedKeys: []string{"cafe\u0301", "alpha"},
			RemovedKeys: []string{"zeta"},
			Custom:      map[string]any{"reason": "sync"},
		},
	}
	payload, err := n.CanonicalJSON()
	require.NoError(t, err)
	g.Assert(t, "commit_notification", payload)

	empty := CommitNotification{Snapshot: 1}
	payload, err = empty.CanonicalJSON()
	require.NoError(t, err)
	g.Assert(t, "commit_notification_empty", payload)
}

func TestCanonicalJSONNormalizesUnicode(t *testing.T) {
	// The same key in composed and decomposed form must serialize
	// byte-identically.
	composed := CommitNotification{
		Snapshot: 7,
		External: &ExternalChangeset{ChangedKeys: []string{"caf\u00e9"}},
	}
	decomposed := CommitNotification{
		Snapshot: 7,
		External: &ExternalChangeset{ChangedKeys: []string{"cafe\u0301"}},
	}

	a, err := composed.CanonicalJSON()
	require.NoError(t, err)
	b, err := decomposed.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	n := CommitNotification{
		Snapshot: 2,
		External: &ExternalChangeset{
			ChangedKeys: []string{"zebra", "apple", "mango"},
		},
	}
	payload, err := n.CanonicalJSON()
	require.NoError(t, err)

	sorted, err := CommitNotification{
		Snapshot: 2,
		External: &ExternalChangeset{
			ChangedKeys: []string{"apple", "mango", "zebra"},
		},
	}.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, sorted, payload, "input order must not leak into the payload")
}

func TestSortedKeySet(t *testing.T) {
	assert.Nil(t, sortedKeySet(nil))
	assert.Nil(t, sortedKeySet(map[string]struct{}{}))
	assert.Equal(t, []string{"a", "b", "c"},
		sortedKeySet(map[string]struct{}{"c": {}, "a": {}, "b": {}}))
}
