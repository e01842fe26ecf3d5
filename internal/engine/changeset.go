package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// InternalChangeset carries enough information for sibling connections to
// invalidate their caches and update extension state without re-querying the
// backing store. It is never shown to observers.
type InternalChangeset struct {
	// ChangedKeys holds keys whose value or metadata changed.
	ChangedKeys map[string]struct{}

	// RemovedKeys holds keys that were deleted.
	RemovedKeys map[string]struct{}

	// AllKeysRemoved is set when the whole data table was wiped.
	AllKeysRemoved bool

	// RegisteredExtensionsChanged is set when the commit registered or
	// unregistered an extension; receivers re-sync their extension
	// connections from the registry.
	RegisteredExtensionsChanged bool

	// Extensions maps extension name to that extension's internal changeset,
	// handed verbatim to the matching extension connection on each sibling.
	Extensions map[string]any
}

// ExternalChangeset carries observer-facing information. The engine itself
// never consults it.
type ExternalChangeset struct {
	// ChangedKeys and RemovedKeys are sorted for deterministic payloads.
	ChangedKeys []string
	RemovedKeys []string

	AllKeysRemoved bool

	// Custom is the application object attached via
	// Transaction.SetCustomChangesetObject, if any.
	Custom any

	// Extensions maps extension name to its observer-facing changeset.
	Extensions map[string]any
}

// Changeset is the delta produced by exactly one committing read-write
// transaction.
//
// StorageMutated is an explicit flag rather than nil-ness of the payloads: an
// extension may mutate the backing store out-of-band (e.g. an index merge)
// without producing any key-level delta, and the engine must still advance
// the snapshot for that commit.
type Changeset struct {
	Snapshot       uint64
	StorageMutated bool
	Internal       *InternalChangeset
	External       *ExternalChangeset
}

func newInternalChangeset() *InternalChangeset {
	return &InternalChangeset{
		ChangedKeys: make(map[string]struct{}),
		RemovedKeys: make(map[string]struct{}),
		Extensions:  make(map[string]any),
	}
}

// CommitNotification is published to observers after each successful
// read-write commit.
type CommitNotification struct {
	Snapshot uint64
	External *ExternalChangeset
}

// canonicalNotification is the stable wire shape of a CommitNotification.
type canonicalNotification struct {
	Snapshot       uint64          `json:"snapshot"`
	ChangedKeys    []string        `json:"changed_keys,omitempty"`
	RemovedKeys    []string        `json:"removed_keys,omitempty"`
	AllKeysRemoved bool            `json:"all_keys_removed,omitempty"`
	Extensions     map[string]any  `json:"extensions,omitempty"`
	Custom         json.RawMessage `json:"custom,omitempty"`
}

// CanonicalJSON encodes the notification deterministically: keys are
// NFC-normalized and sorted, so byte-identical inputs produce byte-identical
// payloads regardless of the unicode representation the writer used.
func (n CommitNotification) CanonicalJSON() ([]byte, error) {
	out := canonicalNotification{Snapshot: n.Snapshot}

	if ext := n.External; ext != nil {
		out.ChangedKeys = normalizeKeys(ext.ChangedKeys)
		out.RemovedKeys = normalizeKeys(ext.RemovedKeys)
		out.AllKeysRemoved = ext.AllKeysRemoved
		if len(ext.Extensions) > 0 {
			out.Extensions = ext.Extensions
		}
		if ext.Custom != nil {
			raw, err := json.Marshal(ext.Custom)
			if err != nil {
				return nil, fmt.Errorf("canonical notification: marshal custom: %w", err)
			}
			out.Custom = raw
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("canonical notification: %w", err)
	}
	return append(data, '\n'), nil
}

func normalizeKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = norm.NFC.String(key)
	}
	sort.Strings(out)
	return out
}

func sortedKeySet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
