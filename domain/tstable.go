package domain

import "math"

// TSTable is keyed by TSKey and serves as the matching index for
// RTT correlation. Like FlowTable, it performs no locking of its
// own; usecase.Engine holds a single mutex around both tables.
type TSTable struct {
	entries map[TSKey]*TSEntry
}

// NewTSTable returns an empty table.
func NewTSTable() *TSTable {
	return &TSTable{entries: make(map[TSKey]*TSEntry)}
}

// InsertIfAbsent inserts entry under key only if the key is not
// already present. If present, entry is discarded: the oldest
// observation of a TSval is preserved deliberately, since a later
// duplicate would only decrease observed RTT and underestimate it.
// Returns true if the insert happened.
func (t *TSTable) InsertIfAbsent(key TSKey, entry *TSEntry) bool {
	if _, ok := t.entries[key]; ok {
		return false
	}
	t.entries[key] = entry
	return true
}

// Lookup returns the entry for key, if any.
func (t *TSTable) Lookup(key TSKey) (*TSEntry, bool) {
	e, ok := t.entries[key]
	return e, ok
}

// Consume sign-flips entry.T to negative, marking it as having
// produced an RTT sample. Idempotent for already-negative values.
// The entry is not removed: removal is age-based only, to prevent a
// later packet re-using a wrapped TSval from matching against a stale
// ECR from a prior TSval generation.
func (t *TSTable) Consume(entry *TSEntry) {
	if entry.T > 0 {
		entry.T = -entry.T
	}
}

// Len returns the current entry count.
func (t *TSTable) Len() int {
	return len(t.entries)
}

// Sweep removes every entry whose age (now - |T|) exceeds maxAge.
func (t *TSTable) Sweep(now, maxAge float64) int {
	var expired []TSKey
	for k, e := range t.entries {
		if now-math.Abs(e.T) > maxAge {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		delete(t.entries, k)
	}
	return len(expired)
}
