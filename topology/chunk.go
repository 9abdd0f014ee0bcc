package topology

import "fmt"

// ChunkVersion identifies a generation of a (namespace, shard) routing
// assignment. Two versions are equal only if both epoch and stamp match;
// versions from different epochs are not otherwise ordered (§3).
type ChunkVersion struct {
	Epoch string
	Stamp uint64
}

// Equal reports whether v and o name the same chunk generation.
func (v ChunkVersion) Equal(o ChunkVersion) bool {
	return v.Epoch == o.Epoch && v.Stamp == o.Stamp
}

// Less orders two versions within the same epoch by stamp; versions from
// different epochs have no defined order and Less always returns false for
// them (callers must not rely on cross-epoch comparison).
func (v ChunkVersion) Less(o ChunkVersion) bool {
	if v.Epoch != o.Epoch {
		return false
	}
	return v.Stamp < o.Stamp
}

func (v ChunkVersion) String() string {
	return fmt.Sprintf("%s|%d", v.Epoch, v.Stamp)
}

// Chunk is a contiguous, half-open range of a collection's sharding-key
// space owned by exactly one shard at a time.
type Chunk struct {
	Namespace string
	Min       Key
	Max       Key // exclusive; KeyMaxBound() denotes +infinity
	Shard     string
	Version   ChunkVersion
}

// Key is a composed, ordered sharding-key value. BSON comparisons across
// distinct document types are not expressible with plain Go comparisons, so
// Key stores a pre-computed sortable form alongside the original document
// bytes.
type Key struct {
	// Sortable is a byte-comparable encoding of the key fields, produced at
	// snapshot-construction time so routing lookups are a straight
	// bytes.Compare instead of a BSON-aware comparator on every query.
	Sortable []byte
	// MinBound and MaxBound mark the open ends of the key space.
	MinBound bool
	MaxBound bool
}

// KeyMinBound returns the key representing -infinity.
func KeyMinBound() Key { return Key{MinBound: true} }

// KeyMaxBound returns the key representing +infinity.
func KeyMaxBound() Key { return Key{MaxBound: true} }

// Compare orders a against b; -infinity sorts before everything and
// +infinity sorts after everything.
func (a Key) Compare(b Key) int {
	if a.MinBound {
		if b.MinBound {
			return 0
		}
		return -1
	}
	if a.MaxBound {
		if b.MaxBound {
			return 0
		}
		return 1
	}
	if b.MinBound {
		return 1
	}
	if b.MaxBound {
		return -1
	}
	switch {
	case len(a.Sortable) < len(b.Sortable):
		return compareBytes(a.Sortable, b.Sortable)
	default:
		return compareBytes(a.Sortable, b.Sortable)
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Contains reports whether k falls in [c.Min, c.Max).
func (c Chunk) Contains(k Key) bool {
	return c.Min.Compare(k) <= 0 && k.Compare(c.Max) < 0
}
