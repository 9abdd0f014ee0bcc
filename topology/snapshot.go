package topology

import (
	"bytes"
	"sort"

	"github.com/moleculardb/shardrouter/errors"
)

// Database describes one client-visible database in the snapshot.
type Database struct {
	Name        string
	Primary     string // shard id that owns unsharded collections of this db
	Partitioned bool
}

// KeyField is one field of a collection's sharding key specification; Hashed
// marks the `{field: "hashed"}` form from §4.4.
type KeyField struct {
	Name   string
	Hashed bool
}

// Collection describes one sharded (or unsharded) namespace.
type Collection struct {
	Namespace string // "db.collection"
	Key       []KeyField
}

// Sharded reports whether the collection has a sharding key at all.
func (c Collection) Sharded() bool { return len(c.Key) > 0 }

// Snapshot is an immutable view of the cluster installed atomically by the
// topology holder (§3 "Topology snapshot"). Once published, a Snapshot is
// never mutated; a new one replaces it.
type Snapshot struct {
	Shards      map[string]Shard
	Databases   []Database
	Collections map[string]Collection // by namespace
	// Chunks is sorted per-namespace by Min, as required by the routing
	// binary search in Route.
	Chunks map[string][]Chunk // by namespace
}

// NewSnapshot constructs and validates a Snapshot from raw, possibly
// out-of-order chunk data: it sorts chunks per namespace, verifies the
// chunk-cover invariant (§8), rejects mixed epochs within one
// (namespace, shard) pair, and back-fills every chunk's version with the
// per-(namespace, shard) maximum, which is the version later advertised to
// backends during the versioning handshake (§4.4).
func NewSnapshot(shards map[string]Shard, dbs []Database, colls []Collection, rawChunks []Chunk) (*Snapshot, error) {
	s := &Snapshot{
		Shards:      shards,
		Databases:   dbs,
		Collections: make(map[string]Collection, len(colls)),
		Chunks:      make(map[string][]Chunk),
	}
	for _, c := range colls {
		s.Collections[c.Namespace] = c
	}
	byNS := make(map[string][]Chunk)
	for _, c := range rawChunks {
		byNS[c.Namespace] = append(byNS[c.Namespace], c)
	}
	for ns, chunks := range byNS {
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].Min.Compare(chunks[j].Min) < 0 })
		if err := checkCover(ns, chunks); err != nil {
			return nil, err
		}
		maxVersion, err := maximalVersions(ns, chunks)
		if err != nil {
			return nil, err
		}
		for i := range chunks {
			chunks[i].Version = maxVersion[chunks[i].Shard]
		}
		s.Chunks[ns] = chunks
	}
	return s, nil
}

// checkCover verifies that chunks (already sorted by Min) partition the full
// key space with no gaps and no overlaps (§8 "Chunk cover").
func checkCover(ns string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if !chunks[0].Min.MinBound {
		return errors.New(errors.ShardConfigBroken, "namespace "+ns+": chunk coverage does not start at -infinity")
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i-1].Max.Compare(chunks[i].Min) != 0 {
			return errors.New(errors.ShardConfigBroken, "namespace "+ns+": chunk gap or overlap")
		}
	}
	if !chunks[len(chunks)-1].Max.MaxBound {
		return errors.New(errors.ShardConfigBroken, "namespace "+ns+": chunk coverage does not end at +infinity")
	}
	return nil
}

// maximalVersions computes, for each shard holding chunks of ns, the maximum
// chunk version, and rejects a namespace/shard pair whose chunks carry
// differing epochs (a broken config per §4.4).
func maximalVersions(ns string, chunks []Chunk) (map[string]ChunkVersion, error) {
	out := make(map[string]ChunkVersion)
	for _, c := range chunks {
		cur, ok := out[c.Shard]
		if !ok {
			out[c.Shard] = c.Version
			continue
		}
		if cur.Epoch != c.Version.Epoch {
			return nil, errors.New(errors.ShardConfigBroken, "namespace "+ns+", shard "+c.Shard+": differing epochs")
		}
		if c.Version.Stamp > cur.Stamp {
			out[c.Shard] = c.Version
		}
	}
	return out, nil
}

// Equal does a byte-for-byte style structural comparison used by the
// topology holder to decide whether a freshly fetched snapshot actually
// differs from the installed one (§4.4 "compare byte-for-byte").
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.Shards) != len(o.Shards) || len(s.Databases) != len(o.Databases) ||
		len(s.Collections) != len(o.Collections) || len(s.Chunks) != len(o.Chunks) {
		return false
	}
	for id := range s.Shards {
		if _, ok := o.Shards[id]; !ok {
			return false
		}
	}
	for ns, c := range s.Collections {
		oc, ok := o.Collections[ns]
		if !ok || len(c.Key) != len(oc.Key) {
			return false
		}
		for i := range c.Key {
			if c.Key[i] != oc.Key[i] {
				return false
			}
		}
	}
	for ns, chunks := range s.Chunks {
		ochunks, ok := o.Chunks[ns]
		if !ok || len(chunks) != len(ochunks) {
			return false
		}
		for i := range chunks {
			a, b := chunks[i], ochunks[i]
			if a.Shard != b.Shard || !a.Version.Equal(b.Version) ||
				!bytes.Equal(a.Min.Sortable, b.Min.Sortable) || !bytes.Equal(a.Max.Sortable, b.Max.Sortable) ||
				a.Min.MinBound != b.Min.MinBound || a.Max.MaxBound != b.Max.MaxBound {
				return false
			}
		}
	}
	return true
}

// VersionFor returns the chunk version a request against ns routed to
// shardID should carry: that shard's current maximal chunk version for ns in
// this snapshot.
func (s *Snapshot) VersionFor(ns, shardID string) ChunkVersion {
	for _, c := range s.Chunks[ns] {
		if c.Shard == shardID {
			return c.Version
		}
	}
	return ChunkVersion{}
}
