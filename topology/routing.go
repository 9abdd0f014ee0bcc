package topology

import (
	"crypto/md5" //nolint:gosec // wire-compatible with the backend's hashed-shard-key algorithm, not used for security
	"encoding/binary"
	"math"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
)

// Route resolves a selector document against a collection's sharding key and
// returns the distinct set of shard ids that must be targeted (§4.4 "Chunk
// lookup for routing"). The three numbered cases from the spec, plus the
// conservative "route to all shards" fallback, are implemented in order.
func (s *Snapshot) Route(ns string, selector bson.Raw) ([]string, error) {
	coll, ok := s.Collections[ns]
	if !ok || !coll.Sharded() {
		if id, ok := s.PrimaryShardID(ns); ok {
			return []string{id}, nil
		}
		return s.allShardsHolding(ns), nil
	}
	chunks := s.Chunks[ns]

	values := make([]bson.RawValue, len(coll.Key))
	inList := -1
	for i, kf := range coll.Key {
		v := selector.Lookup(kf.Name)
		if v.Type == 0 { // missing
			return s.allShardsHolding(ns), nil // case 1
		}
		if v.Type == bson.TypeEmbeddedDocument {
			if _, ok := inOperator(v); ok {
				if inList != -1 {
					// more than one $in: conservatively broadcast.
					return s.allShardsHolding(ns), nil
				}
				inList = i
				values[i] = bson.RawValue{} // filled per-element below
				continue
			}
			// any other operator form (>, <, $exists, ...): conservative fallback.
			return s.allShardsHolding(ns), nil
		}
		values[i] = v
	}

	if inList >= 0 {
		arr, _ := inOperator(selector.Lookup(coll.Key[inList].Name))
		seen := make(map[string]bool)
		var out []string
		elems, _ := arr.Values()
		for _, el := range elems {
			composed := make([]bson.RawValue, len(values))
			copy(composed, values)
			composed[inList] = el
			key := composeKey(coll, composed)
			shard := lookupShard(chunks, key)
			if shard != "" && !seen[shard] {
				seen[shard] = true
				out = append(out, shard)
			}
		}
		sort.Strings(out)
		return out, nil // case 2
	}

	key := composeKey(coll, values)
	shard := lookupShard(chunks, key)
	if shard == "" {
		return nil, nil
	}
	return []string{shard}, nil // case 3
}

// inOperator reports whether v is an object of the shape {$in: [...]}, and
// if so returns the array.
func inOperator(v bson.RawValue) (bson.Raw, bool) {
	if v.Type != bson.TypeEmbeddedDocument {
		return nil, false
	}
	elems, err := v.Document().Elements()
	if err != nil || len(elems) != 1 {
		return nil, false
	}
	if elems[0].Key() != "$in" {
		return nil, false
	}
	inVal := elems[0].Value()
	if inVal.Type != bson.TypeArray {
		return nil, false
	}
	return inVal.Array(), true
}

// ComposeChunkBound builds the sortable Key for one bound (min or max) of a
// config.chunks document, given the owning collection's sharding key field
// order (§4.4, §8). A bound document whose every key field is the BSON
// MinKey/MaxKey sentinel collapses to the corresponding open-ended Key
// (-infinity/+infinity); any other document is run through the same
// composeKey used for client selectors, so chunk boundaries and routed keys
// always compare byte-for-byte consistently.
func ComposeChunkBound(coll Collection, doc bson.Raw) Key {
	values := make([]bson.RawValue, len(coll.Key))
	allMin, allMax := true, true
	for i, kf := range coll.Key {
		v := doc.Lookup(kf.Name)
		values[i] = v
		if v.Type != bson.TypeMinKey {
			allMin = false
		}
		if v.Type != bson.TypeMaxKey {
			allMax = false
		}
	}
	if len(coll.Key) > 0 && allMin {
		return KeyMinBound()
	}
	if len(coll.Key) > 0 && allMax {
		return KeyMaxBound()
	}
	return composeKey(coll, values)
}

// composeKey builds the sortable Key for a document's projection onto a
// collection's sharding key fields, substituting a hashed field's value with
// its 64-bit hash per §4.4: "MD5 seeded with a zero integer, then the
// BSON-typed value".
func composeKey(coll Collection, values []bson.RawValue) Key {
	buf := make([]byte, 0, 64)
	for i, kf := range coll.Key {
		v := values[i]
		if kf.Hashed {
			buf = append(buf, hashedKeyBytes(v)...)
			continue
		}
		buf = append(buf, sortableBytes(v)...)
	}
	return Key{Sortable: buf}
}

// hashedKeyBytes reproduces the backend's `{field: "hashed"}` substitution:
// MD5(seed=0 as little-endian uint64, then the raw BSON value bytes),
// truncated to the first 8 bytes as a big-endian uint64 so the hashed space
// sorts the same way the backend's range index does.
func hashedKeyBytes(v bson.RawValue) []byte {
	h := md5.New() //nolint:gosec
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], 0)
	h.Write(seed[:])
	h.Write(v.Value)
	sum := h.Sum(nil)
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, binary.LittleEndian.Uint64(sum[:8]))
	return out
}

// sortableBytes produces a byte-comparable encoding of a scalar BSON value.
// Only the scalar types that can legally appear in a sharding key are
// handled; anything else sorts by its raw encoded bytes as a fallback.
func sortableBytes(v bson.RawValue) []byte {
	switch v.Type {
	case bson.TypeInt32:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(int64(v.Int32())^int64(math.MinInt64)))
		return b[:]
	case bson.TypeInt64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int64()^int64(math.MinInt64)))
		return b[:]
	case bson.TypeDouble:
		bits := v.Double()
		var b [8]byte
		u := doubleToOrderedUint64(bits)
		binary.BigEndian.PutUint64(b[:], u)
		return b[:]
	case bson.TypeString:
		return []byte(v.StringValue())
	default:
		return v.Value
	}
}

func doubleToOrderedUint64(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

// lookupShard finds the shard owning key within chunks, which must be
// sorted by Min. Returns "" if no chunk covers key (should not happen for a
// valid snapshot, but routing must not panic on a transient inconsistency).
func lookupShard(chunks []Chunk, key Key) string {
	i := sort.Search(len(chunks), func(i int) bool {
		return chunks[i].Max.Compare(key) > 0
	})
	if i < len(chunks) && chunks[i].Contains(key) {
		return chunks[i].Shard
	}
	return ""
}

// PrimaryShardID returns the shard that owns ns's database for unsharded
// collections (§4.4: unsharded namespaces live entirely on their database's
// primary shard).
func (s *Snapshot) PrimaryShardID(ns string) (string, bool) {
	dbName := ns
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			dbName = ns[:i]
			break
		}
	}
	for _, db := range s.Databases {
		if db.Name == dbName {
			return db.Primary, db.Primary != ""
		}
	}
	return "", false
}

// allShardsHolding returns every shard id that owns at least one chunk of
// ns, sorted, or nil if ns is unsharded (the caller then falls back to the
// database primary).
func (s *Snapshot) allShardsHolding(ns string) []string {
	coll, ok := s.Collections[ns]
	if !ok || !coll.Sharded() {
		// Unsharded collection: lives entirely on its database's primary
		// shard, looked up by the caller via Databases; here we return all
		// shards that appear in the snapshot's chunk map for ns, which for
		// an unsharded namespace is empty, so return nil and let the caller
		// fall back to the database primary.
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, c := range s.Chunks[ns] {
		if !seen[c.Shard] {
			seen[c.Shard] = true
			out = append(out, c.Shard)
		}
	}
	sort.Strings(out)
	return out
}
