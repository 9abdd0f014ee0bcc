package topology

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/errors"
)

// cachedDoc is the on-disk representation saved by the holder after every
// successful config-server fetch (§4.4, §6 "Persisted state"). It captures
// enough to reconstruct live Shard objects at boot, before the first
// network fetch completes.
type cachedDoc struct {
	Shards      []cachedShard `bson:"shards"`
	Databases   []Database    `bson:"databases"`
	Collections []Collection  `bson:"collections"`
	Chunks      []Chunk       `bson:"chunks"`
}

type cachedShard struct {
	ID         string   `bson:"_id"`
	ConnString string   `bson:"connString"`
	Kind       string   `bson:"kind"` // "null" | "single" | "sync" | "replicaSet"
	Addresses  []string `bson:"addresses"`
}

// encodeSnapshotForCache serializes a freshly fetched topology into the
// cache format. Called by the holder right after a successful install.
func encodeSnapshotForCache(shards map[string]Shard, dbs []Database, colls []Collection, chunks []Chunk) (bson.Raw, error) {
	doc := cachedDoc{Databases: dbs, Collections: colls, Chunks: chunks}
	for id, sh := range shards {
		cs := cachedShard{ID: id, ConnString: sh.ConnectionString(), Addresses: addressesOf(sh)}
		switch sh.(type) {
		case *NullShard:
			cs.Kind = "null"
		case *SingleShard:
			cs.Kind = "single"
		case *SyncShard:
			cs.Kind = "sync"
		case *ReplicaSetShard:
			cs.Kind = "replicaSet"
		default:
			cs.Kind = "null"
		}
		doc.Shards = append(doc.Shards, cs)
	}
	return bson.Marshal(doc)
}

func addressesOf(sh Shard) []string {
	var addrs []string
	for _, b := range sh.Backends() {
		addrs = append(addrs, b.Address)
	}
	return addrs
}

// decodeCachedSnapshot reconstructs a Snapshot from a previously saved cache
// document, rebuilding live Shard objects (and their Backend/Endpoint
// trees, which start in the "unknown" alive state until the prober's first
// round completes) from the stored descriptors.
func decodeCachedSnapshot(raw bson.Raw, cfg HolderConfig) (*Snapshot, error) {
	var doc cachedDoc
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "decode cached topology")
	}

	shards := make(map[string]Shard, len(doc.Shards))
	for _, cs := range doc.Shards {
		switch cs.Kind {
		case "single":
			if len(cs.Addresses) == 0 {
				continue
			}
			shards[cs.ID] = NewSingleShard(cs.ID, cs.ConnString, cs.Addresses[0], cfg.EndpointConfig)
		case "sync":
			shards[cs.ID] = NewSyncShard(cs.ID, cs.ConnString, cs.Addresses, cfg.LocalThreshold, cfg.EndpointConfig)
		case "replicaSet":
			shards[cs.ID] = NewReplicaSetShard(cs.ID, cs.ConnString, cs.Addresses, cfg.LocalThreshold, cfg.MaxReplLag, cfg.EndpointConfig)
		default:
			shards[cs.ID] = NewNullShard(cs.ID, cs.ConnString)
		}
	}

	return NewSnapshot(shards, doc.Databases, doc.Collections, doc.Chunks)
}
