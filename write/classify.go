package write

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/topology"
)

// Class is the sharding-key-containment classification of one sub-operation
// (§4.6).
type Class int

const (
	// Point: the selector or document fully determines one shard.
	Point Class = iota
	// ParallelBroadcast: safe to apply concurrently to every containing
	// shard (multi-update, unlimited delete).
	ParallelBroadcast
	// SequentialGlobal: must visit shards one at a time and may stop
	// early (single-document delete or update without upsert whose
	// selector isn't a key superset, find-and-modify without key when
	// upsert is not requested).
	SequentialGlobal
)

// SubOp is one insert/update/delete/find-and-modify unit within a write
// message (§4.6 "Per sub-operation").
type SubOp struct {
	Kind         Kind
	Document     bson.Raw // insert
	Selector     bson.Raw // update/delete/findAndModify
	UpdateSpec   bson.Raw // update/findAndModify
	Upsert       bool
	Multi        bool // update: affects many; delete: Limit==0
	Remove       bool // findAndModify
}

type Kind int

const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
	KindFindAndModify
)

// Classify implements §4.6's sub-operation classification. An upsert whose
// selector doesn't pin a single shard is rejected outright (§4.6/§7: "upsert
// without key" is a bad request, not a broadcast), since blind-upserting
// across every candidate shard would create a duplicate document on each
// one that didn't already have a match.
func Classify(coll topology.Collection, op SubOp) (Class, error) {
	switch op.Kind {
	case KindInsert:
		return Point, nil // an insert always determines exactly one shard by its own document.
	case KindUpdate:
		if op.Multi {
			return ParallelBroadcast, nil
		}
		if isPointSelector(coll, op.Selector) {
			return Point, nil
		}
		if !op.Upsert {
			return SequentialGlobal, nil
		}
		return 0, errors.New(errors.BadRequest, "upsert requires sharding key")
	case KindDelete:
		if op.Multi {
			return ParallelBroadcast, nil
		}
		if isPointSelector(coll, op.Selector) {
			return Point, nil
		}
		return SequentialGlobal, nil
	case KindFindAndModify:
		if isPointSelector(coll, op.Selector) {
			return Point, nil
		}
		if !op.Upsert {
			return SequentialGlobal, nil
		}
		return 0, errors.New(errors.BadRequest, "upsert requires sharding key")
	}
	return SequentialGlobal, nil
}

// isPointSelector reports whether selector pins every key field of coll to a
// plain equality value (no operators, no missing field) — the same "case 3"
// condition topology.Snapshot.Route uses to resolve to a single shard.
func isPointSelector(coll topology.Collection, selector bson.Raw) bool {
	if !coll.Sharded() {
		return true // unsharded collections always resolve to their db's primary shard.
	}
	for _, kf := range coll.Key {
		v := selector.Lookup(kf.Name)
		if v.Type == 0 || v.Type == bson.TypeEmbeddedDocument {
			return false
		}
	}
	return true
}

// KeyDocument extracts a sub-operation's effective routing document: the
// document itself for inserts, the selector otherwise.
func KeyDocument(op SubOp) bson.Raw {
	if op.Kind == KindInsert {
		return op.Document
	}
	return op.Selector
}
