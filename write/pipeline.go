package write

import (
	"context"
	"time"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/topology"
)

// Refresher, which lets the write pipeline request a synchronous topology
// refresh, is declared in state.go.

// Timing holds the write-side timeouts a pipeline build needs, mirroring
// read.Query's ReadTimeout/ReadRetransmit (§4.6 "Retry and retransmit").
type Timing struct {
	WriteTimeout    time.Duration
	WriteRetransmit time.Duration
	ConfigServers   string
}

// Message is one client write message to route (§4.6 "Per message"): an
// ordered list of sub-operations against one namespace, plus whether the
// client asked the driver to stop at the first failing sub-operation.
type Message struct {
	Namespace string
	SubOps    []SubOp
	Ordered   bool
}

// Build implements §4.6's per-message assembly: classify each sub-operation,
// route it, group point sub-operations by shard (a shard with 2+ of them gets
// a Sequential of one message per sub-operation), keep sequential-global and multi-subop-ordered operations apart, and
// combine everything into Parallel (or Sequential, for an ordered message
// with 2+ sub-operations).
func Build(ctx context.Context, snap *topology.Snapshot, refresher Refresher, requestID int32, msg Message, t Timing) (WriteOperation, error) {
	coll := snap.Collections[msg.Namespace]

	if msg.Ordered && len(msg.SubOps) >= 2 {
		children := make([]WriteOperation, 0, len(msg.SubOps))
		for _, op := range msg.SubOps {
			child, err := buildSubOp(ctx, snap, coll, refresher, requestID, msg.Namespace, op, t)
			if err != nil {
				children = append(children, FailedOp{Err: err})
				continue
			}
			children = append(children, child)
		}
		return Sequential{Children: children}, nil
	}

	byShard := make(map[string][]WriteOperation)
	var shardOrder []string
	var standalone []WriteOperation

	for _, op := range msg.SubOps {
		class, err := Classify(coll, op)
		if err != nil {
			standalone = append(standalone, FailedOp{Err: err})
			continue
		}
		switch class {
		case Point:
			shardID, err := routeSingle(snap, coll, msg.Namespace, op)
			if err != nil {
				standalone = append(standalone, FailedOp{Err: err})
				continue
			}
			child, err := buildOnShard(ctx, snap, refresher, requestID, msg.Namespace, shardID, op, t)
			if err != nil {
				standalone = append(standalone, FailedOp{Err: err})
				continue
			}
			if _, ok := byShard[shardID]; !ok {
				shardOrder = append(shardOrder, shardID)
			}
			byShard[shardID] = append(byShard[shardID], child)
		default:
			child, err := buildSubOp(ctx, snap, coll, refresher, requestID, msg.Namespace, op, t)
			if err != nil {
				standalone = append(standalone, FailedOp{Err: err})
				continue
			}
			standalone = append(standalone, child)
		}
	}

	var children []WriteOperation
	for _, id := range shardOrder {
		ops := byShard[id]
		if len(ops) == 1 {
			children = append(children, ops[0])
			continue
		}
		children = append(children, Sequential{Children: ops})
	}
	children = append(children, standalone...)

	if len(children) == 0 {
		return NullOp{}, nil
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return Parallel{Children: children}, nil
}

// buildSubOp dispatches a single sub-operation to the right WriteOperation
// shape based on its classification, without assuming it has already been
// routed to one shard.
func buildSubOp(ctx context.Context, snap *topology.Snapshot, coll topology.Collection, refresher Refresher, requestID int32, ns string, op SubOp, t Timing) (WriteOperation, error) {
	class, err := Classify(coll, op)
	if err != nil {
		return nil, err
	}
	switch class {
	case Point:
		shardID, err := routeSingle(snap, coll, ns, op)
		if err != nil {
			return nil, err
		}
		return buildOnShard(ctx, snap, refresher, requestID, ns, shardID, op, t)

	case ParallelBroadcast:
		shardIDs, err := candidateShards(snap, ns, op)
		if err != nil {
			return nil, err
		}
		children := make([]WriteOperation, 0, len(shardIDs))
		for _, id := range shardIDs {
			child, err := buildOnShard(ctx, snap, refresher, requestID, ns, id, op, t)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return Parallel{Children: children}, nil

	case SequentialGlobal:
		shardIDs, err := candidateShards(snap, ns, op)
		if err != nil {
			return nil, err
		}
		children := make([]WriteOperation, 0, len(shardIDs))
		for _, id := range shardIDs {
			child, err := buildOnShard(ctx, snap, refresher, requestID, ns, id, op, t)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if op.Kind == KindFindAndModify {
			// findAndModify needs to surface the matched document from the
			// shard that actually matched, which SequentialScan's plain Ack
			// folding can't carry: visit shards in order and stop at the
			// first one that acknowledges a match.
			return firstMatchingFindAndModify(ctx, children)
		}
		return SequentialScan{Children: children}, nil
	}
	return nil, errors.New(errors.AssertionFailed, "unreachable sub-operation class")
}

func routeSingle(snap *topology.Snapshot, coll topology.Collection, ns string, op SubOp) (string, error) {
	if op.Kind == KindInsert && !isPointSelector(coll, op.Document) {
		return "", errors.New(errors.BadRequest, "insert requires sharding key")
	}
	ids, err := snap.Route(ns, KeyDocument(op))
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", errors.New(errors.NoShardConfig, "write does not resolve to any shard: "+ns)
	}
	return ids[0], nil
}

// candidateShards returns every shard a non-point sub-operation might touch:
// every shard holding a chunk of ns, or the database's primary shard if ns is
// unsharded.
func candidateShards(snap *topology.Snapshot, ns string, op SubOp) ([]string, error) {
	if coll, ok := snap.Collections[ns]; !ok || !coll.Sharded() {
		if id, ok := snap.PrimaryShardID(ns); ok {
			return []string{id}, nil
		}
	}
	chunks := snap.Chunks[ns]
	seen := make(map[string]bool)
	var out []string
	for _, c := range chunks {
		if !seen[c.Shard] {
			seen[c.Shard] = true
			out = append(out, c.Shard)
		}
	}
	if len(out) == 0 {
		return nil, errors.New(errors.NoShardConfig, "write does not resolve to any shard: "+ns)
	}
	return out, nil
}

func buildOnShard(ctx context.Context, snap *topology.Snapshot, refresher Refresher, requestID int32, ns, shardID string, op SubOp, t Timing) (WriteOperation, error) {
	shard, ok := snap.Shards[shardID]
	if !ok {
		return nil, errors.New(errors.NoShardConfig, "routed shard not present in snapshot: "+shardID)
	}
	version := snap.VersionFor(ns, shardID)
	db, collName := splitNamespace(ns)
	swVersion := primarySoftwareVersion(shard)

	if op.Kind == KindFindAndModify {
		build, decode := buildFindAndModify(db, collName, op.Selector, op.UpdateSpec, op.Upsert, op.Remove)
		a := &attempt{
			shard: shard, refresher: refresher, build: build,
			ns: ns, version: version, configServers: t.ConfigServers, requestID: requestID,
			writeTimeout: t.WriteTimeout, writeRetransmit: t.WriteRetransmit,
		}
		return NewFindAndModify(shardID, a.perform, decode), nil
	}

	hasConcern := true // the session layer resolves the effective concern at Acknowledge time; message shape only needs to know a concern exists at all for commands vs. fire-and-forget, which is always true for a message the client expects acknowledged.
	var build messageBuilder
	var decode func([]byte) Ack
	switch op.Kind {
	case KindInsert:
		build, decode = buildInsert(db, collName, op.Document, WriteConcern{}, hasConcern, swVersion)
	case KindUpdate:
		build, decode = buildUpdate(db, collName, op.Selector, op.UpdateSpec, op.Upsert, op.Multi, WriteConcern{}, hasConcern, swVersion)
	case KindDelete:
		build, decode = buildDelete(db, collName, op.Selector, op.Multi, WriteConcern{}, hasConcern, swVersion)
	default:
		return nil, errors.New(errors.AssertionFailed, "unknown sub-operation kind")
	}

	a := &attempt{
		shard: shard, refresher: refresher, build: build,
		ns: ns, version: version, configServers: t.ConfigServers, requestID: requestID,
		writeTimeout: t.WriteTimeout, writeRetransmit: t.WriteRetransmit,
	}
	return NewToBackend(shardID, a.perform, decode), nil
}

func primarySoftwareVersion(shard topology.Shard) topology.SoftwareVersion {
	conn := shard.SelectPrimary()
	if conn.Empty() || conn.Backend == nil {
		return topology.SoftwareVersion{}
	}
	return conn.Backend.SoftwareVersion()
}

func splitNamespace(ns string) (db, coll string) {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[:i], ns[i+1:]
		}
	}
	return ns, ""
}

// firstMatchingFindAndModify wraps a set of per-shard FindAndModify attempts
// so that only the first shard reporting a match keeps its matched document,
// matching SequentialGlobal's "visit shards one at a time, may stop early"
// semantics for an operation whose reply carries more than an ack.
type firstMatching struct {
	children []*FindAndModify
}

func firstMatchingFindAndModify(ctx context.Context, children []WriteOperation) (WriteOperation, error) {
	typed := make([]*FindAndModify, 0, len(children))
	for _, c := range children {
		fam, ok := c.(*FindAndModify)
		if !ok {
			return nil, errors.New(errors.AssertionFailed, "findAndModify candidate built as non-FindAndModify node")
		}
		typed = append(typed, fam)
	}
	return &firstMatching{children: typed}, nil
}

func (f *firstMatching) Acknowledge(ctx context.Context, wc WriteConcern) (Ack, error) {
	var lastErr error
	for _, c := range f.children {
		ack, err := c.Acknowledge(ctx, wc)
		if err != nil {
			lastErr = err
			continue
		}
		if ack.N > 0 {
			return ack, nil
		}
	}
	return Ack{}, lastErr
}

// Document returns the matched/modified document from whichever child last
// acknowledged a match.
func (f *firstMatching) Document() []byte {
	for _, c := range f.children {
		if doc := c.Document(); doc != nil {
			return doc
		}
	}
	return nil
}
