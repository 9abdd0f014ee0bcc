package read

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/topology"
)

// Build implements the three routing paths of §4.5: Empty -> Null,
// single-shard -> Backend, multi-shard -> parallel Backend construction
// wrapped in a heap Merge. q.Namespace and q.Selector drive routing; the
// remaining Query fields are forwarded to every per-shard Backend built.
// partial converts per-shard construction failures into silent omissions
// (the query's partial-tolerance flag, §4.5 "Multi-shard").
func Build(ctx context.Context, snap *topology.Snapshot, refresher Refresher, requestID int32, q Query, partial bool) (DataSource, error) {
	shardIDs, err := snap.Route(q.Namespace, q.Selector)
	if err != nil {
		return nil, err
	}
	if len(shardIDs) == 0 {
		return &NullSource{}, nil
	}

	order := ParseOrderBy(orderByDoc(q.Selector))

	if len(shardIDs) == 1 {
		shard, ok := snap.Shards[shardIDs[0]]
		if !ok {
			return nil, errors.New(errors.NoShardConfig, "routed shard not present in snapshot: "+shardIDs[0])
		}
		return buildOne(ctx, snap, shard, refresher, requestID, q)
	}

	type built struct {
		src DataSource
		err error
	}
	results := make([]built, len(shardIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range shardIDs {
		shard, ok := snap.Shards[id]
		if !ok {
			results[i] = built{nil, errors.New(errors.NoShardConfig, "routed shard not present in snapshot: "+id)}
			continue
		}
		i, shard := i, shard
		g.Go(func() error {
			src, err := buildOne(gctx, snap, shard, refresher, requestID, q)
			results[i] = built{src, err}
			if partial {
				return nil // keep sibling builds running; the failure becomes an omission below.
			}
			return err
		})
	}
	_ = g.Wait() // per-shard errors are already captured in results; partial tolerance is decided below.

	var children []DataSource
	for _, r := range results {
		if r.err != nil {
			if partial {
				continue
			}
			for _, c := range children {
				_ = c.Close(ctx)
			}
			return nil, r.err
		}
		children = append(children, r.src)
	}
	return NewMergeSource(ctx, children, order, partial)
}

func buildOne(ctx context.Context, snap *topology.Snapshot, shard topology.Shard, refresher Refresher, requestID int32, q Query) (DataSource, error) {
	q.Version = snap.VersionFor(q.Namespace, shard.ID())
	return NewBackendSource(ctx, shard, refresher, requestID, q)
}

// orderByDoc extracts the $orderby sub-document from a query selector, if
// present (drivers wrap the real selector as {$query: ..., $orderby: ...}
// when sort is requested).
func orderByDoc(selector bson.Raw) bson.Raw {
	if len(selector) == 0 {
		return nil
	}
	v := selector.Lookup("$orderby")
	if v.Type == 0 {
		return nil
	}
	return v.Document()
}
