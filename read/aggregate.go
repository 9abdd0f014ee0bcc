package read

import (
	"bytes"
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/topology"
)

// CommandFunc issues a command document against one shard's primary or a
// read-preferred backend and returns its reply document. The session layer
// supplies this (it already knows how to pick a connection and round-trip a
// command), keeping this package free of direct wire concerns.
type CommandFunc func(ctx context.Context, shard topology.Shard, cmd bson.M) (bson.Raw, error)

// Count implements §4.5 "Aggregation commands": run the count command on
// every targeted shard in parallel, then sum the per-shard `n`.
func Count(ctx context.Context, snap *topology.Snapshot, ns string, selector bson.Raw, run CommandFunc) (int64, error) {
	shardIDs, err := snap.Route(ns, selector)
	if err != nil {
		return 0, err
	}
	if len(shardIDs) == 0 {
		return 0, nil
	}
	collName := collectionOf(ns)
	cmd := bson.M{"count": collName, "query": selector}

	replies, err := fanOut(ctx, snap, shardIDs, cmd, run)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range replies {
		var parsed struct {
			N int64 `bson:"n"`
		}
		if err := bson.Unmarshal(r, &parsed); err != nil {
			return 0, errors.Wrap(err, "decode count reply")
		}
		total += parsed.N
	}
	return total, nil
}

// Distinct implements §4.5 "Aggregation commands": run distinct on every
// targeted shard, then union the `values` arrays by value-equality,
// type-aware, dropping duplicates.
func Distinct(ctx context.Context, snap *topology.Snapshot, ns, field string, selector bson.Raw, run CommandFunc) ([]bson.RawValue, error) {
	shardIDs, err := snap.Route(ns, selector)
	if err != nil {
		return nil, err
	}
	if len(shardIDs) == 0 {
		return nil, nil
	}
	collName := collectionOf(ns)
	cmd := bson.M{"distinct": collName, "key": field, "query": selector}

	replies, err := fanOut(ctx, snap, shardIDs, cmd, run)
	if err != nil {
		return nil, err
	}

	var out []bson.RawValue
	for _, r := range replies {
		arrVal := r.Lookup("values")
		if arrVal.Type == 0 {
			continue
		}
		arr, err := arrVal.Array().Values()
		if err != nil {
			return nil, errors.Wrap(err, "decode distinct values")
		}
		for _, v := range arr {
			if !containsValue(out, v) {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func containsValue(haystack []bson.RawValue, v bson.RawValue) bool {
	for _, existing := range haystack {
		if existing.Type == v.Type && bytes.Equal(existing.Value, v.Value) {
			return true
		}
	}
	return false
}

func fanOut(ctx context.Context, snap *topology.Snapshot, shardIDs []string, cmd bson.M, run CommandFunc) ([]bson.Raw, error) {
	type result struct {
		reply bson.Raw
		err   error
	}
	results := make([]result, len(shardIDs))
	var wg sync.WaitGroup
	for i, id := range shardIDs {
		shard, ok := snap.Shards[id]
		if !ok {
			results[i] = result{nil, errors.New(errors.NoShardConfig, "routed shard not present in snapshot: "+id)}
			continue
		}
		wg.Add(1)
		go func(i int, shard topology.Shard) {
			defer wg.Done()
			reply, err := run(ctx, shard, cmd)
			results[i] = result{reply, err}
		}(i, shard)
	}
	wg.Wait()

	replies := make([]bson.Raw, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		replies = append(replies, r.reply)
	}
	return replies, nil
}

func collectionOf(ns string) string {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[i+1:]
		}
	}
	return ns
}
