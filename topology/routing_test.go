package topology_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/topology"
)

func mustRaw(t *testing.T, v interface{}) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return bson.Raw(b)
}

func newIntSnapshot(t *testing.T, split int32) *topology.Snapshot {
	t.Helper()
	coll := topology.Collection{Namespace: "app.users", Key: []topology.KeyField{{Name: "x"}}}
	chunks := []topology.Chunk{
		{
			Namespace: coll.Namespace,
			Min:       topology.ComposeChunkBound(coll, mustRaw(t, bson.M{"x": primitive.MinKey{}})),
			Max:       topology.ComposeChunkBound(coll, mustRaw(t, bson.M{"x": split})),
			Shard:     "shard-a",
			Version:   topology.ChunkVersion{Epoch: "e1", Stamp: 1},
		},
		{
			Namespace: coll.Namespace,
			Min:       topology.ComposeChunkBound(coll, mustRaw(t, bson.M{"x": split})),
			Max:       topology.ComposeChunkBound(coll, mustRaw(t, bson.M{"x": primitive.MaxKey{}})),
			Shard:     "shard-b",
			Version:   topology.ChunkVersion{Epoch: "e1", Stamp: 1},
		},
	}
	snap, err := topology.NewSnapshot(nil,
		[]topology.Database{{Name: "app", Primary: "shard-a"}},
		[]topology.Collection{coll},
		chunks,
	)
	require.NoError(t, err)
	return snap
}

func TestRoute_ExactMatch(t *testing.T) {
	snap := newIntSnapshot(t, 10)

	shards, err := snap.Route("app.users", mustRaw(t, bson.M{"x": int32(3)}))
	require.NoError(t, err)
	assert.Equal(t, []string{"shard-a"}, shards)

	shards, err = snap.Route("app.users", mustRaw(t, bson.M{"x": int32(10)}))
	require.NoError(t, err)
	assert.Equal(t, []string{"shard-b"}, shards)

	shards, err = snap.Route("app.users", mustRaw(t, bson.M{"x": int32(99)}))
	require.NoError(t, err)
	assert.Equal(t, []string{"shard-b"}, shards)
}

func TestRoute_MissingKeyBroadcasts(t *testing.T) {
	snap := newIntSnapshot(t, 10)

	shards, err := snap.Route("app.users", mustRaw(t, bson.M{"y": 1}))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shard-a", "shard-b"}, shards)
}

func TestRoute_InOperatorUnionsTargets(t *testing.T) {
	snap := newIntSnapshot(t, 10)

	shards, err := snap.Route("app.users", mustRaw(t, bson.M{
		"x": bson.M{"$in": bson.A{int32(1), int32(20)}},
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"shard-a", "shard-b"}, shards)
}

func TestRoute_RangeOperatorBroadcasts(t *testing.T) {
	snap := newIntSnapshot(t, 10)

	shards, err := snap.Route("app.users", mustRaw(t, bson.M{
		"x": bson.M{"$gt": int32(5)},
	}))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shard-a", "shard-b"}, shards)
}

func TestRoute_UnshardedGoesToPrimary(t *testing.T) {
	snap, err := topology.NewSnapshot(nil,
		[]topology.Database{{Name: "app", Primary: "shard-a"}},
		nil, nil,
	)
	require.NoError(t, err)

	shards, err := snap.Route("app.settings", mustRaw(t, bson.M{"x": 1}))
	require.NoError(t, err)
	assert.Equal(t, []string{"shard-a"}, shards)
}

func TestNewSnapshot_RejectsChunkGap(t *testing.T) {
	coll := topology.Collection{Namespace: "app.users", Key: []topology.KeyField{{Name: "x"}}}
	chunks := []topology.Chunk{
		{
			Namespace: coll.Namespace,
			Min:       topology.ComposeChunkBound(coll, mustRaw(t, bson.M{"x": primitive.MinKey{}})),
			Max:       topology.ComposeChunkBound(coll, mustRaw(t, bson.M{"x": int32(10)})),
			Shard:     "shard-a",
			Version:   topology.ChunkVersion{Epoch: "e1", Stamp: 1},
		},
		{
			Namespace: coll.Namespace,
			Min:       topology.ComposeChunkBound(coll, mustRaw(t, bson.M{"x": int32(20)})),
			Max:       topology.ComposeChunkBound(coll, mustRaw(t, bson.M{"x": primitive.MaxKey{}})),
			Shard:     "shard-b",
			Version:   topology.ChunkVersion{Epoch: "e1", Stamp: 1},
		},
	}
	_, err := topology.NewSnapshot(nil, nil, []topology.Collection{coll}, chunks)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ShardConfigBroken))
}

func TestHashedKeyRoutesConsistently(t *testing.T) {
	coll := topology.Collection{Namespace: "app.events", Key: []topology.KeyField{{Name: "uid", Hashed: true}}}
	// A single all-encompassing chunk on one shard is always a valid cover,
	// regardless of where the hash of "uid" lands.
	chunks := []topology.Chunk{
		{
			Namespace: coll.Namespace,
			Min:       topology.ComposeChunkBound(coll, mustRaw(t, bson.M{"uid": primitive.MinKey{}})),
			Max:       topology.ComposeChunkBound(coll, mustRaw(t, bson.M{"uid": primitive.MaxKey{}})),
			Shard:     "shard-a",
			Version:   topology.ChunkVersion{Epoch: "e1", Stamp: 1},
		},
	}
	snap, err := topology.NewSnapshot(nil, nil, []topology.Collection{coll}, chunks)
	require.NoError(t, err)

	shards, err := snap.Route("app.events", mustRaw(t, bson.M{"uid": "user-1"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"shard-a"}, shards)
}
