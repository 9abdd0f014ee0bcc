package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/moleculardb/shardrouter/topology"
)

func mustFetchDoc(t *testing.T, v interface{}) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return bson.Raw(b)
}

func TestDecodeShards_SplitsSingleFromReplicaSet(t *testing.T) {
	f := newConfigFetcher(topology.EndpointConfig{}, 0, 0)
	docs := []bson.Raw{
		mustFetchDoc(t, bson.M{"_id": "shard0000", "host": "host1:27018"}),
		mustFetchDoc(t, bson.M{"_id": "shard0001", "host": "rs1/host2:27018,host3:27018"}),
	}
	shards, err := f.decodeShards(docs)
	require.NoError(t, err)
	require.Len(t, shards, 2)

	_, isSingle := shards["shard0000"].(*topology.SingleShard)
	assert.True(t, isSingle)
	_, isRS := shards["shard0001"].(*topology.ReplicaSetShard)
	assert.True(t, isRS)
}

func TestDecodeDatabases(t *testing.T) {
	docs := []bson.Raw{
		mustFetchDoc(t, bson.M{"_id": "app", "primary": "shard0000", "partitioned": true}),
	}
	dbs, err := decodeDatabases(docs)
	require.NoError(t, err)
	require.Len(t, dbs, 1)
	assert.Equal(t, topology.Database{Name: "app", Primary: "shard0000", Partitioned: true}, dbs[0])
}

func TestDecodeCollections_ParsesHashedKeyField(t *testing.T) {
	docs := []bson.Raw{
		mustFetchDoc(t, bson.M{"_id": "app.users", "key": bson.M{"_id": "hashed"}}),
		mustFetchDoc(t, bson.M{"_id": "app.unsharded"}),
	}
	colls, err := decodeCollections(docs)
	require.NoError(t, err)
	require.Len(t, colls, 2)

	assert.Equal(t, "app.users", colls[0].Namespace)
	require.Len(t, colls[0].Key, 1)
	assert.Equal(t, "_id", colls[0].Key[0].Name)
	assert.True(t, colls[0].Key[0].Hashed)

	assert.Equal(t, "app.unsharded", colls[1].Namespace)
	assert.Empty(t, colls[1].Key)
}

func TestDecodeChunks_SkipsUnknownNamespace(t *testing.T) {
	collByNS := map[string]topology.Collection{
		"app.users": {Namespace: "app.users", Key: []topology.KeyField{{Name: "_id"}}},
	}
	epoch := primitive.NewObjectID()
	docs := []bson.Raw{
		mustFetchDoc(t, bson.M{
			"ns": "app.users", "min": bson.M{"_id": primitive.MinKey{}}, "max": bson.M{"_id": 0},
			"shard": "shard0000", "lastmod": primitive.Timestamp{T: 2, I: 0}, "lastmodEpoch": epoch,
		}),
		mustFetchDoc(t, bson.M{
			"ns": "app.vanished", "min": bson.M{"_id": primitive.MinKey{}}, "max": bson.M{"_id": primitive.MaxKey{}},
			"shard": "shard0000", "lastmod": primitive.Timestamp{T: 1, I: 0}, "lastmodEpoch": epoch,
		}),
	}
	chunks, err := decodeChunks(docs, collByNS)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "app.users", chunks[0].Namespace)
	assert.Equal(t, "shard0000", chunks[0].Shard)
	assert.Equal(t, uint64(2), chunks[0].Version.Stamp)
	assert.Equal(t, epoch.Hex(), chunks[0].Version.Epoch)
}

func TestConfigFetcher_NextRequestIDIncrements(t *testing.T) {
	f := newConfigFetcher(topology.EndpointConfig{}, 0, 0)
	a := f.nextRequestID()
	b := f.nextRequestID()
	assert.NotEqual(t, a, b)
}
