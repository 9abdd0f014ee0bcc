package diskcache_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/diskcache"
)

func TestFileCache_LoadMissingIsNotAnError(t *testing.T) {
	cache := diskcache.New(filepath.Join(t.TempDir(), "topology.cache"))
	doc, err := cache.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestFileCache_SaveThenLoadRoundTrips(t *testing.T) {
	cache := diskcache.New(filepath.Join(t.TempDir(), "topology.cache"))
	want, err := bson.Marshal(bson.M{"shards": bson.A{bson.M{"_id": "shard-a"}}})
	require.NoError(t, err)

	require.NoError(t, cache.Save(context.Background(), want))

	got, err := cache.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte(want), []byte(got))
}

func TestFileCache_SaveOverwritesPreviousContents(t *testing.T) {
	cache := diskcache.New(filepath.Join(t.TempDir(), "topology.cache"))
	first, _ := bson.Marshal(bson.M{"v": 1})
	second, _ := bson.Marshal(bson.M{"v": 2})

	require.NoError(t, cache.Save(context.Background(), first))
	require.NoError(t, cache.Save(context.Background(), second))

	got, err := cache.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte(second), []byte(got))
}

func TestFileCache_SaveSkipsRewriteWhenContentUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.cache")
	cache := diskcache.New(path)
	doc, _ := bson.Marshal(bson.M{"v": 1})

	require.NoError(t, cache.Save(context.Background(), doc))
	info1, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, cache.Save(context.Background(), doc))
	info2, err := os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, info1.ModTime(), info2.ModTime())
}
