package write

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/topology"
)

var shardedOnX = topology.Collection{Namespace: "app.things", Key: []topology.KeyField{{Name: "x"}}}

func rawDoc(t *testing.T, v interface{}) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return bson.Raw(b)
}

func TestClassify_InsertIsAlwaysPoint(t *testing.T) {
	op := SubOp{Kind: KindInsert, Document: rawDoc(t, bson.M{})}
	class, err := Classify(shardedOnX, op)
	require.NoError(t, err)
	assert.Equal(t, Point, class)
}

func TestClassify_UpdateWithKeySelectorIsPoint(t *testing.T) {
	op := SubOp{Kind: KindUpdate, Selector: rawDoc(t, bson.M{"x": 1})}
	class, err := Classify(shardedOnX, op)
	require.NoError(t, err)
	assert.Equal(t, Point, class)
}

func TestClassify_MultiUpdateIsParallelBroadcast(t *testing.T) {
	op := SubOp{Kind: KindUpdate, Selector: rawDoc(t, bson.M{}), Multi: true}
	class, err := Classify(shardedOnX, op)
	require.NoError(t, err)
	assert.Equal(t, ParallelBroadcast, class)
}

func TestClassify_UpdateWithoutKeyOrUpsertIsSequentialGlobal(t *testing.T) {
	op := SubOp{Kind: KindUpdate, Selector: rawDoc(t, bson.M{"y": 1})}
	class, err := Classify(shardedOnX, op)
	require.NoError(t, err)
	assert.Equal(t, SequentialGlobal, class)
}

func TestClassify_UpsertWithoutKeyIsRejected(t *testing.T) {
	op := SubOp{Kind: KindUpdate, Selector: rawDoc(t, bson.M{"y": 1}), Upsert: true}
	_, err := Classify(shardedOnX, op)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.BadRequest))
}

func TestClassify_UpsertWithKeyIsPoint(t *testing.T) {
	op := SubOp{Kind: KindUpdate, Selector: rawDoc(t, bson.M{"x": 1}), Upsert: true}
	class, err := Classify(shardedOnX, op)
	require.NoError(t, err)
	assert.Equal(t, Point, class)
}

func TestClassify_FindAndModifyUpsertWithoutKeyIsRejected(t *testing.T) {
	op := SubOp{Kind: KindFindAndModify, Selector: rawDoc(t, bson.M{"y": 1}), Upsert: true}
	_, err := Classify(shardedOnX, op)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.BadRequest))
}

func TestClassify_DeleteWithoutKeyIsSequentialGlobal(t *testing.T) {
	op := SubOp{Kind: KindDelete, Selector: rawDoc(t, bson.M{"y": 1})}
	class, err := Classify(shardedOnX, op)
	require.NoError(t, err)
	assert.Equal(t, SequentialGlobal, class)
}

func TestRouteSingle_RejectsInsertMissingShardKey(t *testing.T) {
	snap, err := topology.NewSnapshot(map[string]topology.Shard{}, nil, []topology.Collection{shardedOnX}, nil)
	require.NoError(t, err)
	op := SubOp{Kind: KindInsert, Document: rawDoc(t, bson.M{"y": 1})}
	_, err = routeSingle(snap, shardedOnX, shardedOnX.Namespace, op)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.BadRequest))
}
