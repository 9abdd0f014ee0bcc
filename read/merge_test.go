package read_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/read"
)

func drain(t *testing.T, src read.DataSource) []bson.Raw {
	t.Helper()
	var out []bson.Raw
	for {
		doc, ok, err := src.Advance(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, doc)
	}
}

func intDoc(t *testing.T, field string, v int32) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(bson.M{field: v})
	require.NoError(t, err)
	return bson.Raw(b)
}

func TestMergeSource_OrdersAcrossShardsAscending(t *testing.T) {
	a := read.NewFixedSource([]bson.Raw{intDoc(t, "x", 1), intDoc(t, "x", 4)})
	b := read.NewFixedSource([]bson.Raw{intDoc(t, "x", 2), intDoc(t, "x", 3)})

	m, err := read.NewMergeSource(context.Background(), []read.DataSource{a, b}, []read.OrderBy{{Field: "x", Ascending: true}}, false)
	require.NoError(t, err)

	docs := drain(t, m)
	require.Len(t, docs, 4)
	for i, want := range []int32{1, 2, 3, 4} {
		assert.Equal(t, want, docs[i].Lookup("x").Int32())
	}
}

func TestMergeSource_OrdersDescending(t *testing.T) {
	a := read.NewFixedSource([]bson.Raw{intDoc(t, "x", 3), intDoc(t, "x", 1)})
	b := read.NewFixedSource([]bson.Raw{intDoc(t, "x", 2)})

	m, err := read.NewMergeSource(context.Background(), []read.DataSource{a, b}, []read.OrderBy{{Field: "x", Ascending: false}}, false)
	require.NoError(t, err)

	docs := drain(t, m)
	require.Len(t, docs, 3)
	for i, want := range []int32{3, 2, 1} {
		assert.Equal(t, want, docs[i].Lookup("x").Int32())
	}
}

func TestMergeSource_NoOrderByPreservesFirstShardPriority(t *testing.T) {
	a := read.NewFixedSource([]bson.Raw{intDoc(t, "x", 9)})
	b := read.NewFixedSource([]bson.Raw{intDoc(t, "x", 1)})

	m, err := read.NewMergeSource(context.Background(), []read.DataSource{a, b}, nil, false)
	require.NoError(t, err)

	docs := drain(t, m)
	require.Len(t, docs, 2)
	assert.Equal(t, int32(9), docs[0].Lookup("x").Int32())
	assert.Equal(t, int32(1), docs[1].Lookup("x").Int32())
}

func TestMergeSource_PropagatesErrorMidStream(t *testing.T) {
	a := read.NewFixedSource([]bson.Raw{intDoc(t, "x", 1)})
	flaky := &flakyAfterOneSource{doc: intDoc(t, "x", 2), failErr: assert.AnError}

	m, err := read.NewMergeSource(context.Background(), []read.DataSource{a, flaky}, []read.OrderBy{{Field: "x", Ascending: true}}, false)
	require.NoError(t, err)

	// The document a child was positioned at is always delivered before its
	// subsequent failure surfaces; the error is deferred to the call after
	// the failing child has been drained from the heap.
	_, ok, err := m.Advance(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.Advance(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.Advance(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestMergeSource_ConstructionFailsWhenNotPartial(t *testing.T) {
	a := read.NewFixedSource([]bson.Raw{intDoc(t, "x", 1)})
	errSrc := read.NewErrorSource(assert.AnError)

	_, err := read.NewMergeSource(context.Background(), []read.DataSource{a, errSrc}, []read.OrderBy{{Field: "x", Ascending: true}}, false)
	assert.Error(t, err)
}

func TestMergeSource_PartialToleratesConstructionFailure(t *testing.T) {
	a := read.NewFixedSource([]bson.Raw{intDoc(t, "x", 1)})
	errSrc := read.NewErrorSource(assert.AnError)

	m, err := read.NewMergeSource(context.Background(), []read.DataSource{a, errSrc}, []read.OrderBy{{Field: "x", Ascending: true}}, true)
	require.NoError(t, err)

	docs := drain(t, m)
	assert.Len(t, docs, 1)
}

// flakyAfterOneSource yields one real document, then fails on its next
// Advance call, for exercising MergeSource's mid-stream error handling
// (construction-time errors are covered separately via read.NewErrorSource).
type flakyAfterOneSource struct {
	doc     bson.Raw
	failErr error
	served  bool
}

func (s *flakyAfterOneSource) Advance(context.Context) (bson.Raw, bool, error) {
	if !s.served {
		s.served = true
		return s.doc, true, nil
	}
	return nil, false, s.failErr
}

func (s *flakyAfterOneSource) Close(context.Context) error { return nil }

func TestParseOrderBy(t *testing.T) {
	doc, err := bson.Marshal(bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(-1)}})
	require.NoError(t, err)
	order := read.ParseOrderBy(bson.Raw(doc))
	require.Len(t, order, 2)
	assert.Equal(t, read.OrderBy{Field: "a", Ascending: true}, order[0])
	assert.Equal(t, read.OrderBy{Field: "b", Ascending: false}, order[1])
}

func TestNullSource_AlwaysExhausted(t *testing.T) {
	var s read.NullSource
	doc, ok, err := s.Advance(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, doc)
}

func TestFixedSource_YieldsThenExhausts(t *testing.T) {
	docs := []bson.Raw{intDoc(t, "x", 1), intDoc(t, "x", 2)}
	s := read.NewFixedSource(docs)
	got := drain(t, s)
	assert.Equal(t, docs, got)
}
