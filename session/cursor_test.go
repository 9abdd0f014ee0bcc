package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/read"
	"github.com/moleculardb/shardrouter/session"
)

func TestCursorMap_StoreTakeRoundTrips(t *testing.T) {
	m := session.NewCursorMap()
	src := read.NewFixedSource([]bson.Raw{})
	m.Store(42, src)
	assert.Equal(t, 1, m.Len())

	got, ok := m.Take(42)
	require.True(t, ok)
	assert.Same(t, src, got)
	assert.Equal(t, 0, m.Len())
}

func TestCursorMap_TakeMissingReturnsFalse(t *testing.T) {
	m := session.NewCursorMap()
	_, ok := m.Take(1234)
	assert.False(t, ok)
}

func TestCursorMap_TakeIsOneShot(t *testing.T) {
	m := session.NewCursorMap()
	m.Store(7, read.NewFixedSource(nil))
	_, ok := m.Take(7)
	require.True(t, ok)

	_, ok = m.Take(7)
	assert.False(t, ok, "a cursor id can only be taken once")
}

func TestCursorMap_StoreIgnoresZeroID(t *testing.T) {
	m := session.NewCursorMap()
	m.Store(0, read.NewFixedSource(nil))
	assert.Equal(t, 0, m.Len())
}

func TestCursorMap_Drop(t *testing.T) {
	m := session.NewCursorMap()
	m.Store(99, read.NewFixedSource(nil))
	m.Drop(99)
	assert.Equal(t, 0, m.Len())

	_, ok := m.Take(99)
	assert.False(t, ok)
}

func TestCursorMap_DropMissingIsNoop(t *testing.T) {
	m := session.NewCursorMap()
	m.Drop(555)
	assert.Equal(t, 0, m.Len())
}

func TestCursorMap_MultipleCursorsIndependentlyTracked(t *testing.T) {
	m := session.NewCursorMap()
	docA := []bson.Raw{mustMarshal(t, bson.M{"a": 1})}
	docB := []bson.Raw{mustMarshal(t, bson.M{"b": 2})}
	m.Store(1, read.NewFixedSource(docA))
	m.Store(2, read.NewFixedSource(docB))
	assert.Equal(t, 2, m.Len())

	got, ok := m.Take(1)
	require.True(t, ok)
	doc, ok, err := got.Advance(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(1), doc.Lookup("a").Int32())

	assert.Equal(t, 1, m.Len())
}

func mustMarshal(t *testing.T, v interface{}) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return bson.Raw(b)
}
