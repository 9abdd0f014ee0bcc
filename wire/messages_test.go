package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/wire"
)

func mustDoc(t *testing.T, v interface{}) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return bson.Raw(b)
}

func TestQueryRoundTrip(t *testing.T) {
	q := wire.Query{
		Flags:              wire.QueryFlagSlaveOk,
		FullCollectionName: "app.users",
		NumberToSkip:       2,
		NumberToReturn:     100,
		Selector:           mustDoc(t, bson.M{"x": int32(1)}),
	}
	got, err := wire.DecodeQuery(wire.EncodeQuery(q))
	require.NoError(t, err)
	assert.Equal(t, q.Flags, got.Flags)
	assert.Equal(t, q.FullCollectionName, got.FullCollectionName)
	assert.Equal(t, q.NumberToSkip, got.NumberToSkip)
	assert.Equal(t, q.NumberToReturn, got.NumberToReturn)
	assert.Equal(t, []byte(q.Selector), []byte(got.Selector))
}

func TestQueryRoundTrip_WithFieldsSelector(t *testing.T) {
	q := wire.Query{
		FullCollectionName:   "app.users",
		NumberToReturn:       0,
		Selector:             mustDoc(t, bson.M{}),
		ReturnFieldsSelector: mustDoc(t, bson.M{"name": 1}),
	}
	got, err := wire.DecodeQuery(wire.EncodeQuery(q))
	require.NoError(t, err)
	assert.Equal(t, []byte(q.ReturnFieldsSelector), []byte(got.ReturnFieldsSelector))
}

func TestGetMoreRoundTrip(t *testing.T) {
	g := wire.GetMore{FullCollectionName: "app.users", NumberToReturn: 50, CursorID: 123456789}
	got, err := wire.DecodeGetMore(wire.EncodeGetMore(g))
	require.NoError(t, err)
	assert.Equal(t, g, got)
}

func TestKillCursorsRoundTrip(t *testing.T) {
	kc := wire.KillCursors{CursorIDs: []int64{1, 2, 3}}
	got, err := wire.DecodeKillCursors(wire.EncodeKillCursors(kc))
	require.NoError(t, err)
	assert.Equal(t, kc, got)
}

func TestDeleteRoundTrip(t *testing.T) {
	d := wire.Delete{FullCollectionName: "app.users", Flags: 1, Selector: mustDoc(t, bson.M{"x": 1})}
	got, err := wire.DecodeDelete(wire.EncodeDelete(d))
	require.NoError(t, err)
	assert.Equal(t, d.FullCollectionName, got.FullCollectionName)
	assert.Equal(t, d.Flags, got.Flags)
	assert.Equal(t, []byte(d.Selector), []byte(got.Selector))
}

func TestUpdateRoundTrip(t *testing.T) {
	u := wire.Update{
		FullCollectionName: "app.users",
		Flags:              1,
		Selector:           mustDoc(t, bson.M{"x": 1}),
		UpdateSpec:         mustDoc(t, bson.M{"$set": bson.M{"y": 2}}),
	}
	got, err := wire.DecodeUpdate(wire.EncodeUpdate(u))
	require.NoError(t, err)
	assert.Equal(t, []byte(u.Selector), []byte(got.Selector))
	assert.Equal(t, []byte(u.UpdateSpec), []byte(got.UpdateSpec))
}

func TestInsertRoundTrip(t *testing.T) {
	ins := wire.Insert{
		FullCollectionName: "app.users",
		Documents:          []bson.Raw{mustDoc(t, bson.M{"_id": 1}), mustDoc(t, bson.M{"_id": 2})},
	}
	got, err := wire.DecodeInsert(wire.EncodeInsert(ins))
	require.NoError(t, err)
	require.Len(t, got.Documents, 2)
	assert.Equal(t, []byte(ins.Documents[0]), []byte(got.Documents[0]))
	assert.Equal(t, []byte(ins.Documents[1]), []byte(got.Documents[1]))
}

func TestReplyRoundTrip(t *testing.T) {
	r := wire.Reply{
		ResponseFlags: wire.FlagAwaitCapable,
		CursorID:      42,
		StartingFrom:  0,
		Documents:     []bson.Raw{mustDoc(t, bson.M{"ok": 1})},
	}
	got, err := wire.DecodeReply(wire.EncodeReply(r))
	require.NoError(t, err)
	assert.Equal(t, r.ResponseFlags, got.ResponseFlags)
	assert.Equal(t, r.CursorID, got.CursorID)
	require.Len(t, got.Documents, 1)
	assert.Equal(t, []byte(r.Documents[0]), []byte(got.Documents[0]))
}

func TestWriteMessageReadMessageRoundTrip(t *testing.T) {
	body := wire.EncodeQuery(wire.Query{FullCollectionName: "app.users", Selector: mustDoc(t, bson.M{})})
	buf := new(bytes.Buffer)
	require.NoError(t, wire.WriteMessage(buf, 7, 0, wire.OpQuery, body))

	h, got, err := wire.ReadMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, int32(7), h.RequestID)
	assert.Equal(t, wire.OpQuery, h.OpCode)
	assert.Equal(t, body, got)
}

func TestReadMessage_RejectsOversizedLength(t *testing.T) {
	var raw [16]byte
	raw[0] = 0xff
	raw[1] = 0xff
	raw[2] = 0xff
	raw[3] = 0x7f // huge length
	buf := bytes.NewBuffer(raw[:])
	_, _, err := wire.ReadMessage(buf)
	assert.Error(t, err)
}

func TestLooksLikeHTTP(t *testing.T) {
	assert.True(t, wire.LooksLikeHTTP([4]byte{'G', 'E', 'T', ' '}))
	assert.False(t, wire.LooksLikeHTTP([4]byte{0, 0, 0, 16}))
}
