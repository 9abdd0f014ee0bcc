package session

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/logger"
	"github.com/moleculardb/shardrouter/read"
	"github.com/moleculardb/shardrouter/wire"
)

// newTestSession wires a Session to one end of an in-memory socket pair,
// returning the other end for the test to read replies from.
func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	s := &Session{
		conn:    server,
		cursors: NewCursorMap(),
		log:     logger.NopLogger,
		privs:   newPrivilegeSet(false),
	}
	return s, client
}

func readReply(t *testing.T, conn net.Conn) wire.Reply {
	t.Helper()
	_, body, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	reply, err := wire.DecodeReply(body)
	require.NoError(t, err)
	return reply
}

func intDocFor(t *testing.T, field string, v int32) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(bson.M{field: v})
	require.NoError(t, err)
	return bson.Raw(b)
}

func TestFeed_ExhaustedSourceClosesCursor(t *testing.T) {
	s, client := newTestSession(t)
	go func() {
		src := read.NewFixedSource([]bson.Raw{intDocFor(t, "x", 1), intDocFor(t, "x", 2)})
		require.NoError(t, s.feed(context.Background(), 7, src, 100))
	}()

	reply := readReply(t, client)
	assert.Len(t, reply.Documents, 2)
	assert.Equal(t, int64(0), reply.CursorID)
	assert.Equal(t, 0, s.cursors.Len())
}

func TestFeed_PartialBatchStoresCursor(t *testing.T) {
	s, client := newTestSession(t)
	go func() {
		src := read.NewFixedSource([]bson.Raw{intDocFor(t, "x", 1), intDocFor(t, "x", 2), intDocFor(t, "x", 3)})
		require.NoError(t, s.feed(context.Background(), 7, src, 2))
	}()

	reply := readReply(t, client)
	assert.Len(t, reply.Documents, 2)
	assert.NotEqual(t, int64(0), reply.CursorID)
	assert.Equal(t, 1, s.cursors.Len())
}

func TestFeed_NegativeToReturnClosesRegardlessOfRemainder(t *testing.T) {
	s, client := newTestSession(t)
	go func() {
		src := read.NewFixedSource([]bson.Raw{intDocFor(t, "x", 1), intDocFor(t, "x", 2), intDocFor(t, "x", 3)})
		require.NoError(t, s.feed(context.Background(), 7, src, -2))
	}()

	reply := readReply(t, client)
	assert.Len(t, reply.Documents, 2)
	assert.Equal(t, int64(0), reply.CursorID, "negative toReturn closes the cursor regardless of remaining docs")
	assert.Equal(t, 0, s.cursors.Len())
}

func TestFeed_ZeroToReturnUsesDefaultBatchSize(t *testing.T) {
	s, client := newTestSession(t)
	docs := make([]bson.Raw, defaultBatchSize+10)
	for i := range docs {
		docs[i] = intDocFor(t, "x", int32(i))
	}
	go func() {
		src := read.NewFixedSource(docs)
		require.NoError(t, s.feed(context.Background(), 7, src, 0))
	}()

	reply := readReply(t, client)
	assert.Len(t, reply.Documents, defaultBatchSize)
	assert.NotEqual(t, int64(0), reply.CursorID)
}

func TestFeed_ErrorBeforeAnyDocsSetsQueryFailureFlag(t *testing.T) {
	s, client := newTestSession(t)
	go func() {
		src := read.NewErrorSource(assert.AnError)
		require.NoError(t, s.feed(context.Background(), 7, src, 10))
	}()

	reply := readReply(t, client)
	assert.NotZero(t, reply.ResponseFlags&wire.FlagQueryFailure)
	require.Len(t, reply.Documents, 1)
	errVal := reply.Documents[0].Lookup("errmsg")
	assert.NotEqual(t, byte(0), errVal.Type)
}

func TestFeed_ErrorAfterSomeDocsDefersToCursor(t *testing.T) {
	s, client := newTestSession(t)
	go func() {
		flaky := &flakySource{doc: intDocFor(t, "x", 1), failErr: assert.AnError}
		require.NoError(t, s.feed(context.Background(), 7, flaky, 10))
	}()

	reply := readReply(t, client)
	require.Len(t, reply.Documents, 1)
	assert.Equal(t, int32(0), reply.ResponseFlags)
	assert.NotEqual(t, int64(0), reply.CursorID, "the error is deferred to a stored error cursor")
	assert.Equal(t, 1, s.cursors.Len())
}

// flakySource yields one document then fails, for exercising feed's
// mid-batch error deferral.
type flakySource struct {
	doc     bson.Raw
	failErr error
	served  bool
}

func (f *flakySource) Advance(context.Context) (bson.Raw, bool, error) {
	if !f.served {
		f.served = true
		return f.doc, true, nil
	}
	return nil, false, f.failErr
}

func (f *flakySource) Close(context.Context) error { return nil }
