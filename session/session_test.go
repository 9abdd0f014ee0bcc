package session_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/logger"
	"github.com/moleculardb/shardrouter/session"
	"github.com/moleculardb/shardrouter/topology"
	"github.com/moleculardb/shardrouter/wire"
)

type stubTopology struct{}

func (stubTopology) Snapshot() *topology.Snapshot        { return &topology.Snapshot{} }
func (stubTopology) RequestRefresh(context.Context) error { return nil }

func TestSession_RunDispatchesPingOverWire(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := session.New(server, stubTopology{}, session.Config{}, logger.NopLogger)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	selector, err := bson.Marshal(bson.M{"ping": int32(1)})
	require.NoError(t, err)
	body := wire.EncodeQuery(wire.Query{FullCollectionName: "admin.$cmd", NumberToReturn: -1, Selector: selector})
	require.NoError(t, wire.WriteMessage(client, 1, 0, wire.OpQuery, body))

	_, replyBody, err := wire.ReadMessage(client)
	require.NoError(t, err)
	reply, err := wire.DecodeReply(replyBody)
	require.NoError(t, err)
	require.Len(t, reply.Documents, 1)
	ok, _ := reply.Documents[0].Lookup("ok").Int32OK()
	assert.Equal(t, int32(1), ok)

	client.Close()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Session.Run did not return after the connection closed")
	}
}

func TestSession_RunServesHTTPOnPeek(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := session.New(server, stubTopology{}, session.Config{}, logger.NopLogger)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	go func() {
		_, _ = client.Write([]byte("GET /monitor HTTP/1.0\r\nHost: x\r\n\r\n"))
	}()

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "OK")

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Session.Run did not return after serving the HTTP request")
	}
}
