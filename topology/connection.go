package topology

import (
	"context"
	"net"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/wire"
)

// Connection is a handle returned by a shard selector (§4.3): a backend to
// talk to, plus whether it is primary-capable. It owns no socket itself —
// sockets live in the endpoint's connection pool and are acquired lazily, on
// the first Send, so idle Connections cost nothing.
type Connection struct {
	Backend  *Backend
	Endpoint *Endpoint
	Primary  bool
}

// Empty reports whether this is the zero Connection returned when no
// suitable backend was found (§4.3 "may return NULL if no suitable backend
// found").
func (c Connection) Empty() bool { return c.Endpoint == nil }

// CommitRequest bundles everything Send needs to fuse a connection's first
// use with the real request, per §4.1's "connection establishment
// contract": "Every first send over a pooled connection is fused with the
// send of the real request: the caller supplies (namespace, desired shard
// version, opaque bytes)."
type CommitRequest struct {
	Namespace      string
	Version        ChunkVersion
	ConfigServers  string
	RequestID      int32
	OpCode         wire.Opcode
	Payload        []byte
	PrimaryCapable bool

	// FollowUp, when FollowUpPayload is non-nil, is written on the same
	// socket immediately after Payload, before the single reply is read.
	// The legacy write opcodes (OP_INSERT/OP_UPDATE/OP_DELETE) never
	// generate a server reply on their own, so acknowledging one means
	// pipelining a getLastError query right behind it and reading the one
	// reply that comes back, which is the getLastError's (§4.6 "legacy
	// message shape").
	FollowUpOpCode  wire.Opcode
	FollowUpPayload []byte
}

// lostMasterNotifier receives the "not master" edge from a versioning
// handshake (§4.1 "errmsg='not master' -> signal a lost-primary event
// upward").
type lostMasterNotifier interface {
	LostMaster()
}

// Send implements the fused handshake+request commit point. It acquires a
// pooled connection (or dials fresh), authenticates once per connection,
// issues set-shard-version if the connection's cached version differs from
// req.Version, then writes the payload and reads one reply.
//
// Any failure at any stage is reported as a plain error; the caller (read or
// write pipeline) is responsible for treating a dead commit point the same
// as a dead peer and retrying elsewhere, per §4.1: "This fuses handshake,
// versioning, and request into one 'commit point' so failures are
// indistinguishable from a dead peer and can be retried on another
// endpoint."
func (c Connection) Send(ctx context.Context, notifier lostMasterNotifier, req CommitRequest) ([]byte, error) {
	if c.Empty() {
		return nil, errors.New(errors.NoSuitableBackend, "no connection")
	}
	e := c.Endpoint
	pool := e.any
	if req.PrimaryCapable {
		pool = e.primary
	}

	e.mu.Lock()
	pc := pool.acquire()
	e.mu.Unlock()

	fresh := pc == nil
	if fresh {
		conn, err := e.dialer(ctx, e.Address)
		if err != nil {
			return nil, errors.Wrap(err, "dial")
		}
		pc = &pooledConn{conn: conn, shardVersions: map[string]ChunkVersion{}}
	}

	reply, err := c.commit(ctx, pc, notifier, req, fresh)
	if err != nil {
		_ = pc.conn.Close()
		return nil, err
	}

	e.mu.Lock()
	pool.release(pc)
	e.mu.Unlock()
	return reply, nil
}

func (c Connection) commit(ctx context.Context, pc *pooledConn, notifier lostMasterNotifier, req CommitRequest, fresh bool) ([]byte, error) {
	if fresh && c.Endpoint.auth != nil {
		if err := c.Endpoint.auth(ctx, pc.conn); err != nil {
			return nil, errors.Wrap(err, "authenticate")
		}
		pc.authenticated = true
	}

	if req.PrimaryCapable && req.Namespace != "" {
		cur, ok := pc.shardVersions[req.Namespace]
		if !ok || !cur.Equal(req.Version) {
			if err := sendSetShardVersion(ctx, pc.conn, req.Namespace, req.Version, req.ConfigServers, c.Backend, notifier); err != nil {
				return nil, err
			}
			pc.shardVersions[req.Namespace] = req.Version
		}
	}

	if err := wire.WriteMessage(pc.conn, req.RequestID, 0, req.OpCode, req.Payload); err != nil {
		return nil, errors.Wrap(err, "write request")
	}
	if req.FollowUpPayload != nil {
		if err := wire.WriteMessage(pc.conn, req.RequestID+1, 0, req.FollowUpOpCode, req.FollowUpPayload); err != nil {
			return nil, errors.Wrap(err, "write follow-up request")
		}
	}
	_, body, err := wire.ReadMessage(pc.conn)
	if err != nil {
		return nil, errors.Wrap(err, "read reply")
	}
	return body, nil
}

// sendSetShardVersion implements the handshake described in §4.1: it sends
// the current (epoch, stamp) and config connection string, and interprets
// the response per the rules there.
func sendSetShardVersion(ctx context.Context, conn net.Conn, ns string, v ChunkVersion, configServers string, backend *Backend, notifier lostMasterNotifier) error {
	cmd := bson.M{
		"setShardVersion": ns,
		"configdb":        configServers,
		"version":         bson.M{"epoch": v.Epoch, "stamp": v.Stamp},
	}
	doc, err := bson.Marshal(cmd)
	if err != nil {
		return err
	}
	body := encodeQueryBody(adminCmdNS, 0, -1, doc)
	if err := wire.WriteMessage(conn, 2, 0, wire.OpQuery, body); err != nil {
		return err
	}
	_, replyBody, err := wire.ReadMessage(conn)
	if err != nil {
		return err
	}
	reply, err := wire.DecodeReply(replyBody)
	if err != nil {
		return err
	}
	if len(reply.Documents) == 0 {
		return errors.New(errors.BackendInternalError, "empty setShardVersion reply")
	}
	var parsed struct {
		OK     float64 `bson:"ok"`
		ErrMsg string  `bson:"errmsg"`
	}
	if err := bson.Unmarshal(reply.Documents[0], &parsed); err != nil {
		return errors.Wrap(err, "decode setShardVersion reply")
	}
	if parsed.OK == 1 {
		return nil
	}
	errmsg := parsed.ErrMsg
	switch {
	case errmsg == "not master":
		if notifier != nil {
			notifier.LostMaster()
		}
		return errors.New(errors.NotMaster, errmsg)
	case strings.Contains(errmsg, "all servers down"):
		// Reported as ConnectivityError; neither the read nor the write
		// retry loop retries that code, so the failure reaches the client.
		return errors.New(errors.ConnectivityError, errmsg)
	case strings.Contains(errmsg, "metadata manager failed to initialize"):
		backend.PermanentlyFailed(errmsg)
		go stepDownForOneHour(backend)
		return errors.New(errors.PermanentFailure, errmsg)
	default:
		return errors.New(errors.ShardConfigStale, errmsg)
	}
}

const adminCmdNS = "admin.$cmd"

// stepDownForOneHour sends a replica-set step-down command for 1 hour to a
// backend whose metadata manager permanently failed to initialize (§4.1).
// Best-effort: failures are swallowed, since the backend is already marked
// permanently failed and this is a courtesy to speed up failover.
func stepDownForOneHour(b *Backend) {
	ep := b.NearestEndpoint()
	if ep == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ep.pingTimeout)
	defer cancel()
	conn, err := ep.dialer(ctx, ep.Address)
	if err != nil {
		return
	}
	defer conn.Close()
	cmd := bson.M{"replSetStepDown": 3600, "force": true}
	doc, err := bson.Marshal(cmd)
	if err != nil {
		return
	}
	body := encodeQueryBody(adminCmdNS, 0, -1, doc)
	_ = wire.WriteMessage(conn, 3, 0, wire.OpQuery, body)
}
