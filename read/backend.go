package read

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/metrics"
	"github.com/moleculardb/shardrouter/topology"
	"github.com/moleculardb/shardrouter/wire"
)

// Refresher lets the read pipeline force a synchronous topology refresh on
// ShardConfigStale (§4.5 "Stale-config recovery").
type Refresher interface {
	RequestRefresh(ctx context.Context) error
}

// Query bundles everything needed to issue an OP_QUERY and its follow-up
// OP_GET_MOREs against one shard (§4.5).
type Query struct {
	Namespace     string
	Selector      bson.Raw
	Projection    bson.Raw
	Flags         int32
	NumToSkip     int32
	NumToReturn   int32
	Pref          topology.ReadPreference
	Version       topology.ChunkVersion
	ConfigServers string

	ReadTimeout     time.Duration
	ReadRetransmit  time.Duration
}

// BackendSource streams one shard's reply to a query, issuing get-mores as
// the server cursor is consumed (§4.5 "Single shard").
type BackendSource struct {
	shard     topology.Shard
	refresher Refresher
	q         Query
	requestID int32

	conn      topology.Connection
	cursorID  int64
	batch     []bson.Raw
	pos       int
	exhausted bool
	closed    bool
}

// NewBackendSource selects a connection on shard and issues the initial
// query, honoring hedged retransmission and the stale-config/not-master
// retry rules.
func NewBackendSource(ctx context.Context, shard topology.Shard, refresher Refresher, requestID int32, q Query) (*BackendSource, error) {
	s := &BackendSource{shard: shard, refresher: refresher, q: q, requestID: requestID}
	doc, err := bson.Marshal(queryDoc(q))
	if err != nil {
		return nil, errors.Wrap(err, "encode query")
	}
	body := wire.EncodeQuery(wire.Query{
		Flags:              q.Flags,
		FullCollectionName: q.Namespace,
		NumberToSkip:       q.NumToSkip,
		NumberToReturn:     q.NumToReturn,
		Selector:           doc,
		ReturnFieldsSelector: q.Projection,
	})
	reply, err := s.withRetry(ctx, func(conn topology.Connection) ([]byte, error) {
		return issueHedged(ctx, conn, shard, s.commitRequest(requestID, wire.OpQuery, body, false), q.ReadTimeout, q.ReadRetransmit)
	})
	if err != nil {
		return nil, err
	}
	r, err := wire.DecodeReply(reply)
	if err != nil {
		return nil, errors.Wrap(err, "decode reply")
	}
	if r.ResponseFlags&wire.FlagQueryFailure != 0 {
		return nil, errors.New(errors.QueryFailure, "backend reported query failure")
	}
	if r.ResponseFlags&wire.FlagCursorNotFound != 0 {
		return nil, errors.New(errors.CursorNotFound, "backend reported cursor not found")
	}
	s.batch = toRawDocs(r.Documents)
	s.cursorID = r.CursorID
	s.exhausted = s.cursorID == 0
	return s, nil
}

func (s *BackendSource) commitRequest(reqID int32, op wire.Opcode, body []byte, primaryCapable bool) topology.CommitRequest {
	return topology.CommitRequest{
		Namespace:      s.q.Namespace,
		Version:        s.q.Version,
		ConfigServers:  s.q.ConfigServers,
		RequestID:      reqID,
		OpCode:         op,
		Payload:        body,
		PrimaryCapable: primaryCapable,
	}
}

// withRetry implements §4.5 "Stale-config recovery": up to 3 retries on
// ShardConfigStale (after a synchronous topology refresh) or NotMaster
// (after signalling lostMaster).
func (s *BackendSource) withRetry(ctx context.Context, fn func(topology.Connection) ([]byte, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= 3; attempt++ {
		conn := s.shard.SelectReadBackend(s.q.Pref, nil)
		if conn.Empty() {
			return nil, errors.New(errors.NoSuitableBackend, "no backend qualifies for read preference")
		}
		s.conn = conn
		reply, err := fn(conn)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		switch {
		case errors.Is(err, errors.ShardConfigStale):
			metrics.StaleConfigRetries.WithLabelValues("read").Inc()
			if s.refresher != nil {
				_ = s.refresher.RequestRefresh(ctx)
			}
			continue
		case errors.Is(err, errors.NotMaster):
			metrics.LostPrimaryEvents.Inc()
			s.shard.LostMaster()
			continue
		default:
			return nil, err
		}
	}
	return nil, lastErr
}

// Advance implements DataSource.Advance (§4.5 "Backend.advance moves within
// the current batch; when the batch is exhausted and a server cursor
// remains, issue get-more; otherwise mark end").
func (s *BackendSource) Advance(ctx context.Context) (bson.Raw, bool, error) {
	if s.pos < len(s.batch) {
		d := s.batch[s.pos]
		s.pos++
		return d, true, nil
	}
	if s.exhausted || s.cursorID == 0 {
		return nil, false, nil
	}
	if err := s.getMore(ctx); err != nil {
		return nil, false, err
	}
	if len(s.batch) == 0 {
		return nil, false, nil
	}
	d := s.batch[0]
	s.pos = 1
	return d, true, nil
}

func (s *BackendSource) getMore(ctx context.Context) error {
	body := wire.EncodeGetMore(wire.GetMore{FullCollectionName: s.q.Namespace, CursorID: s.cursorID})
	reply, err := s.withRetry(ctx, func(conn topology.Connection) ([]byte, error) {
		return issueHedged(ctx, conn, s.shard, s.commitRequest(s.requestID, wire.OpGetMore, body, false), s.q.ReadTimeout, s.q.ReadRetransmit)
	})
	if err != nil {
		return err
	}
	r, err := wire.DecodeReply(reply)
	if err != nil {
		return errors.Wrap(err, "decode get-more reply")
	}
	if r.ResponseFlags&wire.FlagCursorNotFound != 0 {
		s.cursorID = 0
		s.exhausted = true
		return errors.New(errors.CursorNotFound, "cursor not found on get-more")
	}
	s.batch = toRawDocs(r.Documents)
	s.pos = 0
	s.cursorID = r.CursorID
	s.exhausted = s.cursorID == 0
	return nil
}

// Close issues a best-effort kill-cursors with a 20ms budget (§4.5
// "Close"). Failure only closes the underlying connection.
func (s *BackendSource) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cursorID == 0 || s.conn.Empty() {
		return nil
	}
	killCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	body := wire.EncodeKillCursors(wire.KillCursors{CursorIDs: []int64{s.cursorID}})
	_, err := s.conn.Send(killCtx, s.shard, s.commitRequest(s.requestID, wire.OpKillCursors, body, false))
	return err
}

func queryDoc(q Query) interface{} {
	if len(q.Selector) == 0 {
		return bson.M{}
	}
	return q.Selector
}

func toRawDocs(docs []bson.Raw) []bson.Raw {
	out := make([]bson.Raw, len(docs))
	copy(out, docs)
	return out
}
