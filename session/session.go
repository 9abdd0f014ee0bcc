package session

import (
	"context"
	"crypto/md5" //nolint:gosec // wire-compatible with the legacy MONGODB-CR challenge scheme, not used for security
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/google/uuid"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/logger"
	"github.com/moleculardb/shardrouter/metrics"
	"github.com/moleculardb/shardrouter/read"
	"github.com/moleculardb/shardrouter/topology"
	"github.com/moleculardb/shardrouter/tracing"
	"github.com/moleculardb/shardrouter/wire"
	"github.com/moleculardb/shardrouter/write"
)

// Topology is the slice of *topology.Holder the session needs: a current
// snapshot and the ability to force a synchronous refresh. Satisfies both
// read.Refresher and write.Refresher.
type Topology interface {
	Snapshot() *topology.Snapshot
	RequestRefresh(ctx context.Context) error
}

// CredentialStore verifies a MONGODB-CR style challenge-response and
// reports which role the credential grants, per §4.7 "verify
// challenge-response against the cached credentials; update the session's
// privilege set."
type CredentialStore interface {
	// Verify checks key = md5hex(nonce + user + md5hex(user + ":mongo:" + password))
	// against the stored password digest for (db, user) and, if it matches,
	// returns the role to grant.
	Verify(db, user, nonce, key string) (role string, ok bool)
}

// Config bundles the session-level policy knobs: timeouts, config-server
// connection string, whether authorization is enforced, and whether
// cursors are process-global.
type Config struct {
	ConfigServers   string
	ReadTimeout     time.Duration
	ReadRetransmit  time.Duration
	WriteTimeout    time.Duration
	WriteRetransmit time.Duration
	AuthEnabled     bool
	Credentials     CredentialStore
	// SharedCursors, when non-nil, is used for every session instead of a
	// session-local CursorMap (§3 "a cursor map... shared across the
	// process, by configuration").
	SharedCursors *CursorMap
	// ReadOnly rejects every insert/update/delete/findAndModify with
	// BadRequest before it is ever classified or routed (§6 "Reject
	// writes").
	ReadOnly bool
}

// Session is per-client connection state (§3 "Session"): the socket, its
// cursor map, the most recent acknowledgeable write, a pending-auth nonce,
// and an accumulated privilege set.
type Session struct {
	conn   net.Conn
	id     string
	topo   Topology
	cfg    Config
	log    logger.Logger
	cursors *CursorMap

	nextReqID int32

	privs *privilegeSet
	nonce string

	hasLastAck bool
	lastAck    write.Ack
}

// New constructs a Session bound to an accepted connection.
func New(conn net.Conn, topo Topology, cfg Config, log logger.Logger) *Session {
	cursors := cfg.SharedCursors
	if cursors == nil {
		cursors = NewCursorMap()
	}
	return &Session{
		conn:    conn,
		id:      uuid.NewString(),
		topo:    topo,
		cfg:     cfg,
		log:     log,
		cursors: cursors,
		privs:   newPrivilegeSet(cfg.AuthEnabled),
	}
}

// Run drives the per-connection read loop until the connection closes or ctx
// is cancelled (§4.7 "Per connection: loop reading one message at a time").
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()
	metrics.SessionsOpen.Inc()
	defer metrics.SessionsOpen.Dec()

	var peek [4]byte
	if _, err := io.ReadFull(s.conn, peek[:]); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if wire.LooksLikeHTTP(peek) {
		return s.serveHTTP(ctx, peek)
	}

	header, body, err := readMessageAfterPeek(s.conn, peek)
	if err != nil {
		return err
	}
	if err := s.dispatch(ctx, header, body); err != nil {
		s.log.Warnf("session %s: %v", s.id, err)
	}

	for {
		header, body, err := wire.ReadMessage(s.conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := s.dispatch(ctx, header, body); err != nil {
			s.log.Warnf("session %s: %v", s.id, err)
		}
	}
}

// readMessageAfterPeek resumes header parsing when the first 4 bytes (the
// length field) have already been consumed by the HTTP-or-not peek: it
// reassembles the 16-byte header and reads the body exactly as
// wire.ReadMessage would have.
func readMessageAfterPeek(r io.Reader, peek [4]byte) (wire.Header, []byte, error) {
	var rest [12]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return wire.Header{}, nil, err
	}
	var full [16]byte
	copy(full[0:4], peek[:])
	copy(full[4:16], rest[:])
	return wire.DecodeHeader(full, r)
}

func (s *Session) nextRequestID() int32 {
	return atomic.AddInt32(&s.nextReqID, 1)
}

// dispatch implements §4.7's opcode table: update, insert, delete, query,
// get-more, kill-cursors.
func (s *Session) dispatch(ctx context.Context, h wire.Header, body []byte) error {
	span, ctx := tracing.StartSpanFromContext(ctx, opcodeName(h.OpCode))
	defer span.Finish()

	switch h.OpCode {
	case wire.OpQuery:
		return s.handleQuery(ctx, h, body)
	case wire.OpGetMore:
		return s.handleGetMore(ctx, h, body)
	case wire.OpKillCursors:
		return s.handleKillCursors(ctx, h, body)
	case wire.OpInsert:
		return s.handleLegacyInsert(ctx, h, body)
	case wire.OpUpdate:
		return s.handleLegacyUpdate(ctx, h, body)
	case wire.OpDelete:
		return s.handleLegacyDelete(ctx, h, body)
	default:
		return errors.New(errors.BadRequest, fmt.Sprintf("unsupported opcode %d", h.OpCode))
	}
}

// opcodeName labels a dispatch span with the mongo wire opcode it's
// handling, so a trace backend can group/filter by request type.
func opcodeName(op wire.Opcode) string {
	switch op {
	case wire.OpQuery:
		return "session.query"
	case wire.OpGetMore:
		return "session.getMore"
	case wire.OpKillCursors:
		return "session.killCursors"
	case wire.OpInsert:
		return "session.insert"
	case wire.OpUpdate:
		return "session.update"
	case wire.OpDelete:
		return "session.delete"
	default:
		return "session.dispatch"
	}
}

func (s *Session) snapshot() *topology.Snapshot { return s.topo.Snapshot() }

func (s *Session) writeTiming() write.Timing {
	return write.Timing{
		WriteTimeout:    s.cfg.WriteTimeout,
		WriteRetransmit: s.cfg.WriteRetransmit,
		ConfigServers:   s.cfg.ConfigServers,
	}
}

func (s *Session) readQuery(ns string, selector, projection bson.Raw, flags, skip, toReturn int32) read.Query {
	return read.Query{
		Namespace:      ns,
		Selector:       selector,
		Projection:     projection,
		Flags:          flags,
		NumToSkip:      skip,
		NumToReturn:    toReturn,
		ConfigServers:  s.cfg.ConfigServers,
		ReadTimeout:    s.cfg.ReadTimeout,
		ReadRetransmit: s.cfg.ReadRetransmit,
	}
}

func newNonce() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
