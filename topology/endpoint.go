package topology

import (
	"context"
	"net"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/logger"
	"github.com/moleculardb/shardrouter/wire"
)

// InfiniteRTT marks an endpoint as dead: "most-recent round-trip (finite
// microseconds or 'infinite' meaning dead)" (§3).
const InfiniteRTT = time.Duration(-1)

// Dialer opens a raw connection to an endpoint address. Exposed so tests can
// substitute an in-memory transport.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// Authenticator performs the one-time-per-connection credential exchange.
// Treated as a black-box collaborator per spec.md §1 ("authentication
// key-derivation primitives").
type Authenticator func(ctx context.Context, conn net.Conn) error

// PingQuery is one status query issued to a backend during a probe cycle,
// e.g. replSetGetStatus, replSetGetConfig, buildInfo, serverStatus (§4.1).
type PingQuery struct {
	Name     string
	Command  bson.M
	Database string
}

// Endpoint is one resolved network address of a backend node (§3). Its
// prober goroutine keeps liveness and status fresh; its two connection
// pools supply commit-point sends for the read/write pipelines.
type Endpoint struct {
	Address string

	mu         sync.Mutex
	netRTT     time.Duration
	prevRTT    time.Duration
	status     bson.Raw
	deadReason string

	primary *connPool
	any     *connPool

	backend *Backend // weak: resolved only for notification, never owned

	dialer Dialer
	auth   Authenticator

	pingInterval     time.Duration
	pingFailInterval time.Duration
	pingTimeout      time.Duration

	stop    chan struct{}
	stopped chan struct{}
	kick    chan struct{} // out-of-band ping request

	log logger.Logger
}

// EndpointConfig bundles the tuning knobs an Endpoint needs at construction;
// these come from the process-wide configuration surface (§6).
type EndpointConfig struct {
	ConnPoolSize     int
	PingInterval     time.Duration
	PingFailInterval time.Duration
	PingTimeout      time.Duration
	Dialer           Dialer
	Authenticator    Authenticator
	Log              logger.Logger
}

// NewEndpoint constructs an endpoint and starts its background prober. The
// endpoint lives as long as the owning backend, per §3's Lifecycle note.
func NewEndpoint(address string, b *Backend, cfg EndpointConfig) *Endpoint {
	if cfg.Log == nil {
		cfg.Log = logger.NopLogger
	}
	e := &Endpoint{
		Address:          address,
		netRTT:           InfiniteRTT,
		prevRTT:          InfiniteRTT,
		primary:          newConnPool(cfg.ConnPoolSize),
		any:              newConnPool(cfg.ConnPoolSize),
		backend:          b,
		dialer:           cfg.Dialer,
		auth:             cfg.Authenticator,
		pingInterval:     cfg.PingInterval,
		pingFailInterval: cfg.PingFailInterval,
		pingTimeout:      cfg.PingTimeout,
		stop:             make(chan struct{}),
		stopped:          make(chan struct{}),
		kick:             make(chan struct{}, 1),
		log:              cfg.Log,
	}
	go e.proberLoop()
	return e
}

// Close stops the prober goroutine and closes pooled connections. Called
// only when the owning process shuts down (endpoints otherwise never die
// while their backend exists).
func (e *Endpoint) Close() {
	close(e.stop)
	<-e.stopped
	e.mu.Lock()
	e.primary.closeAll()
	e.any.closeAll()
	e.mu.Unlock()
}

// RoundTrip returns the most recent net round-trip, or InfiniteRTT if dead.
func (e *Endpoint) RoundTrip() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.netRTT
}

// Alive reports whether the endpoint answered its last ping.
func (e *Endpoint) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.netRTT != InfiniteRTT
}

// Status returns the most recently published status document.
func (e *Endpoint) Status() bson.Raw {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// ForceDead immediately marks the endpoint dead and schedules an immediate
// out-of-band ping, per §4.1 "On failure signalled from above... the
// endpoint is forced dead immediately and an out-of-band ping is scheduled."
func (e *Endpoint) ForceDead(reason string) {
	e.mu.Lock()
	wasAlive := e.netRTT != InfiniteRTT
	e.prevRTT = e.netRTT
	e.netRTT = InfiniteRTT
	e.deadReason = reason
	e.primary.closeAll()
	e.any.closeAll()
	e.mu.Unlock()
	if wasAlive && e.backend != nil {
		e.backend.onEndpointDead(e)
	}
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Endpoint) proberLoop() {
	defer close(e.stopped)
	for {
		ok := e.probeOnce()
		wait := e.pingInterval
		if !ok {
			wait = e.pingFailInterval
		}
		select {
		case <-e.stop:
			return
		case <-e.kick:
		case <-time.After(wait):
		}
	}
}

// probeOnce implements the six-step loop from §4.1: acquire/establish a
// connection, ping, time net round-trip, run status queries, time gross
// round-trip, publish. Returns false on any failure (dead).
func (e *Endpoint) probeOnce() bool {
	ctx, cancel := context.WithTimeout(context.Background(), e.pingTimeout)
	defer cancel()

	conn, err := e.dialer(ctx, e.Address)
	if err != nil {
		e.publishDead(err)
		return false
	}
	defer conn.Close()

	if e.auth != nil {
		if err := e.auth(ctx, conn); err != nil {
			e.publishDead(err)
			return false
		}
	}

	start := time.Now()
	if err := sendPing(conn); err != nil {
		e.publishDead(err)
		return false
	}
	netRTT := time.Since(start)

	pqs := e.backend.pingQueries()
	var status bson.Raw
	for _, pq := range pqs {
		doc, err := sendCommand(conn, pq.Database, pq.Command)
		if err != nil {
			e.publishDead(err)
			return false
		}
		status = mergeStatus(status, pq.Name, doc)
	}
	grossRTT := time.Since(start)
	_ = grossRTT

	e.mu.Lock()
	e.prevRTT = e.netRTT
	e.netRTT = netRTT
	e.status = status
	e.deadReason = ""
	e.mu.Unlock()

	if e.backend != nil {
		e.backend.onEndpointAlive(e, status)
	}
	return true
}

func (e *Endpoint) publishDead(err error) {
	e.mu.Lock()
	wasAlive := e.netRTT != InfiniteRTT
	e.prevRTT = e.netRTT
	e.netRTT = InfiniteRTT
	e.status = nil
	if err != nil {
		e.deadReason = err.Error()
	}
	e.mu.Unlock()
	if wasAlive && e.backend != nil {
		e.backend.onEndpointDead(e)
	}
}

// sendPing writes a minimal ping command and reads its reply.
func sendPing(conn net.Conn) error {
	_, err := sendCommand(conn, "admin", bson.M{"ping": 1})
	return err
}

// sendCommand sends a single OP_QUERY against db.$cmd and reads the first
// (only) reply document. This is used only by the prober, which never needs
// the fused commit-point semantics of Connection.Send (connection.go).
func sendCommand(conn net.Conn, db string, cmd bson.M) (bson.Raw, error) {
	doc, err := bson.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	body := encodeQueryBody(db+".$cmd", 0, -1, doc)
	if err := wire.WriteMessage(conn, 1, 0, wire.OpQuery, body); err != nil {
		return nil, err
	}
	_, replyBody, err := wire.ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	reply, err := wire.DecodeReply(replyBody)
	if err != nil {
		return nil, err
	}
	if len(reply.Documents) == 0 {
		return nil, errors.New(errors.BackendInternalError, "empty command reply")
	}
	return reply.Documents[0], nil
}

// encodeQueryBody builds a raw OP_QUERY body (flags, namespace, skip,
// return, selector) for internal prober/handshake use.
func encodeQueryBody(ns string, skip, numToReturn int32, selector bson.Raw) []byte {
	buf := make([]byte, 0, 16+len(ns)+len(selector))
	var flags [4]byte
	buf = append(buf, flags[:]...)
	buf = append(buf, []byte(ns)...)
	buf = append(buf, 0)
	var skipBuf, retBuf [4]byte
	putLE32(skipBuf[:], skip)
	putLE32(retBuf[:], numToReturn)
	buf = append(buf, skipBuf[:]...)
	buf = append(buf, retBuf[:]...)
	buf = append(buf, selector...)
	return buf
}

func putLE32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func mergeStatus(base bson.Raw, name string, doc bson.Raw) bson.Raw {
	m := bson.M{}
	if base != nil {
		_ = bson.Unmarshal(base, &m)
	}
	var sub bson.M
	_ = bson.Unmarshal(doc, &sub)
	m[name] = sub
	out, _ := bson.Marshal(m)
	return out
}
