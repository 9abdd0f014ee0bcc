package session

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/metrics"
	"github.com/moleculardb/shardrouter/read"
	"github.com/moleculardb/shardrouter/topology"
	"github.com/moleculardb/shardrouter/wire"
	"github.com/moleculardb/shardrouter/write"
)

// maxBsonObjectSize and maxMessageSizeBytes are advertised in isMaster so
// drivers know the limits this router enforces on their behalf.
const (
	maxBsonObjectSize   = 16 * 1024 * 1024
	maxMessageSizeBytes = wire.MaxMessageSize
	maxWriteBatchSize   = 1000
)

// handleCommand implements the "<db>.$cmd" interception table of §4.7: a
// fixed set of command names are served by the router itself; everything
// else is rejected as not implemented rather than silently forwarded,
// since a wrong forward would be worse than a clear error.
func (s *Session) handleCommand(ctx context.Context, h wire.Header, db string, selector bson.Raw) error {
	name, arg := firstKey(selector)
	lower := strings.ToLower(name)
	metrics.CommandsTotal.WithLabelValues(lower).Inc()
	switch lower {
	case "ping":
		return s.cmdPing(ctx, h)
	case "getlasterror":
		return s.cmdGetLastError(h, selector)
	case "ismaster":
		return s.cmdIsMaster(h)
	case "getnonce":
		return s.cmdGetNonce(h)
	case "authenticate":
		return s.cmdAuthenticate(h, db, selector)
	case "listdatabases":
		return s.cmdListDatabases(h)
	case "insert":
		return s.cmdInsert(ctx, h, db, arg, selector)
	case "update":
		return s.cmdUpdate(ctx, h, db, arg, selector)
	case "delete":
		return s.cmdDelete(ctx, h, db, arg, selector)
	case "count":
		return s.cmdCount(ctx, h, db, arg, selector)
	case "distinct":
		return s.cmdDistinct(ctx, h, db, arg, selector)
	case "findandmodify":
		return s.cmdFindAndModify(ctx, h, db, arg, selector)
	case "setloglevel":
		return s.cmdSetLogLevel(h, db)
	case "whatsmyuri":
		return s.cmdPassthrough(ctx, h, db, selector)
	case "replsetgetstatus":
		return s.cmdPassthrough(ctx, h, db, selector)
	default:
		return s.sendCommandError(h.RequestID, errors.New(errors.NotImplemented, "unsupported command: "+name))
	}
}

func firstKey(doc bson.Raw) (string, bson.RawValue) {
	elems, err := doc.Elements()
	if err != nil || len(elems) == 0 {
		return "", bson.RawValue{}
	}
	return elems[0].Key(), elems[0].Value()
}

func (s *Session) cmdPing(ctx context.Context, h wire.Header) error {
	_ = s.topo.RequestRefresh(ctx)
	return s.sendCommandReply(h.RequestID, bson.M{"ok": 1})
}

func (s *Session) cmdGetLastError(h wire.Header, selector bson.Raw) error {
	if !s.hasLastAck {
		return s.sendCommandReply(h.RequestID, bson.M{"ok": 1, "n": 0, "err": nil})
	}
	reply := bson.M{
		"ok":              1,
		"n":               s.lastAck.N,
		"updatedExisting": s.lastAck.UpdatedExisting,
		"wtimeout":        s.lastAck.WTimeout,
	}
	if s.lastAck.Err != "" {
		reply["err"] = s.lastAck.Err
		reply["code"] = s.lastAck.Code
	} else {
		reply["err"] = nil
	}
	return s.sendCommandReply(h.RequestID, reply)
}

func (s *Session) cmdIsMaster(h wire.Header) error {
	return s.sendCommandReply(h.RequestID, bson.M{
		"ok":                  1,
		"ismaster":            true,
		"maxBsonObjectSize":   maxBsonObjectSize,
		"maxMessageSizeBytes": maxMessageSizeBytes,
		"maxWriteBatchSize":   maxWriteBatchSize,
		"localTime":           time.Now(),
		"msg":                 "isdbgrid",
	})
}

func (s *Session) cmdGetNonce(h wire.Header) error {
	nonce, err := newNonce()
	if err != nil {
		return s.sendCommandError(h.RequestID, err)
	}
	s.nonce = nonce
	return s.sendCommandReply(h.RequestID, bson.M{"ok": 1, "nonce": nonce})
}

// cmdAuthenticate implements the MONGODB-CR challenge-response verification
// (§4.7): key must equal md5hex(nonce + user + md5hex(user + ":mongo:" +
// password)), checked by the pluggable CredentialStore rather than locally,
// since the router never holds plaintext passwords.
func (s *Session) cmdAuthenticate(h wire.Header, db string, selector bson.Raw) error {
	if s.cfg.Credentials == nil {
		return s.sendCommandError(h.RequestID, errors.New(errors.Unauthorized, "no credential store configured"))
	}
	if s.nonce == "" {
		return s.sendCommandError(h.RequestID, errors.New(errors.Unauthorized, "getnonce required before authenticate"))
	}
	user, _ := selector.Lookup("user").StringValueOK()
	nonce, _ := selector.Lookup("nonce").StringValueOK()
	key, _ := selector.Lookup("key").StringValueOK()
	if nonce != s.nonce {
		return s.sendCommandError(h.RequestID, errors.New(errors.Unauthorized, "nonce mismatch"))
	}
	role, ok := s.cfg.Credentials.Verify(db, user, nonce, key)
	s.nonce = ""
	if !ok {
		return s.sendCommandError(h.RequestID, errors.New(errors.Unauthorized, "authentication failed"))
	}
	s.privs.grant(db, role)
	return s.sendCommandReply(h.RequestID, bson.M{"ok": 1})
}

func (s *Session) cmdListDatabases(h wire.Header) error {
	dbs := s.snapshot().Databases
	list := make(bson.A, 0, len(dbs))
	for _, d := range dbs {
		list = append(list, bson.M{"name": d.Name, "empty": false})
	}
	return s.sendCommandReply(h.RequestID, bson.M{"ok": 1, "databases": list})
}

func (s *Session) cmdSetLogLevel(h wire.Header, db string) error {
	if !s.privs.allows(db, PrivDBAdmin) {
		return s.sendCommandError(h.RequestID, errors.New(errors.Unauthorized, "not authorized to setLogLevel"))
	}
	return s.sendCommandReply(h.RequestID, bson.M{"ok": 1})
}

// cmdPassthrough forwards supplemented diagnostic commands (whatsmyuri,
// replSetGetStatus) straight to a shard's primary rather than intercepting
// them, since the router has no meaningful answer of its own.
func (s *Session) cmdPassthrough(ctx context.Context, h wire.Header, db string, selector bson.Raw) error {
	snap := s.snapshot()
	for _, shard := range snap.Shards {
		reply, err := s.runCommand(ctx, shard, bson.Raw(selector))
		if err == nil {
			return s.sendRawCommandReply(h.RequestID, reply)
		}
	}
	return s.sendCommandError(h.RequestID, errors.New(errors.NoSuitableBackend, "no shard available to forward command"))
}

func (s *Session) sendRawCommandReply(responseTo int32, doc bson.Raw) error {
	return s.sendReply(responseTo, 0, 0, 0, []bson.Raw{doc})
}

func (s *Session) cmdCount(ctx context.Context, h wire.Header, db string, collVal bson.RawValue, selector bson.Raw) error {
	collName, _ := collVal.StringValueOK()
	ns := db + "." + collName
	if !s.privs.allows(db, PrivRead) {
		return s.sendCommandError(h.RequestID, errors.New(errors.Unauthorized, "not authorized to count "+ns))
	}
	query := docField(selector, "query")
	n, err := read.Count(ctx, s.snapshot(), ns, query, s.commandFunc)
	if err != nil {
		return s.sendCommandError(h.RequestID, err)
	}
	return s.sendCommandReply(h.RequestID, bson.M{"ok": 1, "n": n})
}

func (s *Session) cmdDistinct(ctx context.Context, h wire.Header, db string, collVal bson.RawValue, selector bson.Raw) error {
	collName, _ := collVal.StringValueOK()
	ns := db + "." + collName
	if !s.privs.allows(db, PrivRead) {
		return s.sendCommandError(h.RequestID, errors.New(errors.Unauthorized, "not authorized to run distinct on "+ns))
	}
	field, _ := selector.Lookup("key").StringValueOK()
	query := docField(selector, "query")
	values, err := read.Distinct(ctx, s.snapshot(), ns, field, query, s.commandFunc)
	if err != nil {
		return s.sendCommandError(h.RequestID, err)
	}
	out := make(bson.A, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return s.sendCommandReply(h.RequestID, bson.M{"ok": 1, "values": out})
}

func (s *Session) cmdInsert(ctx context.Context, h wire.Header, db string, collVal bson.RawValue, selector bson.Raw) error {
	collName, _ := collVal.StringValueOK()
	ns := db + "." + collName
	if err := s.checkConfigWrite(ns); err != nil {
		return s.sendCommandError(h.RequestID, err)
	}
	if !s.privs.allows(db, PrivWrite) {
		return s.sendCommandError(h.RequestID, errors.New(errors.Unauthorized, "not authorized to insert into "+ns))
	}
	docs, err := docArray(selector, "documents")
	if err != nil {
		return s.sendCommandError(h.RequestID, err)
	}
	subOps := make([]write.SubOp, 0, len(docs))
	for _, d := range docs {
		doc, ok := d.DocumentOK()
		if !ok {
			continue
		}
		subOps = append(subOps, write.SubOp{Kind: write.KindInsert, Document: bson.Raw(doc)})
	}
	ordered := orderedFlag(selector)
	return s.runWriteCommand(ctx, h, ns, subOps, ordered, selector)
}

func (s *Session) cmdUpdate(ctx context.Context, h wire.Header, db string, collVal bson.RawValue, selector bson.Raw) error {
	collName, _ := collVal.StringValueOK()
	ns := db + "." + collName
	if err := s.checkConfigWrite(ns); err != nil {
		return s.sendCommandError(h.RequestID, err)
	}
	if !s.privs.allows(db, PrivWrite) {
		return s.sendCommandError(h.RequestID, errors.New(errors.Unauthorized, "not authorized to update "+ns))
	}
	entries, err := docArray(selector, "updates")
	if err != nil {
		return s.sendCommandError(h.RequestID, err)
	}
	subOps := make([]write.SubOp, 0, len(entries))
	for _, e := range entries {
		entryDoc, ok := e.DocumentOK()
		if !ok {
			continue
		}
		upsert, _ := entryDoc.Lookup("upsert").BooleanOK()
		multi, _ := entryDoc.Lookup("multi").BooleanOK()
		q := entryDoc.Lookup("q").Value
		u := entryDoc.Lookup("u").Value
		subOps = append(subOps, write.SubOp{
			Kind: write.KindUpdate, Selector: bson.Raw(q), UpdateSpec: bson.Raw(u),
			Upsert: upsert, Multi: multi,
		})
	}
	ordered := orderedFlag(selector)
	return s.runWriteCommand(ctx, h, ns, subOps, ordered, selector)
}

func (s *Session) cmdDelete(ctx context.Context, h wire.Header, db string, collVal bson.RawValue, selector bson.Raw) error {
	collName, _ := collVal.StringValueOK()
	ns := db + "." + collName
	if err := s.checkConfigWrite(ns); err != nil {
		return s.sendCommandError(h.RequestID, err)
	}
	if !s.privs.allows(db, PrivWrite) {
		return s.sendCommandError(h.RequestID, errors.New(errors.Unauthorized, "not authorized to delete from "+ns))
	}
	entries, err := docArray(selector, "deletes")
	if err != nil {
		return s.sendCommandError(h.RequestID, err)
	}
	subOps := make([]write.SubOp, 0, len(entries))
	for _, e := range entries {
		entryDoc, ok := e.DocumentOK()
		if !ok {
			continue
		}
		limit, _ := entryDoc.Lookup("limit").Int32OK()
		if limit > 1 {
			return s.sendCommandError(h.RequestID, errors.New(errors.NotImplemented, "delete limit > 1 is not supported"))
		}
		q := entryDoc.Lookup("q").Value
		subOps = append(subOps, write.SubOp{Kind: write.KindDelete, Selector: bson.Raw(q), Multi: limit == 0})
	}
	ordered := orderedFlag(selector)
	return s.runWriteCommand(ctx, h, ns, subOps, ordered, selector)
}

func (s *Session) cmdFindAndModify(ctx context.Context, h wire.Header, db string, collVal bson.RawValue, selector bson.Raw) error {
	collName, _ := collVal.StringValueOK()
	ns := db + "." + collName
	if err := s.checkConfigWrite(ns); err != nil {
		return s.sendCommandError(h.RequestID, err)
	}
	if !s.privs.allows(db, PrivWrite) {
		return s.sendCommandError(h.RequestID, errors.New(errors.Unauthorized, "not authorized to run findAndModify on "+ns))
	}
	query := docField(selector, "query")
	update := docField(selector, "update")
	upsert, _ := selector.Lookup("upsert").BooleanOK()
	remove, _ := selector.Lookup("remove").BooleanOK()
	op := write.SubOp{Kind: write.KindFindAndModify, Selector: query, UpdateSpec: update, Upsert: upsert, Remove: remove}

	root, err := write.Build(ctx, s.snapshot(), s.topo, s.nextRequestID(), write.Message{Namespace: ns, SubOps: []write.SubOp{op}}, s.writeTiming())
	if err != nil {
		return s.sendCommandError(h.RequestID, err)
	}
	ack, err := root.Acknowledge(ctx, write.WriteConcern{})
	if err != nil {
		return s.sendCommandError(h.RequestID, err)
	}
	reply := bson.M{"ok": 1}
	if ack.Err != "" {
		reply["ok"] = 0
		reply["errmsg"] = ack.Err
		return s.sendCommandReply(h.RequestID, reply)
	}
	if docer, ok := root.(interface{ Document() []byte }); ok {
		if doc := docer.Document(); doc != nil {
			reply["value"] = bson.Raw(doc)
		} else {
			reply["value"] = nil
		}
	}
	return s.sendCommandReply(h.RequestID, reply)
}

// runWriteCommand builds and acknowledges a command-style insert/update/
// delete and replies with the standard {ok, n, writeErrors} shape.
func (s *Session) runWriteCommand(ctx context.Context, h wire.Header, ns string, subOps []write.SubOp, ordered bool, cmdDoc bson.Raw) error {
	var wc write.WriteConcern
	if v := cmdDoc.Lookup("writeConcern"); v.Type != 0 {
		if doc, ok := v.DocumentOK(); ok {
			var m bson.M
			_ = bson.Unmarshal(doc, &m)
			wc = write.ParseWriteConcern(m)
		}
	}
	root, err := write.Build(ctx, s.snapshot(), s.topo, s.nextRequestID(), write.Message{Namespace: ns, SubOps: subOps, Ordered: ordered}, s.writeTiming())
	if err != nil {
		return s.sendCommandError(h.RequestID, err)
	}
	ack, err := root.Acknowledge(ctx, wc)
	if err != nil {
		return s.sendCommandError(h.RequestID, err)
	}
	reply := bson.M{"ok": 1, "n": ack.N}
	if ack.Err != "" {
		reply["writeErrors"] = bson.A{bson.M{"index": 0, "code": ack.Code, "errmsg": ack.Err}}
	}
	return s.sendCommandReply(h.RequestID, reply)
}

// commandFunc satisfies read.CommandFunc: it round-trips a command document
// against a shard's primary and returns the reply document, used by
// count/distinct fan-out.
func (s *Session) commandFunc(ctx context.Context, shard topology.Shard, cmd bson.M) (bson.Raw, error) {
	doc, err := bson.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	reply, err := s.runCommand(ctx, shard, doc)
	return reply, err
}

func (s *Session) runCommand(ctx context.Context, shard topology.Shard, cmdDoc bson.Raw) (bson.Raw, error) {
	conn := shard.SelectPrimary()
	if conn.Empty() {
		return nil, errors.New(errors.NoSuitableBackend, "no primary available")
	}
	body := wire.EncodeQuery(wire.Query{
		FullCollectionName: "admin.$cmd",
		NumberToReturn:     -1,
		Selector:           cmdDoc,
	})
	raw, err := conn.Send(ctx, shard, topology.CommitRequest{
		RequestID:      s.nextRequestID(),
		OpCode:         wire.OpQuery,
		Payload:        body,
		PrimaryCapable: true,
	})
	if err != nil {
		return nil, err
	}
	reply, err := wire.DecodeReply(raw)
	if err != nil {
		return nil, err
	}
	if len(reply.Documents) == 0 {
		return nil, errors.New(errors.BackendInternalError, "empty command reply")
	}
	return reply.Documents[0], nil
}

func docField(selector bson.Raw, name string) bson.Raw {
	v := selector.Lookup(name)
	if v.Type == 0 {
		return nil
	}
	d, _ := v.DocumentOK()
	return bson.Raw(d)
}

func docArray(selector bson.Raw, name string) ([]bson.RawValue, error) {
	v := selector.Lookup(name)
	if v.Type == 0 {
		return nil, errors.New(errors.BadRequest, "missing "+name+" array")
	}
	values, err := v.Array().Values()
	if err != nil {
		return nil, errors.Wrap(err, name+" is not an array")
	}
	return values, nil
}

func orderedFlag(selector bson.Raw) bool {
	v := selector.Lookup("ordered")
	if v.Type == 0 {
		return true
	}
	b, ok := v.BooleanOK()
	if !ok {
		return true
	}
	return b
}
