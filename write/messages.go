package write

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/topology"
	"github.com/moleculardb/shardrouter/wire"
)

// commandCutoff is the lowest backend software version that speaks
// command-style writes (insert/update/delete commands bundling an ordered
// array plus a write concern), per §4.6 "Shard-local message shape".
var commandCutoff = topology.SoftwareVersion{Major: 2, Minor: 6, Patch: 0}

// useCommandShape implements §4.6's rule: command-style only when the
// backend is new enough AND a write concern was actually requested; an
// unacknowledged write (no write concern at all) stays on the legacy opcode,
// since there is nothing for a command reply to report back.
func useCommandShape(version topology.SoftwareVersion, hasConcern bool) bool {
	return hasConcern && version.AtLeast(commandCutoff)
}

// buildInsert returns the messageBuilder + ack decoder for one insert
// sub-operation against db.collName on a backend whose software version is
// swVersion.
func buildInsert(db, collName string, doc bson.Raw, wc WriteConcern, hasConcern bool, swVersion topology.SoftwareVersion) (messageBuilder, func([]byte) Ack) {
	if useCommandShape(swVersion, hasConcern) {
		cmd := bson.D{
			{Key: "insert", Value: collName},
			{Key: "documents", Value: bson.A{bson.Raw(doc)}},
			{Key: "ordered", Value: true},
			{Key: "writeConcern", Value: writeConcernFields(wc)},
		}
		return commandBuilder(db, cmd), decodeAckFromCommandReply
	}
	build := func() builtMessage {
		payload := wire.EncodeInsert(wire.Insert{FullCollectionName: db + "." + collName, Documents: []bson.Raw{doc}})
		return builtMessage{
			OpCode:          wire.OpInsert,
			Payload:         payload,
			FollowUpOpCode:  wire.OpQuery,
			FollowUpPayload: getLastErrorPayload(db, wc),
		}
	}
	return build, decodeAckFromGetLastError
}

// buildUpdate mirrors buildInsert for an update sub-operation.
func buildUpdate(db, collName string, selector, updateSpec bson.Raw, upsert, multi bool, wc WriteConcern, hasConcern bool, swVersion topology.SoftwareVersion) (messageBuilder, func([]byte) Ack) {
	if useCommandShape(swVersion, hasConcern) {
		entry := bson.D{
			{Key: "q", Value: bson.Raw(selector)},
			{Key: "u", Value: bson.Raw(updateSpec)},
			{Key: "upsert", Value: upsert},
			{Key: "multi", Value: multi},
		}
		cmd := bson.D{
			{Key: "update", Value: collName},
			{Key: "updates", Value: bson.A{entry}},
			{Key: "ordered", Value: true},
			{Key: "writeConcern", Value: writeConcernFields(wc)},
		}
		return commandBuilder(db, cmd), decodeAckFromCommandReply
	}
	flags := int32(0)
	if upsert {
		flags |= 1
	}
	if multi {
		flags |= 2
	}
	build := func() builtMessage {
		payload := wire.EncodeUpdate(wire.Update{FullCollectionName: db + "." + collName, Flags: flags, Selector: selector, UpdateSpec: updateSpec})
		return builtMessage{
			OpCode:          wire.OpUpdate,
			Payload:         payload,
			FollowUpOpCode:  wire.OpQuery,
			FollowUpPayload: getLastErrorPayload(db, wc),
		}
	}
	return build, decodeAckFromGetLastError
}

// buildDelete mirrors buildInsert for a delete sub-operation.
func buildDelete(db, collName string, selector bson.Raw, multi bool, wc WriteConcern, hasConcern bool, swVersion topology.SoftwareVersion) (messageBuilder, func([]byte) Ack) {
	if useCommandShape(swVersion, hasConcern) {
		limit := int32(1)
		if multi {
			limit = 0
		}
		entry := bson.D{
			{Key: "q", Value: bson.Raw(selector)},
			{Key: "limit", Value: limit},
		}
		cmd := bson.D{
			{Key: "delete", Value: collName},
			{Key: "deletes", Value: bson.A{entry}},
			{Key: "ordered", Value: true},
			{Key: "writeConcern", Value: writeConcernFields(wc)},
		}
		return commandBuilder(db, cmd), decodeAckFromCommandReply
	}
	flags := int32(0)
	if !multi {
		flags |= 1
	}
	build := func() builtMessage {
		payload := wire.EncodeDelete(wire.Delete{FullCollectionName: db + "." + collName, Flags: flags, Selector: selector})
		return builtMessage{
			OpCode:          wire.OpDelete,
			Payload:         payload,
			FollowUpOpCode:  wire.OpQuery,
			FollowUpPayload: getLastErrorPayload(db, wc),
		}
	}
	return build, decodeAckFromGetLastError
}

// buildFindAndModify has no legacy fallback: findAndModify has always been a
// command, so it always takes the command shape regardless of backend
// version or write concern.
func buildFindAndModify(db, collName string, selector, updateSpec bson.Raw, upsert, remove bool) (messageBuilder, func([]byte) (Ack, []byte)) {
	cmd := bson.D{
		{Key: "findAndModify", Value: collName},
		{Key: "query", Value: bson.Raw(selector)},
		{Key: "upsert", Value: upsert},
		{Key: "remove", Value: remove},
	}
	if !remove {
		cmd = append(cmd, bson.E{Key: "update", Value: bson.Raw(updateSpec)})
	}
	return commandBuilder(db, cmd), decodeFindAndModifyReply
}

// commandBuilder wraps a command document as a single OP_QUERY against
// db.$cmd, with no legacy follow-up: the command reply is itself the
// acknowledgement.
func commandBuilder(db string, cmd bson.D) messageBuilder {
	return func() builtMessage {
		doc, err := bson.Marshal(cmd)
		if err != nil {
			doc = emptyCommandDoc
		}
		payload := wire.EncodeQuery(wire.Query{
			FullCollectionName: db + ".$cmd",
			NumberToReturn:     -1,
			Selector:           doc,
		})
		return builtMessage{OpCode: wire.OpQuery, Payload: payload}
	}
}

var emptyCommandDoc = []byte{5, 0, 0, 0, 0}

func getLastErrorPayload(db string, wc WriteConcern) []byte {
	cmd := bson.D{{Key: "getlasterror", Value: 1}}
	cmd = append(cmd, writeConcernFields(wc)...)
	doc, err := bson.Marshal(cmd)
	if err != nil {
		doc = emptyCommandDoc
	}
	return wire.EncodeQuery(wire.Query{
		FullCollectionName: db + ".$cmd",
		NumberToReturn:     -1,
		Selector:           doc,
	})
}

func writeConcernFields(wc WriteConcern) bson.D {
	var out bson.D
	for k, v := range wc.fields {
		out = append(out, bson.E{Key: k, Value: v})
	}
	if len(out) == 0 {
		out = bson.D{{Key: "w", Value: int32(1)}}
	}
	return out
}

func decodeAckFromCommandReply(raw []byte) Ack {
	reply, err := wire.DecodeReply(raw)
	if err != nil || len(reply.Documents) == 0 {
		return Ack{Err: "empty command reply"}
	}
	return ackFromDoc(reply.Documents[0])
}

func decodeAckFromGetLastError(raw []byte) Ack {
	return decodeAckFromCommandReply(raw)
}

func ackFromDoc(doc bson.Raw) Ack {
	var ack Ack
	if v := doc.Lookup("n"); v.Type != 0 {
		if n64, ok := v.Int64OK(); ok {
			ack.N = n64
		} else if n32, ok := v.Int32OK(); ok {
			ack.N = int64(n32)
		}
	}
	if v := doc.Lookup("updatedExisting"); v.Type != 0 {
		ack.UpdatedExisting, _ = v.BooleanOK()
	}
	if v := doc.Lookup("wtimeout"); v.Type != 0 {
		ack.WTimeout, _ = v.BooleanOK()
	}
	if v := doc.Lookup("err"); v.Type != 0 {
		if s, ok := v.StringValueOK(); ok && s != "" {
			ack.Err = s
		}
	}
	if v := doc.Lookup("errmsg"); v.Type != 0 {
		if s, ok := v.StringValueOK(); ok && s != "" && ack.Err == "" {
			ack.Err = s
		}
	}
	if v := doc.Lookup("code"); v.Type != 0 {
		if n, ok := v.Int32OK(); ok {
			ack.Code = n
		}
	}
	if okVal := doc.Lookup("ok"); okVal.Type != 0 {
		if f, ok := okVal.DoubleOK(); ok && f != 1 && ack.Err == "" {
			ack.Err = "command failed"
		}
	}
	return ack
}

func decodeFindAndModifyReply(raw []byte) (Ack, []byte) {
	reply, err := wire.DecodeReply(raw)
	if err != nil || len(reply.Documents) == 0 {
		return Ack{Err: "empty findAndModify reply"}, nil
	}
	doc := reply.Documents[0]
	var ack Ack
	if okVal := doc.Lookup("ok"); okVal.Type != 0 {
		if f, ok := okVal.DoubleOK(); ok && f != 1 {
			if s, ok := doc.Lookup("errmsg").StringValueOK(); ok {
				ack.Err = s
			}
			return ack, nil
		}
	}
	var returned []byte
	v := doc.Lookup("value")
	if v.Type == bson.TypeEmbeddedDocument {
		if d, ok := v.DocumentOK(); ok {
			returned = []byte(d)
			ack.N = 1
		}
	}
	return ack, returned
}
