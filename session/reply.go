package session

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/read"
	"github.com/moleculardb/shardrouter/wire"
)

// maxReplyBytes keeps one OP_REPLY well clear of the 48 MiB hard wire limit,
// matching §4.7 "feed... up to nToReturn or a batch size that keeps the
// reply below 16 MiB".
const maxReplyBytes = 16 * 1024 * 1024

// defaultBatchSize is used when the client's nToReturn is 0 ("let the
// server choose").
const defaultBatchSize = 101

func (s *Session) sendReply(responseTo int32, flags int32, cursorID int64, startingFrom int32, docs []bson.Raw) error {
	body := wire.EncodeReply(wire.Reply{
		ResponseFlags: flags,
		CursorID:      cursorID,
		StartingFrom:  startingFrom,
		Documents:     docs,
	})
	return wire.WriteMessage(s.conn, s.nextRequestID(), responseTo, wire.OpReply, body)
}

func (s *Session) sendCommandReply(responseTo int32, doc bson.M) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return s.sendReply(responseTo, 0, 0, 0, []bson.Raw{raw})
}

func (s *Session) sendCommandError(responseTo int32, err error) error {
	return s.sendCommandReply(responseTo, bson.M{"ok": 0, "errmsg": err.Error()})
}

// feed implements §4.7's cursor-feeding rule: advance src up to toReturn
// documents (or until maxReplyBytes would be exceeded); if src still has
// more to give, store it in the cursor map under a fresh id and return that
// id to the client, otherwise close it.
//
// A toReturn of 0 means "default batch size"; a negative toReturn means
// "return at most |toReturn| and close the cursor regardless" (the legacy
// single-batch convention).
func (s *Session) feed(ctx context.Context, responseTo int32, src read.DataSource, toReturn int32) error {
	closeRegardless := toReturn < 0
	limit := toReturn
	if limit < 0 {
		limit = -limit
	}
	if limit == 0 {
		limit = defaultBatchSize
	}

	var docs []bson.Raw
	var size int
	exhausted := false

	for int32(len(docs)) < limit {
		doc, ok, err := src.Advance(ctx)
		if err != nil {
			// §4.7 "A session-local error while feeding a cursor is
			// converted into a fixed data source carrying the error
			// message; if no records have been returned yet in the
			// current batch, the reply bears the query-failure flag;
			// otherwise the error is deferred to the next get-more."
			_ = src.Close(ctx)
			if len(docs) == 0 {
				return s.sendReply(responseTo, wire.FlagQueryFailure, 0, 0, []bson.Raw{errorDoc(err)})
			}
			if closeRegardless {
				return s.sendReply(responseTo, 0, 0, 0, docs)
			}
			deferredID := newCursorID()
			s.cursors.Store(deferredID, read.NewErrorSource(err))
			return s.sendReply(responseTo, 0, deferredID, 0, docs)
		}
		if !ok {
			exhausted = true
			break
		}
		if size+len(doc) > maxReplyBytes && len(docs) > 0 {
			break
		}
		docs = append(docs, doc)
		size += len(doc)
	}

	var cursorID int64
	if closeRegardless || exhausted {
		_ = src.Close(ctx)
	} else {
		cursorID = newCursorID()
		s.cursors.Store(cursorID, src)
	}
	return s.sendReply(responseTo, 0, cursorID, 0, docs)
}

func errorDoc(err error) bson.Raw {
	raw, _ := bson.Marshal(bson.M{"ok": 0, "errmsg": err.Error(), "$err": err.Error()})
	return raw
}
