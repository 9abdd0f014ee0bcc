package session

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/read"
	"github.com/moleculardb/shardrouter/topology"
	"github.com/moleculardb/shardrouter/wire"
)

// handleQuery implements the OP_QUERY side of §4.7: a query addressed to
// "<db>.$cmd" is a command and is intercepted per the dispatch table;
// anything else is a regular find routed through the read pipeline.
func (s *Session) handleQuery(ctx context.Context, h wire.Header, body []byte) error {
	q, err := wire.DecodeQuery(body)
	if err != nil {
		return s.sendReply(h.RequestID, wire.FlagQueryFailure, 0, 0, []bson.Raw{errorDoc(err)})
	}

	if strings.HasSuffix(q.FullCollectionName, ".$cmd") {
		db := strings.TrimSuffix(q.FullCollectionName, ".$cmd")
		return s.handleCommand(ctx, h, db, q.Selector)
	}

	if err := s.checkReadAllowed(q.FullCollectionName); err != nil {
		return s.sendReply(h.RequestID, wire.FlagQueryFailure, 0, 0, []bson.Raw{errorDoc(err)})
	}

	rq := s.readQuery(q.FullCollectionName, q.Selector, q.ReturnFieldsSelector, q.Flags, q.NumberToSkip, q.NumberToReturn)
	rq.Pref = readPreferenceOf(q)
	src, err := read.Build(ctx, s.snapshot(), s.topo, s.nextRequestID(), rq, q.Flags&wire.QueryFlagPartial != 0)
	if err != nil {
		return s.sendReply(h.RequestID, wire.FlagQueryFailure, 0, 0, []bson.Raw{errorDoc(err)})
	}
	return s.feed(ctx, h.RequestID, src, q.NumberToReturn)
}

// readPreferenceOf extracts a $readPreference sub-document from a query
// selector wrapped as {$query: ..., $readPreference: {mode, tags}}, falling
// back to the slaveOk query flag, and otherwise defaults to primary.
func readPreferenceOf(q wire.Query) topology.ReadPreference {
	if v := q.Selector.Lookup("$readPreference"); v.Type != 0 {
		doc := v.Document()
		mode, _ := doc.Lookup("mode").StringValueOK()
		pref := topology.ReadPreference{Mode: readPreferenceModeOf(mode)}
		if arr, ok := doc.Lookup("tags").ArrayOK(); ok {
			vals, _ := arr.Values()
			for _, tv := range vals {
				tagDoc, _ := tv.DocumentOK()
				elems, _ := tagDoc.Elements()
				set := make(map[string]string, len(elems))
				for _, e := range elems {
					if sv, ok := e.Value().StringValueOK(); ok {
						set[e.Key()] = sv
					}
				}
				pref.Tags = append(pref.Tags, set)
			}
		}
		return pref
	}
	if q.Flags&wire.QueryFlagSlaveOk != 0 {
		return topology.ReadPreference{Mode: topology.ReadSecondaryPreferred}
	}
	return topology.ReadPreference{Mode: topology.ReadPrimary}
}

func readPreferenceModeOf(mode string) topology.ReadPreferenceMode {
	switch mode {
	case "primaryPreferred":
		return topology.ReadPrimaryPreferred
	case "secondary":
		return topology.ReadSecondary
	case "secondaryPreferred":
		return topology.ReadSecondaryPreferred
	case "nearest":
		return topology.ReadNearest
	default:
		return topology.ReadPrimary
	}
}

func (s *Session) checkReadAllowed(ns string) error {
	if !s.privs.allows(databaseOf(ns), PrivRead) {
		return errors.New(errors.Unauthorized, "not authorized to read "+ns)
	}
	return nil
}

func (s *Session) handleGetMore(ctx context.Context, h wire.Header, body []byte) error {
	gm, err := wire.DecodeGetMore(body)
	if err != nil {
		return s.sendReply(h.RequestID, wire.FlagQueryFailure, 0, 0, []bson.Raw{errorDoc(err)})
	}
	src, ok := s.cursors.Take(gm.CursorID)
	if !ok {
		return s.sendReply(h.RequestID, wire.FlagCursorNotFound, gm.CursorID, 0, nil)
	}
	return s.feed(ctx, h.RequestID, src, gm.NumberToReturn)
}

func (s *Session) handleKillCursors(ctx context.Context, h wire.Header, body []byte) error {
	kc, err := wire.DecodeKillCursors(body)
	if err != nil {
		return nil // kill-cursors has no reply; a malformed one is simply ignored.
	}
	for _, id := range kc.CursorIDs {
		if src, ok := s.cursors.Take(id); ok {
			_ = src.Close(ctx)
		}
	}
	return nil
}
