package session

import (
	"context"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/wire"
	"github.com/moleculardb/shardrouter/write"
)

// Legacy OP_INSERT/OP_UPDATE/OP_DELETE messages carry no reply of their own
// (§4.6): the session builds and acknowledges the write synchronously with
// the default {w:1} concern and caches the ack for a subsequent
// getLastError on the same connection.

func (s *Session) handleLegacyInsert(ctx context.Context, h wire.Header, body []byte) error {
	ins, err := wire.DecodeInsert(body)
	if err != nil {
		return s.recordWriteError(err)
	}
	if err := s.checkConfigWrite(ins.FullCollectionName); err != nil {
		return s.recordWriteError(err)
	}
	if !s.privs.allows(databaseOf(ins.FullCollectionName), PrivWrite) {
		return s.recordWriteError(errors.New(errors.Unauthorized, "not authorized to insert into "+ins.FullCollectionName))
	}

	subOps := make([]write.SubOp, 0, len(ins.Documents))
	for _, d := range ins.Documents {
		subOps = append(subOps, write.SubOp{Kind: write.KindInsert, Document: d})
	}
	const insertFlagContinueOnError = 1 << 0
	return s.acknowledgeAndCache(ctx, ins.FullCollectionName, subOps, ins.Flags&insertFlagContinueOnError == 0)
}

func (s *Session) handleLegacyUpdate(ctx context.Context, h wire.Header, body []byte) error {
	upd, err := wire.DecodeUpdate(body)
	if err != nil {
		return s.recordWriteError(err)
	}
	if err := s.checkConfigWrite(upd.FullCollectionName); err != nil {
		return s.recordWriteError(err)
	}
	if !s.privs.allows(databaseOf(upd.FullCollectionName), PrivWrite) {
		return s.recordWriteError(errors.New(errors.Unauthorized, "not authorized to update "+upd.FullCollectionName))
	}

	const (
		updateFlagUpsert = 1 << 0
		updateFlagMulti  = 1 << 1
	)
	op := write.SubOp{
		Kind:       write.KindUpdate,
		Selector:   upd.Selector,
		UpdateSpec: upd.UpdateSpec,
		Upsert:     upd.Flags&updateFlagUpsert != 0,
		Multi:      upd.Flags&updateFlagMulti != 0,
	}
	return s.acknowledgeAndCache(ctx, upd.FullCollectionName, []write.SubOp{op}, true)
}

func (s *Session) handleLegacyDelete(ctx context.Context, h wire.Header, body []byte) error {
	del, err := wire.DecodeDelete(body)
	if err != nil {
		return s.recordWriteError(err)
	}
	if err := s.checkConfigWrite(del.FullCollectionName); err != nil {
		return s.recordWriteError(err)
	}
	if !s.privs.allows(databaseOf(del.FullCollectionName), PrivWrite) {
		return s.recordWriteError(errors.New(errors.Unauthorized, "not authorized to remove from "+del.FullCollectionName))
	}

	const deleteFlagSingleRemove = 1 << 0
	op := write.SubOp{
		Kind:     write.KindDelete,
		Selector: del.Selector,
		Multi:    del.Flags&deleteFlagSingleRemove == 0,
	}
	return s.acknowledgeAndCache(ctx, del.FullCollectionName, []write.SubOp{op}, true)
}

// acknowledgeAndCache builds and acknowledges subOps against ns with the
// default {w:1} concern and stashes the ack for a following getLastError.
// Legacy opcodes never reply at the wire level, so any build/acknowledge
// error is only ever surfaced this way too.
func (s *Session) acknowledgeAndCache(ctx context.Context, ns string, subOps []write.SubOp, ordered bool) error {
	op, err := write.Build(ctx, s.snapshot(), s.topo, s.nextRequestID(), write.Message{
		Namespace: ns,
		SubOps:    subOps,
		Ordered:   ordered,
	}, s.writeTiming())
	if err != nil {
		return s.recordWriteError(err)
	}
	ack, err := op.Acknowledge(ctx, write.WriteConcern{})
	s.hasLastAck = true
	if err != nil {
		s.lastAck = write.Ack{Err: err.Error()}
		return nil
	}
	s.lastAck = ack
	return nil
}

func (s *Session) recordWriteError(err error) error {
	s.hasLastAck = true
	s.lastAck = write.Ack{Err: err.Error()}
	return nil
}

// checkConfigWrite implements the supplemented config-server write
// protection: clients never write directly to the config database, only
// the router's own metadata-refresh path does. It also enforces the
// router-wide read-only mode (§6 "Reject writes"), rejecting every write
// before it is ever classified or routed.
func (s *Session) checkConfigWrite(ns string) error {
	if s.cfg.ReadOnly {
		return errors.New(errors.BadRequest, "router is running in read-only mode")
	}
	if databaseOf(ns) == "config" {
		return errors.New(errors.BadRequest, "direct writes to config.* are not permitted: "+ns)
	}
	return nil
}
