package read

import (
	"context"
	"time"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/topology"
)

// issueHedged implements §4.5 "Hedged retransmission": if readRetransmit is
// set and less than readTimeout, a second attempt against a different
// backend on the same shard fires after readRetransmit without a reply from
// the first. Whichever attempt succeeds first wins; a losing reply is
// discarded, never cancelled. An error reported directly by the server
// (not a transport/timeout failure) is never masked by hedging.
func issueHedged(ctx context.Context, conn topology.Connection, shard topology.Shard, req topology.CommitRequest, readTimeout, readRetransmit time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	// Not cancelled on return: a losing attempt runs on until readTimeout.
	time.AfterFunc(readTimeout, cancel)

	type result struct {
		reply []byte
		err   error
	}
	primary := make(chan result, 1)
	go func() {
		reply, err := conn.Send(ctx, shard, req)
		primary <- result{reply, err}
	}()

	if readRetransmit <= 0 || readRetransmit >= readTimeout {
		r := <-primary
		return r.reply, r.err
	}

	timer := time.NewTimer(readRetransmit)
	defer timer.Stop()

	select {
	case r := <-primary:
		if r.err == nil || isServerReportedError(r.err) {
			return r.reply, r.err
		}
		// Transport/timeout failure on the first attempt: fall through and
		// hedge immediately rather than waiting out the rest of the timer.
	case <-timer.C:
		// No reply within readRetransmit: hedge.
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	hedgeConn := shard.SelectReadBackend(topology.ReadPreference{}, conn.Backend)
	if hedgeConn.Empty() {
		r := <-primary
		return r.reply, r.err
	}
	hedge := make(chan result, 1)
	go func() {
		reply, err := hedgeConn.Send(ctx, shard, req)
		hedge <- result{reply, err}
	}()

	select {
	case r := <-primary:
		if r.err == nil {
			return r.reply, nil
		}
		// Primary failed after all; wait for the hedge to land.
		r2 := <-hedge
		return r2.reply, r2.err
	case r := <-hedge:
		if r.err == nil {
			return r.reply, nil
		}
		r2 := <-primary
		return r2.reply, r2.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// isServerReportedError reports whether err is a server-reported condition
// rather than a transport/timeout failure, per §4.5: "If the first task
// failed with a client error... hedging does not mask server-reported
// errors."
func isServerReportedError(err error) bool {
	for _, code := range []errors.Code{
		errors.QueryFailure,
		errors.CursorNotFound,
		errors.ShardConfigStale,
		errors.NotMaster,
		errors.BadRequest,
		errors.BackendInternalError,
	} {
		if errors.Is(err, code) {
			return true
		}
	}
	return false
}
