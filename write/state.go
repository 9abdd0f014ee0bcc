package write

import (
	"context"
	"errors"
	"time"

	"github.com/moleculardb/shardrouter/metrics"
	"github.com/moleculardb/shardrouter/topology"
	"github.com/moleculardb/shardrouter/wire"

	errs "github.com/moleculardb/shardrouter/errors"
)

// writeState names the states from §4.6's per-backend state diagram. The
// diagram's `send` and `awaiting_ack` collapse into one state here:
// Connection.Send already fuses the write and its ack round-trip into one
// commit point (§4.1), so there is no separate "in flight, not yet replied"
// state to observe from the caller's side — the distinction the diagram
// draws between connecting/sending/awaiting-ack becomes, in this client,
// "the single Send call failed" vs. "it didn't."
type writeState int

const (
	stateIdle writeState = iota
	stateConnecting
	stateLostPrimary
	stateRefreshTopology
	stateFailed
	stateAcknowledged
)

// builtMessage is what a messageBuilder produces for one attempt: the
// primary wire message plus, for the legacy shape, a getLastError follow-up
// pipelined on the same socket before the one reply is read (§4.6 "legacy
// message shape").
type builtMessage struct {
	OpCode          wire.Opcode
	Payload         []byte
	FollowUpOpCode  wire.Opcode
	FollowUpPayload []byte
}

// messageBuilder produces the wire message for one attempt. It is a func,
// not a fixed value, because a retry after lostMaster or a topology refresh
// may need to re-resolve the shard version stamped into the request.
type messageBuilder func() builtMessage

// attempt drives one sub-operation's write-state machine to completion or
// to the overall writeTimeout, implementing retry on NotMaster (signal
// lostMaster, retry), ShardConfigStale (refresh, retry), and transport
// timeout (retransmit against a refreshed primary if writeRetransmit <
// writeTimeout) from §4.6 "Retry and retransmit".
type attempt struct {
	shard         topology.Shard
	refresher     Refresher
	build         messageBuilder
	ns            string
	version       topology.ChunkVersion
	configServers string
	requestID     int32

	writeTimeout    time.Duration
	writeRetransmit time.Duration
}

// Refresher lets the write pipeline force a synchronous topology refresh on
// ShardConfigStale, mirroring read.Refresher.
type Refresher interface {
	RequestRefresh(ctx context.Context) error
}

func (a *attempt) perform(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(a.writeTimeout)
	state := stateIdle
	var lastErr error

	for {
		if !time.Now().Before(deadline) {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, errs.New(errs.ConnectivityError, "write timed out")
		}

		switch state {
		case stateIdle:
			state = stateConnecting

		case stateConnecting:
			conn := a.shard.SelectPrimary()
			if conn.Empty() {
				return nil, errs.New(errs.NoSuitableBackend, "no primary available")
			}
			msg := a.build()
			reqDeadline := deadline
			if a.writeRetransmit > 0 && a.writeRetransmit < a.writeTimeout {
				if early := time.Now().Add(a.writeRetransmit); early.Before(deadline) {
					reqDeadline = early
				}
			}
			reqCtx, cancel := context.WithDeadline(ctx, reqDeadline)
			reply, err := conn.Send(reqCtx, a.shard, topology.CommitRequest{
				Namespace:       a.ns,
				Version:         a.version,
				ConfigServers:   a.configServers,
				RequestID:       a.requestID,
				OpCode:          msg.OpCode,
				Payload:         msg.Payload,
				FollowUpOpCode:  msg.FollowUpOpCode,
				FollowUpPayload: msg.FollowUpPayload,
				PrimaryCapable:  true,
			})
			cancel()
			if err == nil {
				state = stateAcknowledged
				return reply, nil
			}
			lastErr = err
			switch {
			case errs.Is(err, errs.NotMaster):
				metrics.LostPrimaryEvents.Inc()
				state = stateLostPrimary
			case errs.Is(err, errs.ShardConfigStale):
				metrics.StaleConfigRetries.WithLabelValues("write").Inc()
				state = stateRefreshTopology
			case errors.Is(err, context.DeadlineExceeded):
				if a.writeRetransmit > 0 && a.writeRetransmit < a.writeTimeout {
					state = stateIdle
				} else {
					return nil, err
				}
			default:
				a.shard.OnFailure(conn.Backend)
				state = stateFailed
				return nil, err
			}

		case stateLostPrimary:
			a.shard.LostMaster()
			state = stateIdle

		case stateRefreshTopology:
			if a.refresher != nil {
				_ = a.refresher.RequestRefresh(ctx)
			}
			state = stateIdle

		case stateFailed:
			return nil, lastErr

		case stateAcknowledged:
			return nil, nil
		}
	}
}
