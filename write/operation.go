// Package write implements the write pipeline (§4.6): classifying
// sub-operations, grouping them into per-shard messages, and acknowledging
// the result against a requested write concern.
package write

import (
	"context"
)

// WriteOperation is the common capability surface for every write-side node
// (§3 "WriteOperation"): ToBackend, FindAndModify, Parallel, Sequential,
// Null, and Failed all implement it.
type WriteOperation interface {
	// Acknowledge implements §4.6 "Acknowledgement": the cached result is
	// reused if wc is equivalent to the concern last used to acknowledge
	// this node.
	Acknowledge(ctx context.Context, wc WriteConcern) (Ack, error)
}

// NullOp acknowledges trivially with n=0: used for a message with no
// sub-operations.
type NullOp struct{}

func (NullOp) Acknowledge(context.Context, WriteConcern) (Ack, error) { return Ack{}, nil }

// FailedOp carries a classification- or routing-time rejection (insert
// without key, upsert without key, bulk limit > 1) straight through to
// acknowledgement (§4.6 "rejected as bad requests").
type FailedOp struct {
	Err error
}

func (f FailedOp) Acknowledge(context.Context, WriteConcern) (Ack, error) {
	return Ack{Err: f.Err.Error()}, nil
}

// ToBackend performs one sub-operation against one shard's primary,
// applying the full §4.6 state machine, and caches the resulting ack for
// equivalent re-acknowledgement.
type ToBackend struct {
	shard     string
	perform   func(ctx context.Context) ([]byte, error)
	decodeAck func([]byte) Ack

	done    bool
	lastWC  WriteConcern
	lastAck Ack
	lastErr error
}

// NewToBackend wraps a perform function (built by the pipeline, which knows
// this shard's message shape and retry policy) together with the function
// that turns its raw reply into an Ack.
func NewToBackend(shardID string, perform func(ctx context.Context) ([]byte, error), decodeAck func([]byte) Ack) *ToBackend {
	return &ToBackend{shard: shardID, perform: perform, decodeAck: decodeAck}
}

func (t *ToBackend) Acknowledge(ctx context.Context, wc WriteConcern) (Ack, error) {
	if t.done && areEquivalent(wc, t.lastWC) {
		return t.lastAck, t.lastErr
	}
	reply, err := t.perform(ctx)
	t.done = true
	t.lastWC = wc
	if err != nil {
		t.lastAck, t.lastErr = Ack{}, err
		return Ack{}, err
	}
	t.lastAck = t.decodeAck(reply)
	t.lastErr = nil
	return t.lastAck, nil
}

// Parallel acknowledges every child concurrently and folds the results with
// reduce (default DefaultReducer), per §4.6 "group point sub-operations by
// shard... combine all of it in a Parallel."
type Parallel struct {
	Children []WriteOperation
	Reduce   Reducer
}

func (p Parallel) Acknowledge(ctx context.Context, wc WriteConcern) (Ack, error) {
	reduce := p.Reduce
	if reduce == nil {
		reduce = DefaultReducer
	}
	type result struct {
		ack Ack
		err error
	}
	results := make([]result, len(p.Children))
	done := make(chan int, len(p.Children))
	for i, c := range p.Children {
		go func(i int, c WriteOperation) {
			ack, err := c.Acknowledge(ctx, wc)
			results[i] = result{ack, err}
			done <- i
		}(i, c)
	}
	for range p.Children {
		<-done
	}
	acks := make([]Ack, len(results))
	for i, r := range results {
		acks[i] = r.ack
		if r.err != nil && acks[i].Err == "" {
			acks[i].Err = r.err.Error()
		}
	}
	return reduce(acks), nil
}

// Sequential visits children in list order and short-circuits on the first
// error (§4.6 "wrap the entire result in a Sequential that short-circuits
// on the first error").
type Sequential struct {
	Children []WriteOperation
	Reduce   Reducer
}

func (s Sequential) Acknowledge(ctx context.Context, wc WriteConcern) (Ack, error) {
	reduce := s.Reduce
	if reduce == nil {
		reduce = DefaultReducer
	}
	var acks []Ack
	for _, c := range s.Children {
		ack, err := c.Acknowledge(ctx, wc)
		if err != nil && ack.Err == "" {
			ack.Err = err.Error()
		}
		acks = append(acks, ack)
		if ack.Err != "" {
			break
		}
	}
	return reduce(acks), nil
}

// FindAndModify is a dedicated node rather than a ToBackend because its
// reply shape (the matched/modified document, not just an ack) differs
// from a plain write ack; it still rides the same per-backend state
// machine via an embedded attempt.
type FindAndModify struct {
	shard     string
	perform   func(ctx context.Context) ([]byte, error)
	decode    func([]byte) (Ack, []byte /* returned document, if any */)

	done    bool
	lastWC  WriteConcern
	lastAck Ack
	lastDoc []byte
	lastErr error
}

func NewFindAndModify(shardID string, perform func(ctx context.Context) ([]byte, error), decode func([]byte) (Ack, []byte)) *FindAndModify {
	return &FindAndModify{shard: shardID, perform: perform, decode: decode}
}

func (f *FindAndModify) Acknowledge(ctx context.Context, wc WriteConcern) (Ack, error) {
	if f.done && areEquivalent(wc, f.lastWC) {
		return f.lastAck, f.lastErr
	}
	reply, err := f.perform(ctx)
	f.done = true
	f.lastWC = wc
	if err != nil {
		f.lastAck, f.lastErr, f.lastDoc = Ack{}, err, nil
		return Ack{}, err
	}
	f.lastAck, f.lastDoc = f.decode(reply)
	f.lastErr = nil
	return f.lastAck, nil
}

// Document returns the matched/modified document from the last
// acknowledgement, if any.
func (f *FindAndModify) Document() []byte { return f.lastDoc }

// SequentialScan implements the sequential-global class (§4.6): a
// sub-operation whose selector doesn't pin one shard but whose semantics
// (single-document delete/update, find-and-modify without a key when
// upsert isn't requested) mean at most one shard can actually have a
// matching document. It visits candidate shards in order and stops at the
// first one that reports a match, rather than broadcasting.
type SequentialScan struct {
	Children []WriteOperation
}

func (s SequentialScan) Acknowledge(ctx context.Context, wc WriteConcern) (Ack, error) {
	var lastErr error
	for _, c := range s.Children {
		ack, err := c.Acknowledge(ctx, wc)
		if err != nil {
			lastErr = err
			continue
		}
		if ack.N > 0 {
			return ack, nil
		}
	}
	return Ack{}, lastErr
}
