// Package read implements the read pipeline (§4.5): turning a routed query
// into a stream of documents, whether that stream comes from nowhere, from
// one shard, or from a heap-merge across many.
package read

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// DataSource is the common capability surface for every read-side stream
// (§3 "DataSource"): Null, Fixed, Backend, and Merge all implement it, so
// callers never need a type switch.
type DataSource interface {
	// Advance moves to the next document. ok is false once the source is
	// exhausted; err carries a deferred failure (§4.7 "a session-local
	// error while feeding a cursor is converted into a fixed data source").
	Advance(ctx context.Context) (doc bson.Raw, ok bool, err error)
	// Close releases any server-side cursor and connection. Safe to call
	// more than once; the second call issues no I/O (§8 "Idempotent
	// close").
	Close(ctx context.Context) error
}

// NullSource always reports exhausted, no error. Used for an empty routing
// result (§4.5 "Empty: return a Null data source").
type NullSource struct{ closed bool }

func (NullSource) Advance(context.Context) (bson.Raw, bool, error) { return nil, false, nil }
func (s *NullSource) Close(context.Context) error                 { s.closed = true; return nil }

// FixedSource yields a fixed, pre-computed set of documents (or a single
// deferred error) with no further I/O. Used to carry aggregation results
// and session-local errors (§4.7).
type FixedSource struct {
	docs   []bson.Raw
	err    error
	pos    int
	closed bool
}

// NewFixedSource wraps a slice of documents already known in full.
func NewFixedSource(docs []bson.Raw) *FixedSource {
	return &FixedSource{docs: docs}
}

// NewErrorSource wraps a deferred error: the first Advance call returns it.
func NewErrorSource(err error) *FixedSource {
	return &FixedSource{err: err}
}

func (s *FixedSource) Advance(context.Context) (bson.Raw, bool, error) {
	if s.err != nil {
		err := s.err
		s.err = nil
		return nil, false, err
	}
	if s.pos >= len(s.docs) {
		return nil, false, nil
	}
	d := s.docs[s.pos]
	s.pos++
	return d, true, nil
}

func (s *FixedSource) Close(context.Context) error {
	s.closed = true
	return nil
}
