package write_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moleculardb/shardrouter/write"
)

func okPerform(calls *int) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		*calls++
		return []byte("reply"), nil
	}
}

func TestToBackend_CachesAckForEquivalentConcern(t *testing.T) {
	var calls int
	op := write.NewToBackend("shard-a", okPerform(&calls), func(b []byte) write.Ack {
		return write.Ack{N: 1}
	})

	wc1 := write.ParseWriteConcern(nil)
	ack, err := op.Acknowledge(context.Background(), wc1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ack.N)
	assert.Equal(t, 1, calls)

	// An equivalent write concern (same semantics, different literal doc)
	// reuses the cached ack instead of re-performing the write.
	wc2 := write.ParseWriteConcern(map[string]interface{}{"w": int32(1)})
	ack, err = op.Acknowledge(context.Background(), wc2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ack.N)
	assert.Equal(t, 1, calls, "equivalent concern should not re-perform the write")
}

func TestToBackend_ReperformsOnNonEquivalentConcern(t *testing.T) {
	var calls int
	op := write.NewToBackend("shard-a", okPerform(&calls), func(b []byte) write.Ack {
		return write.Ack{N: 1}
	})

	_, err := op.Acknowledge(context.Background(), write.ParseWriteConcern(nil))
	require.NoError(t, err)

	wcTimeout := write.ParseWriteConcern(map[string]interface{}{"wtimeout": int32(500)})
	_, err = op.Acknowledge(context.Background(), wcTimeout)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "wtimeout concern must never be treated as cached")
}

func TestParallel_SumsAndFoldsErrors(t *testing.T) {
	p := write.Parallel{Children: []write.WriteOperation{
		fakeOp{ack: write.Ack{N: 2}},
		fakeOp{ack: write.Ack{N: 3, Err: "dup key", Code: 11000}},
		fakeOp{err: errors.New("network blip")},
	}}
	ack, err := p.Acknowledge(context.Background(), write.ParseWriteConcern(nil))
	require.NoError(t, err)
	assert.Equal(t, int64(5), ack.N)
	assert.NotEmpty(t, ack.Err)
}

func TestSequential_ShortCircuitsOnFirstError(t *testing.T) {
	var secondCalled bool
	s := write.Sequential{Children: []write.WriteOperation{
		fakeOp{err: errors.New("boom")},
		fakeOpFunc(func() { secondCalled = true }),
	}}
	ack, err := s.Acknowledge(context.Background(), write.ParseWriteConcern(nil))
	require.NoError(t, err, "a child error folds into the ack instead of failing the whole command")
	assert.Equal(t, "boom", ack.Err)
	assert.False(t, secondCalled, "sequential must stop after the first error")
}

func TestSequentialScan_StopsAtFirstMatch(t *testing.T) {
	var thirdCalled bool
	s := write.SequentialScan{Children: []write.WriteOperation{
		fakeOp{ack: write.Ack{N: 0}},
		fakeOp{ack: write.Ack{N: 1}},
		fakeOpFunc(func() { thirdCalled = true }),
	}}
	ack, err := s.Acknowledge(context.Background(), write.ParseWriteConcern(nil))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ack.N)
	assert.False(t, thirdCalled)
}

func TestFailedOp_FoldsClassificationErrorIntoAck(t *testing.T) {
	want := errors.New("upsert without a shard key")
	op := write.FailedOp{Err: want}
	ack, err := op.Acknowledge(context.Background(), write.ParseWriteConcern(nil))
	require.NoError(t, err, "a classification rejection surfaces as a write error, not a command failure")
	assert.Equal(t, want.Error(), ack.Err)
}

func TestNullOp_AcknowledgesWithZeroN(t *testing.T) {
	ack, err := (write.NullOp{}).Acknowledge(context.Background(), write.ParseWriteConcern(nil))
	require.NoError(t, err)
	assert.Equal(t, int64(0), ack.N)
}

// fakeOp is a minimal WriteOperation for exercising Parallel/Sequential
// folding without a real backend round-trip.
type fakeOp struct {
	ack write.Ack
	err error
}

func (f fakeOp) Acknowledge(context.Context, write.WriteConcern) (write.Ack, error) {
	return f.ack, f.err
}

func fakeOpFunc(fn func()) write.WriteOperation {
	return fakeOpCall{fn: fn}
}

type fakeOpCall struct {
	fn func()
}

func (f fakeOpCall) Acknowledge(context.Context, write.WriteConcern) (write.Ack, error) {
	f.fn()
	return write.Ack{}, nil
}
