package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConfigWrite_DeniesConfigDatabase(t *testing.T) {
	s := &Session{}
	err := s.checkConfigWrite("config.chunks")
	assert.Error(t, err)
}

func TestCheckConfigWrite_AllowsOrdinaryDatabase(t *testing.T) {
	s := &Session{}
	err := s.checkConfigWrite("app.users")
	assert.NoError(t, err)
}

func TestCheckConfigWrite_DeniesWritesInReadOnlyMode(t *testing.T) {
	s := &Session{cfg: Config{ReadOnly: true}}
	err := s.checkConfigWrite("app.users")
	assert.Error(t, err)
}

func TestRecordWriteError_CachesForGetLastError(t *testing.T) {
	s := &Session{}
	err := s.recordWriteError(assert.AnError)
	require.NoError(t, err, "legacy opcodes never reply at the wire level")
	assert.True(t, s.hasLastAck)
	assert.Equal(t, assert.AnError.Error(), s.lastAck.Err)
}

func TestHandleLegacyInsert_MalformedBodyRecordsError(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.handleLegacyInsert(context.Background(), headerFor(1), []byte{1, 2})
	require.NoError(t, err)
	assert.True(t, s.hasLastAck)
	assert.NotEmpty(t, s.lastAck.Err)
}

func TestHandleLegacyInsert_DeniesConfigWrites(t *testing.T) {
	s, _ := newTestSession(t)
	body := legacyInsertBody(t, "config.chunks")
	err := s.handleLegacyInsert(context.Background(), headerFor(1), body)
	require.NoError(t, err)
	assert.Contains(t, s.lastAck.Err, "config")
}

func TestHandleLegacyInsert_DeniesWithoutWritePrivilege(t *testing.T) {
	s, _ := newTestSession(t)
	s.privs = newPrivilegeSet(true)
	body := legacyInsertBody(t, "app.users")
	err := s.handleLegacyInsert(context.Background(), headerFor(1), body)
	require.NoError(t, err)
	assert.Contains(t, s.lastAck.Err, "not authorized")
}

// legacyInsertBody encodes the minimal OP_INSERT body (flags + namespace,
// no documents) needed to exercise handleLegacyInsert's pre-write checks
// without reaching the write pipeline.
func legacyInsertBody(t *testing.T, ns string) []byte {
	t.Helper()
	body := make([]byte, 4)
	body = append(body, []byte(ns)...)
	body = append(body, 0)
	return body
}
