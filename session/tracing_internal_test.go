package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moleculardb/shardrouter/wire"
)

func TestOpcodeName(t *testing.T) {
	cases := []struct {
		op   wire.Opcode
		want string
	}{
		{wire.OpQuery, "session.query"},
		{wire.OpGetMore, "session.getMore"},
		{wire.OpKillCursors, "session.killCursors"},
		{wire.OpInsert, "session.insert"},
		{wire.OpUpdate, "session.update"},
		{wire.OpDelete, "session.delete"},
		{wire.Opcode(9999), "session.dispatch"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, opcodeName(c.op))
	}
}
