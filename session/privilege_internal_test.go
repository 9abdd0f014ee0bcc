package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrivilegeSet_DisabledAlwaysAllows(t *testing.T) {
	p := newPrivilegeSet(false)
	assert.True(t, p.allows("app", PrivClusterAdmin))
}

func TestPrivilegeSet_GrantScopesToDatabase(t *testing.T) {
	p := newPrivilegeSet(true)
	p.grant("app", "readWrite")

	assert.True(t, p.allows("app", PrivRead))
	assert.True(t, p.allows("app", PrivWrite))
	assert.False(t, p.allows("app", PrivDBAdmin))
	assert.False(t, p.allows("other", PrivRead))
}

func TestPrivilegeSet_AnyDatabaseRoleIsGlobal(t *testing.T) {
	p := newPrivilegeSet(true)
	p.grant("admin", "readAnyDatabase")

	assert.True(t, p.allows("app", PrivRead))
	assert.True(t, p.allows("otherdb", PrivRead))
	assert.False(t, p.allows("app", PrivWrite))
}

func TestPrivilegeSet_DBOwnerGrantsFullLocalMask(t *testing.T) {
	p := newPrivilegeSet(true)
	p.grant("app", "dbOwner")

	assert.True(t, p.allows("app", PrivRead|PrivWrite|PrivDBAdmin|PrivUserAdmin))
	assert.False(t, p.allows("app", PrivClusterAdmin))
}

func TestPrivilegeSet_UnknownRoleGrantsNothing(t *testing.T) {
	p := newPrivilegeSet(true)
	p.grant("app", "not-a-real-role")
	assert.False(t, p.allows("app", PrivRead))
}

func TestDatabaseOf(t *testing.T) {
	assert.Equal(t, "app", databaseOf("app.users"))
	assert.Equal(t, "admin", databaseOf("admin.$cmd"))
	assert.Equal(t, "justadb", databaseOf("justadb"))
}
