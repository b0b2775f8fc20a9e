package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleTableGrantRevoke(t *testing.T) {
	table := NewRoleTable(map[Role][]Identity{
		RoleVerifier: {"admin"},
		RoleAdmin:    {"admin"},
	})

	assert.True(t, table.HasRole("admin", RoleVerifier))
	assert.False(t, table.HasRole("broker", RoleBroker))

	table.Grant(RoleBroker, "broker")
	assert.True(t, table.HasRole("broker", RoleBroker))

	table.Revoke(RoleBroker, "broker")
	assert.False(t, table.HasRole("broker", RoleBroker))

	assert.Equal(t, []Role{RoleAdmin, RoleVerifier}, table.RolesOf("admin"))
}

func TestEmptyIdentityNeverHoldsRoles(t *testing.T) {
	table := NewRoleTable(nil)
	table.Grant(RoleAdmin, "  ")

	assert.False(t, table.HasRole("", RoleAdmin))
	assert.Empty(t, table.RolesOf(""))
}

func TestParseRole(t *testing.T) {
	r, ok := ParseRole(" Verifier ")
	assert.True(t, ok)
	assert.Equal(t, RoleVerifier, r)

	_, ok = ParseRole("owner")
	assert.False(t, ok)
}

func TestAuthorizerFunc(t *testing.T) {
	var a Authorizer = AuthorizerFunc(func(id Identity, role Role) bool {
		return id == "alice" && role == RoleBroker
	})
	assert.True(t, a.HasRole("alice", RoleBroker))
	assert.False(t, a.HasRole("alice", RoleAdmin))
}
