// Package access models caller identities and the capability predicate that gates
// ledger operations. Identity issuance lives outside this service.
package access

import (
	"sort"
	"strings"
	"sync"
)

// Identity is the opaque principal performing a call.
type Identity string

// Role is a named capability.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleBroker   Role = "broker"
	RoleVerifier Role = "verifier"
)

// Authorizer is the capability-check predicate consumed by the ledger components.
type Authorizer interface {
	HasRole(id Identity, role Role) bool
}

// AuthorizerFunc adapts a plain function to Authorizer.
type AuthorizerFunc func(id Identity, role Role) bool

func (f AuthorizerFunc) HasRole(id Identity, role Role) bool { return f(id, role) }

// RoleTable is an in-memory Authorizer with grant/revoke.
type RoleTable struct {
	mu     sync.RWMutex
	grants map[Role]map[Identity]struct{}
}

// NewRoleTable creates a role table seeded from role -> identities.
func NewRoleTable(seed map[Role][]Identity) *RoleTable {
	t := &RoleTable{grants: make(map[Role]map[Identity]struct{})}
	for role, ids := range seed {
		for _, id := range ids {
			t.Grant(role, id)
		}
	}
	return t
}

// HasRole implements Authorizer.
func (t *RoleTable) HasRole(id Identity, role Role) bool {
	if id == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.grants[role][id]
	return ok
}

// Grant gives role to id. Granting twice is a no-op.
func (t *RoleTable) Grant(role Role, id Identity) {
	id = Identity(strings.TrimSpace(string(id)))
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	holders, ok := t.grants[role]
	if !ok {
		holders = make(map[Identity]struct{})
		t.grants[role] = holders
	}
	holders[id] = struct{}{}
}

// Revoke removes role from id.
func (t *RoleTable) Revoke(role Role, id Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.grants[role], id)
}

// RolesOf lists the roles held by id in a stable order.
func (t *RoleTable) RolesOf(id Identity) []Role {
	t.mu.RLock()
	defer t.mu.RUnlock()
	roles := make([]Role, 0)
	for role, holders := range t.grants {
		if _, ok := holders[id]; ok {
			roles = append(roles, role)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// ParseRole validates a role name coming from configuration or an API call.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleBroker, RoleVerifier:
		return r, true
	default:
		return "", false
	}
}
