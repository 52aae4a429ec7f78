package model

// Role tags with engine-level meaning.
const (
	// RoleSelf is granted dynamically to the actor owning a flow instance.
	RoleSelf = "self"
	// RoleAdmin is the administrator role.
	RoleAdmin = "admin"
	// RoleExecutor is held by users who carry out work orders.
	RoleExecutor = "executor"
	// RoleAny matches every role; only valid in policy files.
	RoleAny = "*"
)

// RoleSet is a set of role tags held by an actor.
type RoleSet map[string]bool

// NewRoleSet builds a set from a list of roles.
func NewRoleSet(roles ...string) RoleSet {
	rs := make(RoleSet, len(roles))
	for _, r := range roles {
		if r != "" {
			rs[r] = true
		}
	}
	return rs
}

// Has returns true if the set contains the role, or the wildcard.
func (rs RoleSet) Has(role string) bool {
	return rs[role] || rs[RoleAny]
}

// HasAny returns true if the set matches at least one of the given roles.
func (rs RoleSet) HasAny(roles ...string) bool {
	for _, r := range roles {
		if rs.Has(r) {
			return true
		}
	}
	return false
}

// With returns a copy of the set with role added.
func (rs RoleSet) With(role string) RoleSet {
	out := make(RoleSet, len(rs)+1)
	for r := range rs {
		out[r] = true
	}
	out[role] = true
	return out
}

// Slice returns the roles in unspecified order.
func (rs RoleSet) Slice() []string {
	out := make([]string, 0, len(rs))
	for r := range rs {
		out = append(out, r)
	}
	return out
}
