package authz

// Role is an ordered privilege level. The numeric rank is the single
// source of truth for every privilege comparison: a higher rank always
// subsumes a check that names only a lower role.
type Role string

const (
	RoleUser         Role = "user"
	RoleNetworkAdmin Role = "network_admin"
	RoleCompanyAdmin Role = "company_admin"
	RoleSuperAdmin   Role = "super_admin"

	// RoleCreator sits outside the admin ordering. It only gates agent
	// submission capabilities and ranks as an ordinary user everywhere
	// else.
	RoleCreator Role = "creator"
)

var roleRanks = map[Role]int{
	RoleUser:         0,
	RoleCreator:      0,
	RoleNetworkAdmin: 1,
	RoleCompanyAdmin: 2,
	RoleSuperAdmin:   3,
}

// Rank returns the privilege rank of r. Unknown roles rank 0, so a
// malformed role denies by default rather than escalating.
func (r Role) Rank() int {
	return roleRanks[r]
}

// Known reports whether r is one of the defined roles.
func (r Role) Known() bool {
	_, ok := roleRanks[r]
	return ok
}

// Satisfies reports whether r meets a requirement expressed as one or
// more acceptable roles. Satisfaction is rank-based and disjunctive:
// r qualifies if its rank reaches the lowest rank among the named
// roles. An empty requirement is never satisfied.
func (r Role) Satisfies(required ...Role) bool {
	if len(required) == 0 {
		return false
	}
	min := -1
	for _, req := range required {
		rank := req.Rank()
		if min < 0 || rank < min {
			min = rank
		}
	}
	return r.Rank() >= min
}
