// internal/domain/models/role.go
package models

// Role is a member's position inside a crew.
// Ordering: Foreman > Lead > Member.
type Role string

const (
	RoleMember  Role = "member"
	RoleLead    Role = "lead"
	RoleForeman Role = "foreman"
)

// Rank orders roles; unknown roles rank below Member.
func (r Role) Rank() int {
	switch r {
	case RoleForeman:
		return 3
	case RoleLead:
		return 2
	case RoleMember:
		return 1
	}
	return 0
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return r.Rank() > 0 }

// AtLeast reports whether r is at or above other in the hierarchy.
func (r Role) AtLeast(other Role) bool { return r.Rank() >= other.Rank() }
