package collaboration

// Role represents a team member's role.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleMember  Role = "member"
	RoleGuest   Role = "guest"
)

// PlatformRole represents a platform-level role, independent of any team.
type PlatformRole string

const (
	PlatformViewer     PlatformRole = "viewer"
	PlatformTeamMember PlatformRole = "team_member"
	PlatformAdmin      PlatformRole = "admin"
	PlatformSuperAdmin PlatformRole = "super_admin"
)

// Capability is an action checked against the authorization matrix before
// every mutation.
type Capability int

const (
	CanManageTeam Capability = iota
	CanManageMembers
	CanCreateProjects
	CanViewAnalytics
	CanDeleteTeam
	CanInviteMembers
)

// roleLevel maps roles to their hierarchy level (higher = more permissions).
var roleLevel = map[Role]int{
	RoleOwner:   100,
	RoleAdmin:   75,
	RoleManager: 60,
	RoleMember:  50,
	RoleGuest:   25,
}

// Level returns the hierarchy level of the role.
func (r Role) Level() int {
	if level, ok := roleLevel[r]; ok {
		return level
	}
	return 0
}

// IsValid checks if the role is valid.
func (r Role) IsValid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleManager, RoleMember, RoleGuest:
		return true
	default:
		return false
	}
}

// Can is the authorization matrix: a pure mapping from (role, capability)
// to a grant. Every mutating façade method consults it before writing.
func (r Role) Can(cap Capability) bool {
	switch cap {
	case CanManageTeam:
		return r == RoleOwner || r == RoleAdmin

	case CanManageMembers:
		return r == RoleOwner || r == RoleAdmin

	case CanCreateProjects:
		return r == RoleOwner || r == RoleAdmin || r == RoleManager

	case CanViewAnalytics:
		return r != RoleGuest && r.IsValid()

	case CanDeleteTeam:
		return r == RoleOwner

	case CanInviteMembers:
		return r == RoleOwner || r == RoleAdmin || r == RoleManager

	default:
		return false
	}
}

// CanAssign checks if a role may hand out another role.
func (r Role) CanAssign(target Role) bool {
	// Owner can assign any role except owner.
	if r == RoleOwner {
		return target != RoleOwner
	}
	// Admin can assign manager, member, or guest.
	if r == RoleAdmin {
		return target == RoleManager || target == RoleMember || target == RoleGuest
	}
	return false
}

// IsValid checks if the platform role is valid.
func (p PlatformRole) IsValid() bool {
	switch p {
	case PlatformViewer, PlatformTeamMember, PlatformAdmin, PlatformSuperAdmin:
		return true
	default:
		return false
	}
}

// CanAdminister reports whether the platform role overrides team-level
// authorization entirely.
func (p PlatformRole) CanAdminister() bool {
	return p == PlatformAdmin || p == PlatformSuperAdmin
}

// ValidInviteRoles returns the roles assignable via invitation. Owner cannot
// be granted by invitation.
func ValidInviteRoles() []Role {
	return []Role{RoleAdmin, RoleManager, RoleMember, RoleGuest}
}

// IsValidInviteRole checks if a role can be assigned via invitation.
func IsValidInviteRole(r Role) bool {
	for _, valid := range ValidInviteRoles() {
		if r == valid {
			return true
		}
	}
	return false
}
