package rbac

type Role string
type Action string

const (
	RoleOwner      Role = "owner"
	RoleAdmin      Role = "admin"
	RoleSafetyLead Role = "safety_lead"
	RoleMember     Role = "member"
	RoleExecutive  Role = "executive"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionExport  Action = "export"
	ActionBilling Action = "billing"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner, RoleAdmin:
		return true
	case RoleSafetyLead:
		return action == ActionRead || action == ActionWrite || action == ActionExport
	case RoleMember:
		return action == ActionRead || action == ActionWrite
	case RoleExecutive:
		// read-only oversight, may pull reports
		return action == ActionRead || action == ActionExport
	default:
		return false
	}
}

// Normalize maps unknown or empty roles to member.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleAdmin, RoleSafetyLead, RoleMember, RoleExecutive:
		return Role(role)
	default:
		return RoleMember
	}
}
