package policy

import "strings"

// Role is the closed set of caller roles. The order is used only for
// default-deny breadth, never for numeric comparison in filters.
type Role int

const (
	Employee Role = iota
	Supervisor
	Manager
	Admin
)

var roleNames = [...]string{
	Employee:   "employee",
	Supervisor: "supervisor",
	Manager:    "manager",
	Admin:      "admin",
}

func (r Role) String() string {
	if r < Employee || r > Admin {
		return "unknown"
	}
	return roleNames[r]
}

// ParseRole maps a role claim to a Role. ok is false when the claim is
// missing or unrecognized, in which case Employee is returned.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "employee":
		return Employee, true
	case "supervisor":
		return Supervisor, true
	case "manager":
		return Manager, true
	case "admin":
		return Admin, true
	}
	return Employee, false
}
