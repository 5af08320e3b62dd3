package models

import "strings"

// Role is the requested role of a user inside a team.
type Role int

const (
	// RoleMember is the default role and is granted contributor rights.
	RoleMember Role = iota
	// RoleAdmin maps to project administrators.
	RoleAdmin
	// RoleContributor maps to project contributors.
	RoleContributor
	// RoleReader maps to project readers.
	RoleReader
	// RoleStakeholder maps to project stakeholders.
	RoleStakeholder
)

// GroupType is the Azure DevOps project group type used in project entitlements.
type GroupType string

const (
	GroupTypeProjectAdministrator GroupType = "projectAdministrator"
	GroupTypeProjectContributor   GroupType = "projectContributor"
	GroupTypeProjectReader        GroupType = "projectReader"
	GroupTypeProjectStakeholder   GroupType = "projectStakeholder"
)

// ParseRole maps free text to a Role. Unrecognized or empty input yields RoleMember.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin", "administrator":
		return RoleAdmin
	case "contributor":
		return RoleContributor
	case "reader":
		return RoleReader
	case "stakeholder":
		return RoleStakeholder
	default:
		return RoleMember
	}
}

// GroupType returns the project group type granted for the role.
func (r Role) GroupType() GroupType {
	switch r {
	case RoleAdmin:
		return GroupTypeProjectAdministrator
	case RoleReader:
		return GroupTypeProjectReader
	case RoleStakeholder:
		return GroupTypeProjectStakeholder
	default:
		return GroupTypeProjectContributor
	}
}

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "Admin"
	case RoleContributor:
		return "Contributor"
	case RoleReader:
		return "Reader"
	case RoleStakeholder:
		return "Stakeholder"
	default:
		return "Member"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	*r = ParseRole(string(text))
	return nil
}

// License is the organization access level assigned on invitation.
type License string

const (
	LicenseStakeholder License = "stakeholder"
	LicenseBasic       License = "express"
	LicenseAdvanced    License = "advanced"
)

// ParseLicense maps free text to a License. Empty or unknown input yields def.
func ParseLicense(s string, def License) License {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stakeholder":
		return LicenseStakeholder
	case "basic", "express":
		return LicenseBasic
	case "advanced", "basic+test plans", "basic + test plans":
		return LicenseAdvanced
	default:
		return def
	}
}
