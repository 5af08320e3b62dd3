// Package models contains data types for the Azure DevOps roster reconciler.
package models

// DirectoryUser is an organization member as listed by the user entitlements API.
// Email is lower-cased and is the lookup key.
type DirectoryUser struct {
	Email         string `json:"email"`
	Descriptor    string `json:"descriptor"`
	DisplayName   string `json:"displayName"`
	ID            string `json:"id"`
	PrincipalName string `json:"principalName,omitempty"`
}

// Project identifies the Azure DevOps project that owns the teams.
type Project struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state,omitempty"`
}

// Team is a project team. Names are display names and are not guaranteed unique.
type Team struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

// TeamMember is one identity in a team's member list.
type TeamMember struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName"`
	IsTeamAdmin bool   `json:"isTeamAdmin"`
}

// SecurityGroup is a project-scoped graph group addressed by principal name.
type SecurityGroup struct {
	PrincipalName string `json:"principalName"`
	DisplayName   string `json:"displayName"`
	Descriptor    string `json:"descriptor"`
	Description   string `json:"description,omitempty"`
}

// GraphGroup is a group as returned by the graph API.
type GraphGroup struct {
	Descriptor    string `json:"descriptor"`
	DisplayName   string `json:"displayName"`
	PrincipalName string `json:"principalName"`
	Description   string `json:"description"`
	Origin        string `json:"origin"`
	OriginID      string `json:"originId"`
}

// SecurityGroup converts a graph group into the resolver's security group shape.
func (g GraphGroup) SecurityGroup() SecurityGroup {
	return SecurityGroup{
		PrincipalName: g.PrincipalName,
		DisplayName:   g.DisplayName,
		Descriptor:    g.Descriptor,
		Description:   g.Description,
	}
}
