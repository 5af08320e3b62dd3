// Package client provides a self-contained client for the Azure DevOps REST API
// surface used to provision team and group memberships.
package client

import (
	"context"

	"github.com/vaintrub/azdo-roster/models"
)

// Client defines the interface for interacting with one Azure DevOps organization/project pair.
type Client interface {
	// Connectivity (GET /_apis/projects, GET /_apis/projects/{project})
	TestConnection(ctx context.Context) error
	GetProject(ctx context.Context) (*models.Project, error)

	// Teams (GET /_apis/projects/{project}/teams, .../teams/{team}/members)
	ListTeams(ctx context.Context) ([]models.Team, error)
	ListTeamMembers(ctx context.Context, teamID string) ([]models.TeamMember, error)
	AddTeamMemberByEmail(ctx context.Context, teamID, email string) error
	AddTeamMemberByID(ctx context.Context, teamID, userID string) error
	AddTeamMemberAlternate(ctx context.Context, teamID, email string) error

	// User entitlements (GET/POST/PATCH vsaex /_apis/userentitlements)
	ListUserEntitlements(ctx context.Context) ([]models.DirectoryUser, error)
	InviteUser(ctx context.Context, inv models.Invitation) error
	InviteUsers(ctx context.Context, invs []models.Invitation) ([]models.InvitationResult, error)

	// Graph (vssps /_apis/graph/groups, /descriptors, /memberships)
	ListGraphGroups(ctx context.Context) ([]models.GraphGroup, error)
	GetDescriptor(ctx context.Context, storageKey string) (string, error)
	CheckMembership(ctx context.Context, subjectDescriptor, containerDescriptor string) (bool, error)
	AddMembership(ctx context.Context, subjectDescriptor, containerDescriptor string) error
	RemoveMembership(ctx context.Context, subjectDescriptor, containerDescriptor string) error
}

var _ Client = (*Adapter)(nil)
