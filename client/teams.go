package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/vaintrub/azdo-roster/models"
)

// TeamsIter returns an iterator over the project's teams, paged with $top/$skip.
func (a *Adapter) TeamsIter() *Iterator[models.Team] {
	return NewIterator(func(ctx context.Context, token string) (Page[models.Team], error) {
		skip := 0
		if token != "" {
			skip, _ = strconv.Atoi(token)
		}

		var resp struct {
			Value []models.Team `json:"value"`
		}
		err := a.doJSON(ctx, requestConfig{
			method:     http.MethodGet,
			path:       "/_apis/projects/%s/teams",
			pathParams: []string{a.project},
			query: url.Values{
				"$top":  {strconv.Itoa(a.opts.pageSize)},
				"$skip": {strconv.Itoa(skip)},
			},
		}, &resp)
		if err != nil {
			return Page[models.Team]{}, err
		}

		page := Page[models.Team]{Items: resp.Value}
		if len(resp.Value) == a.opts.pageSize {
			page.ContinuationToken = strconv.Itoa(skip + len(resp.Value))
		}
		return page, nil
	})
}

// ListTeams retrieves every team of the project.
func (a *Adapter) ListTeams(ctx context.Context) ([]models.Team, error) {
	teams, err := a.TeamsIter().Collect(ctx)
	if err != nil {
		return nil, err
	}
	if teams == nil {
		teams = []models.Team{}
	}
	return teams, nil
}

// ListTeamMembers lists the identities that are members of a team.
func (a *Adapter) ListTeamMembers(ctx context.Context, teamID string) ([]models.TeamMember, error) {
	if teamID == "" {
		return nil, &ValidationError{Field: "teamID", Message: "cannot be empty"}
	}

	var resp struct {
		Value []struct {
			Identity struct {
				ID          string `json:"id"`
				DisplayName string `json:"displayName"`
				UniqueName  string `json:"uniqueName"`
			} `json:"identity"`
			IsTeamAdmin bool `json:"isTeamAdmin"`
		} `json:"value"`
	}
	err := a.doJSON(ctx, requestConfig{
		method:     http.MethodGet,
		path:       "/_apis/projects/%s/teams/%s/members",
		pathParams: []string{a.project, teamID},
		query:      url.Values{"$top": {"1000"}},
	}, &resp)
	if err != nil {
		return nil, err
	}

	members := make([]models.TeamMember, 0, len(resp.Value))
	for _, m := range resp.Value {
		members = append(members, models.TeamMember{
			ID:          m.Identity.ID,
			DisplayName: m.Identity.DisplayName,
			UniqueName:  m.Identity.UniqueName,
			IsTeamAdmin: m.IsTeamAdmin,
		})
	}
	return members, nil
}

// AddTeamMemberByEmail adds a user to a team by unique name (email).
func (a *Adapter) AddTeamMemberByEmail(ctx context.Context, teamID, email string) error {
	if teamID == "" {
		return &ValidationError{Field: "teamID", Message: "cannot be empty"}
	}
	if email == "" {
		return &ValidationError{Field: "email", Message: "cannot be empty"}
	}

	return a.doNoContent(ctx, requestConfig{
		method:      http.MethodPost,
		path:        "/%s/_apis/teams/%s/members",
		pathParams:  []string{a.project, teamID},
		body:        map[string]string{"uniqueName": email},
		expectCodes: []int{http.StatusOK, http.StatusCreated, http.StatusNoContent},
	})
}

// AddTeamMemberByID adds a user to a team by identity id.
func (a *Adapter) AddTeamMemberByID(ctx context.Context, teamID, userID string) error {
	if teamID == "" {
		return &ValidationError{Field: "teamID", Message: "cannot be empty"}
	}
	if userID == "" {
		return &ValidationError{Field: "userID", Message: "cannot be empty"}
	}

	return a.doNoContent(ctx, requestConfig{
		method:      http.MethodPut,
		path:        "/%s/_apis/teams/%s/members/%s",
		pathParams:  []string{a.project, teamID, userID},
		expectCodes: []int{http.StatusOK, http.StatusCreated, http.StatusNoContent},
	})
}

// AddTeamMemberAlternate posts a non-admin membership by unique name.
// Some organizations only accept this payload shape while the identity is still propagating.
func (a *Adapter) AddTeamMemberAlternate(ctx context.Context, teamID, email string) error {
	if teamID == "" {
		return &ValidationError{Field: "teamID", Message: "cannot be empty"}
	}
	if email == "" {
		return &ValidationError{Field: "email", Message: "cannot be empty"}
	}

	return a.doNoContent(ctx, requestConfig{
		method:     http.MethodPost,
		path:       "/%s/_apis/teams/%s/members",
		pathParams: []string{a.project, teamID},
		body: map[string]interface{}{
			"uniqueName":  email,
			"isTeamAdmin": false,
		},
		expectCodes: []int{http.StatusOK, http.StatusCreated},
	})
}
