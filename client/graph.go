package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/vaintrub/azdo-roster/models"
)

// GraphGroupsIter returns an iterator over the organization's graph groups.
// The graph API returns its continuation token in the X-MS-ContinuationToken header.
func (a *Adapter) GraphGroupsIter() *Iterator[models.GraphGroup] {
	return NewIterator(func(ctx context.Context, token string) (Page[models.GraphGroup], error) {
		query := url.Values{}
		if token != "" {
			query.Set("continuationToken", token)
		}

		res, err := a.doRequest(ctx, requestConfig{
			host:   hostGraph,
			method: http.MethodGet,
			path:   "/_apis/graph/groups",
			query:  query,
		})
		if err != nil {
			return Page[models.GraphGroup]{}, err
		}

		var resp struct {
			Value []models.GraphGroup `json:"value"`
		}
		if err := decodeJSON(res.Body, &resp); err != nil {
			return Page[models.GraphGroup]{}, err
		}
		return Page[models.GraphGroup]{
			Items:             resp.Value,
			ContinuationToken: res.Headers.Get("X-MS-ContinuationToken"),
		}, nil
	})
}

// ListGraphGroups retrieves every graph group visible in the organization.
func (a *Adapter) ListGraphGroups(ctx context.Context) ([]models.GraphGroup, error) {
	groups, err := a.GraphGroupsIter().Collect(ctx)
	if err != nil {
		return nil, err
	}
	if groups == nil {
		groups = []models.GraphGroup{}
	}
	return groups, nil
}

// GetDescriptor resolves a storage key (team id, user id) to its graph descriptor.
func (a *Adapter) GetDescriptor(ctx context.Context, storageKey string) (string, error) {
	if storageKey == "" {
		return "", &ValidationError{Field: "storageKey", Message: "cannot be empty"}
	}

	var resp struct {
		Value string `json:"value"`
	}
	err := a.doJSON(ctx, requestConfig{
		host:       hostGraph,
		method:     http.MethodGet,
		path:       "/_apis/graph/descriptors/%s",
		pathParams: []string{storageKey},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Value == "" {
		return "", &APIError{StatusCode: http.StatusNotFound, Message: "descriptor not found for " + storageKey}
	}
	return resp.Value, nil
}

// CheckMembership reports whether subject is a direct member of container.
func (a *Adapter) CheckMembership(ctx context.Context, subjectDescriptor, containerDescriptor string) (bool, error) {
	if err := validateMembershipArgs(subjectDescriptor, containerDescriptor); err != nil {
		return false, err
	}

	err := a.doNoContent(ctx, requestConfig{
		host:        hostGraph,
		method:      http.MethodGet,
		path:        "/_apis/graph/memberships/%s/%s",
		pathParams:  []string{subjectDescriptor, containerDescriptor},
		expectCodes: []int{http.StatusOK, http.StatusNoContent},
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// AddMembership makes subject a member of container.
func (a *Adapter) AddMembership(ctx context.Context, subjectDescriptor, containerDescriptor string) error {
	if err := validateMembershipArgs(subjectDescriptor, containerDescriptor); err != nil {
		return err
	}

	return a.doNoContent(ctx, requestConfig{
		host:        hostGraph,
		method:      http.MethodPut,
		path:        "/_apis/graph/memberships/%s/%s",
		pathParams:  []string{subjectDescriptor, containerDescriptor},
		expectCodes: []int{http.StatusOK, http.StatusCreated},
	})
}

// RemoveMembership removes subject from container.
func (a *Adapter) RemoveMembership(ctx context.Context, subjectDescriptor, containerDescriptor string) error {
	if err := validateMembershipArgs(subjectDescriptor, containerDescriptor); err != nil {
		return err
	}

	return a.doNoContent(ctx, requestConfig{
		host:        hostGraph,
		method:      http.MethodDelete,
		path:        "/_apis/graph/memberships/%s/%s",
		pathParams:  []string{subjectDescriptor, containerDescriptor},
		expectCodes: []int{http.StatusOK, http.StatusNoContent},
	})
}

func validateMembershipArgs(subject, container string) error {
	if subject == "" {
		return &ValidationError{Field: "subjectDescriptor", Message: "cannot be empty"}
	}
	if container == "" {
		return &ValidationError{Field: "containerDescriptor", Message: "cannot be empty"}
	}
	return nil
}
