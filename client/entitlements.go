package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vaintrub/azdo-roster/models"
)

// userEntitlement is the wire shape of one user entitlement.
type userEntitlement struct {
	ID   string `json:"id"`
	User struct {
		MailAddress   string `json:"mailAddress"`
		PrincipalName string `json:"principalName"`
		DisplayName   string `json:"displayName"`
		Descriptor    string `json:"descriptor"`
	} `json:"user"`
}

func (e userEntitlement) directoryUser() models.DirectoryUser {
	email := e.User.MailAddress
	if email == "" {
		email = e.User.PrincipalName
	}
	return models.DirectoryUser{
		Email:         models.NormalizeEmail(email),
		Descriptor:    e.User.Descriptor,
		DisplayName:   e.User.DisplayName,
		ID:            e.ID,
		PrincipalName: e.User.PrincipalName,
	}
}

// operationError is the key/value error shape used by the entitlement APIs.
type operationError struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func operationErrorStrings(errs []operationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.Value != "" {
			out = append(out, e.Value)
		} else if e.Key != "" {
			out = append(out, e.Key)
		}
	}
	return out
}

// InvitationError is returned when the entitlement API accepted the request but reported failure.
type InvitationError struct {
	Email  string
	Errors []string
}

// Error implements the error interface.
func (e *InvitationError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("invitation for %s was not successful", e.Email)
	}
	return fmt.Sprintf("invitation for %s failed: %s", e.Email, strings.Join(e.Errors, "; "))
}

// UserEntitlementsIter returns an iterator over the organization's user entitlements.
func (a *Adapter) UserEntitlementsIter() *Iterator[models.DirectoryUser] {
	return NewIterator(func(ctx context.Context, token string) (Page[models.DirectoryUser], error) {
		query := url.Values{}
		if token != "" {
			query.Set("continuationToken", token)
		}

		var resp struct {
			Members           []userEntitlement `json:"members"`
			ContinuationToken string            `json:"continuationToken"`
		}
		err := a.doJSON(ctx, requestConfig{
			host:   hostEntitlements,
			method: http.MethodGet,
			path:   "/_apis/userentitlements",
			query:  query,
		}, &resp)
		if err != nil {
			return Page[models.DirectoryUser]{}, err
		}

		users := make([]models.DirectoryUser, 0, len(resp.Members))
		for _, m := range resp.Members {
			users = append(users, m.directoryUser())
		}
		return Page[models.DirectoryUser]{Items: users, ContinuationToken: resp.ContinuationToken}, nil
	})
}

// ListUserEntitlements retrieves the full organization member directory.
func (a *Adapter) ListUserEntitlements(ctx context.Context) ([]models.DirectoryUser, error) {
	users, err := a.UserEntitlementsIter().Collect(ctx)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []models.DirectoryUser{}
	}
	return users, nil
}

// invitationPayload builds the user entitlement body for one invitation.
func invitationPayload(inv models.Invitation) map[string]interface{} {
	license := inv.License
	if license == "" {
		license = models.LicenseStakeholder
	}
	payload := map[string]interface{}{
		"accessLevel": map[string]string{
			"licensingSource":    "account",
			"accountLicenseType": string(license),
		},
		"user": map[string]string{
			"principalName": strings.TrimSpace(inv.Email),
			"subjectKind":   "user",
		},
	}
	if inv.GroupType != "" {
		payload["projectEntitlements"] = []map[string]interface{}{
			{
				"group":      map[string]string{"groupType": string(inv.GroupType)},
				"projectRef": map[string]string{"id": inv.ProjectID},
			},
		}
	}
	return payload
}

// isAlreadyMember reports whether an entitlement error text means the user already exists.
func isAlreadyMember(text string) bool {
	text = strings.ToLower(text)
	return strings.Contains(text, "already exists") || strings.Contains(text, "already a member")
}

// InviteUser adds one user to the organization, optionally with an inline project entitlement.
// A 400 response saying the user already exists counts as success.
func (a *Adapter) InviteUser(ctx context.Context, inv models.Invitation) error {
	if strings.TrimSpace(inv.Email) == "" {
		return &ValidationError{Field: "email", Message: "cannot be empty"}
	}
	if inv.GroupType != "" && inv.ProjectID == "" {
		return &ValidationError{Field: "projectID", Message: "required with a project entitlement"}
	}

	var resp struct {
		IsSuccess       bool `json:"isSuccess"`
		OperationResult struct {
			Errors []operationError `json:"errors"`
		} `json:"operationResult"`
	}
	res, err := a.doRequest(ctx, requestConfig{
		host:        hostEntitlements,
		method:      http.MethodPost,
		path:        "/_apis/userentitlements",
		body:        invitationPayload(inv),
		expectCodes: []int{http.StatusOK, http.StatusCreated},
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest && isAlreadyMember(string(apiErr.Body)) {
			return nil
		}
		return err
	}
	if err := decodeJSON(res.Body, &resp); err != nil {
		return err
	}
	if resp.IsSuccess {
		return nil
	}

	msgs := operationErrorStrings(resp.OperationResult.Errors)
	for _, m := range msgs {
		if isAlreadyMember(m) {
			return nil
		}
	}
	return &InvitationError{Email: inv.Email, Errors: msgs}
}

// InviteUsers submits every invitation in a single json-patch request and returns one result
// per invitation, in input order.
func (a *Adapter) InviteUsers(ctx context.Context, invs []models.Invitation) ([]models.InvitationResult, error) {
	if len(invs) == 0 {
		return nil, &ValidationError{Field: "invitations", Message: "cannot be empty"}
	}

	ops := make([]map[string]interface{}, 0, len(invs))
	for _, inv := range invs {
		if strings.TrimSpace(inv.Email) == "" {
			return nil, &ValidationError{Field: "email", Message: "cannot be empty"}
		}
		ops = append(ops, map[string]interface{}{
			"from":  "",
			"op":    "add",
			"path":  "",
			"value": invitationPayload(inv),
		})
	}

	var resp struct {
		IsSuccess bool `json:"isSuccess"`
		Results   []struct {
			IsSuccess bool             `json:"isSuccess"`
			Errors    []operationError `json:"errors"`
		} `json:"results"`
	}
	err := a.doJSON(ctx, requestConfig{
		host:        hostEntitlements,
		method:      http.MethodPatch,
		path:        "/_apis/userentitlements",
		body:        ops,
		contentType: "application/json-patch+json",
		expectCodes: []int{http.StatusOK, http.StatusCreated},
	}, &resp)
	if err != nil {
		return nil, err
	}

	results := make([]models.InvitationResult, len(invs))
	for i, inv := range invs {
		results[i] = models.InvitationResult{Email: inv.Email}
		if i >= len(resp.Results) {
			// Some deployments only return the aggregate flag
			results[i].Success = resp.IsSuccess
			if !resp.IsSuccess {
				results[i].Errors = []string{"no result returned for invitation"}
			}
			continue
		}
		r := resp.Results[i]
		msgs := operationErrorStrings(r.Errors)
		results[i].Success = r.IsSuccess
		if !r.IsSuccess {
			for _, m := range msgs {
				if isAlreadyMember(m) {
					results[i].Success = true
					break
				}
			}
		}
		if !results[i].Success {
			results[i].Errors = msgs
		}
	}
	return results, nil
}
