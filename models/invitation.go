package models

// Invitation is a request to add a user to the organization with an access level and,
// optionally, an inline project entitlement.
type Invitation struct {
	Email     string
	License   License
	ProjectID string    // required when GroupType is set
	GroupType GroupType // empty means a plain organization invitation
}

// InvitationResult is the outcome of one invitation inside a batch.
type InvitationResult struct {
	Email   string
	Success bool
	Errors  []string
}
