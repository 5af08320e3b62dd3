package models

import (
	"fmt"
	"strings"
)

// Action is the requested change for a directive.
type Action string

const (
	ActionAdd    Action = "Add"
	ActionRemove Action = "Remove"
)

// ParseAction maps case-insensitive "add"/"remove" to an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "add":
		return ActionAdd, nil
	case "remove":
		return ActionRemove, nil
	default:
		return "", fmt.Errorf("invalid action %q: must be Add or Remove", s)
	}
}

// Directive is one requested add/remove of one user against one named team or group.
type Directive struct {
	UserEmail string  `json:"userEmail" yaml:"email"`
	TeamName  string  `json:"teamName" yaml:"team"`
	Role      Role    `json:"role" yaml:"role"`
	Action    Action  `json:"action" yaml:"action"`
	License   License `json:"license,omitempty" yaml:"license,omitempty"`
}

// Validate checks the fields the reconciler relies on.
func (d Directive) Validate() error {
	email := strings.TrimSpace(d.UserEmail)
	if email == "" {
		return fmt.Errorf("user email cannot be empty")
	}
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email %q", d.UserEmail)
	}
	if d.Action != ActionAdd && d.Action != ActionRemove {
		return fmt.Errorf("invalid action %q: must be Add or Remove", d.Action)
	}
	if strings.TrimSpace(d.TeamName) == "" {
		return fmt.Errorf("team name cannot be empty for %s", email)
	}
	return nil
}

// NormalizeEmail lower-cases and trims an email address for directory lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
