package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vaintrub/azdo-roster/internal/resolve"
	"github.com/vaintrub/azdo-roster/models"
)

// Result is the tri-state outcome of one strategy.
type Result int

const (
	// Failure means the strategy ran and did not achieve membership.
	Failure Result = iota
	// Success means the user now has (or already had) the requested membership.
	Success
	// Inapplicable means the strategy's preconditions were not met and nothing was attempted.
	Inapplicable
)

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Inapplicable:
		return "inapplicable"
	default:
		return "failure"
	}
}

// Request is the input handed to every strategy.
type Request struct {
	Directive models.Directive
	Email     string // normalized
	Target    resolve.Target
}

// StrategyFunc attempts one way of applying a request.
type StrategyFunc func(ctx context.Context, req Request) (Result, error)

// Strategy is a named StrategyFunc.
type Strategy struct {
	Name  string
	Apply StrategyFunc
}

// Attempt records what one strategy did.
type Attempt struct {
	Strategy string
	Result   Result
	Err      error
}

// ExhaustedError is returned when no strategy succeeded.
type ExhaustedError struct {
	Email    string
	Target   string
	Attempts []Attempt
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", a.Strategy, a.Result))
		}
	}
	msg := fmt.Sprintf("all membership strategies failed for %s in %q", e.Email, e.Target)
	if len(parts) > 0 {
		msg += " (" + strings.Join(parts, "; ") + ")"
	}
	if e.PermissionDenied() {
		msg += ": manual portal action required"
	}
	return msg
}

// Unwrap exposes every attempt error to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	var errs []error
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// PermissionDenied reports whether any attempt was rejected for lack of permission.
func (e *ExhaustedError) PermissionDenied() bool {
	for _, a := range e.Attempts {
		if a.Err != nil && errors.Is(a.Err, models.ErrPermission) {
			return true
		}
	}
	return false
}

// runStrategies applies strategies in order and stops at the first success.
func (o *Operator) runStrategies(ctx context.Context, strategies []Strategy, req Request, attempts []Attempt) ([]Attempt, bool) {
	for _, s := range strategies {
		if ctx.Err() != nil {
			attempts = append(attempts, Attempt{Strategy: s.Name, Result: Failure, Err: ctx.Err()})
			return attempts, false
		}
		res, err := s.Apply(ctx, req)
		attempts = append(attempts, Attempt{Strategy: s.Name, Result: res, Err: err})
		o.logger.DebugContext(ctx, "membership strategy",
			"strategy", s.Name,
			"email", req.Email,
			"target", req.Target.Name,
			"result", res.String(),
			"error", err,
		)
		if res == Success {
			return attempts, true
		}
	}
	return attempts, false
}
