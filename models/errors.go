package models

import "errors"

// Error taxonomy shared by every component. Use errors.Is to classify.
var (
	// ErrConfiguration indicates missing or invalid settings. Fatal for a run.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnectivity indicates the target project is unreachable or the credential is rejected. Fatal for a run.
	ErrConnectivity = errors.New("connectivity error")

	// ErrAmbiguousTarget indicates a partial team name matched more than one candidate.
	ErrAmbiguousTarget = errors.New("ambiguous target")

	// ErrNotFound indicates a team, group or user could not be resolved.
	ErrNotFound = errors.New("not found")

	// ErrTransient indicates a timeout, throttling or unsupported-verb response.
	ErrTransient = errors.New("transient api error")

	// ErrPermission indicates a persistent authorization failure.
	ErrPermission = errors.New("permission denied")

	// ErrNotImplemented marks an extension point that has no implementation yet.
	ErrNotImplemented = errors.New("not implemented")
)
