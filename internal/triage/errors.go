package triage

import "errors"

var (
	// ErrConfiguration marks missing credentials or an unbound collaborator.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransport marks a failed call to a remote service.
	ErrTransport = errors.New("transport error")

	// ErrNotFound marks a tracker resource that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrParse marks a model response that could not be turned into an Analysis.
	ErrParse = errors.New("parse error")

	// ErrInvalidIssue marks an issue snapshot that fails boundary validation.
	ErrInvalidIssue = errors.New("invalid issue")
)
