package triage

import "context"

// Tracker is the gateway to the remote issue tracker for one bound repository.
// Mutating methods make exactly one remote call and never retry. Errors wrap
// ErrConfiguration, ErrTransport or ErrNotFound.
type Tracker interface {
	Repository(ctx context.Context) (*RepositoryRef, error)
	RepositoryContext(ctx context.Context) (*RepositoryContext, error)
	Labels(ctx context.Context) ([]string, error)
	Contributors(ctx context.Context) ([]string, error)
	Issue(ctx context.Context, number int) (*Issue, error)
	Issues(ctx context.Context, state string) ([]*Issue, error)
	ApplyLabels(ctx context.Context, number int, labels []string) error
	Assign(ctx context.Context, number int, login string) error
	PostComment(ctx context.Context, number int, body string) error
}
