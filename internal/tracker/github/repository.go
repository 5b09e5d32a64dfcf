package github

import (
	"context"
	"errors"
	"fmt"

	gh "github.com/google/go-github/v79/github"

	"github.com/linnemanlabs/herald/internal/triage"
)

// Repository returns the bound repository's identity.
func (g *Gateway) Repository(ctx context.Context) (*triage.RepositoryRef, error) {
	b, err := g.target()
	if err != nil {
		return nil, err
	}

	var repo *gh.Repository
	err = g.call(ctx, "get_repository", b, func(ctx context.Context) (resp *gh.Response, err error) {
		repo, resp, err = g.client.Repositories.Get(ctx, b.owner, b.name)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return &triage.RepositoryRef{Name: repo.GetName(), FullName: repo.GetFullName()}, nil
}

// RepositoryContext fetches metadata, labels, contributors and the allow-listed
// docs. Each doc is cut to the configured rune budget; missing docs are omitted.
func (g *Gateway) RepositoryContext(ctx context.Context) (*triage.RepositoryContext, error) {
	b, err := g.target()
	if err != nil {
		return nil, err
	}

	var repo *gh.Repository
	err = g.call(ctx, "get_repository", b, func(ctx context.Context) (resp *gh.Response, err error) {
		repo, resp, err = g.client.Repositories.Get(ctx, b.owner, b.name)
		return resp, err
	})
	if err != nil {
		return nil, err
	}

	labels, err := g.labels(ctx, b)
	if err != nil {
		return nil, err
	}
	contributors, err := g.contributors(ctx, b)
	if err != nil {
		return nil, err
	}
	docs, err := g.docs(ctx, b)
	if err != nil {
		return nil, err
	}

	topics := repo.Topics
	if topics == nil {
		topics = []string{}
	}

	rc := &triage.RepositoryContext{
		Name:         repo.GetName(),
		FullName:     repo.GetFullName(),
		Description:  repo.GetDescription(),
		Language:     repo.GetLanguage(),
		Topics:       topics,
		Labels:       labels,
		Contributors: contributors,
		Docs:         docs,
	}
	g.logger.Info(ctx, "repository context fetched",
		"repository", rc.FullName,
		"labels", len(labels),
		"contributors", len(contributors),
		"docs", len(docs),
	)
	return rc, nil
}

// Labels lists every label name defined on the bound repository.
func (g *Gateway) Labels(ctx context.Context) ([]string, error) {
	b, err := g.target()
	if err != nil {
		return nil, err
	}
	return g.labels(ctx, b)
}

// Contributors lists contributor logins of the bound repository.
func (g *Gateway) Contributors(ctx context.Context) ([]string, error) {
	b, err := g.target()
	if err != nil {
		return nil, err
	}
	return g.contributors(ctx, b)
}

func (g *Gateway) labels(ctx context.Context, b *binding) ([]string, error) {
	out := []string{}
	opts := &gh.ListOptions{PerPage: perPage}
	for {
		var page []*gh.Label
		var next int
		err := g.call(ctx, "list_labels", b, func(ctx context.Context) (*gh.Response, error) {
			var resp *gh.Response
			var err error
			page, resp, err = g.client.Issues.ListLabels(ctx, b.owner, b.name, opts)
			if resp != nil {
				next = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, l := range page {
			out = append(out, l.GetName())
		}
		if next == 0 {
			return out, nil
		}
		opts.Page = next
	}
}

func (g *Gateway) contributors(ctx context.Context, b *binding) ([]string, error) {
	out := []string{}
	opts := &gh.ListContributorsOptions{ListOptions: gh.ListOptions{PerPage: perPage}}
	for {
		var page []*gh.Contributor
		var next int
		err := g.call(ctx, "list_contributors", b, func(ctx context.Context) (*gh.Response, error) {
			var resp *gh.Response
			var err error
			page, resp, err = g.client.Repositories.ListContributors(ctx, b.owner, b.name, opts)
			if resp != nil {
				next = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, c := range page {
			out = append(out, c.GetLogin())
		}
		if next == 0 {
			return out, nil
		}
		opts.Page = next
	}
}

func (g *Gateway) docs(ctx context.Context, b *binding) (map[string]string, error) {
	docs := make(map[string]string, len(triage.DocPaths))
	for _, path := range triage.DocPaths {
		var file *gh.RepositoryContent
		err := g.call(ctx, "get_contents", b, func(ctx context.Context) (resp *gh.Response, err error) {
			file, _, resp, err = g.client.Repositories.GetContents(ctx, b.owner, b.name, path, nil)
			return resp, err
		})
		if errors.Is(err, triage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", path, err)
		}
		// a directory at the path comes back as a listing, not a file
		if file == nil {
			continue
		}
		content, err := file.GetContent()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w: %w", path, triage.ErrTransport, err)
		}
		docs[path] = truncateRunes(content, g.docBudget)
	}
	return docs, nil
}

// truncateRunes returns at most n runes of s.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
