package github

import (
	"context"
	"fmt"

	gh "github.com/google/go-github/v79/github"

	"github.com/linnemanlabs/herald/internal/triage"
)

// Issue fetches one issue by number.
func (g *Gateway) Issue(ctx context.Context, number int) (*triage.Issue, error) {
	b, err := g.target()
	if err != nil {
		return nil, err
	}

	var is *gh.Issue
	err = g.call(ctx, "get_issue", b, func(ctx context.Context) (resp *gh.Response, err error) {
		is, resp, err = g.client.Issues.Get(ctx, b.owner, b.name, number)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("issue #%d: %w", number, err)
	}
	return IssueFromGitHub(is), nil
}

// Issues lists every issue in state (open, closed or all). Pull requests are excluded.
func (g *Gateway) Issues(ctx context.Context, state string) ([]*triage.Issue, error) {
	b, err := g.target()
	if err != nil {
		return nil, err
	}
	switch state {
	case "":
		state = "open"
	case "open", "closed", "all":
	default:
		return nil, fmt.Errorf("list issues: unknown state %q: %w", state, triage.ErrConfiguration)
	}

	out := []*triage.Issue{}
	opts := &gh.IssueListByRepoOptions{
		State:       state,
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	for {
		var page []*gh.Issue
		var next int
		err := g.call(ctx, "list_issues", b, func(ctx context.Context) (*gh.Response, error) {
			var resp *gh.Response
			var err error
			page, resp, err = g.client.Issues.ListByRepo(ctx, b.owner, b.name, opts)
			if resp != nil {
				next = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, is := range page {
			if is.IsPullRequest() {
				continue
			}
			out = append(out, IssueFromGitHub(is))
		}
		if next == 0 {
			return out, nil
		}
		opts.Page = next
	}
}

// ApplyLabels adds labels to the issue in one call.
func (g *Gateway) ApplyLabels(ctx context.Context, number int, labels []string) error {
	b, err := g.target()
	if err != nil {
		return err
	}
	return g.call(ctx, "add_labels", b, func(ctx context.Context) (resp *gh.Response, err error) {
		_, resp, err = g.client.Issues.AddLabelsToIssue(ctx, b.owner, b.name, number, labels)
		return resp, err
	})
}

// Assign adds login as an assignee.
func (g *Gateway) Assign(ctx context.Context, number int, login string) error {
	b, err := g.target()
	if err != nil {
		return err
	}
	return g.call(ctx, "add_assignees", b, func(ctx context.Context) (resp *gh.Response, err error) {
		_, resp, err = g.client.Issues.AddAssignees(ctx, b.owner, b.name, number, []string{login})
		return resp, err
	})
}

// PostComment creates a new comment on the issue.
func (g *Gateway) PostComment(ctx context.Context, number int, body string) error {
	b, err := g.target()
	if err != nil {
		return err
	}
	return g.call(ctx, "create_comment", b, func(ctx context.Context) (resp *gh.Response, err error) {
		_, resp, err = g.client.Issues.CreateComment(ctx, b.owner, b.name, number, &gh.IssueComment{Body: gh.Ptr(body)})
		return resp, err
	})
}

// IssueFromGitHub maps a go-github issue (REST or webhook payload) to a triage snapshot.
func IssueFromGitHub(is *gh.Issue) *triage.Issue {
	if is == nil {
		return nil
	}
	user := is.GetUser()
	out := &triage.Issue{
		Number: is.GetNumber(),
		Title:  is.GetTitle(),
		Body:   is.GetBody(),
		Author: triage.Author{
			Login: user.GetLogin(),
			ID:    user.GetID(),
			Type:  user.GetType(),
		},
		State:     triage.State(is.GetState()),
		Labels:    []string{},
		Assignees: []string{},
		CreatedAt: is.GetCreatedAt().Time,
		UpdatedAt: is.GetUpdatedAt().Time,
	}
	for _, l := range is.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	for _, a := range is.Assignees {
		out.Assignees = append(out.Assignees, a.GetLogin())
	}
	return out
}
