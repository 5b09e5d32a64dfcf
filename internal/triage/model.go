package triage

import (
	"fmt"
	"strings"
	"time"
)

// State is the tracker-side lifecycle of an issue.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// IssueType is the classification produced by the engine.
type IssueType string

const (
	TypeBug           IssueType = "bug"
	TypeFeature       IssueType = "feature"
	TypeDocumentation IssueType = "documentation"
	TypeEnhancement   IssueType = "enhancement"
	TypeQuestion      IssueType = "question"
	TypeUnknown       IssueType = "unknown"
)

// Valid reports whether t is one of the known issue types.
func (t IssueType) Valid() bool {
	switch t {
	case TypeBug, TypeFeature, TypeDocumentation, TypeEnhancement, TypeQuestion, TypeUnknown:
		return true
	}
	return false
}

// Priority is the urgency assigned by the engine.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Tier records which analysis path produced an Analysis.
type Tier string

const (
	// TierModel means the model response parsed and validated.
	TierModel Tier = "model"

	// TierFallback means the model answered but the response was unusable,
	// so keyword classification ran over the raw text.
	TierFallback Tier = "fallback"

	// TierBasic means the model could not be reached at all.
	TierBasic Tier = "basic"
)

// Author identifies who opened an issue.
type Author struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
	Type  string `json:"type,omitempty"`
}

// Issue is an immutable snapshot of a tracker issue taken at the start of a run.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Author    Author    `json:"user"`
	State     State     `json:"state"`
	Labels    []string  `json:"labels,omitempty"`
	Assignees []string  `json:"assignees,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate rejects issue shapes that must never reach the engine.
func (i *Issue) Validate() error {
	if i == nil {
		return fmt.Errorf("issue is required: %w", ErrInvalidIssue)
	}
	if i.Number <= 0 {
		return fmt.Errorf("issue number %d must be positive: %w", i.Number, ErrInvalidIssue)
	}
	if strings.TrimSpace(i.Title) == "" {
		return fmt.Errorf("issue #%d has an empty title: %w", i.Number, ErrInvalidIssue)
	}
	switch i.State {
	case StateOpen, StateClosed, "":
	default:
		return fmt.Errorf("issue #%d has unknown state %q: %w", i.Number, i.State, ErrInvalidIssue)
	}
	return nil
}

// RepositoryContext is a point-in-time snapshot of repository metadata fed to the engine.
type RepositoryContext struct {
	Name         string            `json:"name"`
	FullName     string            `json:"full_name"`
	Description  string            `json:"description,omitempty"`
	Language     string            `json:"language,omitempty"`
	Topics       []string          `json:"topics"`
	Labels       []string          `json:"labels"`
	Contributors []string          `json:"contributors"`
	Docs         map[string]string `json:"docs,omitempty"`
}

// Analysis is the engine's verdict on one issue.
type Analysis struct {
	IssueType         IssueType `json:"issue_type"`
	Priority          Priority  `json:"priority"`
	SuggestedLabels   []string  `json:"suggested_labels"`
	SuggestedAssignee *string   `json:"suggested_assignee"`
	Summary           string    `json:"summary"`
	Reasoning         string    `json:"reasoning"`
	Confidence        float64   `json:"confidence"`
	Tier              Tier      `json:"tier"`
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	Success        bool      `json:"success"`
	IssueNumber    int       `json:"issue_number"`
	RunID          string    `json:"run_id"`
	Analysis       *Analysis `json:"analysis,omitempty"`
	ActionsApplied bool      `json:"actions_applied"`
	SummaryComment string    `json:"summary_comment,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// BatchOutcome aggregates per-issue outcomes in input order.
type BatchOutcome struct {
	TotalProcessed int        `json:"total_processed"`
	Successful     int        `json:"successful"`
	Failed         int        `json:"failed"`
	Results        []*Outcome `json:"results"`
}

// SimilarIssue is one hit from a memory similarity search.
type SimilarIssue struct {
	IssueID string  `json:"issue_id"`
	Title   string  `json:"title"`
	Body    string  `json:"body"`
	Author  string  `json:"author"`
	Score   float64 `json:"score"`
}

// RepositorySummary is the slice of repository context returned with recommendations.
type RepositorySummary struct {
	Labels       []string `json:"labels"`
	Contributors []string `json:"contributors"`
	Topics       []string `json:"topics"`
}

// Recommendation is the read-only analysis result for an issue.
type Recommendation struct {
	Success       bool               `json:"success"`
	IssueNumber   int                `json:"issue_number"`
	Analysis      *Analysis          `json:"analysis,omitempty"`
	SimilarIssues []SimilarIssue     `json:"similar_issues"`
	Repository    *RepositorySummary `json:"repository_context,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// RepositoryRef names the bound repository.
type RepositoryRef struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

// Stats summarises the bound repository's issues.
type Stats struct {
	TotalIssues     int           `json:"total_issues"`
	OpenIssues      int           `json:"open_issues"`
	ClosedIssues    int           `json:"closed_issues"`
	MemoryAvailable bool          `json:"vector_service_available"`
	Repository      RepositoryRef `json:"repository"`
}
