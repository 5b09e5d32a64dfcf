package triage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
)

// DocPaths is the allow-list of repository documents fed to the engine, in prompt order.
var DocPaths = []string{
	"README.md",
	"CONTRIBUTING.md",
	"CHANGELOG.md",
	"docs/README.md",
	"docs/CONTRIBUTING.md",
}

// promptDocBudget caps each document excerpt inside the system prompt.
const promptDocBudget = 1000

// analysisWire is the JSON object the model is asked to return.
type analysisWire struct {
	IssueType         string   `json:"issue_type" jsonschema:"enum=bug,enum=feature,enum=documentation,enum=enhancement,enum=question,enum=unknown"`
	Priority          string   `json:"priority" jsonschema:"enum=low,enum=medium,enum=high,enum=critical"`
	SuggestedLabels   []string `json:"suggested_labels" jsonschema:"description=Labels to apply; prefer labels that already exist in the repository"`
	SuggestedAssignee *string  `json:"suggested_assignee" jsonschema:"description=Login of a repository contributor or null"`
	Summary           string   `json:"summary" jsonschema:"description=Two or three sentence summary of the issue"`
	Reasoning         string   `json:"reasoning" jsonschema:"description=Why this classification and priority were chosen"`
	Confidence        *float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
}

var analysisSchema = func() string {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	b, err := json.MarshalIndent(reflector.Reflect(&analysisWire{}), "", "  ")
	if err != nil {
		panic(fmt.Sprintf("triage: marshal analysis schema: %v", err))
	}
	return string(b)
}()

// buildSystemPrompt describes the repository and the output contract.
func buildSystemPrompt(repo *RepositoryContext) string {
	var b strings.Builder

	b.WriteString(`You are an assistant that triages GitHub issues for a software project.
Classify each issue, judge its priority, suggest labels and, when a contributor is an obvious fit, an assignee.

`)

	if repo != nil {
		fmt.Fprintf(&b, "Repository: %s\n", repo.FullName)
		if repo.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", repo.Description)
		}
		if repo.Language != "" {
			fmt.Fprintf(&b, "Primary language: %s\n", repo.Language)
		}
		fmt.Fprintf(&b, "Topics: %s\n", joinOrNone(repo.Topics))
		fmt.Fprintf(&b, "Available labels: %s\n", joinOrNone(repo.Labels))
		fmt.Fprintf(&b, "Contributors: %s\n", joinOrNone(repo.Contributors))

		wroteHeader := false
		for _, path := range DocPaths {
			content, ok := repo.Docs[path]
			if !ok {
				continue
			}
			if !wroteHeader {
				b.WriteString("\nProject documentation excerpts:\n")
				wroteHeader = true
			}
			fmt.Fprintf(&b, "\n### %s\n%s\n", path, excerpt(content, promptDocBudget))
		}
	}

	b.WriteString(`
Respond with a single JSON object and nothing else. It must match this JSON schema:
`)
	b.WriteString(analysisSchema)
	b.WriteString(`

Use null for suggested_assignee when nobody fits. Only suggest assignees from the contributor list.`)

	return b.String()
}

// buildUserPrompt renders the issue under analysis.
func buildUserPrompt(issue *Issue) string {
	body := issue.Body
	if strings.TrimSpace(body) == "" {
		body = "(no description provided)"
	}

	created := "unknown"
	if !issue.CreatedAt.IsZero() {
		created = issue.CreatedAt.UTC().Format(time.RFC3339)
	}

	return fmt.Sprintf(`Please analyze this GitHub issue:

Issue #%d: %s
Author: %s
Created: %s
Current labels: %s

Body:
%s`,
		issue.Number,
		issue.Title,
		issue.Author.Login,
		created,
		joinOrNone(issue.Labels),
		body,
	)
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

// excerpt cuts s to limit runes and marks the cut with an ellipsis.
func excerpt(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
