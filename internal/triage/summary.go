package triage

import (
	"fmt"
	"math"
	"strings"
)

// RenderSummary formats an Analysis as the markdown comment posted on the issue.
// It is pure: the same inputs always give the same string.
func RenderSummary(_ *Issue, a *Analysis) string {
	labels := "None"
	if len(a.SuggestedLabels) > 0 {
		labels = strings.Join(a.SuggestedLabels, ", ")
	}

	assignee := "None"
	if a.SuggestedAssignee != nil && *a.SuggestedAssignee != "" {
		assignee = "@" + *a.SuggestedAssignee
	}

	var b strings.Builder
	b.WriteString("🤖 **AI Analysis Summary**\n\n")
	fmt.Fprintf(&b, "**Issue Type:** %s\n", titleCase(string(a.IssueType)))
	fmt.Fprintf(&b, "**Priority:** %s\n", titleCase(string(a.Priority)))
	fmt.Fprintf(&b, "**Confidence:** %s\n\n", formatPercent(a.Confidence))
	fmt.Fprintf(&b, "**Summary:**\n%s\n\n", a.Summary)
	fmt.Fprintf(&b, "**Suggested Labels:** %s\n", labels)
	fmt.Fprintf(&b, "**Suggested Assignee:** %s\n\n", assignee)
	fmt.Fprintf(&b, "**Reasoning:**\n%s\n\n", a.Reasoning)
	b.WriteString("---\n*This analysis was performed by an AI assistant. Please review and adjust as needed.*")
	return b.String()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// formatPercent renders 0.9 as "90%" and 0.875 as "87.5%".
func formatPercent(c float64) string {
	p := math.Round(c*1000) / 10
	if p == math.Trunc(p) {
		return fmt.Sprintf("%d%%", int64(p))
	}
	return fmt.Sprintf("%.1f%%", p)
}
