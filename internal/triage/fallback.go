package triage

import (
	"fmt"
	"strings"
)

const (
	fallbackConfidence = 0.5
	basicConfidence    = 0.1
	fallbackSummaryLen = 200
)

type keywordRule[T any] struct {
	words []string
	value T
}

// Rules are checked in order; the first group with any substring hit wins.
var typeRules = []keywordRule[IssueType]{
	{[]string{"bug", "error", "fix"}, TypeBug},
	{[]string{"feature", "enhancement", "improvement"}, TypeFeature},
	{[]string{"documentation", "docs", "readme"}, TypeDocumentation},
	{[]string{"question", "help", "support"}, TypeQuestion},
}

var priorityRules = []keywordRule[Priority]{
	{[]string{"critical", "urgent", "blocker"}, PriorityCritical},
	{[]string{"high", "important"}, PriorityHigh},
	{[]string{"low", "minor"}, PriorityLow},
}

func matchRules[T any](text string, rules []keywordRule[T], def T) T {
	for _, r := range rules {
		for _, w := range r.words {
			if strings.Contains(text, w) {
				return r.value
			}
		}
	}
	return def
}

// classifyKeywords builds a reduced-confidence Analysis from free text.
func classifyKeywords(raw string) *Analysis {
	lower := strings.ToLower(raw)

	summary := "No analysis available"
	if raw != "" {
		summary = excerptNoMark(raw, fallbackSummaryLen)
	}

	return &Analysis{
		IssueType:       matchRules(lower, typeRules, TypeUnknown),
		Priority:        matchRules(lower, priorityRules, PriorityMedium),
		SuggestedLabels: []string{},
		Summary:         summary,
		Reasoning:       "Analysis completed but response format was unexpected",
		Confidence:      fallbackConfidence,
		Tier:            TierFallback,
	}
}

// basicAnalysis is returned when the model could not be reached.
func basicAnalysis(issue *Issue) *Analysis {
	return &Analysis{
		IssueType:       TypeUnknown,
		Priority:        PriorityMedium,
		SuggestedLabels: []string{},
		Summary:         fmt.Sprintf("Issue: %s", issue.Title),
		Reasoning:       "AI analysis service was unavailable; no automated analysis was performed",
		Confidence:      basicConfidence,
		Tier:            TierBasic,
	}
}

func excerptNoMark(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
