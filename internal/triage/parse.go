package triage

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// parseAnalysis turns a model response into a validated Analysis.
// Any failure wraps ErrParse.
func parseAnalysis(text string) (*Analysis, error) {
	raw, ok := extractJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("no JSON object in response: %w", ErrParse)
	}

	var w analysisWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("decode analysis: %w: %w", ErrParse, err)
	}

	issueType := IssueType(strings.ToLower(strings.TrimSpace(w.IssueType)))
	if !issueType.Valid() {
		return nil, fmt.Errorf("issue_type %q: %w", w.IssueType, ErrParse)
	}

	priority := Priority(strings.ToLower(strings.TrimSpace(w.Priority)))
	if !priority.Valid() {
		return nil, fmt.Errorf("priority %q: %w", w.Priority, ErrParse)
	}

	summary := strings.TrimSpace(w.Summary)
	if summary == "" {
		return nil, fmt.Errorf("summary missing: %w", ErrParse)
	}

	if w.Confidence == nil {
		return nil, fmt.Errorf("confidence missing: %w", ErrParse)
	}

	return &Analysis{
		IssueType:         issueType,
		Priority:          priority,
		SuggestedLabels:   dedupeLabels(w.SuggestedLabels),
		SuggestedAssignee: normalizeAssignee(w.SuggestedAssignee),
		Summary:           summary,
		Reasoning:         strings.TrimSpace(w.Reasoning),
		Confidence:        clampConfidence(*w.Confidence),
		Tier:              TierModel,
	}, nil
}

// extractJSONObject returns the outermost {...} span of text. Models
// occasionally wrap the object in prose or code fences.
func extractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// dedupeLabels trims labels and drops blanks and repeats, keeping first occurrence order.
func dedupeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

func normalizeAssignee(a *string) *string {
	if a == nil {
		return nil
	}
	login := strings.TrimPrefix(strings.TrimSpace(*a), "@")
	if login == "" || strings.EqualFold(login, "null") || strings.EqualFold(login, "none") {
		return nil
	}
	return &login
}

func clampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c):
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
