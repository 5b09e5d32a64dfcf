// Package slack sends issue processing notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/herald/internal/triage"
)

const (
	maxSummaryLen = 3000
	httpTimeout   = 10 * time.Second
)

// Config configures a Notifier.
type Config struct {
	// WebhookURL is the Slack incoming webhook. Empty makes Notify a no-op.
	WebhookURL string

	// Repo and Model are shown in the message footer.
	Repo  string
	Model string

	// OnlyFailures suppresses notifications for successful runs.
	OnlyFailures bool

	HTTPClient *http.Client
}

// Notifier posts pipeline outcomes to a Slack webhook.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger log.Logger
}

var _ triage.Notifier = (*Notifier)(nil)

// New creates a new Slack notifier.
func New(cfg Config, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Notifier{cfg: cfg, client: client, logger: logger}
}

// Notify posts one outcome. issue may be nil when it could not be fetched.
func (n *Notifier) Notify(ctx context.Context, issue *triage.Issue, out *triage.Outcome) error {
	if n.cfg.WebhookURL == "" || out == nil {
		return nil
	}
	if n.cfg.OnlyFailures && out.Success {
		return nil
	}

	body, err := json.Marshal(n.buildMessage(issue, out))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "issue_number", out.IssueNumber, "run_id", out.RunID)
	return nil
}

func (n *Notifier) buildMessage(issue *triage.Issue, out *triage.Outcome) map[string]any {
	blocks := []map[string]any{headerBlock(issue, out)}
	if out.Analysis != nil {
		blocks = append(blocks, map[string]any{"type": "divider"}, fieldsBlock(out))
	}
	blocks = append(blocks,
		map[string]any{"type": "divider"},
		summaryBlock(out),
		map[string]any{"type": "divider"},
		n.contextBlock(out),
	)
	return map[string]any{
		"text":   fallbackText(issue, out),
		"blocks": blocks,
	}
}

func issueTitle(issue *triage.Issue, out *triage.Outcome) string {
	if issue == nil || issue.Title == "" {
		return fmt.Sprintf("#%d", out.IssueNumber)
	}
	return fmt.Sprintf("#%d %s", out.IssueNumber, issue.Title)
}

func fallbackText(issue *triage.Issue, out *triage.Outcome) string {
	if !out.Success {
		return "Issue processing failed: " + issueTitle(issue, out)
	}
	return "Issue triaged: " + issueTitle(issue, out)
}

func headerBlock(issue *triage.Issue, out *triage.Outcome) map[string]any {
	var priority triage.Priority
	if out.Analysis != nil {
		priority = out.Analysis.Priority
	}
	title := "Issue Triaged"
	if !out.Success {
		title = "Triage Failed"
	}
	// Slack caps header text at 150 characters.
	text := truncate(fmt.Sprintf("%s %s: %s", priorityEmoji(out.Success, priority), title, issueTitle(issue, out)), 150)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(out *triage.Outcome) map[string]any {
	a := out.Analysis
	labels := "none"
	if len(a.SuggestedLabels) > 0 {
		labels = strings.Join(a.SuggestedLabels, ", ")
	}
	assignee := "none"
	if a.SuggestedAssignee != nil {
		assignee = "@" + *a.SuggestedAssignee
	}
	applied := "no"
	if out.ActionsApplied {
		applied = "yes"
	}

	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Type:* %s", a.IssueType)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Priority:* %s", a.Priority)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Confidence:* %.0f%%", a.Confidence*100)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Analysis:* %s", a.Tier)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Labels:* %s", labels)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Assignee:* %s", assignee)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Applied:* %s", applied)},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(out *triage.Outcome) map[string]any {
	var text string
	switch {
	case !out.Success:
		text = fmt.Sprintf("*Error*\n\n%s", truncate(out.Error, maxSummaryLen))
	case out.Analysis != nil && out.Analysis.Summary != "":
		text = fmt.Sprintf("*Summary*\n\n%s", truncate(out.Analysis.Summary, maxSummaryLen))
	default:
		text = "_No summary available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func (n *Notifier) contextBlock(out *triage.Outcome) map[string]any {
	parts := []string{"herald"}
	if n.cfg.Repo != "" {
		parts = append(parts, n.cfg.Repo)
	}
	parts = append(parts, "run "+out.RunID)
	if n.cfg.Model != "" {
		parts = append(parts, shortModel(n.cfg.Model))
	}

	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": strings.Join(parts, " • ")},
		},
	}
}

func priorityEmoji(success bool, p triage.Priority) string {
	if !success {
		return "\u274c" // cross mark
	}
	switch p {
	case triage.PriorityCritical:
		return "\U0001f534" // red circle
	case triage.PriorityHigh:
		return "\U0001f7e0" // orange circle
	case triage.PriorityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// dateModelRe matches model names ending with a YYYYMMDD date suffix.
var dateModelRe = regexp.MustCompile(`-\d{8}$`)

func shortModel(model string) string {
	return dateModelRe.ReplaceAllString(model, "")
}

// truncate cuts s to at most limit runes.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
