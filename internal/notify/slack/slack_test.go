package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/herald/internal/triage"
)

func strPtr(s string) *string { return &s }

func testIssue() *triage.Issue {
	return &triage.Issue{Number: 42, Title: "App crashes on start", Author: triage.Author{Login: "reporter"}}
}

func testOutcome() *triage.Outcome {
	return &triage.Outcome{
		Success:        true,
		IssueNumber:    42,
		RunID:          "01JN123",
		ActionsApplied: true,
		Analysis: &triage.Analysis{
			IssueType:         triage.TypeBug,
			Priority:          triage.PriorityCritical,
			SuggestedLabels:   []string{"bug", "crash"},
			SuggestedAssignee: strPtr("alice"),
			Summary:           "Startup crash after upgrade.",
			Confidence:        0.9,
			Tier:              triage.TierModel,
		},
	}
}

// capture starts a webhook server that decodes each posted message.
func capture(t *testing.T, status int) (*httptest.Server, *map[string]any) {
	t.Helper()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte("internal error"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func blockText(t *testing.T, b any) string {
	t.Helper()
	m := b.(map[string]any)
	if txt, ok := m["text"].(map[string]any); ok {
		return txt["text"].(string)
	}
	var parts []string
	if fields, ok := m["fields"].([]any); ok {
		for _, f := range fields {
			parts = append(parts, f.(map[string]any)["text"].(string))
		}
	}
	if elems, ok := m["elements"].([]any); ok {
		for _, e := range elems {
			parts = append(parts, e.(map[string]any)["text"].(string))
		}
	}
	return strings.Join(parts, "\n")
}

func TestNotify_PostsToWebhook(t *testing.T) {
	t.Parallel()

	srv, got := capture(t, http.StatusOK)
	n := New(Config{WebhookURL: srv.URL, Repo: "acme/widgets", Model: "claude-sonnet-4-20250514"}, log.Nop())

	if err := n.Notify(context.Background(), testIssue(), testOutcome()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks, ok := (*got)["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, divider, fields, divider, summary, divider, context
	if len(blocks) != 7 {
		t.Fatalf("blocks count = %d, want 7", len(blocks))
	}

	header := blockText(t, blocks[0])
	if !strings.Contains(header, "#42 App crashes on start") || !strings.Contains(header, "\U0001f534") {
		t.Errorf("header = %q", header)
	}
	fields := blockText(t, blocks[2])
	for _, want := range []string{"*Type:* bug", "*Priority:* critical", "*Confidence:* 90%", "bug, crash", "@alice", "*Applied:* yes"} {
		if !strings.Contains(fields, want) {
			t.Errorf("fields missing %q:\n%s", want, fields)
		}
	}
	if s := blockText(t, blocks[4]); !strings.Contains(s, "Startup crash after upgrade.") {
		t.Errorf("summary = %q", s)
	}
	if c := blockText(t, blocks[6]); c != "herald • acme/widgets • run 01JN123 • claude-sonnet-4" {
		t.Errorf("context = %q", c)
	}
	if (*got)["text"] != "Issue triaged: #42 App crashes on start" {
		t.Errorf("fallback text = %v", (*got)["text"])
	}
}

func TestNotify_Failure(t *testing.T) {
	t.Parallel()

	srv, got := capture(t, http.StatusOK)
	n := New(Config{WebhookURL: srv.URL}, log.Nop())

	out := &triage.Outcome{IssueNumber: 7, RunID: "r", Error: "issue #7 not found"}
	if err := n.Notify(context.Background(), nil, out); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks := (*got)["blocks"].([]any)
	// no analysis: header, divider, error, divider, context
	if len(blocks) != 5 {
		t.Fatalf("blocks count = %d, want 5", len(blocks))
	}
	if h := blockText(t, blocks[0]); !strings.Contains(h, "Triage Failed: #7") || !strings.Contains(h, "\u274c") {
		t.Errorf("header = %q", h)
	}
	if s := blockText(t, blocks[2]); !strings.Contains(s, "issue #7 not found") {
		t.Errorf("error block = %q", s)
	}
}

func TestNotify_NoOp(t *testing.T) {
	t.Parallel()

	if err := New(Config{}, nil).Notify(context.Background(), testIssue(), testOutcome()); err != nil {
		t.Fatalf("Notify with empty URL should be no-op, got: %v", err)
	}

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(Config{WebhookURL: srv.URL, OnlyFailures: true}, log.Nop())
	if err := n.Notify(context.Background(), testIssue(), testOutcome()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if called {
		t.Error("successful outcome posted with OnlyFailures set")
	}
}

func TestNotify_TruncatesLongSummary(t *testing.T) {
	t.Parallel()

	srv, got := capture(t, http.StatusOK)
	out := testOutcome()
	out.Analysis.Summary = strings.Repeat("é", 4000)

	if err := New(Config{WebhookURL: srv.URL}, log.Nop()).Notify(context.Background(), testIssue(), out); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	text := blockText(t, (*got)["blocks"].([]any)[4])
	body := strings.TrimPrefix(text, "*Summary*\n\n")
	if n := len([]rune(body)); n != maxSummaryLen {
		t.Errorf("summary runes = %d, want %d", n, maxSummaryLen)
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated summary to end with ...")
	}
}

func TestNotify_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv, _ := capture(t, http.StatusInternalServerError)
	err := New(Config{WebhookURL: srv.URL}, log.Nop()).Notify(context.Background(), testIssue(), testOutcome())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestPriorityEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		success  bool
		priority triage.Priority
		want     string
	}{
		{"failed", false, triage.PriorityLow, "\u274c"},
		{"critical", true, triage.PriorityCritical, "\U0001f534"},
		{"high", true, triage.PriorityHigh, "\U0001f7e0"},
		{"medium", true, triage.PriorityMedium, "\U0001f7e1"},
		{"low", true, triage.PriorityLow, "\U0001f7e2"},
		{"empty", true, "", "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := priorityEmoji(tt.success, tt.priority); got != tt.want {
				t.Errorf("priorityEmoji(%v, %q) = %q, want %q", tt.success, tt.priority, got, tt.want)
			}
		})
	}
}

func TestShortModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"claude-sonnet-4-20250514", "claude-sonnet-4"},
		{"gpt-4o", "gpt-4o"},
		{"gpt-4o-2024-08-06", "gpt-4o-2024-08-06"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			if got := shortModel(tt.input); got != tt.want {
				t.Errorf("shortModel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func FuzzBuildMessage(f *testing.F) {
	f.Add("App crashes", "critical", "Crash on boot.", "boom")
	f.Add("", "", "", "")
	f.Add("<@U123> mention", "high", "*bold* _italic_ ~strike~", "")
	f.Add("title\x00\x01\x02", "med\nium", "summary\ttab", "err\x00")
	f.Add(strings.Repeat("A", 5000), "low", strings.Repeat("x", 10000), strings.Repeat("e", 4000))

	n := New(Config{WebhookURL: "http://example.invalid", Repo: "acme/widgets", Model: "m"}, log.Nop())

	f.Fuzz(func(t *testing.T, title, priority, summary, errText string) {
		issue := &triage.Issue{Number: 1, Title: title}
		out := &triage.Outcome{
			Success:     errText == "",
			IssueNumber: 1,
			RunID:       "fuzz",
			Error:       errText,
			Analysis:    &triage.Analysis{Priority: triage.Priority(priority), Summary: summary},
		}

		// Must not panic
		msg := n.buildMessage(issue, out)

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		if blocks, ok := decoded["blocks"].([]any); !ok || len(blocks) != 7 {
			t.Fatalf("blocks = %v, want 7", decoded["blocks"])
		}
	})
}
