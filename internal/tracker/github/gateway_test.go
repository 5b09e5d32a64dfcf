package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	gh "github.com/google/go-github/v79/github"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/herald/internal/triage"
)

// fakeGitHub serves the subset of the REST API the gateway uses.
type fakeGitHub struct {
	mu       sync.Mutex
	mux      *http.ServeMux
	srv      *httptest.Server
	comments map[string]string
	labels   map[string][]string
	assigned map[string][]string
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{
		mux:      http.NewServeMux(),
		comments: make(map[string]string),
		labels:   make(map[string][]string),
		assigned: make(map[string][]string),
	}
	f.srv = httptest.NewServer(f.mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGitHub) gateway(t *testing.T, cfg Config) *Gateway {
	t.Helper()
	client := gh.NewClient(f.srv.Client())
	u, err := url.Parse(f.srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	client.BaseURL = u
	if cfg.Owner == "" && cfg.Repo == "" {
		cfg.Owner, cfg.Repo = "acme", "widget"
	}
	return New(client, cfg, log.Nop())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

func fileContent(text string) map[string]any {
	return map[string]any{
		"type":     "file",
		"encoding": "base64",
		"content":  base64.StdEncoding.EncodeToString([]byte(text)),
	}
}

func (f *fakeGitHub) serveRepository(readme string) {
	f.mux.HandleFunc("GET /repos/acme/widget", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":        "widget",
			"full_name":   "acme/widget",
			"description": "Widgets for everyone",
			"language":    "Go",
			"topics":      []string{"go", "cli"},
		})
	})
	f.mux.HandleFunc("GET /repos/acme/widget/labels", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, []map[string]string{{"name": "question"}})
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/widget/labels?page=2>; rel="next"`, f.srv.URL))
		writeJSON(w, http.StatusOK, []map[string]string{{"name": "bug"}, {"name": "enhancement"}})
	})
	f.mux.HandleFunc("GET /repos/acme/widget/contributors", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{{"login": "alice"}, {"login": "bob"}})
	})
	f.mux.HandleFunc("GET /repos/acme/widget/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("path") {
		case "README.md":
			writeJSON(w, http.StatusOK, fileContent(readme))
		case "CONTRIBUTING.md":
			writeJSON(w, http.StatusOK, fileContent("Send PRs."))
		case "docs/README.md":
			writeJSON(w, http.StatusOK, []map[string]any{{"type": "file", "name": "index.md", "path": "docs/README.md/index.md"}})
		default:
			notFound(w, r)
		}
	})
}

func TestRepositoryContext(t *testing.T) {
	t.Parallel()

	f := newFakeGitHub(t)
	readme := strings.Repeat("é", 2500)
	f.serveRepository(readme)
	g := f.gateway(t, Config{})

	rc, err := g.RepositoryContext(context.Background())
	if err != nil {
		t.Fatalf("RepositoryContext: %v", err)
	}

	if rc.Name != "widget" || rc.FullName != "acme/widget" || rc.Language != "Go" || rc.Description != "Widgets for everyone" {
		t.Errorf("metadata = %+v", rc)
	}
	if strings.Join(rc.Topics, ",") != "go,cli" {
		t.Errorf("topics = %v", rc.Topics)
	}
	if strings.Join(rc.Labels, ",") != "bug,enhancement,question" {
		t.Errorf("labels = %v, want both pages", rc.Labels)
	}
	if strings.Join(rc.Contributors, ",") != "alice,bob" {
		t.Errorf("contributors = %v", rc.Contributors)
	}

	if n := utf8.RuneCountInString(rc.Docs["README.md"]); n != DefaultDocBudget {
		t.Errorf("README runes = %d, want %d", n, DefaultDocBudget)
	}
	if rc.Docs["CONTRIBUTING.md"] != "Send PRs." {
		t.Errorf("CONTRIBUTING = %q", rc.Docs["CONTRIBUTING.md"])
	}
	for _, missing := range []string{"CHANGELOG.md", "docs/README.md", "docs/CONTRIBUTING.md"} {
		if _, ok := rc.Docs[missing]; ok {
			t.Errorf("%s present, want absent", missing)
		}
	}
}

func TestLabelsAndContributors(t *testing.T) {
	t.Parallel()

	f := newFakeGitHub(t)
	var other int
	f.mux.HandleFunc("GET /repos/acme/widget/labels", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, []map[string]string{{"name": "question"}})
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/widget/labels?page=2>; rel="next"`, f.srv.URL))
		writeJSON(w, http.StatusOK, []map[string]string{{"name": "bug"}})
	})
	f.mux.HandleFunc("GET /repos/acme/widget/contributors", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{{"login": "alice"}})
	})
	f.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		other++
		f.mu.Unlock()
		notFound(w, r)
	})
	g := f.gateway(t, Config{})
	ctx := context.Background()

	labels, err := g.Labels(ctx)
	if err != nil {
		t.Fatalf("Labels: %v", err)
	}
	if strings.Join(labels, ",") != "bug,question" {
		t.Errorf("labels = %v, want both pages", labels)
	}
	contributors, err := g.Contributors(ctx)
	if err != nil {
		t.Fatalf("Contributors: %v", err)
	}
	if strings.Join(contributors, ",") != "alice" {
		t.Errorf("contributors = %v", contributors)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if other != 0 {
		t.Errorf("%d requests outside labels/contributors, want 0", other)
	}
}

func TestRepositoryContext_DocBudget(t *testing.T) {
	t.Parallel()

	f := newFakeGitHub(t)
	f.serveRepository("short")
	g := f.gateway(t, Config{DocBudget: 3})

	rc, err := g.RepositoryContext(context.Background())
	if err != nil {
		t.Fatalf("RepositoryContext: %v", err)
	}
	if rc.Docs["README.md"] != "sho" {
		t.Errorf("README = %q, want %q", rc.Docs["README.md"], "sho")
	}
}

func TestRepositoryContext_DocServerError(t *testing.T) {
	t.Parallel()

	f := newFakeGitHub(t)
	f.mux.HandleFunc("GET /repos/acme/widget", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"name": "widget", "full_name": "acme/widget"})
	})
	f.mux.HandleFunc("GET /repos/acme/widget/labels", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	})
	f.mux.HandleFunc("GET /repos/acme/widget/contributors", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	})
	f.mux.HandleFunc("GET /repos/acme/widget/contents/{path...}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]string{"message": "upstream"})
	})
	g := f.gateway(t, Config{})

	_, err := g.RepositoryContext(context.Background())
	if !errors.Is(err, triage.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestUnbound(t *testing.T) {
	t.Parallel()

	g := New(gh.NewClient(nil), Config{}, nil)
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["RepositoryContext"] = g.RepositoryContext(ctx)
	_, checks["Repository"] = g.Repository(ctx)
	_, checks["Labels"] = g.Labels(ctx)
	_, checks["Contributors"] = g.Contributors(ctx)
	_, checks["Issue"] = g.Issue(ctx, 1)
	_, checks["Issues"] = g.Issues(ctx, "open")
	checks["ApplyLabels"] = g.ApplyLabels(ctx, 1, []string{"bug"})
	checks["Assign"] = g.Assign(ctx, 1, "alice")
	checks["PostComment"] = g.PostComment(ctx, 1, "hi")

	for name, err := range checks {
		if !errors.Is(err, triage.ErrConfiguration) {
			t.Errorf("%s err = %v, want ErrConfiguration", name, err)
		}
	}
}

func TestBind(t *testing.T) {
	t.Parallel()

	g := New(gh.NewClient(nil), Config{}, nil)
	if err := g.Bind("", "widget"); !errors.Is(err, triage.ErrConfiguration) {
		t.Errorf("Bind empty owner err = %v", err)
	}
	if err := g.Bind("acme", "widget"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	b, err := g.target()
	if err != nil || b.fullName() != "acme/widget" {
		t.Errorf("target = %+v, %v", b, err)
	}
}

func TestIssue(t *testing.T) {
	t.Parallel()

	f := newFakeGitHub(t)
	f.mux.HandleFunc("GET /repos/acme/widget/issues/7", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"number":     7,
			"title":      "Crash",
			"body":       "trace",
			"state":      "open",
			"user":       map[string]any{"login": "reporter", "id": 99, "type": "User"},
			"labels":     []map[string]string{{"name": "bug"}},
			"assignees":  []map[string]string{{"login": "alice"}},
			"created_at": "2026-03-01T12:00:00Z",
			"updated_at": "2026-03-02T12:00:00Z",
		})
	})
	f.mux.HandleFunc("GET /repos/acme/widget/issues/8", notFound)
	g := f.gateway(t, Config{})

	is, err := g.Issue(context.Background(), 7)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if is.Number != 7 || is.Title != "Crash" || is.Body != "trace" || is.State != triage.StateOpen {
		t.Errorf("issue = %+v", is)
	}
	if is.Author.Login != "reporter" || is.Author.ID != 99 || is.Author.Type != "User" {
		t.Errorf("author = %+v", is.Author)
	}
	if len(is.Labels) != 1 || is.Labels[0] != "bug" || len(is.Assignees) != 1 || is.Assignees[0] != "alice" {
		t.Errorf("labels = %v assignees = %v", is.Labels, is.Assignees)
	}
	if !is.CreatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("created = %v", is.CreatedAt)
	}

	if _, err := g.Issue(context.Background(), 8); !errors.Is(err, triage.ErrNotFound) {
		t.Errorf("missing issue err = %v, want ErrNotFound", err)
	}
}

func TestIssues_PaginatesAndSkipsPullRequests(t *testing.T) {
	t.Parallel()

	f := newFakeGitHub(t)
	var states []string
	f.mux.HandleFunc("GET /repos/acme/widget/issues", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		states = append(states, r.URL.Query().Get("state"))
		f.mu.Unlock()
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, []map[string]any{
				{"number": 3, "title": "c", "state": "closed"},
			})
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/widget/issues?state=all&page=2>; rel="next"`, f.srv.URL))
		writeJSON(w, http.StatusOK, []map[string]any{
			{"number": 1, "title": "a", "state": "open"},
			{"number": 2, "title": "pr", "state": "open", "pull_request": map[string]string{"url": "x"}},
		})
	})
	g := f.gateway(t, Config{})

	issues, err := g.Issues(context.Background(), "all")
	if err != nil {
		t.Fatalf("Issues: %v", err)
	}
	if len(issues) != 2 || issues[0].Number != 1 || issues[1].Number != 3 {
		t.Errorf("issues = %+v, want #1 and #3", issues)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(states) != 2 || states[0] != "all" {
		t.Errorf("state params = %v", states)
	}

	if _, err := g.Issues(context.Background(), "merged"); !errors.Is(err, triage.ErrConfiguration) {
		t.Errorf("bad state err = %v", err)
	}
}

func TestMutations(t *testing.T) {
	t.Parallel()

	f := newFakeGitHub(t)
	f.mux.HandleFunc("POST /repos/acme/widget/issues/5/labels", func(w http.ResponseWriter, r *http.Request) {
		var labels []string
		_ = json.NewDecoder(r.Body).Decode(&labels)
		f.mu.Lock()
		f.labels["5"] = append(f.labels["5"], labels...)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, []map[string]string{})
	})
	f.mux.HandleFunc("POST /repos/acme/widget/issues/5/assignees", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Assignees []string `json:"assignees"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.assigned["5"] = append(f.assigned["5"], body.Assignees...)
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]any{"number": 5})
	})
	f.mux.HandleFunc("POST /repos/acme/widget/issues/5/comments", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var c struct {
			Body string `json:"body"`
		}
		_ = json.Unmarshal(raw, &c)
		f.mu.Lock()
		f.comments["5"] = c.Body
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]any{"id": 1, "body": c.Body})
	})
	g := f.gateway(t, Config{})
	ctx := context.Background()

	if err := g.ApplyLabels(ctx, 5, []string{"bug", "crash"}); err != nil {
		t.Fatalf("ApplyLabels: %v", err)
	}
	if err := g.Assign(ctx, 5, "alice"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := g.PostComment(ctx, 5, "summary"); err != nil {
		t.Fatalf("PostComment: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Join(f.labels["5"], ",") != "bug,crash" {
		t.Errorf("labels = %v", f.labels["5"])
	}
	if strings.Join(f.assigned["5"], ",") != "alice" {
		t.Errorf("assignees = %v", f.assigned["5"])
	}
	if f.comments["5"] != "summary" {
		t.Errorf("comment = %q", f.comments["5"])
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"not found", notFound, triage.ErrNotFound},
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "boom"})
		}, triage.ErrTransport},
		{"unauthorized", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
		}, triage.ErrTransport},
		{"rate limited", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("X-RateLimit-Limit", "60")
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", fmt.Sprint(time.Now().Add(time.Hour).Unix()))
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "API rate limit exceeded"})
		}, triage.ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeGitHub(t)
			f.mux.HandleFunc("POST /repos/acme/widget/issues/1/comments", tt.handler)
			g := f.gateway(t, Config{})

			err := g.PostComment(context.Background(), 1, "x")
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCallTimeout(t *testing.T) {
	t.Parallel()

	f := newFakeGitHub(t)
	f.mux.HandleFunc("GET /repos/acme/widget", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": "widget"})
	})
	g := f.gateway(t, Config{CallTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := g.Repository(context.Background())
	if !errors.Is(err, triage.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("call took %v, timeout not applied", time.Since(start))
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 2, "he"},
		{"héllo", 2, "hé"},
		{"abc", 0, ""},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := truncateRunes(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
