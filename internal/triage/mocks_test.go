package triage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const claudeTestModel = "claude-sonnet-4-20250514"

// mockProvider returns preconfigured responses in sequence.
type mockProvider struct {
	mu        sync.Mutex
	responses []*CompletionResponse
	errs      []error
	requests  []*CompletionRequest
	callIdx   int
}

func (m *mockProvider) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.callIdx
	m.callIdx++
	m.requests = append(m.requests, req)

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return &CompletionResponse{
		Text:  validAnalysisJSON,
		Model: claudeTestModel,
		Usage: Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callIdx
}

const validAnalysisJSON = `{
  "issue_type": "bug",
  "priority": "high",
  "suggested_labels": ["bug", "crash"],
  "suggested_assignee": "alice",
  "summary": "The app crashes on startup.",
  "reasoning": "Stack trace points at config loading.",
  "confidence": 0.9
}`

func textResponse(text string) *CompletionResponse {
	return &CompletionResponse{
		Text:       text,
		Model:      claudeTestModel,
		StopReason: "end_turn",
		Usage:      Usage{InputTokens: 100, OutputTokens: 50},
	}
}

// mockTracker is an in-memory Tracker that records every mutation.
type mockTracker struct {
	mu sync.Mutex

	repo    *RepositoryContext
	repoErr error
	issues  map[int]*Issue
	listErr error

	labelErr   error
	assignErr  error
	commentErr error

	labelCalls   [][]string
	assignCalls  []string
	comments     map[int][]string
	inFlight     map[int]int
	overlapped   bool
	commentDelay time.Duration
}

func newMockTracker() *mockTracker {
	return &mockTracker{
		repo: &RepositoryContext{
			Name:         "widget",
			FullName:     "acme/widget",
			Topics:       []string{"go", "cli"},
			Labels:       []string{"bug", "crash", "enhancement"},
			Contributors: []string{"alice", "bob"},
			Docs:         map[string]string{"README.md": "Widget does things."},
		},
		issues:   make(map[int]*Issue),
		comments: make(map[int][]string),
		inFlight: make(map[int]int),
	}
}

func (m *mockTracker) addIssue(number int, title string, state State) *Issue {
	is := &Issue{
		Number:    number,
		Title:     title,
		Body:      "body of " + title,
		Author:    Author{Login: "reporter", ID: 7},
		State:     state,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	m.mu.Lock()
	m.issues[number] = is
	m.mu.Unlock()
	return is
}

func (m *mockTracker) enter(number int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[number]++
	if m.inFlight[number] > 1 {
		m.overlapped = true
	}
}

func (m *mockTracker) leave(number int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[number]--
}

func (m *mockTracker) Repository(_ context.Context) (*RepositoryRef, error) {
	if m.repoErr != nil {
		return nil, m.repoErr
	}
	return &RepositoryRef{Name: m.repo.Name, FullName: m.repo.FullName}, nil
}

func (m *mockTracker) RepositoryContext(_ context.Context) (*RepositoryContext, error) {
	if m.repoErr != nil {
		return nil, m.repoErr
	}
	cp := *m.repo
	return &cp, nil
}

func (m *mockTracker) Labels(_ context.Context) ([]string, error) {
	if m.repoErr != nil {
		return nil, m.repoErr
	}
	return append([]string(nil), m.repo.Labels...), nil
}

func (m *mockTracker) Contributors(_ context.Context) ([]string, error) {
	if m.repoErr != nil {
		return nil, m.repoErr
	}
	return append([]string(nil), m.repo.Contributors...), nil
}

func (m *mockTracker) Issue(_ context.Context, number int) (*Issue, error) {
	m.enter(number)
	defer m.leave(number)

	m.mu.Lock()
	defer m.mu.Unlock()
	is, ok := m.issues[number]
	if !ok {
		return nil, fmt.Errorf("get issue %d: %w", number, ErrNotFound)
	}
	cp := *is
	return &cp, nil
}

func (m *mockTracker) Issues(_ context.Context, _ string) ([]*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]*Issue, 0, len(m.issues))
	for _, is := range m.issues {
		out = append(out, is)
	}
	return out, nil
}

func (m *mockTracker) ApplyLabels(_ context.Context, _ int, labels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labelCalls = append(m.labelCalls, labels)
	return m.labelErr
}

func (m *mockTracker) Assign(_ context.Context, _ int, login string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignCalls = append(m.assignCalls, login)
	return m.assignErr
}

func (m *mockTracker) PostComment(_ context.Context, number int, body string) error {
	m.enter(number)
	defer m.leave(number)

	if m.commentDelay > 0 {
		time.Sleep(m.commentDelay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commentErr != nil {
		return m.commentErr
	}
	m.comments[number] = append(m.comments[number], body)
	return nil
}

// mockBackend is a MemoryBackend that records upserts.
type mockBackend struct {
	mu        sync.Mutex
	upserts   []*MemoryRecord
	hits      []SimilarIssue
	upsertErr error
	queryErr  error
}

func (m *mockBackend) Upsert(_ context.Context, rec *MemoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts = append(m.upserts, rec)
	return nil
}

func (m *mockBackend) Query(_ context.Context, _ []float64, topK int) ([]SimilarIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	if topK < len(m.hits) {
		return m.hits[:topK], nil
	}
	return m.hits, nil
}

// mockNotifier records notifications.
type mockNotifier struct {
	mu       sync.Mutex
	outcomes []*Outcome
	err      error
}

func (m *mockNotifier) Notify(_ context.Context, _ *Issue, out *Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, out)
	return m.err
}

func testIssue() *Issue {
	return &Issue{
		Number:    42,
		Title:     "App crashes on startup",
		Body:      "Stack trace attached.",
		Author:    Author{Login: "reporter", ID: 7, Type: "User"},
		State:     StateOpen,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}
