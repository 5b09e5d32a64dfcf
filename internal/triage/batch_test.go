package triage

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBatchProcess_OrderAndCounts(t *testing.T) {
	t.Parallel()

	tr := newMockTracker()
	tr.addIssue(101, "first", StateOpen)
	tr.addIssue(103, "third", StateOpen)
	p := newTestPipeline(tr, &mockProvider{}, PipelineOptions{})

	out := p.BatchProcess(context.Background(), []int{101, 102, 103}, false)

	if out.TotalProcessed != 3 || out.Successful != 2 || out.Failed != 1 {
		t.Fatalf("batch = %d/%d/%d, want 3/2/1", out.TotalProcessed, out.Successful, out.Failed)
	}
	want := []struct {
		number  int
		success bool
	}{{101, true}, {102, false}, {103, true}}
	for i, w := range want {
		r := out.Results[i]
		if r.IssueNumber != w.number || r.Success != w.success {
			t.Errorf("result[%d] = #%d success=%v, want #%d success=%v", i, r.IssueNumber, r.Success, w.number, w.success)
		}
	}
}

func TestBatchProcess_Empty(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(newMockTracker(), &mockProvider{}, PipelineOptions{})
	out := p.BatchProcess(context.Background(), nil, false)

	if out.TotalProcessed != 0 || out.Successful != 0 || out.Failed != 0 || len(out.Results) != 0 {
		t.Errorf("empty batch = %+v", out)
	}
}

func TestBatchProcess_ConcurrentKeepsOrder(t *testing.T) {
	t.Parallel()

	tr := newMockTracker()
	numbers := []int{5, 4, 3, 2, 1}
	for _, n := range numbers {
		tr.addIssue(n, "issue", StateOpen)
	}
	p := newTestPipeline(tr, &mockProvider{}, PipelineOptions{BatchWorkers: 3})

	out := p.BatchProcess(context.Background(), numbers, false)

	if out.Successful != 5 {
		t.Fatalf("successful = %d, want 5", out.Successful)
	}
	for i, n := range numbers {
		if out.Results[i].IssueNumber != n {
			t.Errorf("result[%d] = #%d, want #%d", i, out.Results[i].IssueNumber, n)
		}
	}
}

func TestBatchProcess_DuplicateNumbersDoNotOverlap(t *testing.T) {
	t.Parallel()

	tr := newMockTracker()
	tr.addIssue(7, "dup", StateOpen)
	tr.commentDelay = 20 * time.Millisecond
	p := newTestPipeline(tr, &mockProvider{}, PipelineOptions{BatchWorkers: 4})

	out := p.BatchProcess(context.Background(), []int{7, 7, 7}, false)

	if out.Successful != 3 {
		t.Fatalf("successful = %d, want 3", out.Successful)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.overlapped {
		t.Error("tracker calls for the same issue overlapped")
	}
	if len(tr.comments[7]) != 3 {
		t.Errorf("comments on #7 = %d, want 3", len(tr.comments[7]))
	}
}

func TestBatchProcess_OnBatchHook(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		sizes []int
	)
	p := newTestPipeline(newMockTracker(), &mockProvider{}, PipelineOptions{
		Hooks: PipelineHooks{OnBatch: func(n int) {
			mu.Lock()
			defer mu.Unlock()
			sizes = append(sizes, n)
		}},
	})

	p.BatchProcess(context.Background(), []int{1, 2}, false)

	mu.Lock()
	defer mu.Unlock()
	if len(sizes) != 1 || sizes[0] != 2 {
		t.Errorf("batch sizes = %v, want [2]", sizes)
	}
}

func TestIssueLocks_Released(t *testing.T) {
	t.Parallel()

	var l issueLocks
	unlock := l.lock(1)
	unlock()
	unlock = l.lock(1)
	unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.m) != 0 {
		t.Errorf("locks retained = %d, want 0", len(l.m))
	}
}
