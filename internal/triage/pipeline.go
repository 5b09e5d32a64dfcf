package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// Step is a state of the per-issue pipeline state machine.
type Step string

const (
	StepStart          Step = "start"
	StepContextFetched Step = "context_fetched"
	StepAnalyzed       Step = "analyzed"
	StepStored         Step = "stored"
	StepApplied        Step = "applied"
	StepSummarized     Step = "summarized"
	StepCommented      Step = "commented"
	StepDone           Step = "done"
	StepFailed         Step = "failed"
)

const (
	opProcessNew      = "process_new"
	opProcessExisting = "process_existing"
	opRecommend       = "recommend"
)

// DefaultSimilarTopK is how many similar issues recommendations return.
const DefaultSimilarTopK = 5

// Notifier receives finished processing outcomes. issue is nil when the
// issue could not be fetched.
type Notifier interface {
	Notify(ctx context.Context, issue *Issue, out *Outcome) error
}

// PipelineHooks receives pipeline events for metrics. Nil funcs are skipped.
type PipelineHooks struct {
	OnRun        func(op string, success bool, duration float64)
	OnStepFailed func(step Step)
	OnBatch      func(size int)
}

// PipelineOptions carries the optional collaborators.
type PipelineOptions struct {
	Memory   *ContextMemory
	Embedder Embedder
	Notifier Notifier
	Hooks    PipelineHooks

	// BatchWorkers > 1 processes batch entries concurrently.
	BatchWorkers int
	SimilarTopK  int
}

// Pipeline is the business boundary for issue triage. It is the only
// component that turns collaborator failures into an Outcome.
type Pipeline struct {
	tracker      Tracker
	engine       *Engine
	memory       *ContextMemory
	embedder     Embedder
	notifier     Notifier
	logger       log.Logger
	hooks        PipelineHooks
	batchWorkers int
	similarTopK  int
}

// NewPipeline creates a new issue pipeline.
func NewPipeline(tracker Tracker, engine *Engine, logger log.Logger, opts PipelineOptions) *Pipeline {
	if tracker == nil {
		panic(xerrors.New("tracker is required"))
	}
	if engine == nil {
		panic(xerrors.New("analysis engine is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	mem := opts.Memory
	if mem == nil {
		mem = NewContextMemory(nil, 0, logger, MemoryHooks{})
	}
	topK := opts.SimilarTopK
	if topK <= 0 {
		topK = DefaultSimilarTopK
	}
	return &Pipeline{
		tracker:      tracker,
		engine:       engine,
		memory:       mem,
		embedder:     opts.Embedder,
		notifier:     opts.Notifier,
		logger:       logger,
		hooks:        opts.Hooks,
		batchWorkers: opts.BatchWorkers,
		similarTopK:  topK,
	}
}

// run tracks one pass through the state machine.
type run struct {
	id         string
	op         string
	number     int
	step       Step
	failedStep Step
	start      time.Time
	logger     log.Logger
	span       trace.Span
}

func (r *run) advance(s Step) {
	r.step = s
	r.span.AddEvent("pipeline.step", trace.WithAttributes(attribute.String("herald.step", string(s))))
}

func (r *run) fail(ctx context.Context, at Step, err error) *Outcome {
	r.failedStep = at
	r.step = StepFailed
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())
	r.logger.Error(ctx, err, "pipeline step failed", "step", at)
	return &Outcome{
		Success:     false,
		IssueNumber: r.number,
		RunID:       r.id,
		Error:       err.Error(),
	}
}

func (p *Pipeline) begin(ctx context.Context, op string, number int) (context.Context, *run) {
	id := ulid.Make().String()
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("herald.run.id", id),
		attribute.String("herald.operation", op),
		attribute.Int("herald.issue.number", number),
	))
	L := p.logger.With("run_id", id, "operation", op, "issue_number", number)
	ctx = log.WithContext(ctx, L)
	L.Info(ctx, "pipeline run started")
	return ctx, &run{
		id:     id,
		op:     op,
		number: number,
		step:   StepStart,
		start:  time.Now(),
		logger: L,
		span:   span,
	}
}

func (p *Pipeline) finish(ctx context.Context, r *run, success bool) {
	dur := time.Since(r.start).Seconds()
	r.span.SetAttributes(
		attribute.Bool("herald.run.success", success),
		attribute.String("herald.run.step", string(r.step)),
	)
	if !success && r.failedStep != "" {
		r.span.SetAttributes(attribute.String("herald.run.failed_step", string(r.failedStep)))
		if p.hooks.OnStepFailed != nil {
			p.hooks.OnStepFailed(r.failedStep)
		}
	}
	if p.hooks.OnRun != nil {
		p.hooks.OnRun(r.op, success, dur)
	}
	r.logger.Info(ctx, "pipeline run finished",
		"success", success,
		"step", r.step,
		"failed_step", r.failedStep,
		"duration", dur,
	)
	r.span.End()
}

func (p *Pipeline) notify(ctx context.Context, issue *Issue, out *Outcome) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, issue, out); err != nil {
		p.logger.Error(ctx, err, "notification failed", "issue_number", out.IssueNumber, "run_id", out.RunID)
	}
}

// ProcessNewIssue runs the full chain for an issue snapshot: fetch repository
// context, analyze, remember, optionally apply, then comment.
func (p *Pipeline) ProcessNewIssue(ctx context.Context, issue *Issue, autoApply bool) *Outcome {
	number := 0
	if issue != nil {
		number = issue.Number
	}
	ctx, r := p.begin(ctx, opProcessNew, number)
	out := p.process(ctx, r, issue, autoApply)
	p.finish(ctx, r, out.Success)
	p.notify(ctx, issue, out)
	return out
}

// ProcessExistingIssue fetches issue number from the tracker and processes it.
func (p *Pipeline) ProcessExistingIssue(ctx context.Context, number int, autoApply bool) *Outcome {
	ctx, r := p.begin(ctx, opProcessExisting, number)

	issue, err := p.tracker.Issue(ctx, number)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("issue #%d not found: %w", number, err)
		} else {
			err = fmt.Errorf("fetch issue #%d: %w", number, err)
		}
		out := r.fail(ctx, StepStart, err)
		p.finish(ctx, r, false)
		p.notify(ctx, nil, out)
		return out
	}

	out := p.process(ctx, r, issue, autoApply)
	p.finish(ctx, r, out.Success)
	p.notify(ctx, issue, out)
	return out
}

func (p *Pipeline) process(ctx context.Context, r *run, issue *Issue, autoApply bool) *Outcome {
	if err := issue.Validate(); err != nil {
		return r.fail(ctx, StepStart, err)
	}

	repo, err := p.tracker.RepositoryContext(ctx)
	if err != nil {
		return r.fail(ctx, StepContextFetched, fmt.Errorf("fetch repository context: %w", err))
	}
	r.advance(StepContextFetched)

	analysis := p.engine.Analyze(ctx, issue, repo)
	r.advance(StepAnalyzed)

	if p.memory.Available() && p.remember(ctx, issue) {
		r.advance(StepStored)
	}

	applied := false
	if autoApply {
		if err := p.apply(ctx, issue.Number, analysis); err != nil {
			return r.fail(ctx, StepApplied, err)
		}
		applied = true
		r.advance(StepApplied)
	}

	comment := RenderSummary(issue, analysis)
	r.advance(StepSummarized)

	if err := p.tracker.PostComment(ctx, issue.Number, comment); err != nil {
		return r.fail(ctx, StepCommented, fmt.Errorf("post summary comment: %w", err))
	}
	r.advance(StepCommented)
	r.advance(StepDone)

	return &Outcome{
		Success:        true,
		IssueNumber:    issue.Number,
		RunID:          r.id,
		Analysis:       analysis,
		ActionsApplied: applied,
		SummaryComment: comment,
	}
}

// apply writes suggested labels and assignee back to the tracker.
func (p *Pipeline) apply(ctx context.Context, number int, a *Analysis) error {
	if len(a.SuggestedLabels) > 0 {
		if err := p.tracker.ApplyLabels(ctx, number, a.SuggestedLabels); err != nil {
			return fmt.Errorf("apply labels: %w", err)
		}
	}
	if a.SuggestedAssignee != nil {
		if err := p.tracker.Assign(ctx, number, *a.SuggestedAssignee); err != nil {
			return fmt.Errorf("assign %s: %w", *a.SuggestedAssignee, err)
		}
	}
	return nil
}

// remember stores issue in memory. Failures are logged and reported as false.
func (p *Pipeline) remember(ctx context.Context, issue *Issue) bool {
	vec, ok := p.embed(ctx, issue)
	if !ok {
		return false
	}
	return p.memory.Store(ctx, memoryID(issue.Number), issue, vec)
}

func (p *Pipeline) embed(ctx context.Context, issue *Issue) ([]float64, bool) {
	if p.embedder == nil {
		return nil, false
	}
	vec, err := p.embedder.Embed(ctx, embeddingText(issue))
	if err != nil {
		p.logger.Warn(ctx, "embedding failed", "issue_number", issue.Number, "error", err.Error())
		return nil, false
	}
	return vec, true
}

// Recommendations analyzes issue without touching the tracker and
// returns similar issues from memory.
func (p *Pipeline) Recommendations(ctx context.Context, issue *Issue) *Recommendation {
	number := 0
	if issue != nil {
		number = issue.Number
	}
	ctx, r := p.begin(ctx, opRecommend, number)

	rec := p.recommend(ctx, r, issue)
	p.finish(ctx, r, rec.Success)
	return rec
}

func (p *Pipeline) recommend(ctx context.Context, r *run, issue *Issue) *Recommendation {
	failed := func(out *Outcome) *Recommendation {
		return &Recommendation{IssueNumber: r.number, SimilarIssues: []SimilarIssue{}, Error: out.Error}
	}

	if err := issue.Validate(); err != nil {
		return failed(r.fail(ctx, StepStart, err))
	}

	repo, err := p.tracker.RepositoryContext(ctx)
	if err != nil {
		return failed(r.fail(ctx, StepContextFetched, fmt.Errorf("fetch repository context: %w", err)))
	}
	r.advance(StepContextFetched)

	analysis := p.engine.Analyze(ctx, issue, repo)
	r.advance(StepAnalyzed)

	similar := []SimilarIssue{}
	if p.memory.Available() {
		if vec, ok := p.embed(ctx, issue); ok {
			self := memoryID(issue.Number)
			for _, hit := range p.memory.SearchSimilar(ctx, vec, p.similarTopK+1) {
				if hit.IssueID == self {
					continue
				}
				similar = append(similar, hit)
				if len(similar) == p.similarTopK {
					break
				}
			}
		}
	}
	r.advance(StepDone)

	return &Recommendation{
		Success:       true,
		IssueNumber:   issue.Number,
		Analysis:      analysis,
		SimilarIssues: similar,
		Repository: &RepositorySummary{
			Labels:       repo.Labels,
			Contributors: repo.Contributors,
			Topics:       repo.Topics,
		},
	}
}

// Stats counts the bound repository's issues by state.
func (p *Pipeline) Stats(ctx context.Context) (*Stats, error) {
	ref, err := p.tracker.Repository(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch repository: %w", err)
	}
	issues, err := p.tracker.Issues(ctx, "all")
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}

	st := &Stats{
		TotalIssues:     len(issues),
		MemoryAvailable: p.memory.Available(),
		Repository:      *ref,
	}
	for _, is := range issues {
		switch is.State {
		case StateOpen:
			st.OpenIssues++
		case StateClosed:
			st.ClosedIssues++
		}
	}
	return st, nil
}

// RepositoryContext returns a fresh repository snapshot.
func (p *Pipeline) RepositoryContext(ctx context.Context) (*RepositoryContext, error) {
	return p.tracker.RepositoryContext(ctx)
}

// Labels lists the repository's labels without building a full snapshot.
func (p *Pipeline) Labels(ctx context.Context) ([]string, error) {
	return p.tracker.Labels(ctx)
}

// Contributors lists the repository's contributors.
func (p *Pipeline) Contributors(ctx context.Context) ([]string, error) {
	return p.tracker.Contributors(ctx)
}
