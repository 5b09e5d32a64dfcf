package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const (
	DefaultMaxTokens   = 4000
	DefaultTemperature = 0.1
)

var tracer = otel.Tracer("github.com/linnemanlabs/herald/internal/triage")

// EngineConfig bounds each model call.
type EngineConfig struct {
	MaxTokens   int
	Temperature float64
	// CallTimeout limits a single provider call; zero means the caller's context only.
	CallTimeout time.Duration
}

// EngineHooks receives engine events for metrics. Nil funcs are skipped.
type EngineHooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, duration float64, failed bool)
	OnAnalysis func(tier Tier)
}

// Engine turns an issue plus repository context into an Analysis. It never fails:
// transport errors yield a basic analysis, unusable responses a keyword fallback.
type Engine struct {
	provider Provider
	cfg      EngineConfig
	logger   log.Logger
	hooks    EngineHooks
}

// NewEngine creates a new analysis engine.
func NewEngine(provider Provider, cfg EngineConfig, logger log.Logger, hooks EngineHooks) *Engine {
	if provider == nil {
		panic(xerrors.New("llm provider is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Engine{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
	}
}

// Analyze classifies issue using repo as context.
func (e *Engine) Analyze(ctx context.Context, issue *Issue, repo *RepositoryContext) *Analysis {
	ctx, span := tracer.Start(ctx, "triage.analyze", trace.WithAttributes(
		attribute.Int("herald.issue.number", issue.Number),
	))
	defer span.End()

	L := e.logger.With("issue_number", issue.Number)

	resp, callErr := e.complete(ctx, issue, &CompletionRequest{
		System:      buildSystemPrompt(repo),
		User:        buildUserPrompt(issue),
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	})

	var (
		parsed   *Analysis
		parseErr error
	)
	if callErr == nil {
		parsed, parseErr = parseAnalysis(resp.Text)
	}

	var a *Analysis
	switch {
	case callErr != nil:
		L.Error(ctx, callErr, "llm call failed, using basic analysis")
		a = basicAnalysis(issue)
	case parseErr != nil:
		L.Warn(ctx, "llm response unusable, using keyword fallback", "error", parseErr.Error())
		a = classifyKeywords(resp.Text)
	default:
		a = parsed
	}

	span.SetAttributes(
		attribute.String("herald.analysis.tier", string(a.Tier)),
		attribute.String("herald.analysis.issue_type", string(a.IssueType)),
		attribute.String("herald.analysis.priority", string(a.Priority)),
		attribute.Float64("herald.analysis.confidence", a.Confidence),
	)
	if e.hooks.OnAnalysis != nil {
		e.hooks.OnAnalysis(a.Tier)
	}

	L.Info(ctx, "issue analyzed",
		"tier", a.Tier,
		"issue_type", a.IssueType,
		"priority", a.Priority,
		"confidence", a.Confidence,
		"labels", len(a.SuggestedLabels),
	)
	return a
}

// complete performs one provider call inside an llm.call span. Errors wrap ErrTransport.
func (e *Engine) complete(ctx context.Context, issue *Issue, req *CompletionRequest) (*CompletionResponse, error) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.Int("gen_ai.request.max_tokens", req.MaxTokens),
		attribute.Float64("gen_ai.request.temperature", req.Temperature),
		attribute.Int("herald.issue.number", issue.Number),
	))
	defer span.End()

	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}

	span.AddEvent("llm.request", trace.WithAttributes(
		attribute.Int("herald.prompt.system_bytes", len(req.System)),
		attribute.Int("herald.prompt.user_bytes", len(req.User)),
	))

	start := time.Now()
	resp, err := e.provider.Complete(ctx, req)
	dur := time.Since(start).Seconds()

	if err == nil && resp == nil {
		err = errors.New("provider returned no response")
	}
	if err != nil {
		if e.hooks.OnLLMCall != nil {
			e.hooks.OnLLMCall(0, 0, dur, true)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("llm call: %w: %w", ErrTransport, err)
	}

	if e.hooks.OnLLMCall != nil {
		e.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, dur, false)
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.String("gen_ai.response.finish_reason", resp.StopReason),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	span.AddEvent("llm.response", trace.WithAttributes(
		attribute.Int("herald.response.bytes", len(resp.Text)),
		attribute.Float64("herald.response.duration_seconds", dur),
	))

	return resp, nil
}
