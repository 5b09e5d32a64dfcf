// Package issueapi exposes the issue pipeline over a JSON HTTP API.
package issueapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/herald/internal/triage"
)

// DefaultMaxBatch caps the number of issues accepted by one batch request.
const DefaultMaxBatch = 100

// Pipeline defines the operations issueapi needs.
type Pipeline interface {
	ProcessNewIssue(ctx context.Context, issue *triage.Issue, autoApply bool) *triage.Outcome
	ProcessExistingIssue(ctx context.Context, number int, autoApply bool) *triage.Outcome
	Recommendations(ctx context.Context, issue *triage.Issue) *triage.Recommendation
	BatchProcess(ctx context.Context, numbers []int, autoApply bool) *triage.BatchOutcome
	Stats(ctx context.Context) (*triage.Stats, error)
	RepositoryContext(ctx context.Context) (*triage.RepositoryContext, error)
	Labels(ctx context.Context) ([]string, error)
	Contributors(ctx context.Context) ([]string, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	pipeline Pipeline
	maxBatch int
}

// New creates a new API handler. maxBatch <= 0 uses DefaultMaxBatch.
func New(logger log.Logger, pipeline Pipeline, maxBatch int) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if pipeline == nil {
		panic(xerrors.New("issue pipeline is required"))
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &API{
		logger:   logger,
		pipeline: pipeline,
		maxBatch: maxBatch,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/issues/process", a.handleProcessIssue)
		r.Post("/issues/{number}/process", a.handleProcessExisting)
		r.Post("/issues/recommendations", a.handleRecommendations)
		r.Post("/issues/batch", a.handleBatch)
		r.Get("/stats", a.handleStats)
		r.Get("/repository", a.handleRepository)
		r.Get("/labels", a.handleLabels)
		r.Get("/contributors", a.handleContributors)
	})
}

type processRequest struct {
	Issue     *triage.Issue `json:"issue"`
	AutoApply bool          `json:"auto_apply"`
}

type recommendationsRequest struct {
	Issue *triage.Issue `json:"issue"`
}

type batchRequest struct {
	IssueNumbers []int `json:"issue_numbers"`
	AutoApply    bool  `json:"auto_apply"`
}

func (a *API) handleProcessIssue(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.Issue.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("herald.issue.number", req.Issue.Number),
		attribute.Bool("herald.auto_apply", req.AutoApply),
	)

	out := a.pipeline.ProcessNewIssue(r.Context(), req.Issue, req.AutoApply)
	a.writeOutcome(r.Context(), w, out)
}

func (a *API) handleProcessExisting(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "issue number must be a positive integer")
		return
	}
	autoApply := false
	if v := r.URL.Query().Get("auto_apply"); v != "" {
		autoApply, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "auto_apply must be a boolean")
			return
		}
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("herald.issue.number", number),
		attribute.Bool("herald.auto_apply", autoApply),
	)

	out := a.pipeline.ProcessExistingIssue(r.Context(), number, autoApply)
	a.writeOutcome(r.Context(), w, out)
}

func (a *API) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	var req recommendationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.Issue.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec := a.pipeline.Recommendations(r.Context(), req.Issue)
	status := http.StatusOK
	if !rec.Success {
		a.logger.Warn(r.Context(), "recommendations failed", "issue_number", rec.IssueNumber, "error", rec.Error)
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, rec)
}

func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.IssueNumbers) == 0 {
		writeError(w, http.StatusBadRequest, "issue_numbers is required")
		return
	}
	if len(req.IssueNumbers) > a.maxBatch {
		writeError(w, http.StatusBadRequest, "too many issues in batch, max "+strconv.Itoa(a.maxBatch))
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("herald.batch.size", len(req.IssueNumbers)),
	)

	out := a.pipeline.BatchProcess(r.Context(), req.IssueNumbers, req.AutoApply)
	a.logger.Info(r.Context(), "batch processed",
		"total", out.TotalProcessed,
		"successful", out.Successful,
		"failed", out.Failed,
	)
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.pipeline.Stats(r.Context())
	if err != nil {
		a.writePipelineError(r.Context(), w, err, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleRepository(w http.ResponseWriter, r *http.Request) {
	rc, err := a.pipeline.RepositoryContext(r.Context())
	if err != nil {
		a.writePipelineError(r.Context(), w, err, "failed to fetch repository context")
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (a *API) handleLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := a.pipeline.Labels(r.Context())
	if err != nil {
		a.writePipelineError(r.Context(), w, err, "failed to fetch labels")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"labels": nonNil(labels)})
}

func (a *API) handleContributors(w http.ResponseWriter, r *http.Request) {
	contributors, err := a.pipeline.Contributors(r.Context())
	if err != nil {
		a.writePipelineError(r.Context(), w, err, "failed to fetch contributors")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"contributors": nonNil(contributors)})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (a *API) writeOutcome(ctx context.Context, w http.ResponseWriter, out *triage.Outcome) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("herald.run.id", out.RunID),
		attribute.Bool("herald.run.success", out.Success),
	)
	if !out.Success {
		a.logger.Warn(ctx, "issue processing failed",
			"run_id", out.RunID,
			"issue_number", out.IssueNumber,
			"error", out.Error,
		)
		writeJSON(w, http.StatusInternalServerError, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) writePipelineError(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	a.logger.Error(ctx, err, msg)
	switch {
	case errors.Is(err, triage.ErrConfiguration):
		writeError(w, http.StatusServiceUnavailable, "repository not configured")
	case errors.Is(err, triage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, triage.ErrTransport):
		writeError(w, http.StatusBadGateway, "upstream error")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
