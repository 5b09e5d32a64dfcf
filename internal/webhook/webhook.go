// Package webhook receives GitHub webhook deliveries and feeds newly opened
// issues into the triage pipeline.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	gh "github.com/google/go-github/v79/github"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	ghtracker "github.com/linnemanlabs/herald/internal/tracker/github"
	"github.com/linnemanlabs/herald/internal/triage"
)

// Path is the route GitHub deliveries are posted to.
const Path = "/webhook/github"

// Event results reported to Options.OnEvent.
const (
	ResultProcessed = "processed"
	ResultFailed    = "failed"
	ResultIgnored   = "ignored"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
)

// Processor is the slice of the pipeline the webhook drives.
type Processor interface {
	ProcessNewIssue(ctx context.Context, issue *triage.Issue, autoApply bool) *triage.Outcome
}

// Options configures a Handler.
type Options struct {
	// Secret validates X-Hub-Signature-256. Empty disables validation.
	Secret string

	// Deduper drops repeated X-GitHub-Delivery ids. Nil disables it.
	Deduper Deduper

	// OnEvent is called once per delivery with the event type and one of
	// the Result* values.
	OnEvent func(event, result string)
}

// Handler serves the GitHub webhook endpoint.
type Handler struct {
	logger  log.Logger
	proc    Processor
	secret  []byte
	dedup   Deduper
	onEvent func(event, result string)
}

// New creates a webhook Handler.
func New(logger log.Logger, proc Processor, opts Options) *Handler {
	if logger == nil {
		logger = log.Nop()
	}
	if proc == nil {
		panic(xerrors.New("issue processor is required"))
	}
	h := &Handler{
		logger:  logger,
		proc:    proc,
		dedup:   opts.Deduper,
		onEvent: opts.OnEvent,
	}
	if opts.Secret != "" {
		h.secret = []byte(opts.Secret)
	}
	return h
}

// RegisterRoutes attaches the webhook endpoints to the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(Path, h.handleDelivery)
	r.Get(Path, h.handleInfo)
}

type response struct {
	Message     string           `json:"message"`
	IssueNumber int              `json:"issue_number,omitempty"`
	Analysis    *triage.Analysis `json:"analysis,omitempty"`
	RunID       string           `json:"run_id,omitempty"`
	Error       string           `json:"error,omitempty"`
}

func (h *Handler) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "GitHub webhook endpoint",
		"path":             Path,
		"events":           []string{"issues", "ping"},
		"signature_needed": h.secret != nil,
	})
}

func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	event := gh.WebHookType(r)
	delivery := gh.DeliveryID(r)

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("github.event", event),
		attribute.String("github.delivery", delivery),
	)
	logger := h.logger.With("event", event, "delivery", delivery)

	payload, err := gh.ValidatePayload(r, h.secret)
	if err != nil {
		h.report(event, ResultRejected)
		if h.secret != nil {
			logger.Warn(ctx, "webhook signature rejected", "error", err)
			writeJSON(w, http.StatusUnauthorized, response{Message: "invalid signature"})
			return
		}
		writeJSON(w, http.StatusBadRequest, response{Message: "invalid payload", Error: err.Error()})
		return
	}

	if !json.Valid(payload) {
		h.report(event, ResultRejected)
		writeJSON(w, http.StatusBadRequest, response{Message: "invalid payload", Error: "body is not valid JSON"})
		return
	}

	parsed, err := gh.ParseWebHook(event, payload)
	if err != nil {
		// Unknown event types are acknowledged so GitHub does not retry them.
		logger.Info(ctx, "unhandled webhook event")
		h.report(event, ResultIgnored)
		writeJSON(w, http.StatusOK, response{Message: "Event ignored"})
		return
	}

	switch ev := parsed.(type) {
	case *gh.PingEvent:
		logger.Info(ctx, "webhook ping received", "hook_id", ev.GetHookID())
		h.report(event, ResultProcessed)
		writeJSON(w, http.StatusOK, response{Message: "Webhook received"})
	case *gh.IssuesEvent:
		h.handleIssues(ctx, w, logger, event, delivery, ev)
	default:
		logger.Info(ctx, "unhandled webhook event")
		h.report(event, ResultIgnored)
		writeJSON(w, http.StatusOK, response{Message: "Event ignored"})
	}
}

func (h *Handler) handleIssues(ctx context.Context, w http.ResponseWriter, logger log.Logger, event, delivery string, ev *gh.IssuesEvent) {
	action := ev.GetAction()
	issue := ghtracker.IssueFromGitHub(ev.GetIssue())
	number := 0
	if issue != nil {
		number = issue.Number
	}
	logger = logger.With("action", action, "issue_number", number)
	logger.Info(ctx, "issues webhook received")

	if action != "opened" {
		h.report(event, ResultIgnored)
		writeJSON(w, http.StatusOK, response{Message: "Issue action '" + action + "' ignored"})
		return
	}
	if err := issue.Validate(); err != nil {
		h.report(event, ResultRejected)
		writeJSON(w, http.StatusBadRequest, response{Message: "Failed to process issue", Error: err.Error()})
		return
	}

	if h.dedup != nil && delivery != "" {
		fresh, err := h.dedup.Claim(ctx, delivery)
		switch {
		case err != nil:
			logger.Warn(ctx, "delivery de-duplication unavailable, processing anyway", "error", err)
		case !fresh:
			logger.Info(ctx, "duplicate delivery ignored")
			h.report(event, ResultDuplicate)
			writeJSON(w, http.StatusOK, response{Message: "Duplicate delivery ignored", IssueNumber: number})
			return
		}
	}

	out := h.proc.ProcessNewIssue(ctx, issue, false)
	if !out.Success {
		// A failed run must stay retryable through GitHub's redelivery.
		if h.dedup != nil && delivery != "" {
			if err := h.dedup.Release(context.WithoutCancel(ctx), delivery); err != nil {
				logger.Warn(ctx, "failed to release delivery claim", "error", err)
			}
		}
		logger.Error(ctx, errors.New(out.Error), "webhook issue processing failed", "run_id", out.RunID)
		h.report(event, ResultFailed)
		writeJSON(w, http.StatusInternalServerError, response{
			Message: "Failed to process issue",
			RunID:   out.RunID,
			Error:   out.Error,
		})
		return
	}

	h.report(event, ResultProcessed)
	writeJSON(w, http.StatusOK, response{
		Message:     "Issue processed successfully",
		IssueNumber: out.IssueNumber,
		Analysis:    out.Analysis,
		RunID:       out.RunID,
	})
}

func (h *Handler) report(event, result string) {
	if h.onEvent != nil {
		h.onEvent(event, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
