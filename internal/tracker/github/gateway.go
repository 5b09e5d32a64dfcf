// Package github implements the triage Tracker over the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	gh "github.com/google/go-github/v79/github"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/herald/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/herald/internal/tracker/github")

const (
	// DefaultDocBudget is the per-document rune budget for repository docs.
	DefaultDocBudget = 2000

	// DefaultCallTimeout bounds each remote call.
	DefaultCallTimeout = 30 * time.Second

	perPage = 100
)

// Config configures a Gateway.
type Config struct {
	Owner       string
	Repo        string
	DocBudget   int
	CallTimeout time.Duration
}

type binding struct {
	owner string
	name  string
}

func (b *binding) fullName() string {
	return b.owner + "/" + b.name
}

// Gateway is a triage.Tracker bound to one repository. Safe for concurrent use.
type Gateway struct {
	client    *gh.Client
	docBudget int
	timeout   time.Duration
	logger    log.Logger
	bound     atomic.Pointer[binding]
}

var _ triage.Tracker = (*Gateway)(nil)

// NewClient builds a go-github client with an instrumented transport. An
// empty token makes anonymous requests; baseURL selects GitHub Enterprise.
func NewClient(token, baseURL string, hc *http.Client) (*gh.Client, error) {
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	c := gh.NewClient(hc)
	if token != "" {
		c = c.WithAuthToken(token)
	}
	if baseURL != "" {
		ec, err := c.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
		return ec, nil
	}
	return c, nil
}

// New creates a gateway. It is bound when cfg names a repository; otherwise
// Bind must be called before use.
func New(client *gh.Client, cfg Config, logger log.Logger) *Gateway {
	if client == nil {
		panic(xerrors.New("github client is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.DocBudget <= 0 {
		cfg.DocBudget = DefaultDocBudget
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	g := &Gateway{
		client:    client,
		docBudget: cfg.DocBudget,
		timeout:   cfg.CallTimeout,
		logger:    logger,
	}
	if cfg.Owner != "" || cfg.Repo != "" {
		if err := g.Bind(cfg.Owner, cfg.Repo); err != nil {
			logger.Warn(context.Background(), "github gateway left unbound", "error", err.Error())
		}
	}
	return g
}

// Bind selects the repository every later operation targets.
func (g *Gateway) Bind(owner, name string) error {
	owner, name = strings.TrimSpace(owner), strings.TrimSpace(name)
	if owner == "" || name == "" {
		return fmt.Errorf("bind repository %q/%q: owner and name are required: %w", owner, name, triage.ErrConfiguration)
	}
	g.bound.Store(&binding{owner: owner, name: name})
	return nil
}

func (g *Gateway) target() (*binding, error) {
	b := g.bound.Load()
	if b == nil {
		return nil, fmt.Errorf("github gateway has no repository bound: %w", triage.ErrConfiguration)
	}
	return b, nil
}

// call runs one remote request under the per-call timeout inside a span and
// maps its error into the triage taxonomy.
func (g *Gateway) call(ctx context.Context, op string, b *binding, fn func(ctx context.Context) (*gh.Response, error)) error {
	ctx, span := tracer.Start(ctx, "github."+op, trace.WithAttributes(
		attribute.String("github.repository", b.fullName()),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := fn(ctx)
	if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		if resp.Rate.Limit > 0 {
			span.SetAttributes(attribute.Int("github.rate.remaining", resp.Rate.Remaining))
		}
	}
	if err != nil {
		err = mapError(op, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// mapError classifies a go-github error: 404 is ErrNotFound, everything else
// (auth, rate limits, 5xx, network) is ErrTransport.
func mapError(op string, err error) error {
	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("github %s: %w: %w", op, triage.ErrNotFound, err)
	}
	return fmt.Errorf("github %s: %w: %w", op, triage.ErrTransport, err)
}
