// Herald triages GitHub issues with an LLM: it classifies new issues,
// suggests labels and assignees, and posts a summary comment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	otelpyroscope "github.com/grafana/otel-profiling-go"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/herald/internal/authmw"
	hc "github.com/linnemanlabs/herald/internal/cfg"
	"github.com/linnemanlabs/herald/internal/issueapi"
	"github.com/linnemanlabs/herald/internal/llm/claude"
	"github.com/linnemanlabs/herald/internal/llm/openai"
	"github.com/linnemanlabs/herald/internal/memory/memstore"
	"github.com/linnemanlabs/herald/internal/memory/pgvector"
	"github.com/linnemanlabs/herald/internal/notify/slack"
	"github.com/linnemanlabs/herald/internal/postgres"
	ghtracker "github.com/linnemanlabs/herald/internal/tracker/github"
	"github.com/linnemanlabs/herald/internal/triage"
	"github.com/linnemanlabs/herald/internal/webhook"
)

const appName = "herald"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    hc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var (
		showVersion bool
		envFile     string
	)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading HERALD_ environment variables")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// .env only fills variables that are not already set in the environment
	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	// Fill in config values from environment variables with prefix HERALD_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "HERALD_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"repository", appCfg.GitHubOwner+"/"+appCfg.GitHubRepo,
		"llm_provider", appCfg.LLMProvider,
		"memory_backend", appCfg.MemoryBackend,
		"batch_workers", appCfg.BatchWorkers,
		"webhook_signed", appCfg.WebhookSecret != "",
		"api_auth", appCfg.APIToken != "",
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf == nil {
		stopProf = func() {}
	}
	defer stopProf()

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// Link spans to pyroscope profiles so a slow pipeline run can be opened as a flame graph
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	triageMetrics := triage.NewMetrics(m.Registry())
	webhookMetrics := webhook.NewMetrics(m.Registry())

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "herald_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// Tracker gateway bound to the configured repository
	ghClient, err := ghtracker.NewClient(appCfg.GitHubToken, appCfg.GitHubBaseURL, nil)
	if err != nil {
		return fmt.Errorf("github client: %w", err)
	}
	gateway := ghtracker.New(ghClient, ghtracker.Config{
		Owner:       appCfg.GitHubOwner,
		Repo:        appCfg.GitHubRepo,
		DocBudget:   appCfg.DocBudget,
		CallTimeout: time.Duration(appCfg.TrackerTimeoutSeconds) * time.Second,
	}, L)
	L.Info(ctx, "initialized tracker", "repository", appCfg.GitHubOwner+"/"+appCfg.GitHubRepo)

	// LLM provider
	var (
		provider  triage.Provider
		model     string
		oaiClient *openai.Client
	)
	switch appCfg.LLMProvider {
	case hc.ProviderOpenAI:
		oaiClient, err = newOpenAI(appCfg)
		if err != nil {
			return fmt.Errorf("openai provider: %w", err)
		}
		provider, model = oaiClient, oaiClient.Model()
	default:
		cc, err := claude.New(claude.Config{APIKey: appCfg.ClaudeAPIKey, Model: appCfg.ClaudeModel})
		if err != nil {
			return fmt.Errorf("claude provider: %w", err)
		}
		provider, model = cc, cc.Model()
	}
	L.Info(ctx, "initialized LLM provider", "provider", appCfg.LLMProvider, "model", model)

	engine := triage.NewEngine(provider, triage.EngineConfig{
		MaxTokens:   appCfg.LLMMaxTokens,
		Temperature: appCfg.LLMTemperature,
		CallTimeout: time.Duration(appCfg.LLMTimeoutSeconds) * time.Second,
	}, L, triageMetrics.EngineHooks())

	// Context memory and embeddings
	memory, closeMemory := newMemory(ctx, appCfg, L, triageMetrics.MemoryHooks())
	defer closeMemory()

	var embedder triage.Embedder
	if memory.Available() {
		switch {
		case oaiClient != nil:
			embedder = oaiClient
		case appCfg.OpenAIAPIKey != "":
			if oaiClient, err = newOpenAI(appCfg); err != nil {
				return fmt.Errorf("openai embeddings: %w", err)
			}
			embedder = oaiClient
		default:
			embedder = triage.HashEmbedder{Dims: appCfg.EmbeddingDimensions}
			L.Warn(ctx, "no openai key configured, using hashed token embeddings")
		}
	}

	// Slack notifier for processing outcomes
	var notifier triage.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(slack.Config{
			WebhookURL:   appCfg.SlackWebhookURL,
			Repo:         appCfg.GitHubOwner + "/" + appCfg.GitHubRepo,
			Model:        model,
			OnlyFailures: appCfg.SlackOnlyFailures,
		}, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	pipeline := triage.NewPipeline(gateway, engine, L, triage.PipelineOptions{
		Memory:       memory,
		Embedder:     embedder,
		Notifier:     notifier,
		Hooks:        triageMetrics.PipelineHooks(),
		BatchWorkers: appCfg.BatchWorkers,
		SimilarTopK:  appCfg.SimilarTopK,
	})

	// Webhook delivery de-duplication, shared through redis when configured
	dedup, closeDedup, err := newDeduper(ctx, appCfg.RedisURL, L)
	if err != nil {
		return err
	}
	defer closeDedup()

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(dbStats)

	r.Use(httpmw.AccessLog())

	// GitHub issue payloads carry the full body, 1MB matches GitHub's own cap on issue text
	r.Use(httpmw.MaxBody(1 << 20))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// GitHub webhook deliveries, authenticated by payload signature
	webhook.New(L, pipeline, webhook.Options{
		Secret:  appCfg.WebhookSecret,
		Deduper: dedup,
		OnEvent: webhookMetrics.OnEvent(),
	}).RegisterRoutes(r)

	// issue API, bearer-token protected when tokens are configured
	api := issueapi.New(L, pipeline, appCfg.MaxBatch)
	r.Group(func(r chi.Router) {
		if tokens := appCfg.APITokens(); len(tokens) > 0 {
			r.Use(authmw.BearerToken(L, tokens...))
		} else {
			L.Warn(ctx, "api-token not set, /api/v1 is unauthenticated")
		}
		api.RegisterRoutes(r)
	})

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)

	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	h = httpmw.Recover(L, nil)(h)

	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// newMemory builds the similar-issue memory for the configured backend. A
// backend that fails to initialize leaves memory unavailable and startup
// continues; the returned func releases whatever was opened.
func newMemory(ctx context.Context, c hc.Config, L log.Logger, hooks triage.MemoryHooks) (*triage.ContextMemory, func()) {
	noop := func() {}
	switch c.MemoryBackend {
	case hc.MemoryPostgres:
		pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolOptions{})
		if err != nil {
			L.Error(ctx, err, "memory backend unavailable, similar-issue memory disabled", "backend", c.MemoryBackend)
			return triage.NewContextMemory(nil, c.EmbeddingDimensions, L, hooks), noop
		}
		store, err := pgvector.New(ctx, pool, c.EmbeddingDimensions)
		if err != nil {
			pool.Close()
			L.Error(ctx, err, "memory backend unavailable, similar-issue memory disabled", "backend", c.MemoryBackend)
			return triage.NewContextMemory(nil, c.EmbeddingDimensions, L, hooks), noop
		}
		L.Info(ctx, "using postgres memory backend", "dimensions", c.EmbeddingDimensions)
		return triage.NewContextMemory(store, c.EmbeddingDimensions, L, hooks), pool.Close
	case hc.MemoryInMemory:
		L.Info(ctx, "using in-memory memory backend")
		return triage.NewContextMemory(memstore.New(), c.EmbeddingDimensions, L, hooks), noop
	default:
		L.Info(ctx, "similar-issue memory disabled")
		return triage.NewContextMemory(nil, c.EmbeddingDimensions, L, hooks), noop
	}
}

// newDeduper returns a redis-backed deduper when redisURL is set and the
// server answers, otherwise a process-local one. Only a malformed URL is an error.
func newDeduper(ctx context.Context, redisURL string, L log.Logger) (webhook.Deduper, func(), error) {
	noop := func() {}
	if redisURL == "" {
		return webhook.NewMemoryDeduper(0), noop, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, noop, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		L.Warn(ctx, "redis unreachable, webhook de-duplication is process-local", "error", err)
		return webhook.NewMemoryDeduper(0), noop, nil
	}
	L.Info(ctx, "webhook de-duplication via redis")
	return webhook.NewRedisDeduper(client, "", 0), func() { _ = client.Close() }, nil
}

func newOpenAI(c hc.Config) (*openai.Client, error) {
	return openai.New(openai.Config{
		APIKey:         c.OpenAIAPIKey,
		Model:          c.OpenAIModel,
		BaseURL:        c.OpenAIBaseURL,
		EmbeddingModel: c.EmbeddingModel,
		Dimensions:     c.EmbeddingDimensions,
	})
}

// loadEnvFile loads path with godotenv. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// dbStats stashes the HTTP method and a per-request query counter in the
// context, then records the totals on the request span.
func dbStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := postgres.WithHTTPMethod(postgres.NewReqDBStatsContext(req.Context()), req.Method)
		next.ServeHTTP(w, req.WithContext(ctx))

		stats, ok := postgres.ReqDBStatsFromContext(ctx)
		if !ok {
			return
		}
		count, total, errs := stats.Snapshot()
		if count == 0 {
			return
		}
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("db.query_count", count),
			attribute.Int("db.error_count", errs),
			attribute.Float64("db.total_seconds", total.Seconds()),
		)
	})
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
