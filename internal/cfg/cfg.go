package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/linnemanlabs/herald/internal/memory/pgvector"
	"github.com/linnemanlabs/herald/internal/triage"
)

// LLM providers.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
)

// Memory backends.
const (
	MemoryNone     = "none"
	MemoryInMemory = "memory"
	MemoryPostgres = "postgres"
)

// Config holds the application settings. It satisfies the go-core
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	GitHubToken           string
	GitHubBaseURL         string
	GitHubOwner           string
	GitHubRepo            string
	WebhookSecret         string
	TrackerTimeoutSeconds int
	DocBudget             int

	LLMProvider       string
	ClaudeAPIKey      string
	ClaudeModel       string
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	LLMMaxTokens      int
	LLMTemperature    float64
	LLMTimeoutSeconds int

	MemoryBackend       string
	DatabaseURL         string
	EmbeddingDimensions int
	EmbeddingModel      string
	SimilarTopK         int

	RedisURL          string
	SlackWebhookURL   string
	SlackOnlyFailures bool
	APIToken          string
	BatchWorkers      int
	MaxBatch          int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.GitHubToken, "github-token", "", "GitHub token used for the REST API")
	fs.StringVar(&c.GitHubBaseURL, "github-base-url", "", "GitHub Enterprise API base URL (empty = github.com)")
	fs.StringVar(&c.GitHubOwner, "github-owner", "", "owner of the repository to triage")
	fs.StringVar(&c.GitHubRepo, "github-repo", "", "name of the repository to triage")
	fs.StringVar(&c.WebhookSecret, "github-webhook-secret", "", "secret for X-Hub-Signature-256 validation (empty = unsigned deliveries accepted)")
	fs.IntVar(&c.TrackerTimeoutSeconds, "tracker-timeout-seconds", 30, "timeout for each GitHub API call (1..600)")
	fs.IntVar(&c.DocBudget, "doc-budget", 2000, "max characters kept from each repository document (1..100000)")

	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderClaude, "LLM provider: claude or openai")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI provider and embeddings")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o", "OpenAI chat model to use")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "OpenAI-compatible API base URL (empty = api.openai.com)")
	fs.IntVar(&c.LLMMaxTokens, "llm-max-tokens", triage.DefaultMaxTokens, "max output tokens per analysis (1..64000)")
	fs.Float64Var(&c.LLMTemperature, "llm-temperature", triage.DefaultTemperature, "sampling temperature (0..2)")
	fs.IntVar(&c.LLMTimeoutSeconds, "llm-timeout-seconds", 60, "timeout for each LLM call (1..600)")

	fs.StringVar(&c.MemoryBackend, "memory-backend", MemoryNone, "similar-issue memory: none, memory or postgres")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the postgres memory backend")
	fs.IntVar(&c.EmbeddingDimensions, "embedding-dimensions", triage.DefaultEmbeddingDimensions, "embedding vector width (1..16000, 1..2000 with the postgres backend)")
	fs.StringVar(&c.EmbeddingModel, "embedding-model", "text-embedding-3-small", "OpenAI embedding model (used when an OpenAI key is set)")
	fs.IntVar(&c.SimilarTopK, "similar-top-k", triage.DefaultSimilarTopK, "similar issues returned with recommendations (1..50)")

	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for webhook delivery de-duplication (empty = in-process)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.BoolVar(&c.SlackOnlyFailures, "slack-only-failures", false, "only notify Slack about failed runs")
	fs.StringVar(&c.APIToken, "api-token", "", "comma separated bearer tokens for /api/v1 (empty = unauthenticated)")
	fs.IntVar(&c.BatchWorkers, "batch-workers", 1, "concurrent issues per batch request (1..32)")
	fs.IntVar(&c.MaxBatch, "max-batch", 100, "max issues per batch request (1..1000)")
}

// APITokens returns the configured bearer tokens.
func (c *Config) APITokens() []string {
	var out []string
	for _, t := range strings.Split(c.APIToken, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// GitHub
	if c.GitHubToken == "" {
		errs = append(errs, errors.New("GITHUB_TOKEN is required"))
	}
	if c.GitHubOwner == "" {
		errs = append(errs, errors.New("GITHUB_OWNER is required"))
	}
	if c.GitHubRepo == "" {
		errs = append(errs, errors.New("GITHUB_REPO is required"))
	}
	if c.TrackerTimeoutSeconds <= 0 || c.TrackerTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid TRACKER_TIMEOUT_SECONDS %d (must be 1..600)", c.TrackerTimeoutSeconds))
	}
	if c.DocBudget <= 0 || c.DocBudget > 100000 {
		errs = append(errs, fmt.Errorf("invalid DOC_BUDGET %d (must be 1..100000)", c.DocBudget))
	}

	// LLM provider and its credentials
	switch c.LLMProvider {
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required"))
		}
		if c.OpenAIModel == "" {
			errs = append(errs, errors.New("OPENAI_MODEL is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be claude or openai)", c.LLMProvider))
	}
	if c.LLMMaxTokens <= 0 || c.LLMMaxTokens > 64000 {
		errs = append(errs, fmt.Errorf("invalid LLM_MAX_TOKENS %d (must be 1..64000)", c.LLMMaxTokens))
	}
	if !(c.LLMTemperature >= 0 && c.LLMTemperature <= 2) {
		errs = append(errs, fmt.Errorf("invalid LLM_TEMPERATURE %v (must be 0..2)", c.LLMTemperature))
	}
	if c.LLMTimeoutSeconds <= 0 || c.LLMTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid LLM_TIMEOUT_SECONDS %d (must be 1..600)", c.LLMTimeoutSeconds))
	}

	// Memory
	switch c.MemoryBackend {
	case MemoryNone, MemoryInMemory:
	case MemoryPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for MEMORY_BACKEND postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid MEMORY_BACKEND %q (must be none, memory or postgres)", c.MemoryBackend))
	}
	maxDims := 16000
	if c.MemoryBackend == MemoryPostgres {
		maxDims = pgvector.MaxDimensions
	}
	if c.EmbeddingDimensions <= 0 || c.EmbeddingDimensions > maxDims {
		errs = append(errs, fmt.Errorf("invalid EMBEDDING_DIMENSIONS %d (must be 1..%d for MEMORY_BACKEND %s)", c.EmbeddingDimensions, maxDims, c.MemoryBackend))
	}
	if c.SimilarTopK <= 0 || c.SimilarTopK > 50 {
		errs = append(errs, fmt.Errorf("invalid SIMILAR_TOP_K %d (must be 1..50)", c.SimilarTopK))
	}

	// Batch
	if c.BatchWorkers <= 0 || c.BatchWorkers > 32 {
		errs = append(errs, fmt.Errorf("invalid BATCH_WORKERS %d (must be 1..32)", c.BatchWorkers))
	}
	if c.MaxBatch <= 0 || c.MaxBatch > 1000 {
		errs = append(errs, fmt.Errorf("invalid MAX_BATCH %d (must be 1..1000)", c.MaxBatch))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
