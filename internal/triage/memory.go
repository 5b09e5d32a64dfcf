package triage

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultEmbeddingDimensions matches the vector width of the default embedding model.
const DefaultEmbeddingDimensions = 1536

// MemoryRecord is one stored issue vector.
type MemoryRecord struct {
	ID        string
	Title     string
	Body      string
	Author    string
	Embedding []float64
}

// MemoryBackend is the persistence interface for issue vectors.
type MemoryBackend interface {
	Upsert(ctx context.Context, rec *MemoryRecord) error
	Query(ctx context.Context, embedding []float64, topK int) ([]SimilarIssue, error)
}

// MemoryHooks receives memory events for metrics. Nil funcs are skipped.
type MemoryHooks struct {
	OnOp func(op string, ok bool)
}

// ContextMemory wraps an optional MemoryBackend with fail-open semantics:
// nothing here ever returns an error to the pipeline.
type ContextMemory struct {
	backend MemoryBackend
	dims    int
	logger  log.Logger
	hooks   MemoryHooks
}

// NewContextMemory returns a memory facade. A nil backend yields an unavailable memory.
func NewContextMemory(backend MemoryBackend, dims int, logger log.Logger, hooks MemoryHooks) *ContextMemory {
	if logger == nil {
		logger = log.Nop()
	}
	if dims <= 0 {
		dims = DefaultEmbeddingDimensions
	}
	return &ContextMemory{
		backend: backend,
		dims:    dims,
		logger:  logger,
		hooks:   hooks,
	}
}

// Available reports whether a backend is configured.
func (m *ContextMemory) Available() bool {
	return m != nil && m.backend != nil
}

// Dimensions is the vector width every embedding must have.
func (m *ContextMemory) Dimensions() int {
	if m == nil {
		return DefaultEmbeddingDimensions
	}
	return m.dims
}

// Store upserts issue under id. It reports false on any failure.
func (m *ContextMemory) Store(ctx context.Context, id string, issue *Issue, embedding []float64) bool {
	if !m.Available() || issue == nil {
		return false
	}

	ctx, span := tracer.Start(ctx, "memory.store", trace.WithAttributes(
		attribute.String("herald.memory.id", id),
	))
	defer span.End()

	err := m.checkDims(embedding)
	if err == nil {
		err = m.backend.Upsert(ctx, &MemoryRecord{
			ID:        id,
			Title:     issue.Title,
			Body:      issue.Body,
			Author:    issue.Author.Login,
			Embedding: embedding,
		})
	}
	m.observe("store", err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn(ctx, "memory store failed", "id", id, "error", err.Error())
		return false
	}
	return true
}

// SearchSimilar returns up to topK nearest issues, or an empty slice when
// memory is unavailable or the query fails.
func (m *ContextMemory) SearchSimilar(ctx context.Context, embedding []float64, topK int) []SimilarIssue {
	if !m.Available() || topK <= 0 {
		return []SimilarIssue{}
	}

	ctx, span := tracer.Start(ctx, "memory.search", trace.WithAttributes(
		attribute.Int("herald.memory.top_k", topK),
	))
	defer span.End()

	var hits []SimilarIssue
	err := m.checkDims(embedding)
	if err == nil {
		hits, err = m.backend.Query(ctx, embedding, topK)
	}
	m.observe("search", err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn(ctx, "memory search failed", "error", err.Error())
		return []SimilarIssue{}
	}
	if hits == nil {
		hits = []SimilarIssue{}
	}
	span.SetAttributes(attribute.Int("herald.memory.hits", len(hits)))
	return hits
}

func (m *ContextMemory) checkDims(embedding []float64) error {
	if len(embedding) != m.dims {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(embedding), m.dims)
	}
	return nil
}

func (m *ContextMemory) observe(op string, ok bool) {
	if m.hooks.OnOp != nil {
		m.hooks.OnOp(op, ok)
	}
}

// memoryID is the stable memory key for an issue number.
func memoryID(number int) string {
	return fmt.Sprintf("issue_%d", number)
}
