// Package pgvector provides a PostgreSQL + pgvector implementation of
// triage.MemoryBackend.
package pgvector

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/herald/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/herald/internal/memory/pgvector")

//go:embed schema.sql
var schemaTemplate string

// MaxDimensions is the widest vector the HNSW index in schema.sql accepts.
const MaxDimensions = 2000

// Store persists issue vectors in PostgreSQL using the pgvector extension.
type Store struct {
	pool *pgxpool.Pool
	dims int
}

var _ triage.MemoryBackend = (*Store)(nil)

// New applies the schema for vectors of width dims and returns a ready Store.
// The pool is owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool, dims int) (*Store, error) {
	if dims <= 0 || dims > MaxDimensions {
		return nil, fmt.Errorf("pgvector: dimensions must be 1..%d, got %d", MaxDimensions, dims)
	}
	if _, err := pool.Exec(ctx, schemaSQL(dims)); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, dims: dims}, nil
}

func schemaSQL(dims int) string {
	return strings.ReplaceAll(schemaTemplate, "{{dims}}", strconv.Itoa(dims))
}

// Upsert inserts or replaces the record with rec.ID.
func (s *Store) Upsert(ctx context.Context, rec *triage.MemoryRecord) error {
	ctx, span := tracer.Start(ctx, "pgvector.Upsert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
		attribute.String("herald.memory.id", rec.ID),
	))
	defer span.End()

	if len(rec.Embedding) != s.dims {
		err := fmt.Errorf("pgvector: embedding has %d dimensions, table expects %d", len(rec.Embedding), s.dims)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO issue_memory (id, title, body, author, embedding)
		VALUES ($1, $2, $3, $4, $5::vector)
		ON CONFLICT (id) DO UPDATE SET
			title      = EXCLUDED.title,
			body       = EXCLUDED.body,
			author     = EXCLUDED.author,
			embedding  = EXCLUDED.embedding,
			updated_at = now()`,
		rec.ID, rec.Title, rec.Body, rec.Author, vectorLiteral(rec.Embedding),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert issue memory: %w", err)
	}
	return nil
}

// Query returns the topK nearest records by cosine distance. Score is
// cosine similarity (1 - distance).
func (s *Store) Query(ctx context.Context, embedding []float64, topK int) ([]triage.SimilarIssue, error) {
	ctx, span := tracer.Start(ctx, "pgvector.Query", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.Int("herald.memory.top_k", topK),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx, `
		SELECT id, title, body, author, 1 - (embedding <=> $1::vector) AS score
		FROM issue_memory
		ORDER BY embedding <=> $1::vector
		LIMIT $2`,
		vectorLiteral(embedding), topK,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query issue memory: %w", err)
	}
	defer rows.Close()

	hits := make([]triage.SimilarIssue, 0, topK)
	for rows.Next() {
		var h triage.SimilarIssue
		if err := rows.Scan(&h.IssueID, &h.Title, &h.Body, &h.Author, &h.Score); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan issue memory: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate issue memory: %w", err)
	}
	return hits, nil
}

// vectorLiteral renders v in pgvector's text input format: [1,2.5,-3].
func vectorLiteral(v []float64) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
