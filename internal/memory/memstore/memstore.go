// Package memstore provides an in-memory implementation of triage.MemoryBackend.
package memstore

import (
	"cmp"
	"context"
	"errors"
	"math"
	"slices"
	"sync"

	"github.com/linnemanlabs/herald/internal/triage"
)

// Store holds issue vectors in memory and answers queries by brute-force
// cosine similarity. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	records map[string]*triage.MemoryRecord // memory id -> record
}

var _ triage.MemoryBackend = (*Store)(nil)

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{records: make(map[string]*triage.MemoryRecord)}
}

// Upsert stores a copy of rec, replacing any record with the same ID.
func (s *Store) Upsert(_ context.Context, rec *triage.MemoryRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("memstore: record id is required")
	}
	cp := *rec
	cp.Embedding = slices.Clone(rec.Embedding)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = &cp
	return nil
}

// Query returns up to topK records ordered by descending cosine similarity.
// Ties break on ID so results are stable.
func (s *Store) Query(_ context.Context, embedding []float64, topK int) ([]triage.SimilarIssue, error) {
	if topK <= 0 {
		return []triage.SimilarIssue{}, nil
	}

	s.mu.RLock()
	hits := make([]triage.SimilarIssue, 0, len(s.records))
	for _, r := range s.records {
		if len(r.Embedding) != len(embedding) {
			continue
		}
		hits = append(hits, triage.SimilarIssue{
			IssueID: r.ID,
			Title:   r.Title,
			Body:    r.Body,
			Author:  r.Author,
			Score:   cosine(embedding, r.Embedding),
		})
	}
	s.mu.RUnlock()

	slices.SortFunc(hits, func(a, b triage.SimilarIssue) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.IssueID, b.IssueID)
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
