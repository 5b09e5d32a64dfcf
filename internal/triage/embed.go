package triage

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a fixed-width vector for Context Memory.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HashEmbedder is a deterministic feature-hashing embedder used when no
// embedding model is configured. Texts sharing words land close together
// under cosine similarity; it carries no semantics beyond that.
type HashEmbedder struct {
	Dims int
}

// Embed implements Embedder.
func (h HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	dims := h.Dims
	if dims <= 0 {
		dims = DefaultEmbeddingDimensions
	}
	vec := make([]float64, dims)

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New64a()
		_, _ = f.Write([]byte(w))
		sum := f.Sum64()
		idx := int(sum % uint64(dims))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

// embeddingText is what gets embedded for an issue.
func embeddingText(issue *Issue) string {
	if issue.Body == "" {
		return issue.Title
	}
	return issue.Title + "\n\n" + issue.Body
}
