package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// StaticEmbedder produces deterministic hash-based embeddings with no
// external service. Token hashes scatter into a fixed-dimension vector,
// so texts sharing words land near each other. Useful for tests and
// air-gapped setups; not a real semantic model.
type StaticEmbedder struct {
	dims int
}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a static embedder with the given dimension.
func NewStaticEmbedder(dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &StaticEmbedder{dims: dims}
}

// Embed hashes the text's tokens into a normalized vector.
func (s *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, s.dims)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return vec, nil
	}
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		seed := h.Sum64()
		// Spread each token across a few buckets with alternating sign.
		for i := 0; i < 4; i++ {
			seed = seed*6364136223846793005 + 1442695040888963407
			idx := int(seed % uint64(s.dims))
			if seed&(1<<32) != 0 {
				vec[idx] += 1
			} else {
				vec[idx] -= 1
			}
		}
	}
	return normalizeVector(vec), nil
}

// EmbedBatch embeds each text independently.
func (s *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured dimension.
func (s *StaticEmbedder) Dimensions() int { return s.dims }

// ModelName identifies the hash scheme, dimension included, so an index
// built at one dimension is never silently reused at another.
func (s *StaticEmbedder) ModelName() string {
	return fmt.Sprintf("static-fnv-%d", s.dims)
}

// Available always succeeds; there is no external dependency.
func (s *StaticEmbedder) Available(ctx context.Context) bool { return true }

// Close is a no-op.
func (s *StaticEmbedder) Close() error { return nil }
