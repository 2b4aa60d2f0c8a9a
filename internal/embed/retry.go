package embed

import (
	"context"

	ragerr "github.com/ragsync/ragsync/internal/errors"
)

// RetryingEmbedder wraps an Embedder with in-attempt retries for
// transient provider failures. Cross-attempt retries (the backoff
// schedule on FAILED sync jobs) live in the scheduler; this layer only
// smooths over short network blips within a single pipeline step.
type RetryingEmbedder struct {
	inner Embedder
	cfg   ragerr.RetryConfig
}

var _ Embedder = (*RetryingEmbedder)(nil)

// NewRetryingEmbedder wraps inner with the given retry policy.
func NewRetryingEmbedder(inner Embedder, cfg ragerr.RetryConfig) *RetryingEmbedder {
	return &RetryingEmbedder{inner: inner, cfg: cfg}
}

// Embed retries transient failures per the policy.
func (r *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return ragerr.RetryWithResult(ctx, r.cfg, func() ([]float32, error) {
		return r.inner.Embed(ctx, text)
	})
}

// EmbedBatch retries transient failures per the policy. The whole batch
// is retried; providers are expected to be idempotent.
func (r *RetryingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ragerr.RetryWithResult(ctx, r.cfg, func() ([][]float32, error) {
		return r.inner.EmbedBatch(ctx, texts)
	})
}

// Dimensions passes through to the inner embedder.
func (r *RetryingEmbedder) Dimensions() int { return r.inner.Dimensions() }

// ModelName passes through to the inner embedder.
func (r *RetryingEmbedder) ModelName() string { return r.inner.ModelName() }

// Available passes through to the inner embedder.
func (r *RetryingEmbedder) Available(ctx context.Context) bool { return r.inner.Available(ctx) }

// Close closes the inner embedder.
func (r *RetryingEmbedder) Close() error { return r.inner.Close() }
