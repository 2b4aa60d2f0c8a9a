package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/ragsync/ragsync/internal/config"
	ragerr "github.com/ragsync/ragsync/internal/errors"
)

// New builds the embedder stack from config: provider, optionally
// wrapped in a retry layer, wrapped in an LRU cache (outermost, so
// cache hits skip retries too). In-call retries are off by default;
// the sync scheduler owns the normative cross-attempt retry policy,
// and an embedder that swallows flakes would keep them out of the
// job's transition log.
func New(ctx context.Context, cfg *config.Config) (Embedder, error) {
	var inner Embedder
	switch cfg.Embedder.Provider {
	case "static":
		inner = NewStaticEmbedder(cfg.Embedder.VectorDimension)
	case "ollama":
		e, err := NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       cfg.Embedder.OllamaHost,
			Model:      cfg.Embedder.OllamaModel,
			Dimensions: cfg.Embedder.VectorDimension,
			BatchSize:  cfg.Ingestion.EmbedBatchSize,
			Timeout:    cfg.EmbedTimeout(),
		})
		if err != nil {
			return nil, err
		}
		inner = e
	default:
		return nil, ragerr.Config(fmt.Sprintf("unknown embedder provider %q", cfg.Embedder.Provider), nil)
	}

	if cfg.Embedder.MaxRetries > 0 {
		inner = NewRetryingEmbedder(inner, ragerr.RetryConfig{
			MaxRetries:   cfg.Embedder.MaxRetries,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		})
	}
	if cfg.Embedder.CacheSize == 0 {
		return inner, nil
	}
	return NewCachedEmbedder(inner, cfg.Embedder.CacheSize), nil
}
