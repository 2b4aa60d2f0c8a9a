// Package embed turns chunk text into vectors. Providers implement
// Embedder; the engine wraps the configured provider in an LRU cache and
// a retry layer before handing it to the pipeline.
package embed

import (
	"context"
	"time"
)

// Embedder generates embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text. Empty or
	// whitespace-only input yields a zero vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving
	// order. len(result) == len(texts) on success.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the provider can serve requests now.
	Available(ctx context.Context) bool

	Close() error
}

// Ollama defaults.
const (
	DefaultOllamaHost  = "http://localhost:11434"
	DefaultOllamaModel = "embeddinggemma"
	DefaultBatchSize   = 32
	DefaultTimeout     = 30 * time.Second
	DefaultDimensions  = 768
)

// OllamaConfig configures the Ollama HTTP embedder.
type OllamaConfig struct {
	Host  string
	Model string

	// Dimensions, when 0, is auto-detected from a probe embedding.
	Dimensions int

	// BatchSize caps how many texts go into one API call.
	BatchSize int

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// SkipHealthCheck skips the startup probe (tests only).
	SkipHealthCheck bool
}
