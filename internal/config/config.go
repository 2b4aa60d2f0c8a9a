// Package config loads and validates the ragsync configuration.
// Configuration comes from a YAML file with RAGSYNC_* environment
// overrides; defaults cover everything except vector_dimension, which
// becomes required once an index exists.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	ragerr "github.com/ragsync/ragsync/internal/errors"
)

// Process exit codes.
const (
	ExitOK                = 0
	ExitConfigError       = 2
	ExitStoreInitFailure  = 3
	ExitDimensionMismatch = 4
)

// SplitterStrategy names a chunking strategy.
type SplitterStrategy string

const (
	SplitterMarkdown  SplitterStrategy = "markdown_headings"
	SplitterFixedSize SplitterStrategy = "fixed_size"
	SplitterSentence  SplitterStrategy = "sentence"
)

// Config is the complete ragsync configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Ingestion IngestionConfig `yaml:"ingestion"`
	Retry     RetryConfig     `yaml:"retry"`
	GC        GCConfig        `yaml:"gc"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Search    SearchConfig    `yaml:"search"`
	Log       LogConfig       `yaml:"log"`
}

// IngestionConfig controls the sync pipeline.
type IngestionConfig struct {
	// Parallelism is the worker pool size. The ingestion queue is
	// bounded at 4x this value.
	Parallelism int `yaml:"parallelism"`

	// EmbedBatchSize is the number of chunks per embedding call.
	EmbedBatchSize int `yaml:"embed_batch_size"`

	// DefaultCollection is auto-created on first ingest when missing.
	DefaultCollection string `yaml:"default_collection"`

	// SplitterDefault selects the chunking strategy when the request
	// does not name one.
	SplitterDefault SplitterStrategy `yaml:"splitter_default"`

	// EmbedTimeout, IndexTimeout bound the per-call deadlines for the
	// embedding provider and vector store.
	EmbedTimeoutMS int `yaml:"embed_timeout_ms"`
	IndexTimeoutMS int `yaml:"index_timeout_ms"`
}

// RetryConfig is the normative cross-attempt retry policy (delay =
// base * 2^retries, capped, bounded attempts).
type RetryConfig struct {
	BaseMS      int `yaml:"base_ms"`
	CapMS       int `yaml:"cap_ms"`
	MaxAttempts int `yaml:"max_attempts"`

	// ScanIntervalSec bounds how late a re-armed timer may fire after
	// restart.
	ScanIntervalSec int `yaml:"scan_interval_sec"`
}

// GCConfig controls the reconciling garbage collector.
type GCConfig struct {
	IntervalHours int `yaml:"interval_hours"`
}

// EmbedderConfig configures the embedding provider.
type EmbedderConfig struct {
	// Provider is "ollama" or "static".
	Provider string `yaml:"provider"`

	// VectorDimension is required once known; a mismatch against the
	// provider's declared dimension is fatal (exit 4).
	VectorDimension int `yaml:"vector_dimension"`

	// Ollama settings.
	OllamaHost  string `yaml:"ollama_host"`
	OllamaModel string `yaml:"ollama_model"`

	// CacheSize is the LRU embedding cache capacity (0 disables).
	CacheSize int `yaml:"cache_size"`

	// MaxRetries enables in-call retries inside the embedder itself.
	// Off by default: cross-attempt retries belong to the sync
	// scheduler, and absorbing flakes here would hide them from the
	// job's transition log.
	MaxRetries int `yaml:"max_retries"`
}

// SearchConfig configures hybrid search.
type SearchConfig struct {
	// RRFConstant is the fusion smoothing parameter k.
	RRFConstant int `yaml:"rrf_constant"`

	DefaultLimit    int `yaml:"default_limit"`
	MaxLimit        int `yaml:"max_limit"`
	SearchTimeoutMS int `yaml:"search_timeout_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".ragsync")

	return &Config{
		DataDir: dataDir,
		Ingestion: IngestionConfig{
			Parallelism:       4,
			EmbedBatchSize:    64,
			DefaultCollection: "default",
			SplitterDefault:   SplitterMarkdown,
			EmbedTimeoutMS:    30_000,
			IndexTimeoutMS:    10_000,
		},
		Retry: RetryConfig{
			BaseMS:          30_000,
			CapMS:           1_800_000,
			MaxAttempts:     5,
			ScanIntervalSec: 60,
		},
		GC: GCConfig{
			IntervalHours: 1,
		},
		Embedder: EmbedderConfig{
			Provider:    "ollama",
			OllamaHost:  "http://localhost:11434",
			OllamaModel: "embeddinggemma",
			CacheSize:   4096,
		},
		Search: SearchConfig{
			RRFConstant:     60,
			DefaultLimit:    10,
			MaxLimit:        100,
			SearchTimeoutMS: 5_000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path (if it exists), applies environment
// overrides, and validates. A missing file is not an error; a malformed
// one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults only.
		case err != nil:
			return nil, ragerr.New(ragerr.CodeConfigNotFound, fmt.Sprintf("read config %s: %v", path, err), err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, ragerr.Config(fmt.Sprintf("parse config %s: %v", path, err), err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps RAGSYNC_* environment variables onto the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RAGSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v, ok := envInt("RAGSYNC_INGESTION_PARALLELISM"); ok {
		cfg.Ingestion.Parallelism = v
	}
	if v, ok := envInt("RAGSYNC_EMBED_BATCH_SIZE"); ok {
		cfg.Ingestion.EmbedBatchSize = v
	}
	if v, ok := envInt("RAGSYNC_RETRY_BASE_MS"); ok {
		cfg.Retry.BaseMS = v
	}
	if v, ok := envInt("RAGSYNC_RETRY_MAX_ATTEMPTS"); ok {
		cfg.Retry.MaxAttempts = v
	}
	if v, ok := envInt("RAGSYNC_RETRY_CAP_MS"); ok {
		cfg.Retry.CapMS = v
	}
	if v, ok := envInt("RAGSYNC_GC_INTERVAL_HOURS"); ok {
		cfg.GC.IntervalHours = v
	}
	if v := os.Getenv("RAGSYNC_DEFAULT_COLLECTION"); v != "" {
		cfg.Ingestion.DefaultCollection = v
	}
	if v, ok := envInt("RAGSYNC_VECTOR_DIMENSION"); ok {
		cfg.Embedder.VectorDimension = v
	}
	if v := os.Getenv("RAGSYNC_SPLITTER_DEFAULT"); v != "" {
		cfg.Ingestion.SplitterDefault = SplitterStrategy(v)
	}
	if v := os.Getenv("RAGSYNC_OLLAMA_HOST"); v != "" {
		cfg.Embedder.OllamaHost = v
	}
	if v, ok := envInt("RAGSYNC_EMBED_MAX_RETRIES"); ok {
		cfg.Embedder.MaxRetries = v
	}
	if v := os.Getenv("RAGSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks ranges and enum values. Violations are configuration
// errors and fatal at boot.
func (c *Config) Validate() error {
	if c.Ingestion.Parallelism < 1 {
		return ragerr.Config(fmt.Sprintf("ingestion parallelism must be >= 1, got %d", c.Ingestion.Parallelism), nil)
	}
	if c.Ingestion.EmbedBatchSize < 1 {
		return ragerr.Config(fmt.Sprintf("embed batch size must be >= 1, got %d", c.Ingestion.EmbedBatchSize), nil)
	}
	if c.Retry.BaseMS < 1 {
		return ragerr.Config("retry base must be positive", nil)
	}
	if c.Retry.CapMS < c.Retry.BaseMS {
		return ragerr.Config("retry cap must be >= retry base", nil)
	}
	if c.Retry.MaxAttempts < 0 {
		return ragerr.Config("retry max attempts must be >= 0", nil)
	}
	if c.GC.IntervalHours < 1 {
		return ragerr.Config("gc interval must be >= 1 hour", nil)
	}
	if c.Ingestion.DefaultCollection == "" {
		return ragerr.Config("default collection name must not be empty", nil)
	}
	switch c.Ingestion.SplitterDefault {
	case SplitterMarkdown, SplitterFixedSize, SplitterSentence:
	default:
		return ragerr.Config(fmt.Sprintf("unknown splitter strategy %q", c.Ingestion.SplitterDefault), nil)
	}
	switch c.Embedder.Provider {
	case "ollama", "static":
	default:
		return ragerr.Config(fmt.Sprintf("unknown embedder provider %q", c.Embedder.Provider), nil)
	}
	if c.Embedder.VectorDimension < 0 {
		return ragerr.Config("vector dimension must be >= 0", nil)
	}
	if c.Embedder.MaxRetries < 0 {
		return ragerr.Config("embedder max retries must be >= 0", nil)
	}
	if c.Search.RRFConstant < 1 {
		return ragerr.Config("rrf constant must be >= 1", nil)
	}
	if c.Search.DefaultLimit < 1 || c.Search.MaxLimit < c.Search.DefaultLimit {
		return ragerr.Config("search limits out of range", nil)
	}
	return nil
}

// Print writes the effective configuration as YAML.
func Print(w io.Writer, c *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// RetryBase returns the backoff base as a duration.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Retry.BaseMS) * time.Millisecond
}

// RetryCap returns the backoff cap as a duration.
func (c *Config) RetryCap() time.Duration {
	return time.Duration(c.Retry.CapMS) * time.Millisecond
}

// RetryScanInterval returns the period of the scheduler's catch-up scan.
func (c *Config) RetryScanInterval() time.Duration {
	return time.Duration(c.Retry.ScanIntervalSec) * time.Second
}

// GCInterval returns the GC period as a duration.
func (c *Config) GCInterval() time.Duration {
	return time.Duration(c.GC.IntervalHours) * time.Hour
}

// EmbedTimeout returns the per-call embedding deadline.
func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.Ingestion.EmbedTimeoutMS) * time.Millisecond
}

// IndexTimeout returns the per-call vector-store upsert deadline.
func (c *Config) IndexTimeout() time.Duration {
	return time.Duration(c.Ingestion.IndexTimeoutMS) * time.Millisecond
}

// SearchTimeout returns the per-call vector search deadline.
func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.Search.SearchTimeoutMS) * time.Millisecond
}
