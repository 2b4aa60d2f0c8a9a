package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"

	"github.com/ragsync/ragsync/internal/config"
	"github.com/ragsync/ragsync/internal/embed"
	ragerr "github.com/ragsync/ragsync/internal/errors"
	"github.com/ragsync/ragsync/internal/logging"
	"github.com/ragsync/ragsync/internal/store"
	"github.com/ragsync/ragsync/internal/vector"
)

// app holds the booted engine components shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	meta     *store.SQLiteStore
	vectors  *vector.HNSWStore
	embedder embed.Embedder

	lock       *flock.Flock
	logCleanup func()
}

// openApp boots the engine: config, logging, the single-instance lock,
// both stores, and (optionally) the embedder. Callers must Close.
func openApp(ctx context.Context, needEmbedder bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, ragerr.New(ragerr.CodeStoreInit,
			fmt.Sprintf("create data dir %s: %v", cfg.DataDir, err), err)
	}

	logCfg := logging.DefaultConfig(cfg.DataDir)
	logCfg.Level = cfg.Log.Level
	if cfg.Log.File != "" {
		logCfg.FilePath = cfg.Log.File
	}
	if debugMode {
		logCfg.Level = "debug"
	}
	logCleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return nil, ragerr.New(ragerr.CodeStoreInit, "setup logging", err)
	}
	logger := slog.Default()

	// One process per data dir. A held lock means another ragsync owns
	// this state.
	lock := flock.New(filepath.Join(cfg.DataDir, "ragsync.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		logCleanup()
		return nil, ragerr.New(ragerr.CodeStoreInit, "acquire data-dir lock", err)
	}
	if !locked {
		logCleanup()
		return nil, ragerr.Conflict(
			fmt.Sprintf("data dir %s is locked by another ragsync process", cfg.DataDir))
	}

	a := &app{cfg: cfg, logger: logger, lock: lock, logCleanup: logCleanup}

	a.meta, err = store.Open(filepath.Join(cfg.DataDir, "metadata.db"))
	if err != nil {
		a.Close()
		return nil, err
	}

	if needEmbedder {
		a.embedder, err = embed.New(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	dims, err := a.resolveDimensions(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.vectors, err = vector.LoadHNSWStore(a.vectorDir(), dims)
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("engine booted",
		slog.String("data_dir", cfg.DataDir),
		slog.Int("dimensions", dims),
		slog.Int("vectors", a.vectors.Count()))
	return a, nil
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		base := dataDirFlag
		if base == "" {
			base = os.Getenv("RAGSYNC_DATA_DIR")
		}
		if base != "" {
			path = filepath.Join(base, "config.yaml")
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	return cfg, nil
}

// resolveDimensions picks the vector dimension for the index: the
// embedder's declared dimension when one is loaded, else the dimension
// recorded at first use, else the configured one.
func (a *app) resolveDimensions(ctx context.Context) (int, error) {
	if a.embedder != nil {
		return a.embedder.Dimensions(), nil
	}
	recorded, err := a.meta.GetState(ctx, store.StateKeyVectorDimension)
	if err != nil {
		return 0, err
	}
	if recorded != "" {
		dims, err := strconv.Atoi(recorded)
		if err != nil {
			return 0, ragerr.New(ragerr.CodeStoreCorrupt,
				fmt.Sprintf("recorded vector dimension %q is not a number", recorded), err)
		}
		return dims, nil
	}
	if a.cfg.Embedder.VectorDimension > 0 {
		return a.cfg.Embedder.VectorDimension, nil
	}
	return embed.DefaultDimensions, nil
}

func (a *app) vectorDir() string {
	return filepath.Join(a.cfg.DataDir, "vectors")
}

// saveVectors persists the in-memory vector index. Mutating commands
// call this before Close.
func (a *app) saveVectors() error {
	return a.vectors.Save(a.vectorDir())
}

// Close releases components in reverse boot order.
func (a *app) Close() {
	if a.vectors != nil {
		_ = a.vectors.Close()
	}
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.meta != nil {
		_ = a.meta.Close()
	}
	if a.lock != nil {
		_ = a.lock.Unlock()
	}
	if a.logCleanup != nil {
		a.logCleanup()
	}
}
