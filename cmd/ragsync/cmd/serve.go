package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ragsync/ragsync/internal/gc"
	"github.com/ragsync/ragsync/internal/search"
	"github.com/ragsync/ragsync/internal/service"
	"github.com/ragsync/ragsync/internal/syncer"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine daemon",
		Long: `Start the ingestion workers, the retry scheduler, and the
reconciling GC, then block until SIGINT/SIGTERM. Persisted FAILED jobs
are re-armed on boot. An RPC facade attaches to the running engine
out of process.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	eng, err := newEngine(a)
	if err != nil {
		return err
	}

	if err := eng.svc.CheckDimensions(ctx); err != nil {
		return err
	}

	eng.orch.Start()
	if err := eng.sched.Start(ctx); err != nil {
		return err
	}
	eng.gc.Start()
	a.logger.Info("ragsync serving", slog.String("data_dir", a.cfg.DataDir))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	a.logger.Info("shutting down", slog.String("signal", s.String()))

	eng.gc.Stop()
	eng.sched.Stop()
	eng.orch.Stop()
	return a.saveVectors()
}

// engine bundles the running components behind the service facade.
type engine struct {
	svc   *service.Service
	orch  *syncer.Orchestrator
	sched *syncer.Scheduler
	gc    *gc.Collector
}

// newEngine wires the pipeline, scheduler, search engine, and GC onto
// an opened app. Nothing is started.
func newEngine(a *app) (*engine, error) {
	fsm := syncer.NewFSM(a.meta, a.logger)
	orch := syncer.NewOrchestrator(a.cfg, a.meta, a.vectors, a.embedder, fsm, a.logger)
	sched := syncer.NewScheduler(syncer.SchedulerConfig{
		Base:         a.cfg.RetryBase(),
		Cap:          a.cfg.RetryCap(),
		MaxAttempts:  a.cfg.Retry.MaxAttempts,
		ScanInterval: a.cfg.RetryScanInterval(),
	}, a.meta, fsm, syncer.SystemClock, orch.EnqueueRetry, a.logger)
	orch.SetScheduler(sched)

	searchEngine := search.NewEngine(a.cfg, a.meta, a.vectors, a.embedder, a.logger)
	collector := gc.NewCollector(a.cfg.GCInterval(), a.meta, a.vectors, a.logger)

	svc := service.New(a.cfg, a.meta, a.vectors, a.embedder, orch, searchEngine, collector, a.logger)
	return &engine{svc: svc, orch: orch, sched: sched, gc: collector}, nil
}
