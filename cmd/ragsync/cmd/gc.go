package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ragsync/ragsync/internal/gc"
)

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run one reconciliation round now",
		Long: `Reconcile the metadata store against the vector index: remove
orphaned points and chunk rows, finalize soft-deleted documents, and
compact old terminal sync jobs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGC(cmd)
		},
	}
}

func runGC(cmd *cobra.Command) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	collector := gc.NewCollector(a.cfg.GCInterval(), a.meta, a.vectors, a.logger)
	report, err := collector.RunOnce(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Collections scanned:  %d\n", report.Collections)
	fmt.Fprintf(out, "Orphan vectors:       %d\n", report.OrphanVectors)
	fmt.Fprintf(out, "Orphan chunks:        %d\n", report.OrphanChunks)
	fmt.Fprintf(out, "Docs finalized:       %d\n", report.DocsFinalized)
	fmt.Fprintf(out, "Jobs compacted:       %d\n", report.JobsCompacted)
	fmt.Fprintf(out, "Elapsed:              %s\n", report.Elapsed)

	return a.saveVectors()
}
