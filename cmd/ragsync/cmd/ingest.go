package cmd

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ragsync/ragsync/internal/id"
	"github.com/ragsync/ragsync/internal/service"
	"github.com/ragsync/ragsync/internal/split"
)

func newIngestCmd() *cobra.Command {
	var collection string
	var strategy string

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest documents and wait for them to sync",
		Long: `Run the full pipeline for one or more files: split, embed,
index. The file path (relative to the working directory) becomes the
document key. Exits non-zero if any document ends up DEAD.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, args, collection, strategy)
		},
	}

	cmd.Flags().StringVarP(&collection, "collection", "c", "", "Target collection id (default: the configured default collection)")
	cmd.Flags().StringVar(&strategy, "splitter", "", "Chunking strategy: markdown_headings, fixed_size, sentence")

	return cmd
}

func runIngest(cmd *cobra.Command, paths []string, collection, strategy string) error {
	ctx := cmd.Context()
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
	defer func() {
		eng.sched.Stop()
		eng.orch.Stop()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, path := range paths {
		g.Go(func() error {
			docID, err := ingestFile(gctx, eng.svc, eng, path, collection, strategy)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", docID, path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return a.saveVectors()
}

func ingestFile(ctx context.Context, svc *service.Service, eng *engine, path, collection, strategy string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	// Subscribe before submitting; the doc id is content-addressed.
	done := eng.orch.Done(id.MakeDocID(content))

	docID, err := svc.IngestDocument(ctx, service.IngestRequest{
		CollectionID: collection,
		Key:          path,
		Name:         filepath.Base(path),
		MIME:         mime.TypeByExtension(filepath.Ext(path)),
		Content:      content,
		Split:        split.Options{Strategy: split.Strategy(strategy)},
	})
	if err != nil {
		return "", err
	}

	select {
	case err := <-done:
		return docID, err
	case <-ctx.Done():
		return docID, ctx.Err()
	}
}
