package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ragsync/ragsync/internal/store"
)

// statusInfo is the operator-facing snapshot printed by `ragsync status`.
type statusInfo struct {
	DataDir     string         `json:"data_dir"`
	Collections int            `json:"collections"`
	Chunks      int            `json:"chunks"`
	Vectors     int            `json:"vectors"`
	Dimensions  string         `json:"dimensions,omitempty"`
	Jobs        map[string]int `json:"jobs,omitempty"`
	DeletedDocs int            `json:"deleted_docs,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine state and sync-job counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// runStatus reads both stores without touching the embedding provider,
// so it works while the provider is down.
func runStatus(cmd *cobra.Command, jsonOutput bool) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := collectStatus(ctx, a)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprintf(out, "Data dir:     %s\n", info.DataDir)
	fmt.Fprintf(out, "Collections:  %d\n", info.Collections)
	fmt.Fprintf(out, "Chunks:       %d\n", info.Chunks)
	fmt.Fprintf(out, "Vectors:      %d\n", info.Vectors)
	if info.Dimensions != "" {
		fmt.Fprintf(out, "Dimensions:   %s\n", info.Dimensions)
	}
	if len(info.Jobs) > 0 {
		fmt.Fprintln(out, "Sync jobs:")
		for _, state := range []store.SyncState{
			store.SyncStateNew, store.SyncStateSplitOK, store.SyncStateEmbedOK,
			store.SyncStateSynced, store.SyncStateFailed, store.SyncStateRetrying,
			store.SyncStateDead,
		} {
			if n := info.Jobs[string(state)]; n > 0 {
				fmt.Fprintf(out, "  %-10s %d\n", state, n)
			}
		}
	}
	if info.DeletedDocs > 0 {
		fmt.Fprintf(out, "Pending GC:   %d deleted docs\n", info.DeletedDocs)
	}
	return nil
}

func collectStatus(ctx context.Context, a *app) (*statusInfo, error) {
	info := &statusInfo{
		DataDir: a.cfg.DataDir,
		Vectors: a.vectors.Count(),
		Jobs:    make(map[string]int),
	}

	cols, err := a.meta.ListAllCollections(ctx)
	if err != nil {
		return nil, err
	}
	info.Collections = len(cols)
	for _, col := range cols {
		ids, err := a.meta.ListPointIDsByCollection(ctx, col.ID)
		if err != nil {
			return nil, err
		}
		info.Chunks += len(ids)
	}

	info.Dimensions, err = a.meta.GetState(ctx, store.StateKeyVectorDimension)
	if err != nil {
		return nil, err
	}

	for _, state := range []store.SyncState{
		store.SyncStateNew, store.SyncStateSplitOK, store.SyncStateEmbedOK,
		store.SyncStateSynced, store.SyncStateFailed, store.SyncStateRetrying,
		store.SyncStateDead,
	} {
		jobs, err := a.meta.ListSyncJobsByStatus(ctx, state)
		if err != nil {
			return nil, err
		}
		if len(jobs) > 0 {
			info.Jobs[string(state)] = len(jobs)
		}
	}

	deleted, err := a.meta.ListDeletedDocs(ctx)
	if err != nil {
		return nil, err
	}
	info.DeletedDocs = len(deleted)
	return info, nil
}
