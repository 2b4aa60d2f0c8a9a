package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ragsync/ragsync/internal/search"
)

func newSearchCmd() *cobra.Command {
	var collection string
	var limit, page int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Run a hybrid keyword + vector query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, strings.Join(args, " "), collection, limit, page, jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&collection, "collection", "c", "", "Restrict to one collection id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Results per page (default from config)")
	cmd.Flags().IntVarP(&page, "page", "p", 1, "Result page")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runSearch(cmd *cobra.Command, query, collection string, limit, page int, jsonOutput bool) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	engine := search.NewEngine(a.cfg, a.meta, a.vectors, a.embedder, a.logger)
	resp, err := engine.Search(ctx, search.Request{
		Query:        query,
		CollectionID: collection,
		Limit:        limit,
		Page:         page,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if resp.Degraded {
		fmt.Fprintln(out, "(vector search unavailable, keyword results only)")
	}
	if len(resp.Results) == 0 {
		fmt.Fprintln(out, "No results.")
		return nil
	}
	for i, r := range resp.Results {
		title := r.Title
		if len(r.TitleChain) > 0 {
			title = strings.Join(r.TitleChain, " > ")
		}
		fmt.Fprintf(out, "%2d. [%.4f] %s (%s#%d)\n", i+1, r.Score, title, r.DocID[:12], r.ChunkIndex)
		fmt.Fprintf(out, "    %s\n", firstLine(r.Content, 120))
	}
	fmt.Fprintf(out, "\n%d of %d results\n", len(resp.Results), resp.Total)
	return nil
}

// firstLine returns the first line of s truncated to max runes.
func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max-1]) + "…"
	}
	return s
}
