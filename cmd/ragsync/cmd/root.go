// Package cmd provides the CLI commands for ragsync.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ragsync/ragsync/internal/config"
	ragerr "github.com/ragsync/ragsync/internal/errors"
	"github.com/ragsync/ragsync/pkg/version"
)

var (
	configPath  string
	dataDirFlag string
	debugMode   bool
)

// NewRootCmd creates the root command for the ragsync CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ragsync",
		Short: "Local ingestion and hybrid search engine for documents",
		Long: `ragsync ingests documents through a durable split/embed/index
pipeline and serves hybrid (keyword + vector) search over the result.

State lives under a single data directory; one process owns it at a
time.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("ragsync version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: $RAGSYNC_DATA_DIR/config.yaml)")
	cmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Override the data directory")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newGCCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and maps structured errors onto the
// documented process exit codes.
func Execute() int {
	err := NewRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return exitCode(err)
}

// exitCode maps an error to the documented process exit codes: 0 clean,
// 2 config error, 3 store-init failure, 4 vector-dimension mismatch.
func exitCode(err error) int {
	if err == nil {
		return config.ExitOK
	}
	switch ragerr.GetCode(err) {
	case ragerr.CodeConfigNotFound, ragerr.CodeConfigInvalid:
		return config.ExitConfigError
	case ragerr.CodeStoreInit, ragerr.CodeStoreMigration:
		return config.ExitStoreInitFailure
	case ragerr.CodeDimensionMismatch:
		return config.ExitDimensionMismatch
	default:
		return 1
	}
}
