// Package cmd wires the CLI surface: queueing PDFs, running a batch, and
// inspecting persisted state. The hidden worker subcommand is the re-exec
// target for isolated OCR processes.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/readydave/ocrestra/internal/config"
	"github.com/readydave/ocrestra/internal/state"
)

var (
	cfg     *config.Config
	logger  *zap.Logger
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "ocrestra",
	Short: "Batch OCR runner for PDF files, built on ocrmypdf.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		if verbose {
			l, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			logger = l
		} else {
			logger = zap.NewNop()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore opens the state database on demand; the worker subcommand never
// touches it.
func openStore() (*state.Store, error) {
	st, err := state.Open(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open state db at %s: %w", cfg.StatePath, err)
	}
	return st, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable diagnostic logging")
}
