package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/readydave/ocrestra/internal/worker"
)

// workerCmd is the re-exec target for isolated OCR processes. The parent
// feeds a JSON spec over stdin and reads line-delimited JSON events from
// stdout; nothing else may be written there.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var spec worker.Spec
		if err := json.NewDecoder(os.Stdin).Decode(&spec); err != nil {
			return fmt.Errorf("decode worker spec: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		worker.Run(ctx, spec, os.Stdout)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
