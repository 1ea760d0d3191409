package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/readydave/ocrestra/internal/scheduler"
	"github.com/readydave/ocrestra/internal/state"
	"github.com/readydave/ocrestra/internal/task"
)

var (
	addRecursive bool
	addForceOCR  bool
	addUseGPU    bool
	addOptimize  bool
)

var addCmd = &cobra.Command{
	Use:   "add [paths...]",
	Short: "Add PDFs to the saved queue without running them",
	Long: `Validates the given files and directories and appends them to the persisted
queue. A later "run --restore" picks them up.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		ctx := cmd.Context()

		existing, _, err := st.LoadSnapshot(ctx, cfg.MaxRestoreItems)
		if err != nil {
			return fmt.Errorf("load saved queue: %w", err)
		}

		// The scheduler's validation pipeline is reused for discovery,
		// sniffing and dedup; nothing is started here.
		sched := scheduler.New(cfg, logger)
		for _, it := range existing {
			sched.Enqueue([]string{it.InputPath}, false, it.Options)
		}
		opts := task.Options{ForceOCR: addForceOCR, UseGPU: addUseGPU, OptimizeForSize: addOptimize}
		res := sched.Enqueue(args, addRecursive, opts)
		reportEnqueue(res)
		if len(res.Added) == 0 {
			return fmt.Errorf("no new files to add")
		}

		var items []state.Item
		for _, it := range sched.SnapshotItems() {
			items = append(items, state.Item{InputPath: it.InputPath, Options: it.Options})
		}
		if err := st.SaveSnapshot(ctx, items); err != nil {
			return fmt.Errorf("save queue: %w", err)
		}
		fmt.Printf("added %d file(s); queue now holds %d\n", len(res.Added), len(items))
		return nil
	},
}

func init() {
	addCmd.Flags().BoolVarP(&addRecursive, "recursive", "r", false, "scan directories recursively")
	addCmd.Flags().BoolVar(&addForceOCR, "force", false, "re-OCR pages that already contain text")
	addCmd.Flags().BoolVar(&addUseGPU, "gpu", false, "use the EasyOCR GPU engine")
	addCmd.Flags().BoolVar(&addOptimize, "optimize", false, "optimize output PDFs for size")
	rootCmd.AddCommand(addCmd)
}
