package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queueClear bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show or clear the saved queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		ctx := cmd.Context()

		if queueClear {
			if err := st.ClearSnapshot(ctx); err != nil {
				return fmt.Errorf("clear queue: %w", err)
			}
			fmt.Println("saved queue cleared")
			return nil
		}

		items, skipped, err := st.LoadSnapshot(ctx, cfg.MaxRestoreItems)
		if err != nil {
			return fmt.Errorf("load saved queue: %w", err)
		}
		if len(items) == 0 && len(skipped) == 0 {
			fmt.Println("the saved queue is empty")
			return nil
		}
		for i, it := range items {
			flags := ""
			if it.Options.ForceOCR {
				flags += " [force]"
			}
			if it.Options.UseGPU {
				flags += " [gpu]"
			}
			if it.Options.OptimizeForSize {
				flags += " [optimize]"
			}
			fmt.Printf("%3d  %s%s\n", i+1, it.InputPath, flags)
		}
		for _, sk := range skipped {
			fmt.Printf("  !  %s: %s\n", sk.Path, sk.Reason)
		}
		return nil
	},
}

func init() {
	queueCmd.Flags().BoolVar(&queueClear, "clear", false, "drop the saved queue")
	rootCmd.AddCommand(queueCmd)
}
