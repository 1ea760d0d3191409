package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently finished tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.History(cmd.Context(), historyLimit)
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("no history yet")
			return nil
		}
		for _, e := range entries {
			detail := e.Result
			if e.Status == "Done" {
				detail = e.OutputPath
			}
			marker := ""
			if e.FallbackUsed {
				marker = " (fallback)"
			}
			fmt.Printf("%s  %-8s  %s%s  %s\n",
				e.FinishedAt.Local().Format("2006-01-02 15:04"),
				e.Status, filepath.Base(e.InputPath), marker, detail)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "maximum entries to show")
	rootCmd.AddCommand(historyCmd)
}
