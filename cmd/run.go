package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/readydave/ocrestra/internal/scheduler"
	"github.com/readydave/ocrestra/internal/state"
	"github.com/readydave/ocrestra/internal/task"
)

var (
	runRecursive bool
	runForceOCR  bool
	runUseGPU    bool
	runOptimize  bool
	runWorkers   string
	runPriority  string
	runRestore   bool
)

var runCmd = &cobra.Command{
	Use:   "run [paths...]",
	Short: "Queue PDFs and run the batch to completion",
	Long: `Queues the given PDF files and directories, then runs OCR over them with a
pool of isolated worker processes. Ctrl+C cancels running work and saves the
remaining queue for a later --restore.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prio, err := parsePriority(runPriority)
		if err != nil {
			return err
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		ctx := cmd.Context()

		if !cmd.Flags().Changed("workers") {
			runWorkers, _ = st.GetSetting(ctx, "concurrency", runWorkers)
		}

		sched := scheduler.New(cfg, logger)
		opts := task.Options{ForceOCR: runForceOCR, UseGPU: runUseGPU, OptimizeForSize: runOptimize}

		if runRestore {
			items, skipped, err := st.LoadSnapshot(ctx, cfg.MaxRestoreItems)
			if err != nil {
				return fmt.Errorf("load saved queue: %w", err)
			}
			for _, sk := range skipped {
				fmt.Printf("not restored %s: %s\n", sk.Path, sk.Reason)
			}
			for _, it := range items {
				reportEnqueue(sched.Enqueue([]string{it.InputPath}, false, it.Options))
			}
		} else if has, _ := st.HasSnapshot(ctx); has {
			fmt.Println("a saved queue from a previous run exists; add --restore to re-queue it")
		}

		if len(args) > 0 {
			reportEnqueue(sched.Enqueue(args, runRecursive, opts))
		}
		if len(sched.Tasks()) == 0 {
			return fmt.Errorf("nothing to do: no valid PDFs queued")
		}

		if err := sched.Start(runWorkers, prio); err != nil {
			return err
		}
		_ = st.SetSetting(ctx, "concurrency", runWorkers)
		fmt.Printf("processing %d file(s)\n", len(sched.Tasks()))

		return runLoop(ctx, sched, st)
	},
}

// runLoop polls the scheduler on a cadence until the batch completes or an
// interrupt arrives. Interruption saves the still-pending queue before
// cancellation so it can be restored later.
func runLoop(parent context.Context, sched *scheduler.Scheduler, st *state.Store) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	recorded := make(map[string]bool)
	record := func(id string) {
		tk, ok := sched.Task(id)
		if !ok || !tk.Status.Terminal() || recorded[id] {
			return
		}
		recorded[id] = true
		if err := st.RecordResult(parent, tk); err != nil {
			logger.Warn("could not record task history", zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\ninterrupted, canceling running tasks")
			pending := snapshotOf(sched)
			if err := st.SaveSnapshot(parent, pending); err != nil {
				logger.Warn("could not save queue snapshot", zap.Error(err))
			} else if len(pending) > 0 {
				fmt.Printf("saved %d pending file(s); use --restore to resume\n", len(pending))
			}
			sched.CancelAll()
			sched.Poll()
			for _, tk := range sched.Tasks() {
				record(tk.ID)
			}
			return nil

		case <-ticker.C:
			sum := sched.Poll()
			if verbose {
				for _, line := range sum.Logs {
					logger.Info("worker", zap.String("task_id", line.TaskID),
						zap.String("level", line.Level), zap.String("msg", line.Message))
				}
			}
			for _, ch := range sum.StatusChanges {
				printChange(sched, ch)
				record(ch.TaskID)
			}
			if len(sum.StatusChanges) > 0 {
				if err := st.SaveSnapshot(parent, snapshotOf(sched)); err != nil {
					logger.Warn("could not save queue snapshot", zap.Error(err))
				}
			}
			if sum.BatchCompleted {
				printBatch(sum.Batch)
				if err := st.ClearSnapshot(parent); err != nil {
					logger.Warn("could not clear queue snapshot", zap.Error(err))
				}
				return nil
			}
		}
	}
}

func snapshotOf(sched *scheduler.Scheduler) []state.Item {
	var items []state.Item
	for _, it := range sched.SnapshotItems() {
		items = append(items, state.Item{InputPath: it.InputPath, Options: it.Options})
	}
	return items
}

func reportEnqueue(res scheduler.EnqueueResult) {
	for _, r := range res.Rejected {
		fmt.Printf("skipped %s: %s\n", r.Path, r.Reason)
	}
	if res.HitDiscoveryLimit {
		fmt.Printf("stopped scanning after %d files\n", cfg.MaxDiscoveredFiles)
	}
	if res.HitDepthLimit {
		fmt.Printf("some directories were deeper than %d levels and were not scanned\n", cfg.MaxScanDepth)
	}
	if res.HitQueueLimit {
		fmt.Printf("queue is full (%d items max)\n", cfg.MaxQueueItems)
	}
}

func printChange(sched *scheduler.Scheduler, ch scheduler.StatusChange) {
	tk, ok := sched.Task(ch.TaskID)
	if !ok {
		return
	}
	name := filepath.Base(tk.InputPath)
	switch ch.To {
	case task.StatusDone:
		fmt.Printf("done     %s -> %s\n", name, tk.OutputPath)
	case task.StatusSkipped:
		fmt.Printf("skipped  %s (already searchable)\n", name)
	case task.StatusFailed:
		fmt.Printf("failed   %s: %s\n", name, tk.Result)
	case task.StatusCanceled:
		fmt.Printf("canceled %s\n", name)
	}
}

func printBatch(b *scheduler.BatchSummary) {
	if b == nil {
		return
	}
	fmt.Printf("batch finished: %d done, %d skipped, %d failed, %d canceled in %s\n",
		b.Done, b.Skipped, b.Failed, b.Canceled, b.WallTime.Round(time.Second))
	if b.InputBytes > 0 && b.OutputBytes > 0 {
		fmt.Printf("total size: %.1f MiB in, %.1f MiB out\n",
			float64(b.InputBytes)/(1<<20), float64(b.OutputBytes)/(1<<20))
	}
}

func parsePriority(v string) (scheduler.Priority, error) {
	switch p := scheduler.Priority(v); p {
	case scheduler.PriorityNormal, scheduler.PriorityLow, scheduler.PriorityBackground:
		return p, nil
	}
	return "", fmt.Errorf("invalid priority %q (normal, low, background)", v)
}

func init() {
	runCmd.Flags().BoolVarP(&runRecursive, "recursive", "r", false, "scan directories recursively")
	runCmd.Flags().BoolVar(&runForceOCR, "force", false, "re-OCR pages that already contain text")
	runCmd.Flags().BoolVar(&runUseGPU, "gpu", false, "use the EasyOCR GPU engine")
	runCmd.Flags().BoolVar(&runOptimize, "optimize", false, "optimize output PDFs for size")
	runCmd.Flags().StringVarP(&runWorkers, "workers", "w", "auto", "worker count or \"auto\"")
	runCmd.Flags().StringVar(&runPriority, "priority", string(scheduler.PriorityNormal), "worker process priority (normal, low, background)")
	runCmd.Flags().BoolVar(&runRestore, "restore", false, "re-queue the saved queue from a previous run")
	rootCmd.AddCommand(runCmd)
}
