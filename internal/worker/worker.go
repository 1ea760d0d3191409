// Package worker is the child-process side of the pipeline: it runs the
// external OCR tool for exactly one task, applies the temp-staging fallback
// when a mount refuses to cooperate, and reports everything back to the
// coordinator as line-delimited JSON events on stdout. A worker shares no
// memory with the coordinator; killing it can never corrupt scheduler state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/readydave/ocrestra/internal/pathsafe"
	"github.com/readydave/ocrestra/internal/task"
)

// Spec is the task description a worker reads from stdin at startup.
type Spec struct {
	TaskID     string `json:"task_id"`
	InputPath  string `json:"input_path"`
	OutputPath string `json:"output_path"`
	LogFile    string `json:"log_file"`
	TempDir    string `json:"temp_dir"`

	TempRoot string `json:"temp_root"`
	LogRoot  string `json:"log_root"`

	OCRBinary        string       `json:"ocr_binary"`
	MaxInputBytes    int64        `json:"max_input_bytes"`
	FallbackPrefixes []string     `json:"fallback_prefixes"`
	Options          task.Options `json:"options"`
}

const tailLines = 20

type job struct {
	spec     Spec
	emit     *Emitter
	logger   *zap.Logger
	closeLog func()
	run      CommandRunner
	classify FailureClassifier

	stats TranscriptStats
	tail  []string
}

// Run executes one OCR task to completion and always emits a terminal done
// event, even when the spec itself is unusable.
func Run(ctx context.Context, spec Spec, out io.Writer) {
	spec.TaskID = pathsafe.SanitizeTaskID(spec.TaskID)
	j := &job{
		spec:     spec,
		emit:     NewEmitter(out, spec.TaskID),
		run:      execRunner,
		classify: NewMountFailureClassifier(spec.FallbackPrefixes),
	}
	j.execute(ctx)
}

func (j *job) execute(ctx context.Context) {
	start := time.Now()
	metrics := task.Metrics{StartStamp: start.Format(time.RFC3339)}

	if err := pathsafe.CheckOutputPath(j.spec.OutputPath); err != nil {
		metrics.EndStamp = time.Now().Format(time.RFC3339)
		j.emit.Done(false, false, false, fmt.Sprintf("invalid task configuration: %v", err), "", metrics)
		return
	}
	j.confineSharedPaths()
	j.openLogger()
	defer j.closeLog()

	proc, procErr := process.NewProcess(int32(os.Getpid()))
	var cpuUserStart, cpuSystemStart float64
	if procErr == nil {
		if mi, err := proc.MemoryInfo(); err == nil {
			metrics.RSSStart = mi.RSS
		}
		if t, err := proc.Times(); err == nil {
			cpuUserStart, cpuSystemStart = t.User, t.System
		}
	}

	metrics.InputBytes = fileSize(j.spec.InputPath)
	if j.spec.MaxInputBytes > 0 && metrics.InputBytes > j.spec.MaxInputBytes {
		j.logger.Error("input exceeds size limit",
			zap.Int64("input_bytes", metrics.InputBytes),
			zap.Int64("limit_bytes", j.spec.MaxInputBytes),
		)
		metrics.EndStamp = time.Now().Format(time.RFC3339)
		j.emit.Done(false, false, false,
			fmt.Sprintf("input file is too large (%d bytes, limit %d)", metrics.InputBytes, j.spec.MaxInputBytes),
			j.spec.OutputPath, metrics)
		return
	}

	j.logger.Info("task started", zap.String("task_id", j.spec.TaskID))
	j.logger.Info("input", zap.String("path", j.spec.InputPath))
	j.logger.Info("output", zap.String("path", j.spec.OutputPath))
	j.logger.Info("ocr mode", zap.Bool("force_ocr", j.spec.Options.ForceOCR), zap.Bool("gpu", j.spec.Options.UseGPU), zap.Bool("optimize_size", j.spec.Options.OptimizeForSize))
	j.emit.Running()

	usedFallback := false
	var runErr error
	defer func() {
		if err := pathsafe.CleanupTempDir(j.spec.TempRoot, j.spec.TempDir); err != nil &&
			!errors.Is(err, os.ErrNotExist) && !errors.Is(err, pathsafe.ErrOutsideTempRoot) {
			j.logger.Warn("temp cleanup failed", zap.Error(err))
		}
	}()

	if _, err := exec.LookPath(j.spec.OCRBinary); err != nil {
		runErr = fmt.Errorf("%s was not found in PATH", j.spec.OCRBinary)
		j.logger.Error("ocr binary missing", zap.String("binary", j.spec.OCRBinary))
	} else if err := os.MkdirAll(filepath.Dir(j.spec.OutputPath), 0o755); err != nil {
		runErr = fmt.Errorf("create output directory: %w", err)
	} else {
		runErr = j.runOCR(ctx, j.spec.InputPath, j.spec.OutputPath)
		if runErr != nil && j.classify(j.spec.InputPath, runErr.Error()) {
			usedFallback = true
			j.logger.Warn("permission or mount issue detected, retrying from temp staging",
				zap.String("temp_dir", j.spec.TempDir))
			runErr = j.runFallback(ctx)
			if runErr != nil {
				j.logger.Error("fallback OCR failed", zap.Error(runErr))
			}
		} else if runErr != nil {
			j.logger.Error("OCR failed", zap.Error(runErr))
		}
	}

	success := runErr == nil
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		if j.spec.Options.UseGPU {
			errMsg += " (GPU plugin run failed; disable GPU acceleration and retry on CPU)"
		}
	}

	metrics.DurationSeconds = time.Since(start).Seconds()
	metrics.EndStamp = time.Now().Format(time.RFC3339)
	if success {
		metrics.OutputBytes = fileSize(j.spec.OutputPath)
	}
	if metrics.InputBytes > 0 {
		metrics.SizeRatio = float64(metrics.OutputBytes) / float64(metrics.InputBytes)
	}
	if procErr == nil {
		if mi, err := proc.MemoryInfo(); err == nil {
			metrics.RSSEnd = mi.RSS
		}
		if t, err := proc.Times(); err == nil {
			metrics.CPUUserDelta = t.User - cpuUserStart
			metrics.CPUSystemDelta = t.System - cpuSystemStart
		}
	}

	skipped := success && !j.spec.Options.ForceOCR && j.stats.EffectivelySkipped()
	j.logSummary(metrics, usedFallback)
	j.emit.Done(success, skipped, usedFallback, errMsg, j.spec.OutputPath, metrics)
}

// confineSharedPaths forces the temp dir and log file back under their
// shared roots when the spec points elsewhere. Workers never touch another
// task's namespace.
func (j *job) confineSharedPaths() {
	if j.spec.TempRoot != "" && !pathsafe.IsWithinRoot(j.spec.TempRoot, j.spec.TempDir) {
		j.spec.TempDir = filepath.Join(j.spec.TempRoot, j.spec.TaskID)
	}
	if j.spec.LogRoot != "" && !pathsafe.IsWithinRoot(j.spec.LogRoot, filepath.Dir(j.spec.LogFile)) {
		j.spec.LogFile = filepath.Join(j.spec.LogRoot, "worker_logs", j.spec.TaskID+".log")
	}
}

func (j *job) openLogger() {
	hook := zap.Hooks(func(entry zapcore.Entry) error {
		j.emit.Log(entry.Level.String(), entry.Message)
		return nil
	})

	if err := os.MkdirAll(filepath.Dir(j.spec.LogFile), 0o755); err == nil {
		if f, err := os.OpenFile(j.spec.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			encCfg := zap.NewProductionEncoderConfig()
			encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
			core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(f), zapcore.InfoLevel)
			logger := zap.New(core, hook)
			j.logger = logger
			j.closeLog = func() {
				_ = logger.Sync()
				_ = f.Close()
			}
			return
		}
	}
	// No log file; events still reach the coordinator.
	logger := zap.New(zapcore.NewNopCore(), hook)
	j.logger = logger
	j.closeLog = func() {}
}

func (j *job) runFallback(ctx context.Context) error {
	if err := os.MkdirAll(j.spec.TempDir, 0o755); err != nil {
		return fmt.Errorf("create temp staging dir: %w", err)
	}
	base := filepath.Base(j.spec.InputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	tempInput := filepath.Join(j.spec.TempDir, base)
	tempOutput := filepath.Join(j.spec.TempDir, stem+"_ocr.pdf")

	if err := copyFile(j.spec.InputPath, tempInput); err != nil {
		return fmt.Errorf("stage input copy: %w", err)
	}
	if err := j.runOCR(ctx, tempInput, tempOutput); err != nil {
		return err
	}
	if err := moveFile(tempOutput, j.spec.OutputPath); err != nil {
		return fmt.Errorf("move staged result: %w", err)
	}
	return nil
}

func (j *job) runOCR(ctx context.Context, inputPath, outputPath string) error {
	// A stale output from an earlier run would make the tool refuse to write.
	if err := os.Remove(outputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale output: %w", err)
	}
	includePlugin := j.spec.Options.UseGPU
	err := j.execTool(ctx, buildOCRArgs(inputPath, outputPath, j.spec.Options, includePlugin))
	if err != nil && includePlugin && isDuplicatePluginRegistration(err.Error()) {
		j.logger.Warn("GPU plugin auto-registered, retrying without explicit --plugin")
		err = j.execTool(ctx, buildOCRArgs(inputPath, outputPath, j.spec.Options, false))
	}
	return err
}

func (j *job) execTool(ctx context.Context, args []string) error {
	j.tail = j.tail[:0]
	err := j.run(ctx, j.spec.OCRBinary, args, j.observeLine)
	if err != nil {
		if detail := strings.Join(j.tail, " | "); detail != "" {
			return fmt.Errorf("%w: %s", err, detail)
		}
		return err
	}
	return nil
}

func (j *job) observeLine(line string) {
	j.stats.Observe(line)
	if len(j.tail) == tailLines {
		copy(j.tail, j.tail[1:])
		j.tail = j.tail[:tailLines-1]
	}
	j.tail = append(j.tail, line)
	j.logger.Info(line)
}

func (j *job) logSummary(m task.Metrics, usedFallback bool) {
	j.logger.Info("task finished",
		zap.Float64("duration_seconds", m.DurationSeconds),
		zap.Int64("input_bytes", m.InputBytes),
		zap.Int64("output_bytes", m.OutputBytes),
		zap.Float64("size_ratio", m.SizeRatio),
		zap.Uint64("rss_start", m.RSSStart),
		zap.Uint64("rss_end", m.RSSEnd),
		zap.Float64("cpu_user_delta", m.CPUUserDelta),
		zap.Float64("cpu_system_delta", m.CPUSystemDelta),
		zap.Bool("used_fallback", usedFallback),
	)
}
