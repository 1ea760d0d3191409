// Package scheduler owns the task collection and the worker fleet. One
// coordinating loop performs every mutation: callers enqueue validated
// paths, start a batch, then poll on a cadence while the scheduler fills
// worker slots, drains event channels without blocking, and finalizes tasks.
// Scheduler is not safe for concurrent use; it is built for exactly one
// coordinating goroutine.
package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"

	"github.com/readydave/ocrestra/internal/config"
	"github.com/readydave/ocrestra/internal/pathsafe"
	"github.com/readydave/ocrestra/internal/task"
	"github.com/readydave/ocrestra/internal/worker"
)

var (
	ErrBatchRunning   = errors.New("a batch is already running")
	ErrNothingQueued  = errors.New("no queued tasks to start")
	ErrTasksRunning   = errors.New("cancel running tasks before clearing the queue")
	ErrUnknownTask    = errors.New("unknown task id")
	ErrBadConcurrency = errors.New("invalid concurrency selector")
)

// Rejection reports one path that did not make it into the queue. Rejections
// never abort the rest of a batch.
type Rejection struct {
	Path   string
	Reason string
}

// EnqueueResult summarizes one Enqueue call.
type EnqueueResult struct {
	Added             []*task.Task
	Rejected          []Rejection
	HitQueueLimit     bool
	HitDiscoveryLimit bool
	HitDepthLimit     bool
}

// LogLine is a worker diagnostic surfaced through Poll.
type LogLine struct {
	TaskID  string
	Level   string
	Message string
}

// StatusChange records one observed task transition.
type StatusChange struct {
	TaskID string
	From   task.Status
	To     task.Status
}

// BatchSummary aggregates a finished batch.
type BatchSummary struct {
	BatchID     string
	Done        int
	Skipped     int
	Failed      int
	Canceled    int
	InputBytes  int64
	OutputBytes int64
	WallTime    time.Duration
}

// Summary is what changed during one Poll cycle. The core is polled, not
// event-driven: callers react to the summary instead of subscribing.
type Summary struct {
	Logs            []LogLine
	StatusChanges   []StatusChange
	ProgressUpdated bool
	BatchCompleted  bool
	Batch           *BatchSummary
}

// SnapshotItem is the re-enterable slice of a task used for persistence.
type SnapshotItem struct {
	InputPath string
	Options   task.Options
}

type tracked struct {
	t            *task.Task
	handle       Handle
	est          estimator
	runToken     int
	counted      bool
	eventsClosed bool
}

type batchState struct {
	id          string
	token       int
	running     bool
	total       int
	finished    int
	workerLimit int
	priority    Priority
	logDir      string
	startedAt   time.Time
	summary     BatchSummary
}

type Scheduler struct {
	cfg    *config.Config
	logger *zap.Logger
	spawn  Spawner
	now    func() time.Time

	tasks  map[string]*tracked
	order  []string
	byPath map[string]string

	batch batchState
}

// Option customizes a Scheduler, mainly for tests.
type Option func(*Scheduler)

func WithSpawner(sp Spawner) Option {
	return func(s *Scheduler) { s.spawn = sp }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		logger: logger,
		spawn:  ExecSpawner(logger),
		now:    time.Now,
		tasks:  make(map[string]*tracked),
		byPath: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue expands paths, validates each candidate, and creates Queued tasks.
// Duplicates (by resolved path), oversized files, non-PDF content and
// queue-limit overflow are reported per path.
func (s *Scheduler) Enqueue(paths []string, recursive bool, opts task.Options) EnqueueResult {
	discovery := expandToPDFs(paths, recursive, s.cfg.MaxDiscoveredFiles, s.cfg.MaxScanDepth)
	result := EnqueueResult{
		HitDiscoveryLimit: discovery.HitDiscoveryLimit,
		HitDepthLimit:     discovery.HitDepthLimit,
	}

	for _, p := range discovery.Paths {
		if len(s.tasks) >= s.cfg.MaxQueueItems {
			result.HitQueueLimit = true
			result.Rejected = append(result.Rejected, Rejection{Path: p, Reason: "queue is full"})
			continue
		}
		if _, dup := s.byPath[p]; dup {
			result.Rejected = append(result.Rejected, Rejection{Path: p, Reason: "already queued"})
			continue
		}
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			result.Rejected = append(result.Rejected, Rejection{Path: p, Reason: "not a regular file"})
			continue
		}
		if info.Size() > s.cfg.MaxInputFileBytes {
			result.Rejected = append(result.Rejected, Rejection{
				Path:   p,
				Reason: fmt.Sprintf("exceeds size limit (%d bytes)", s.cfg.MaxInputFileBytes),
			})
			continue
		}
		if err := pathsafe.SniffPDF(p); err != nil {
			result.Rejected = append(result.Rejected, Rejection{Path: p, Reason: "not a PDF"})
			continue
		}

		tk := task.New(p, opts)
		// Provisional; the final collision-suffixed name is chosen at start
		// time so collisions discovered late are still handled.
		stem := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		tk.OutputPath = filepath.Join(filepath.Dir(p), "OCR_Output", stem+".pdf")
		tk.TempDir = filepath.Join(s.cfg.TempRoot, tk.ID)
		tk.LogFile = filepath.Join(s.cfg.LogRoot, tk.ID+".log")

		s.tasks[tk.ID] = &tracked{t: tk}
		s.order = append(s.order, tk.ID)
		s.byPath[p] = tk.ID
		result.Added = append(result.Added, tk)

		s.logger.Info("queued task",
			zap.String("task_id", tk.ID),
			zap.String("input", p),
			zap.Int64("bytes", info.Size()),
		)
	}
	return result
}

// ResolveWorkers turns a concurrency selector ("auto" or an explicit count)
// into a worker limit clamped to [1, MaxWorkers] and to the pending count.
func (s *Scheduler) ResolveWorkers(selector string, pending int) (int, error) {
	var value int
	if selector == "" || selector == "auto" {
		cores := logicalCores()
		value = cores - 2
		if value > s.cfg.DefaultWorkers {
			value = s.cfg.DefaultWorkers
		}
	} else {
		n, err := parsePositiveInt(selector)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrBadConcurrency, selector)
		}
		value = n
	}
	if value < 1 {
		value = 1
	}
	if value > s.cfg.MaxWorkers {
		value = s.cfg.MaxWorkers
	}
	if pending > 0 && value > pending {
		value = pending
	}
	return value, nil
}

// Start opens a batch: resolves the worker limit, creates the batch log
// directory, and fills as many worker slots as the limit allows. Failure to
// create the shared directories is fatal to the whole batch.
func (s *Scheduler) Start(concurrency string, prio Priority) error {
	for _, tr := range s.tasks {
		if tr.t.Status == task.StatusRunning {
			return ErrBatchRunning
		}
	}
	pending := s.countQueued()
	if pending == 0 {
		return ErrNothingQueued
	}
	limit, err := s.ResolveWorkers(concurrency, pending)
	if err != nil {
		return err
	}

	batchID := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	logDir := filepath.Join(s.cfg.LogRoot, batchID)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create batch log dir: %w", err)
	}
	if err := os.MkdirAll(s.cfg.TempRoot, 0o700); err != nil {
		return fmt.Errorf("create temp root: %w", err)
	}

	s.batch = batchState{
		id:          batchID,
		token:       s.batch.token + 1,
		running:     true,
		total:       pending,
		workerLimit: limit,
		priority:    prio,
		logDir:      logDir,
		startedAt:   s.now(),
		summary:     BatchSummary{BatchID: batchID},
	}
	for _, id := range s.order {
		tr := s.tasks[id]
		if tr.t.Status == task.StatusQueued {
			tr.runToken = s.batch.token
			tr.counted = false
		}
	}

	s.logger.Info("starting batch",
		zap.String("batch_id", batchID),
		zap.Int("files", pending),
		zap.Int("workers", limit),
		zap.String("priority", string(prio)),
	)
	s.fillSlots()
	return nil
}

// SetWorkerLimit adjusts the concurrency limit mid-batch. Running tasks are
// never stopped; only new starts are throttled.
func (s *Scheduler) SetWorkerLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	if limit > s.cfg.MaxWorkers {
		limit = s.cfg.MaxWorkers
	}
	s.batch.workerLimit = limit
}

// Poll drains every worker's event channel without blocking, applies the
// events, advances progress estimation, refills free slots, and reports what
// changed.
func (s *Scheduler) Poll() Summary {
	var sum Summary
	s.advanceEstimates(&sum)
	for _, id := range s.order {
		s.drainTask(s.tasks[id], &sum)
	}
	s.fillSlots()
	s.checkBatchDone(&sum)
	return sum
}

// Cancel stops one task: a Queued task goes straight to Canceled without
// ever spawning a worker; a Running task's process is terminated with
// escalation and its artifacts removed.
func (s *Scheduler) Cancel(taskID string) error {
	tr, ok := s.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	switch tr.t.Status {
	case task.StatusQueued:
		s.finalize(tr, task.StatusCanceled, "canceled before start", nil)
	case task.StatusRunning:
		s.logger.Info("cancel requested", zap.String("task_id", taskID))
		if tr.handle != nil {
			tr.handle.Terminate(s.cfg.TerminateGrace)
			tr.handle = nil
		}
		s.cleanupTaskArtifacts(tr.t)
		s.finalize(tr, task.StatusCanceled, "canceled by user", nil)
	}
	return nil
}

// CancelAll cancels every Queued and Running task.
func (s *Scheduler) CancelAll() {
	for _, id := range s.order {
		status := s.tasks[id].t.Status
		if status == task.StatusQueued || status == task.StatusRunning {
			_ = s.Cancel(id)
		}
	}
}

// BatchComplete is true exactly when no task remains Queued or Running.
func (s *Scheduler) BatchComplete() bool {
	for _, tr := range s.tasks {
		if tr.t.Status == task.StatusQueued || tr.t.Status == task.StatusRunning {
			return false
		}
	}
	return true
}

// Clear removes every task from the collection. Refused while any task runs.
func (s *Scheduler) Clear() error {
	for _, tr := range s.tasks {
		if tr.t.Status == task.StatusRunning {
			return ErrTasksRunning
		}
	}
	s.tasks = make(map[string]*tracked)
	s.order = nil
	s.byPath = make(map[string]string)
	return nil
}

// Tasks returns the tasks in queue order. The slice is fresh but the tasks
// are live records owned by the scheduler.
func (s *Scheduler) Tasks() []*task.Task {
	out := make([]*task.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].t)
	}
	return out
}

// Task looks up one task by id.
func (s *Scheduler) Task(id string) (*task.Task, bool) {
	tr, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return tr.t, true
}

// SnapshotItems lists the re-enterable fields of every task still waiting or
// running, in queue order, for queue-state persistence.
func (s *Scheduler) SnapshotItems() []SnapshotItem {
	var items []SnapshotItem
	for _, id := range s.order {
		tr := s.tasks[id]
		if tr.t.Status == task.StatusQueued || tr.t.Status == task.StatusRunning {
			items = append(items, SnapshotItem{InputPath: tr.t.InputPath, Options: tr.t.Options})
		}
	}
	return items
}

func (s *Scheduler) countQueued() int {
	n := 0
	for _, tr := range s.tasks {
		if tr.t.Status == task.StatusQueued {
			n++
		}
	}
	return n
}

func (s *Scheduler) countRunning() int {
	n := 0
	for _, tr := range s.tasks {
		if tr.t.Status == task.StatusRunning {
			n++
		}
	}
	return n
}

// fillSlots starts queued tasks of the current batch in FIFO order until the
// worker limit is reached.
func (s *Scheduler) fillSlots() {
	if !s.batch.running {
		return
	}
	slots := s.batch.workerLimit - s.countRunning()
	for _, id := range s.order {
		if slots <= 0 {
			return
		}
		tr := s.tasks[id]
		if tr.t.Status != task.StatusQueued || tr.runToken != s.batch.token {
			continue
		}
		if s.startTask(tr) {
			slots--
		}
	}
}

// startTask re-validates the input, allocates the collision-free output
// name, and spawns the worker process. Validation failures and spawn
// failures finalize the task as Failed without touching the rest of the
// batch.
func (s *Scheduler) startTask(tr *tracked) bool {
	tk := tr.t
	info, err := os.Stat(tk.InputPath)
	if err != nil || !info.Mode().IsRegular() {
		s.finalize(tr, task.StatusFailed, "input file missing", nil)
		return false
	}
	if info.Size() > s.cfg.MaxInputFileBytes {
		s.finalize(tr, task.StatusFailed,
			fmt.Sprintf("input exceeds size limit (%d bytes max)", s.cfg.MaxInputFileBytes), nil)
		return false
	}

	stem := strings.TrimSuffix(filepath.Base(tk.InputPath), filepath.Ext(tk.InputPath))
	outputPath, err := pathsafe.NextOutputPath(filepath.Join(filepath.Dir(tk.InputPath), "OCR_Output"), stem)
	if err != nil {
		s.finalize(tr, task.StatusFailed, fmt.Sprintf("output path setup failed: %v", err), nil)
		return false
	}
	tk.OutputPath = outputPath
	tk.LogFile = filepath.Join(s.batch.logDir, pathsafe.SanitizeFilePart(stem)+"_"+tk.ID+".log")
	tk.TempDir = filepath.Join(s.cfg.TempRoot, tk.ID)

	spec := worker.Spec{
		TaskID:           tk.ID,
		InputPath:        tk.InputPath,
		OutputPath:       tk.OutputPath,
		LogFile:          tk.LogFile,
		TempDir:          tk.TempDir,
		TempRoot:         s.cfg.TempRoot,
		LogRoot:          s.cfg.LogRoot,
		OCRBinary:        s.cfg.OCRBinary,
		MaxInputBytes:    s.cfg.MaxInputFileBytes,
		FallbackPrefixes: s.cfg.FallbackPrefixes,
		Options:          tk.Options,
	}
	handle, err := s.spawn(spec, s.batch.priority)
	if err != nil {
		s.logger.Error("worker spawn failed", zap.String("task_id", tk.ID), zap.Error(err))
		s.finalize(tr, task.StatusFailed, fmt.Sprintf("worker spawn failed: %v", err), nil)
		return false
	}

	tr.handle = handle
	tr.eventsClosed = false
	if err := tk.Transition(task.StatusRunning); err != nil {
		// Should be unreachable: fillSlots only picks Queued tasks.
		handle.Terminate(s.cfg.TerminateGrace)
		return false
	}
	tk.AdvanceProgress(1)
	tr.est = newEstimator(info.Size(), s.now())

	s.logger.Info("started task",
		zap.String("task_id", tk.ID),
		zap.String("input", tk.InputPath),
		zap.String("output", tk.OutputPath),
	)
	return true
}

func (s *Scheduler) advanceEstimates(sum *Summary) {
	now := s.now()
	for _, tr := range s.tasks {
		if tr.t.Status != task.StatusRunning {
			continue
		}
		next := tr.est.target(tr.t.Progress, now)
		if next > tr.t.Progress {
			tr.t.AdvanceProgress(next)
			sum.ProgressUpdated = true
		}
	}
}

// drainTask empties a worker's event channel without ever blocking on it.
// When the channel is closed and drained while the task still claims to be
// Running, the worker died without a done event and the task fails.
func (s *Scheduler) drainTask(tr *tracked, sum *Summary) {
	h := tr.handle
	if h == nil {
		return
	}
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				tr.eventsClosed = true
				s.afterDrain(tr, sum)
				return
			}
			s.applyEvent(tr, ev, sum)
			if tr.handle == nil {
				// The done event was applied; per contract nothing further
				// is drained from this channel.
				return
			}
		default:
			if tr.eventsClosed {
				s.afterDrain(tr, sum)
			}
			return
		}
	}
}

func (s *Scheduler) afterDrain(tr *tracked, sum *Summary) {
	if tr.t.Status == task.StatusRunning && tr.handle != nil && !tr.handle.Alive() {
		s.logger.Error("worker exited without a done event", zap.String("task_id", tr.t.ID))
		tr.handle.Close()
		tr.handle = nil
		s.finalize(tr, task.StatusFailed, "worker process exited unexpectedly", sum)
	}
}

func (s *Scheduler) applyEvent(tr *tracked, ev task.Event, sum *Summary) {
	switch ev.Type {
	case task.EventLog:
		sum.Logs = append(sum.Logs, LogLine{TaskID: tr.t.ID, Level: ev.Level, Message: ev.Message})
	case task.EventStatus:
		// Running is set by the coordinator at spawn time; the event only
		// confirms the worker came up.
	case task.EventDone:
		if tr.t.Status.Terminal() {
			// A done event racing a cancellation; the terminal state wins.
			return
		}
		if ev.Metrics != nil {
			tr.t.Metrics = *ev.Metrics
		}
		tr.t.FallbackUsed = ev.FallbackUsed
		if tr.handle != nil {
			tr.handle.Close()
			tr.handle = nil
		}
		if ev.Success {
			if ev.OutputPath != "" {
				tr.t.OutputPath = ev.OutputPath
			}
			to := task.StatusDone
			result := tr.t.OutputPath
			if ev.Skipped {
				to = task.StatusSkipped
				result = "already searchable, OCR skipped"
			}
			s.finalize(tr, to, result, sum)
		} else {
			msg := ev.Error
			if msg == "" {
				msg = "unknown OCR error"
			}
			s.finalize(tr, task.StatusFailed, msg, sum)
		}
	default:
		s.logger.Warn("discarding event of unknown type",
			zap.String("task_id", tr.t.ID),
			zap.String("type", string(ev.Type)),
		)
	}
}

// finalize applies a terminal transition plus batch accounting. Progress is
// set to 100 only for successful terminals; otherwise it freezes at its last
// value so it never regresses.
func (s *Scheduler) finalize(tr *tracked, to task.Status, result string, sum *Summary) {
	from := tr.t.Status
	if err := tr.t.Transition(to); err != nil {
		s.logger.Warn("ignoring late transition", zap.String("task_id", tr.t.ID), zap.Error(err))
		return
	}
	tr.t.Result = result
	if to.Successful() {
		tr.t.AdvanceProgress(100)
	}
	if sum != nil {
		sum.StatusChanges = append(sum.StatusChanges, StatusChange{TaskID: tr.t.ID, From: from, To: to})
	}

	s.logger.Info("task finalized",
		zap.String("task_id", tr.t.ID),
		zap.String("status", string(to)),
		zap.String("result", result),
		zap.Bool("fallback_used", tr.t.FallbackUsed),
	)

	if s.batch.running && tr.runToken == s.batch.token && !tr.counted {
		tr.counted = true
		s.batch.finished++
		switch to {
		case task.StatusDone:
			s.batch.summary.Done++
		case task.StatusSkipped:
			s.batch.summary.Skipped++
		case task.StatusFailed:
			s.batch.summary.Failed++
		case task.StatusCanceled:
			s.batch.summary.Canceled++
		}
		s.batch.summary.InputBytes += tr.t.Metrics.InputBytes
		s.batch.summary.OutputBytes += tr.t.Metrics.OutputBytes
	}
}

func (s *Scheduler) checkBatchDone(sum *Summary) {
	if !s.batch.running || s.batch.finished < s.batch.total {
		return
	}
	s.batch.running = false
	s.batch.summary.WallTime = s.now().Sub(s.batch.startedAt)
	summary := s.batch.summary
	sum.BatchCompleted = true
	sum.Batch = &summary

	s.logger.Info("batch completed",
		zap.String("batch_id", summary.BatchID),
		zap.Int("done", summary.Done),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("canceled", summary.Canceled),
		zap.Duration("wall_time", summary.WallTime),
	)
}

// cleanupTaskArtifacts removes a canceled task's temp subdirectory and its
// partial output. The output is only deleted when it sits inside the task's
// own OCR_Output directory, is a regular .pdf, and is not a symlink.
func (s *Scheduler) cleanupTaskArtifacts(tk *task.Task) {
	if err := pathsafe.CleanupTempDir(s.cfg.TempRoot, tk.TempDir); err != nil &&
		!errors.Is(err, pathsafe.ErrOutsideTempRoot) {
		s.logger.Warn("temp cleanup failed", zap.String("task_id", tk.ID), zap.Error(err))
	}

	outputRoot := filepath.Join(filepath.Dir(tk.InputPath), "OCR_Output")
	if strings.ToLower(filepath.Ext(tk.OutputPath)) != ".pdf" {
		return
	}
	if !pathsafe.IsWithinRoot(outputRoot, tk.OutputPath) {
		return
	}
	info, err := os.Lstat(tk.OutputPath)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if err := os.Remove(tk.OutputPath); err != nil {
		s.logger.Warn("partial output cleanup failed", zap.String("task_id", tk.ID), zap.Error(err))
	}
}

func logicalCores() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return 8
}

func parsePositiveInt(v string) (int, error) {
	n := 0
	if v == "" {
		return 0, errors.New("empty")
	}
	for _, ch := range v {
		if ch < '0' || ch > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int(ch-'0')
		if n > 1<<20 {
			return 0, errors.New("out of range")
		}
	}
	if n == 0 {
		return 0, errors.New("zero")
	}
	return n, nil
}
