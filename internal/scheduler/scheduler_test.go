package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/readydave/ocrestra/internal/config"
	"github.com/readydave/ocrestra/internal/task"
	"github.com/readydave/ocrestra/internal/worker"
)

type fakeHandle struct {
	events     chan task.Event
	alive      bool
	terminated bool
}

func (h *fakeHandle) Events() <-chan task.Event { return h.events }
func (h *fakeHandle) Alive() bool               { return h.alive }
func (h *fakeHandle) Terminate(time.Duration)   { h.terminated = true; h.alive = false }
func (h *fakeHandle) Close()                    {}

func (h *fakeHandle) finish(ev task.Event) {
	h.events <- ev
	h.alive = false
	close(h.events)
}

type fakeSpawner struct {
	handles map[string]*fakeHandle
	specs   []worker.Spec
	order   []string
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{handles: make(map[string]*fakeHandle)}
}

func (f *fakeSpawner) spawn(spec worker.Spec, _ Priority) (Handle, error) {
	h := &fakeHandle{events: make(chan task.Event, 16), alive: true}
	f.handles[spec.TaskID] = h
	f.specs = append(f.specs, spec)
	f.order = append(f.order, spec.TaskID)
	return h, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		OCRBinary:          "ocrmypdf",
		TempRoot:           t.TempDir(),
		LogRoot:            t.TempDir(),
		DefaultWorkers:     32,
		MaxWorkers:         64,
		MaxQueueItems:      10,
		MaxDiscoveredFiles: 100,
		MaxScanDepth:       5,
		MaxRestoreItems:    100,
		MaxInputFileBytes:  1 << 20,
		TerminateGrace:     time.Millisecond,
		FallbackPrefixes:   []string{"/mnt/"},
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeSpawner) {
	t.Helper()
	sp := newFakeSpawner()
	s := New(testConfig(t), zaptest.NewLogger(t), WithSpawner(sp.spawn))
	return s, sp
}

func makePDF(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("%PDF-1.4 content for "+name), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func doneOK(taskID string, inputBytes int64) task.Event {
	return task.Event{
		Type:    task.EventDone,
		TaskID:  taskID,
		Success: true,
		Metrics: &task.Metrics{DurationSeconds: 1, InputBytes: inputBytes, OutputBytes: inputBytes / 2},
	}
}

func TestSchedulerRespectsConcurrencyLimit(t *testing.T) {
	s, sp := newTestScheduler(t)
	dir := t.TempDir()
	var paths []string
	for _, n := range []string{"a.pdf", "b.pdf", "c.pdf", "d.pdf", "e.pdf"} {
		paths = append(paths, makePDF(t, dir, n))
	}

	res := s.Enqueue(paths, false, task.Options{})
	if len(res.Added) != 5 || len(res.Rejected) != 0 {
		t.Fatalf("added=%d rejected=%d, want 5/0", len(res.Added), len(res.Rejected))
	}

	if err := s.Start("2", PriorityNormal); err != nil {
		t.Fatal(err)
	}
	if got := len(sp.specs); got != 2 {
		t.Fatalf("spawned %d workers at start, want 2", got)
	}

	// Finish workers one at a time; the limit must hold on every cycle and
	// tasks must start in queue order.
	for len(sp.order) < 5 {
		running := 0
		for _, tk := range s.Tasks() {
			if tk.Status == task.StatusRunning {
				running++
			}
		}
		if running > 2 {
			t.Fatalf("%d tasks running, limit is 2", running)
		}
		next := sp.order[0]
		for _, id := range sp.order {
			if tk, _ := s.Task(id); tk.Status == task.StatusRunning {
				next = id
				break
			}
		}
		sp.handles[next].finish(doneOK(next, 100))
		s.Poll()
	}
	for sp.anyRunning(s) {
		for _, id := range sp.order {
			h := sp.handles[id]
			if tk, _ := s.Task(id); tk.Status == task.StatusRunning && h.alive {
				h.finish(doneOK(id, 100))
			}
		}
		s.Poll()
	}

	if !s.BatchComplete() {
		t.Error("batch should be complete")
	}
	for i, id := range sp.order {
		tk, _ := s.Task(id)
		if tk.Status != task.StatusDone {
			t.Errorf("task %d status = %s, want Done", i, tk.Status)
		}
		if tk.Progress != 100 {
			t.Errorf("task %d progress = %d, want 100", i, tk.Progress)
		}
	}

	// FIFO: spawn order must match enqueue order.
	for i, id := range sp.order {
		tk, _ := s.Task(id)
		if filepath.Base(tk.InputPath) != filepath.Base(paths[i]) {
			t.Errorf("spawn %d was %s, want %s", i, tk.InputPath, paths[i])
		}
	}
}

func (f *fakeSpawner) anyRunning(s *Scheduler) bool {
	for _, tk := range s.Tasks() {
		if tk.Status == task.StatusRunning || tk.Status == task.StatusQueued {
			return true
		}
	}
	return false
}

func TestEnqueueRejectsPerFile(t *testing.T) {
	s, _ := newTestScheduler(t)
	dir := t.TempDir()

	good := makePDF(t, dir, "good.pdf")
	fake := filepath.Join(dir, "fake.pdf")
	if err := os.WriteFile(fake, []byte("not a pdf at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	big := filepath.Join(dir, "big.pdf")
	if err := os.WriteFile(big, append([]byte("%PDF-1.4"), make([]byte, 2<<20)...), 0o644); err != nil {
		t.Fatal(err)
	}

	res := s.Enqueue([]string{good, fake, big, good}, false, task.Options{})
	if len(res.Added) != 1 {
		t.Fatalf("added = %d, want 1", len(res.Added))
	}
	if len(res.Rejected) != 2 {
		t.Fatalf("rejected = %d (%v), want 2", len(res.Rejected), res.Rejected)
	}

	// Same path again: duplicate, reported, batch not aborted.
	res = s.Enqueue([]string{good}, false, task.Options{})
	if len(res.Added) != 0 || len(res.Rejected) != 1 {
		t.Errorf("duplicate re-enqueue: added=%d rejected=%d", len(res.Added), len(res.Rejected))
	}
	if !strings.Contains(res.Rejected[0].Reason, "already queued") {
		t.Errorf("reason = %q", res.Rejected[0].Reason)
	}
}

func TestEnqueueQueueLimit(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.cfg.MaxQueueItems = 2
	dir := t.TempDir()
	paths := []string{
		makePDF(t, dir, "a.pdf"),
		makePDF(t, dir, "b.pdf"),
		makePDF(t, dir, "c.pdf"),
	}
	res := s.Enqueue(paths, false, task.Options{})
	if len(res.Added) != 2 || !res.HitQueueLimit {
		t.Errorf("added=%d hitLimit=%v, want 2/true", len(res.Added), res.HitQueueLimit)
	}
}

func TestCancelQueuedNeverSpawns(t *testing.T) {
	s, sp := newTestScheduler(t)
	dir := t.TempDir()
	s.Enqueue([]string{makePDF(t, dir, "a.pdf"), makePDF(t, dir, "b.pdf")}, false, task.Options{})

	if err := s.Start("1", PriorityNormal); err != nil {
		t.Fatal(err)
	}
	tasks := s.Tasks()
	queued := tasks[1]
	if queued.Status != task.StatusQueued {
		t.Fatalf("second task status = %s, want Queued", queued.Status)
	}

	if err := s.Cancel(queued.ID); err != nil {
		t.Fatal(err)
	}
	if queued.Status != task.StatusCanceled {
		t.Errorf("status = %s, want Canceled", queued.Status)
	}

	first := tasks[0]
	sp.handles[first.ID].finish(doneOK(first.ID, 10))
	s.Poll()

	if _, spawned := sp.handles[queued.ID]; spawned {
		t.Error("canceled queued task must never spawn a worker")
	}
	if !s.BatchComplete() {
		t.Error("batch should be complete after done + canceled")
	}
}

func TestCancelRunningCleansArtifacts(t *testing.T) {
	s, sp := newTestScheduler(t)
	dir := t.TempDir()
	input := makePDF(t, dir, "doc.pdf")
	s.Enqueue([]string{input}, false, task.Options{})
	if err := s.Start("1", PriorityNormal); err != nil {
		t.Fatal(err)
	}

	tk := s.Tasks()[0]
	if tk.Status != task.StatusRunning {
		t.Fatalf("status = %s, want Running", tk.Status)
	}

	// Simulate in-flight artifacts: a temp subdir and a partial output.
	if err := os.MkdirAll(tk.TempDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(tk.OutputPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tk.OutputPath, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.Cancel(tk.ID); err != nil {
		t.Fatal(err)
	}

	if tk.Status != task.StatusCanceled {
		t.Errorf("status = %s, want Canceled", tk.Status)
	}
	if !sp.handles[tk.ID].terminated {
		t.Error("worker process was not terminated")
	}
	if _, err := os.Stat(tk.TempDir); !os.IsNotExist(err) {
		t.Error("temp subdirectory should be removed on cancel")
	}
	if _, err := os.Stat(tk.OutputPath); !os.IsNotExist(err) {
		t.Error("partial output should be removed on cancel")
	}
}

func TestLateDoneAfterCancelIsIgnored(t *testing.T) {
	s, sp := newTestScheduler(t)
	dir := t.TempDir()
	s.Enqueue([]string{makePDF(t, dir, "doc.pdf")}, false, task.Options{})
	if err := s.Start("1", PriorityNormal); err != nil {
		t.Fatal(err)
	}

	tk := s.Tasks()[0]
	h := sp.handles[tk.ID]
	if err := s.Cancel(tk.ID); err != nil {
		t.Fatal(err)
	}
	h.finish(doneOK(tk.ID, 10))
	s.Poll()

	if tk.Status != task.StatusCanceled {
		t.Errorf("late done overrode cancel: status = %s", tk.Status)
	}
	if tk.Progress == 100 {
		t.Error("canceled task must not reach 100")
	}
}

func TestWorkerDeathWithoutDoneFails(t *testing.T) {
	s, sp := newTestScheduler(t)
	dir := t.TempDir()
	s.Enqueue([]string{makePDF(t, dir, "doc.pdf")}, false, task.Options{})
	if err := s.Start("1", PriorityNormal); err != nil {
		t.Fatal(err)
	}

	tk := s.Tasks()[0]
	h := sp.handles[tk.ID]
	h.alive = false
	close(h.events)

	sum := s.Poll()
	if tk.Status != task.StatusFailed {
		t.Fatalf("status = %s, want Failed", tk.Status)
	}
	if !strings.Contains(tk.Result, "unexpectedly") {
		t.Errorf("result = %q", tk.Result)
	}
	if len(sum.StatusChanges) != 1 || sum.StatusChanges[0].To != task.StatusFailed {
		t.Errorf("summary changes = %+v", sum.StatusChanges)
	}
}

func TestSkippedDoneEvent(t *testing.T) {
	s, sp := newTestScheduler(t)
	dir := t.TempDir()
	s.Enqueue([]string{makePDF(t, dir, "doc.pdf")}, false, task.Options{})
	if err := s.Start("1", PriorityNormal); err != nil {
		t.Fatal(err)
	}

	tk := s.Tasks()[0]
	sp.handles[tk.ID].finish(task.Event{
		Type: task.EventDone, TaskID: tk.ID, Success: true, Skipped: true,
		Metrics: &task.Metrics{InputBytes: 10, OutputBytes: 10},
	})
	s.Poll()

	if tk.Status != task.StatusSkipped {
		t.Errorf("status = %s, want Skipped", tk.Status)
	}
	if tk.Progress != 100 {
		t.Errorf("progress = %d, want 100", tk.Progress)
	}
}

func TestFailedTaskFreezesProgress(t *testing.T) {
	s, sp := newTestScheduler(t)
	dir := t.TempDir()
	s.Enqueue([]string{makePDF(t, dir, "doc.pdf")}, false, task.Options{})
	if err := s.Start("1", PriorityNormal); err != nil {
		t.Fatal(err)
	}

	tk := s.Tasks()[0]
	s.Poll()
	tk.AdvanceProgress(40)
	sp.handles[tk.ID].finish(task.Event{
		Type: task.EventDone, TaskID: tk.ID, Success: false, Error: "tool exploded",
	})
	s.Poll()

	if tk.Status != task.StatusFailed {
		t.Fatalf("status = %s, want Failed", tk.Status)
	}
	if tk.Progress != 40 {
		t.Errorf("progress = %d, want frozen at 40", tk.Progress)
	}
	if tk.Result != "tool exploded" {
		t.Errorf("result = %q", tk.Result)
	}
}

func TestOutputCollisionGetsSuffix(t *testing.T) {
	s, _ := newTestScheduler(t)
	dir := t.TempDir()
	input := makePDF(t, dir, "report.pdf")

	outDir := filepath.Join(dir, "OCR_Output")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "report.pdf"), []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	s.Enqueue([]string{input}, false, task.Options{})
	if err := s.Start("1", PriorityNormal); err != nil {
		t.Fatal(err)
	}

	tk := s.Tasks()[0]
	if filepath.Base(tk.OutputPath) != "report_2.pdf" {
		t.Errorf("output = %s, want report_2.pdf", filepath.Base(tk.OutputPath))
	}
	data, err := os.ReadFile(filepath.Join(outDir, "report.pdf"))
	if err != nil || string(data) != "existing" {
		t.Error("pre-existing output was disturbed")
	}
}

func TestResolveWorkers(t *testing.T) {
	s, _ := newTestScheduler(t)

	if n, err := s.ResolveWorkers("4", 100); err != nil || n != 4 {
		t.Errorf("explicit: n=%d err=%v", n, err)
	}
	if n, err := s.ResolveWorkers("500", 1000); err != nil || n != s.cfg.MaxWorkers {
		t.Errorf("clamp to max: n=%d err=%v", n, err)
	}
	if n, err := s.ResolveWorkers("16", 3); err != nil || n != 3 {
		t.Errorf("clamp to pending: n=%d err=%v", n, err)
	}
	if n, err := s.ResolveWorkers("auto", 1000); err != nil || n < 1 || n > s.cfg.DefaultWorkers {
		t.Errorf("auto preset out of range: n=%d err=%v", n, err)
	}
	if _, err := s.ResolveWorkers("lots", 10); err == nil {
		t.Error("non-numeric selector must error")
	}
	if _, err := s.ResolveWorkers("0", 10); err == nil {
		t.Error("zero selector must error")
	}
}

func TestMidBatchLimitReductionOnlyThrottlesStarts(t *testing.T) {
	s, sp := newTestScheduler(t)
	dir := t.TempDir()
	var paths []string
	for _, n := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		paths = append(paths, makePDF(t, dir, n))
	}
	s.Enqueue(paths, false, task.Options{})
	if err := s.Start("2", PriorityNormal); err != nil {
		t.Fatal(err)
	}
	if len(sp.specs) != 2 {
		t.Fatalf("spawned = %d, want 2", len(sp.specs))
	}

	s.SetWorkerLimit(1)
	s.Poll()

	// Both running tasks keep running; nothing new starts.
	running := 0
	for _, tk := range s.Tasks() {
		if tk.Status == task.StatusRunning {
			running++
		}
	}
	if running != 2 {
		t.Errorf("running = %d, reduction must not stop tasks", running)
	}
	if len(sp.specs) != 2 {
		t.Errorf("spawned = %d, new starts must be throttled", len(sp.specs))
	}

	// One finishes; with limit 1 the slot count is full, so still no start.
	first := sp.order[0]
	sp.handles[first].finish(doneOK(first, 10))
	s.Poll()
	if len(sp.specs) != 2 {
		t.Errorf("spawned = %d after finish, limit 1 with 1 running must not start more", len(sp.specs))
	}
}

func TestBatchSummaryAggregates(t *testing.T) {
	s, sp := newTestScheduler(t)
	dir := t.TempDir()
	var paths []string
	for _, n := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		paths = append(paths, makePDF(t, dir, n))
	}
	s.Enqueue(paths, false, task.Options{})
	if err := s.Start("3", PriorityNormal); err != nil {
		t.Fatal(err)
	}

	ids := sp.order
	sp.handles[ids[0]].finish(doneOK(ids[0], 100))
	sp.handles[ids[1]].finish(task.Event{
		Type: task.EventDone, TaskID: ids[1], Success: true, Skipped: true,
		Metrics: &task.Metrics{InputBytes: 50, OutputBytes: 50},
	})
	sp.handles[ids[2]].finish(task.Event{Type: task.EventDone, TaskID: ids[2], Success: false, Error: "boom"})

	sum := s.Poll()
	if !sum.BatchCompleted || sum.Batch == nil {
		t.Fatalf("batch not reported complete: %+v", sum)
	}
	b := sum.Batch
	if b.Done != 1 || b.Skipped != 1 || b.Failed != 1 || b.Canceled != 0 {
		t.Errorf("summary = %+v", b)
	}
	if b.InputBytes != 150 {
		t.Errorf("input bytes = %d, want 150", b.InputBytes)
	}
}

func TestSnapshotItemsListsPendingOnly(t *testing.T) {
	s, sp := newTestScheduler(t)
	dir := t.TempDir()
	opts := task.Options{ForceOCR: true}
	var paths []string
	for _, n := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		paths = append(paths, makePDF(t, dir, n))
	}
	s.Enqueue(paths, false, opts)
	if err := s.Start("1", PriorityNormal); err != nil {
		t.Fatal(err)
	}

	first := sp.order[0]
	sp.handles[first].finish(doneOK(first, 10))
	s.Poll()

	items := s.SnapshotItems()
	if len(items) != 2 {
		t.Fatalf("snapshot items = %d, want 2 (done task excluded)", len(items))
	}
	for _, it := range items {
		if !it.Options.ForceOCR {
			t.Error("options not carried into snapshot")
		}
	}
}

func TestClearRefusedWhileRunning(t *testing.T) {
	s, sp := newTestScheduler(t)
	dir := t.TempDir()
	s.Enqueue([]string{makePDF(t, dir, "a.pdf")}, false, task.Options{})
	if err := s.Start("1", PriorityNormal); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err == nil {
		t.Error("Clear must refuse while a task runs")
	}

	tk := s.Tasks()[0]
	sp.handles[tk.ID].finish(doneOK(tk.ID, 10))
	s.Poll()
	if err := s.Clear(); err != nil {
		t.Errorf("Clear after completion: %v", err)
	}
	if len(s.Tasks()) != 0 {
		t.Error("tasks remain after Clear")
	}
}
