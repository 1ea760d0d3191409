package worker

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/readydave/ocrestra/internal/task"
)

// Emitter serializes events as one JSON object per line. It is the worker's
// only channel back to the coordinator, so writes are mutex-ordered to keep
// the per-task FIFO guarantee.
type Emitter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	taskID string
}

func NewEmitter(out io.Writer, taskID string) *Emitter {
	return &Emitter{enc: json.NewEncoder(out), taskID: taskID}
}

func (e *Emitter) Log(level, message string) {
	e.send(task.Event{
		Type:      task.EventLog,
		TaskID:    e.taskID,
		Message:   message,
		Level:     level,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (e *Emitter) Running() {
	e.send(task.Event{Type: task.EventStatus, TaskID: e.taskID, Status: task.StatusRunning})
}

func (e *Emitter) Done(success, skipped, fallbackUsed bool, errMsg, outputPath string, metrics task.Metrics) {
	e.send(task.Event{
		Type:         task.EventDone,
		TaskID:       e.taskID,
		Success:      success,
		Skipped:      skipped,
		FallbackUsed: fallbackUsed,
		Error:        errMsg,
		OutputPath:   outputPath,
		Metrics:      &metrics,
	})
}

func (e *Emitter) send(ev task.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// An unwritable pipe means the coordinator is gone; nothing useful left
	// to do with the error inside the worker.
	_ = e.enc.Encode(ev)
}
