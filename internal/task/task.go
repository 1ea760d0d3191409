// Package task defines the record describing one queued input file and the
// state machine its lifecycle follows.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued   Status = "Queued"
	StatusRunning  Status = "Running"
	StatusDone     Status = "Done"
	StatusSkipped  Status = "Skipped"
	StatusFailed   Status = "Failed"
	StatusCanceled Status = "Canceled"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusSkipped, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Successful reports whether s is a successful terminal state.
func (s Status) Successful() bool {
	return s == StatusDone || s == StatusSkipped
}

// CanTransition encodes the lifecycle:
// Queued -> Running -> {Done | Skipped | Failed | Canceled}, with
// Queued -> Canceled and Queued -> Failed allowed directly (cancellation
// before start, or validation that only fails at start time).
func (s Status) CanTransition(to Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusQueued:
		return to == StatusRunning || to == StatusCanceled || to == StatusFailed
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// Options is the per-task configuration bundle handed to a worker process.
type Options struct {
	ForceOCR        bool `json:"force_ocr"`
	UseGPU          bool `json:"use_gpu"`
	OptimizeForSize bool `json:"optimize_for_size"`
}

// Metrics holds the result measurements a worker reports with its done event.
type Metrics struct {
	DurationSeconds float64 `json:"duration_seconds"`
	InputBytes      int64   `json:"input_bytes"`
	OutputBytes     int64   `json:"output_bytes"`
	SizeRatio       float64 `json:"size_ratio"`
	RSSStart        uint64  `json:"rss_start"`
	RSSEnd          uint64  `json:"rss_end"`
	CPUUserDelta    float64 `json:"cpu_user_delta"`
	CPUSystemDelta  float64 `json:"cpu_system_delta"`
	StartStamp      string  `json:"start_stamp"`
	EndStamp        string  `json:"end_stamp"`
}

// Task is one queued input file and its mutable lifecycle state. The ID is
// immutable once assigned and namespaces the task's temp and log paths. Only
// the scheduler mutates a Task after creation.
type Task struct {
	ID         string
	InputPath  string
	OutputPath string
	TempDir    string
	LogFile    string

	Status       Status
	Progress     int
	Result       string
	FallbackUsed bool

	Options    Options
	Metrics    Metrics
	EnqueuedAt time.Time
}

// New creates a Queued task for inputPath. The id is a 12-hex-digit slice of
// a v4 UUID, matching the namespace grammar SanitizeTaskID accepts.
func New(inputPath string, opts Options) *Task {
	return &Task{
		ID:         NewID(),
		InputPath:  inputPath,
		Status:     StatusQueued,
		Options:    opts,
		EnqueuedAt: time.Now(),
	}
}

// NewID returns a fresh 12-hex-digit task identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// Transition moves the task to a new status, enforcing the state machine.
func (t *Task) Transition(to Status) error {
	if !t.Status.CanTransition(to) {
		return fmt.Errorf("invalid transition %s -> %s for task %s", t.Status, to, t.ID)
	}
	t.Status = to
	return nil
}

// AdvanceProgress raises the progress percentage; regressions are ignored so
// the displayed value is monotonic while the task runs.
func (t *Task) AdvanceProgress(value int) {
	if value > 100 {
		value = 100
	}
	if value > t.Progress {
		t.Progress = value
	}
}
