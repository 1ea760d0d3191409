package scheduler

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/readydave/ocrestra/internal/task"
	"github.com/readydave/ocrestra/internal/worker"
)

// Priority is the OS scheduling hint applied uniformly to worker processes.
type Priority string

const (
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// eventBuffer bounds the per-task event channel. The pump goroutine blocks
// when the coordinator falls behind; the coordinator itself never blocks.
const eventBuffer = 256

// Handle is the coordinator's view of one spawned worker process. Events()
// is closed after the worker's stdout reaches EOF, so a closed, drained
// channel means no further events can arrive.
type Handle interface {
	Events() <-chan task.Event
	Alive() bool
	Terminate(grace time.Duration)
	Close()
}

// Spawner starts one isolated worker process for a task spec. Swapped out in
// tests for a scripted in-process fake.
type Spawner func(spec worker.Spec, prio Priority) (Handle, error)

// ExecSpawner re-executes the current binary with the hidden worker
// subcommand, feeding the spec over stdin and pumping stdout events into a
// bounded channel.
func ExecSpawner(logger *zap.Logger) Spawner {
	return func(spec worker.Spec, prio Priority) (Handle, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		payload, err := json.Marshal(spec)
		if err != nil {
			return nil, fmt.Errorf("encode worker spec: %w", err)
		}

		cmd := exec.Command(exe, "worker")
		cmd.Stdin = bytes.NewReader(payload)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("worker stdout pipe: %w", err)
		}
		cmd.Stderr = nil

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("spawn worker: %w", err)
		}
		if err := applyPriority(cmd.Process.Pid, prio); err != nil {
			logger.Warn("could not apply worker priority",
				zap.Int("pid", cmd.Process.Pid),
				zap.String("priority", string(prio)),
				zap.Error(err),
			)
		}

		h := &processHandle{
			taskID:   spec.TaskID,
			cmd:      cmd,
			events:   make(chan task.Event, eventBuffer),
			waitDone: make(chan struct{}),
			logger:   logger,
		}
		go h.pump(stdout)
		go func() {
			h.waitErr = cmd.Wait()
			close(h.waitDone)
		}()
		return h, nil
	}
}

type processHandle struct {
	taskID   string
	cmd      *exec.Cmd
	events   chan task.Event
	waitDone chan struct{}
	waitErr  error
	logger   *zap.Logger
}

// pump decodes stdout lines into events. Malformed payloads are logged and
// discarded; they must never disturb the coordinating loop.
func (h *processHandle) pump(r interface{ Read([]byte) (int, error) }) {
	defer close(h.events)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev task.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			h.logger.Warn("discarding malformed worker event",
				zap.String("task_id", h.taskID),
				zap.Error(err),
			)
			continue
		}
		h.events <- ev
	}
}

func (h *processHandle) Events() <-chan task.Event { return h.events }

func (h *processHandle) Alive() bool {
	select {
	case <-h.waitDone:
		return false
	default:
		return true
	}
}

// Terminate asks the worker to exit and escalates to a hard kill when the
// grace period lapses.
func (h *processHandle) Terminate(grace time.Duration) {
	if !h.Alive() {
		return
	}
	if err := terminateProcess(h.cmd.Process); err != nil {
		h.logger.Warn("terminate signal failed", zap.String("task_id", h.taskID), zap.Error(err))
	}
	select {
	case <-h.waitDone:
		return
	case <-time.After(grace):
	}
	_ = h.cmd.Process.Kill()
	select {
	case <-h.waitDone:
	case <-time.After(grace):
		h.logger.Error("worker did not exit after kill", zap.String("task_id", h.taskID))
	}
}

// Close reaps a worker that should already be finished.
func (h *processHandle) Close() {
	select {
	case <-h.waitDone:
	case <-time.After(time.Second):
		_ = h.cmd.Process.Kill()
		<-h.waitDone
	}
}
