//go:build unix

package scheduler

import (
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// applyPriority maps the priority class onto a nice value, plus the idle IO
// class for background work on Linux. Best effort: a failure here only costs
// scheduling politeness.
func applyPriority(pid int, prio Priority) error {
	var nice int
	switch prio {
	case PriorityLow:
		nice = 10
	case PriorityBackground:
		nice = 15
	default:
		nice = 0
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, nice); err != nil {
		return err
	}
	if prio == PriorityBackground && runtime.GOOS == "linux" {
		cmd := exec.Command("ionice", "-c", "3", "-p", strconv.Itoa(pid))
		cmd.Stdout = nil
		cmd.Stderr = nil
		_ = cmd.Run()
	}
	return nil
}

// terminateProcess sends the cooperative termination signal.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
