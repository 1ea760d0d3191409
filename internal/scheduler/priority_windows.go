//go:build windows

package scheduler

import "os"

// Windows has no setpriority; the worker runs at the default priority class
// and termination goes straight to Kill (there is no TERM equivalent to
// deliver to a console-less child).
func applyPriority(pid int, prio Priority) error {
	return nil
}

func terminateProcess(p *os.Process) error {
	return p.Kill()
}
