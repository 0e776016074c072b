//go:build !windows

package procsup

import (
	"errors"
	"os"
	"syscall"
)

// isProcessAlive probes the pid with signal 0, which delivers nothing but
// still reports existence. EPERM counts as alive: the process is there, we
// just may not signal it.
func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.EPERM
}

// terminateProcess sends SIGTERM so the child can flush and exit on its own;
// the supervisor escalates to Kill after the grace period.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
