//go:build !windows

package process

import (
	"os"
	"syscall"
)

// SendTerminationSignal sends SIGTERM to the process group of the child.
func SendTerminationSignal(process *os.Process) error {
	return signalGroup(process, syscall.SIGTERM)
}

// SendKillSignal sends SIGKILL to the process group of the child.
func SendKillSignal(process *os.Process) error {
	return signalGroup(process, syscall.SIGKILL)
}

func signalGroup(process *os.Process, sig syscall.Signal) error {
	// Negative pid addresses the whole group
	err := syscall.Kill(-process.Pid, sig)
	if err == nil || err == syscall.ESRCH {
		return nil
	}
	// Fall back to the leader alone, e.g. when the group is not ours
	if err := process.Signal(sig); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}
