package process

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

type EventKind int

const (
	EventStdout EventKind = iota
	EventStderr
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventExit:
		return "exit"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one observation about a launched child. Text carries a stream line,
// including its trailing newline when the child printed one. Exit is set only
// for EventExit.
type Event struct {
	Kind EventKind
	Run  uint64
	PID  int
	Text string
	Exit ExitStatus
}

// ExitStatus describes how a child terminated. Code is -1 when the child was
// killed by a signal or its status could not be collected.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   syscall.Signal
	Err      error
}

// Failed reports whether the exit counts as an error exit.
func (s ExitStatus) Failed() bool {
	return s.Code != 0 || s.Signaled || s.Err != nil
}

func (s ExitStatus) String() string {
	switch {
	case s.Signaled:
		return fmt.Sprintf("killed by signal %v", s.Signal)
	case s.Err != nil:
		return fmt.Sprintf("exit status unknown: %v", s.Err)
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

func exitStatusFrom(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: waitErr}
	}

	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signaled = true
		status.Signal = ws.Signal()
	}
	if waitErr != nil {
		if _, isExit := waitErr.(*exec.ExitError); !isExit {
			status.Err = waitErr
		}
	}
	return status
}
