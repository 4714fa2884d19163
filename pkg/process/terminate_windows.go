//go:build windows

package process

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"
)

const ctrlBreakTimeout = 5 * time.Second

// Windows console operation lock to prevent race conditions
var consoleOperationLock sync.Mutex

// SendTerminationSignal sends Ctrl+Break to the child's process group.
func SendTerminationSignal(process *os.Process) error {
	pid := process.Pid
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}

	consoleOperationLock.Lock()
	defer consoleOperationLock.Unlock()

	dll, err := syscall.LoadDLL("kernel32.dll")
	if err != nil {
		return fmt.Errorf("failed to load kernel32.dll: %v", err)
	}
	defer dll.Release()

	done := make(chan error, 1)
	go func() {
		done <- generateConsoleCtrlEvent(dll, pid)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send Ctrl+Break to PID %d: %v", pid, err)
		}
		return nil
	case <-time.After(ctrlBreakTimeout):
		return fmt.Errorf("timeout sending Ctrl+Break to PID %d after %v", pid, ctrlBreakTimeout)
	}
}

// SendKillSignal terminates the child forcibly.
func SendKillSignal(process *os.Process) error {
	if err := process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func generateConsoleCtrlEvent(dll *syscall.DLL, pid int) error {
	proc, err := dll.FindProc("GenerateConsoleCtrlEvent")
	if err != nil {
		return err
	}

	result, _, err := proc.Call(
		uintptr(syscall.CTRL_BREAK_EVENT),
		uintptr(pid),
	)
	if result == 0 {
		return err
	}
	return nil
}
