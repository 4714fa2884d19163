package process

import "os"

// Handle controls one running child.
type Handle interface {
	PID() int
	// Terminate asks the child and its process group to stop.
	Terminate() error
	// Kill stops the child and its process group immediately.
	Kill() error
}

type stdHandle struct {
	process *os.Process
}

func (h *stdHandle) PID() int {
	return h.process.Pid
}

func (h *stdHandle) Terminate() error {
	return SendTerminationSignal(h.process)
}

func (h *stdHandle) Kill() error {
	return SendKillSignal(h.process)
}
