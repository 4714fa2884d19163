package supervisor

// State is the lifecycle position of the supervised child.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateExited
	StateRestartScheduled
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateExited:
		return "EXITED"
	case StateRestartScheduled:
		return "RESTART_SCHEDULED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}
