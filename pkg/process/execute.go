package process

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
)

// DefaultWaitDelay bounds how long output pipes may stay open after the child exited,
// for example because a grandchild inherited them.
const DefaultWaitDelay = 2 * time.Second

// relayBufferSize is the largest piece of output read from a pipe at once.
const relayBufferSize = 32 * 1024

type ExecutionConfig struct {
	ExecutablePath   string        `yaml:"executable_path"`
	Args             []string      `yaml:"args,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	WaitDelay        time.Duration `yaml:"wait_delay,omitempty"`
}

// Launcher starts one instance of the target program per call.
// Every piece of output the child prints and its final exit are delivered on events,
// tagged with run. The exit event is always the last event of a run.
type Launcher interface {
	Launch(ctx context.Context, run uint64, events chan<- Event) (Handle, error)
}

type StdLauncher struct {
	execution ExecutionConfig
	logger    logging.Logger
}

func NewStdLauncher(execution ExecutionConfig, logger logging.Logger) *StdLauncher {
	return &StdLauncher{
		execution: execution,
		logger:    logger,
	}
}

func (l *StdLauncher) Launch(ctx context.Context, run uint64, events chan<- Event) (Handle, error) {
	execution := l.execution
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil)
	}

	if err := ValidateExecutionConfig(execution); err != nil {
		return nil, err
	}

	workDir := execution.WorkingDirectory
	if workDir == "" {
		// Run from the current directory unless told otherwise.
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.NewIOError("failed to get working directory", err)
		}
		workDir = wd
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.NewProcessError("failed to create stdout pipe", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, errors.NewProcessError("failed to create stderr pipe", err)
	}

	// Not CommandContext: the supervisor decides when and how the child is stopped.
	cmd := exec.Command(execution.ExecutablePath, execution.Args...)
	cmd.Dir = workDir
	cmd.Env = MergeEnvironment(os.Environ(), execution.Environment)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	// Platform-specific setup is handled in execute_windows.go or execute_unix.go
	setupProcessAttributes(cmd)

	l.logger.Debugf("Executing process, run: %d, executable path: '%s', args: %v, working directory: '%s'",
		run, execution.ExecutablePath, execution.Args, workDir)

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, errors.NewProcessError("failed to start the process", err).
			WithContext("executable_path", execution.ExecutablePath)
	}

	// The child holds its own copies now.
	closeAll(stdoutW, stderrW)

	pid := cmd.Process.Pid
	l.logger.Debugf("Process started, run: %d, PID: %d", run, pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go l.relay(ctx, &readers, stdoutR, EventStdout, run, pid, events)
	go l.relay(ctx, &readers, stderrR, EventStderr, run, pid, events)

	waitDelay := execution.WaitDelay
	if waitDelay <= 0 {
		waitDelay = DefaultWaitDelay
	}
	go l.wait(ctx, cmd, &readers, waitDelay, run, pid, events, stdoutR, stderrR)

	return &stdHandle{process: cmd.Process}, nil
}

// relay forwards output as soon as it is read. Complete lines become one event
// each; a trailing piece without a newline is sent as it is, so prompts and
// progress output reach the log while the child runs.
func (l *StdLauncher) relay(ctx context.Context, wg *sync.WaitGroup, r io.Reader, kind EventKind, run uint64, pid int, events chan<- Event) {
	defer wg.Done()

	buf := make([]byte, relayBufferSize)
	for {
		n, err := r.Read(buf)
		for _, text := range splitLines(buf[:n]) {
			if !send(ctx, events, Event{Kind: kind, Run: run, PID: pid, Text: text}) {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				l.logger.Debugf("Stopped reading %s of PID %d: %v", kind, pid, err)
			}
			return
		}
	}
}

// splitLines cuts chunk after every newline.
func splitLines(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			lines = append(lines, string(chunk))
			break
		}
		lines = append(lines, string(chunk[:i+1]))
		chunk = chunk[i+1:]
	}
	return lines
}

func (l *StdLauncher) wait(ctx context.Context, cmd *exec.Cmd, readers *sync.WaitGroup, waitDelay time.Duration,
	run uint64, pid int, events chan<- Event, pipes ...*os.File) {
	waitErr := cmd.Wait()
	status := exitStatusFrom(cmd.ProcessState, waitErr)

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(waitDelay):
		l.logger.Warnf("Output of PID %d still open %v after exit, closing pipes", pid, waitDelay)
		closeAll(pipes...)
		<-drained
	}
	closeAll(pipes...)

	send(ctx, events, Event{Kind: EventExit, Run: run, PID: pid, Exit: status})
}

func send(ctx context.Context, events chan<- Event, event Event) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
