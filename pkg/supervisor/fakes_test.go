package supervisor

import (
	"bytes"
	"context"
	"sync"
	"syscall"

	"github.com/stretchr/testify/mock"

	"github.com/core-tools/hsu-svcmgr/pkg/logsink"
	"github.com/core-tools/hsu-svcmgr/pkg/process"
)

// ===== SHARED TEST INFRASTRUCTURE =====

// behavior drives one fake child from its own goroutine.
type behavior func(h *fakeHandle)

func exitWith(code int, lines ...string) behavior {
	return func(h *fakeHandle) {
		for _, line := range lines {
			h.emit(process.Event{Kind: process.EventStdout, Text: line})
		}
		h.exit(process.ExitStatus{Code: code})
	}
}

// runUntilStopped keeps running until Terminate or Kill.
func runUntilStopped() behavior {
	return func(h *fakeHandle) {
		close(h.started)
		select {
		case <-h.term:
			h.exit(process.ExitStatus{Code: -1, Signaled: true, Signal: syscall.SIGTERM})
		case <-h.kill:
			h.exit(process.ExitStatus{Code: -1, Signaled: true, Signal: syscall.SIGKILL})
		case <-h.ctx.Done():
		}
	}
}

// ignoreTerm only stops on Kill.
func ignoreTerm() behavior {
	return func(h *fakeHandle) {
		close(h.started)
		select {
		case <-h.kill:
			h.exit(process.ExitStatus{Code: -1, Signaled: true, Signal: syscall.SIGKILL})
		case <-h.ctx.Done():
		}
	}
}

func newLine(stderr bool, text string) process.Event {
	kind := process.EventStdout
	if stderr {
		kind = process.EventStderr
	}
	return process.Event{Kind: kind, Text: text}
}

func exitCode(code int) process.ExitStatus {
	return process.ExitStatus{Code: code}
}

type fakeHandle struct {
	ctx     context.Context
	pid     int
	run     uint64
	events  chan<- process.Event
	started chan struct{}

	term     chan struct{}
	kill     chan struct{}
	termOnce sync.Once
	killOnce sync.Once

	mu         sync.Mutex
	terminated int
	killed     int
}

func (h *fakeHandle) PID() int {
	return h.pid
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terminated++
	h.mu.Unlock()
	h.termOnce.Do(func() { close(h.term) })
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed++
	h.mu.Unlock()
	h.killOnce.Do(func() { close(h.kill) })
	return nil
}

func (h *fakeHandle) counts() (terminated, killed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated, h.killed
}

func (h *fakeHandle) emit(ev process.Event) {
	ev.Run = h.run
	ev.PID = h.pid
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

func (h *fakeHandle) exit(status process.ExitStatus) {
	h.emit(process.Event{Kind: process.EventExit, Exit: status})
}

// fakeLauncher hands out fake children. Each Launch call consumes the next
// mocked return value: a behavior, or an error.
type fakeLauncher struct {
	mock.Mock

	mu      sync.Mutex
	handles []*fakeHandle
}

func (l *fakeLauncher) Launch(ctx context.Context, run uint64, events chan<- process.Event) (process.Handle, error) {
	args := l.Called(run)
	if err := args.Error(1); err != nil {
		return nil, err
	}

	h := &fakeHandle{
		ctx:     ctx,
		pid:     1000 + int(run),
		run:     run,
		events:  events,
		started: make(chan struct{}),
		term:    make(chan struct{}),
		kill:    make(chan struct{}),
	}
	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.mu.Unlock()

	go args.Get(0).(behavior)(h)
	return h, nil
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.handles) {
		return nil
	}
	return l.handles[i]
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

type mockKeepAlive struct {
	mock.Mock
}

func (k *mockKeepAlive) SetServing(serving bool) {
	k.Called(serving)
}

func (k *mockKeepAlive) Release() {
	k.Called()
}

// testLogs captures both log files. Read them only after Run returned.
type testLogs struct {
	out  bytes.Buffer
	err  bytes.Buffer
	sink *logsink.Sink
}

func newTestLogs() *testLogs {
	logs := &testLogs{}
	logs.sink = logsink.New(&logs.out, &logs.err, "")
	return logs
}
