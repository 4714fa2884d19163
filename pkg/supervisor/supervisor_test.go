package supervisor

import (
	"context"
	stderrors "errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/restart"
)

const target = "/srv/worker/app.sh"

type harness struct {
	launcher  *fakeLauncher
	logs      *testLogs
	keepAlive *mockKeepAlive
	signals   chan os.Signal
	reloads   chan string
	opts      Options
}

func newHarness(config restart.Config) *harness {
	h := &harness{
		launcher:  &fakeLauncher{},
		logs:      newTestLogs(),
		keepAlive: &mockKeepAlive{},
		signals:   make(chan os.Signal, 1),
		reloads:   make(chan string, 1),
	}
	h.keepAlive.On("SetServing", mock.Anything).Maybe()
	h.keepAlive.On("Release").Once()

	h.opts = Options{
		Title:       "worker",
		Target:      target,
		Restart:     config,
		MinUptime:   time.Hour,
		GracePeriod: time.Second,
		Launcher:    h.launcher,
		Sink:        h.logs.sink,
		Logger:      h.logs.sink.Logger(true),
		Signals:     h.signals,
		Reloads:     h.reloads,
		KeepAlive:   h.keepAlive,
		IsRunning:   func(int) (bool, error) { return true, nil },
	}
	return h
}

// start runs the supervisor in the background and returns a channel with its result.
func (h *harness) start(t *testing.T, ctx context.Context) (*Supervisor, <-chan error) {
	t.Helper()
	sup, err := New(h.opts)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		result <- sup.Run(ctx)
	}()
	return sup, result
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	_, result := h.start(t, context.Background())
	select {
	case err := <-result:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not finish")
		return nil
	}
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not finish")
		return nil
	}
}

func waitStarted(t *testing.T, l *fakeLauncher, i int) *fakeHandle {
	t.Helper()
	require.Eventually(t, func() bool { return l.handle(i) != nil }, 5*time.Second, 5*time.Millisecond)
	h := l.handle(i)
	select {
	case <-h.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("child %d never started", i)
	}
	return h
}

func immediateFailures() restart.Config {
	config := restart.DefaultConfig()
	config.InitialWait = 0
	config.MaxRestartsPerWindow = 100
	return config
}

func TestSupervisor_WindowCeiling(t *testing.T) {
	config := immediateFailures()
	config.MaxRestartsPerWindow = 5
	h := newHarness(config)
	h.launcher.On("Launch", mock.Anything).Return(exitWith(1), nil)

	err := h.run(t)

	require.Error(t, err)
	assert.True(t, errors.IsPolicyError(err))
	assert.Equal(t, errors.ExitCodeWindowExhausted, errors.ExitCode(err))
	h.launcher.AssertNumberOfCalls(t, "Launch", 5)
	assert.Contains(t, h.logs.err.String(), " - SVCMGR - Too many restarts within the last 60 seconds. Please check the script.\n")
	h.keepAlive.AssertCalled(t, "Release")
}

func TestSupervisor_CumulativeCeiling(t *testing.T) {
	config := immediateFailures()
	config.MaxTotalRestarts = 3
	h := newHarness(config)
	h.launcher.On("Launch", mock.Anything).Return(exitWith(1), nil)

	err := h.run(t)

	require.Error(t, err)
	assert.Equal(t, errors.ExitCodeBudgetExhausted, errors.ExitCode(err))
	h.launcher.AssertNumberOfCalls(t, "Launch", 4)
	assert.Equal(t, 4, strings.Count(h.logs.err.String(), target+" stopped running."))
	assert.Contains(t, h.logs.err.String(),
		"Too many restarts. "+target+" will not be restarted because the maximum number of total restarts has been exceeded.")
}

func TestSupervisor_AbortOnError(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		launches int
		exitCode int
	}{
		{"error_exit_aborts", 2, 1, errors.ExitCodeChildFailed},
		{"clean_exit_restarts", 0, 3, errors.ExitCodeWindowExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := immediateFailures()
			config.AbortOnError = true
			config.MaxRestartsPerWindow = 3
			h := newHarness(config)
			h.launcher.On("Launch", mock.Anything).Return(exitWith(tt.code), nil)

			err := h.run(t)

			assert.Equal(t, tt.exitCode, errors.ExitCode(err))
			h.launcher.AssertNumberOfCalls(t, "Launch", tt.launches)
			if tt.code != 0 {
				assert.Contains(t, h.logs.err.String(), target+" exited with error code 2\n")
			}
		})
	}
}

func TestSupervisor_LaunchFailureCountsAsErrorExit(t *testing.T) {
	config := immediateFailures()
	config.AbortOnError = true
	h := newHarness(config)
	h.launcher.On("Launch", mock.Anything).Return(nil, stderrors.New("exec format error"))

	err := h.run(t)

	assert.Equal(t, errors.ExitCodeChildFailed, errors.ExitCode(err))
	h.launcher.AssertNumberOfCalls(t, "Launch", 1)
	assert.Contains(t, h.logs.err.String(), "Failed to start "+target+": exec format error")
}

func TestSupervisor_RelaysChildOutput(t *testing.T) {
	config := immediateFailures()
	config.AbortOnError = true
	h := newHarness(config)
	h.launcher.On("Launch", mock.Anything).Return(behavior(func(fh *fakeHandle) {
		fh.emit(newLine(false, "hello\n"))
		fh.emit(newLine(true, "boom\n"))
		fh.exit(exitCode(1))
	}), nil)

	_ = h.run(t)

	out := h.logs.out.String()
	assert.Contains(t, out, " - SVCMGR - worker start up\n")
	assert.Contains(t, out, " - SVCMGR - Starting "+target+"\n")
	assert.Contains(t, out, " - P.1001 - hello\n")
	assert.NotContains(t, out, "boom")
	assert.Contains(t, h.logs.err.String(), " - P.1001 - boom\n")
	assert.Less(t, strings.Index(out, "start up"), strings.Index(out, "Starting"))
}

func TestSupervisor_BackoffDelays(t *testing.T) {
	config := immediateFailures()
	config.InitialWait = 40 * time.Millisecond
	config.GrowthFactor = 0.25
	config.MaxTotalRestarts = 3
	h := newHarness(config)

	var mu sync.Mutex
	var launchedAt []time.Time
	h.launcher.On("Launch", mock.Anything).Run(func(mock.Arguments) {
		mu.Lock()
		launchedAt = append(launchedAt, time.Now())
		mu.Unlock()
	}).Return(exitWith(1), nil)

	err := h.run(t)
	require.Equal(t, errors.ExitCodeBudgetExhausted, errors.ExitCode(err))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, launchedAt, 4)
	minimum := []time.Duration{40 * time.Millisecond, 50 * time.Millisecond, 62500 * time.Microsecond}
	for i, want := range minimum {
		assert.GreaterOrEqual(t, launchedAt[i+1].Sub(launchedAt[i]), want, "delay before launch %d", i+2)
	}
}

func TestSupervisor_ShutdownCancelsPendingRestart(t *testing.T) {
	config := immediateFailures()
	config.InitialWait = time.Hour
	h := newHarness(config)
	h.launcher.On("Launch", mock.Anything).Return(exitWith(1), nil)

	sup, result := h.start(t, context.Background())
	require.Eventually(t, func() bool {
		return sup.Status().State == StateRestartScheduled
	}, 5*time.Second, 5*time.Millisecond)

	sup.Shutdown()
	err := waitResult(t, result)

	assert.NoError(t, err)
	assert.Equal(t, errors.ExitCodeOK, errors.ExitCode(err))
	h.launcher.AssertNumberOfCalls(t, "Launch", 1)
	assert.Equal(t, StateTerminated, sup.Status().State)
	assert.Contains(t, h.logs.out.String(), "Got exit signal, closing down")
	h.keepAlive.AssertNumberOfCalls(t, "Release", 1)
}

func TestSupervisor_StopsRunningChild(t *testing.T) {
	tests := []struct {
		name    string
		stop    func(sup *Supervisor, h *harness, cancel context.CancelFunc)
		message string
	}{
		{
			name:    "context_cancelled",
			stop:    func(_ *Supervisor, _ *harness, cancel context.CancelFunc) { cancel() },
			message: "Got exit signal, closing down",
		},
		{
			name:    "sigterm",
			stop:    func(_ *Supervisor, h *harness, _ context.CancelFunc) { h.signals <- syscall.SIGTERM },
			message: "Got SIGTERM, closing down",
		},
		{
			name:    "interrupt",
			stop:    func(_ *Supervisor, h *harness, _ context.CancelFunc) { h.signals <- os.Interrupt },
			message: "Got exit signal, closing down",
		},
		{
			name:    "explicit_shutdown",
			stop:    func(sup *Supervisor, _ *harness, _ context.CancelFunc) { sup.Shutdown() },
			message: "Got exit signal, closing down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(immediateFailures())
			h.launcher.On("Launch", mock.Anything).Return(runUntilStopped(), nil)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sup, result := h.start(t, ctx)
			child := waitStarted(t, h.launcher, 0)

			tt.stop(sup, h, cancel)
			err := waitResult(t, result)

			assert.NoError(t, err)
			terminated, killed := child.counts()
			assert.Equal(t, 1, terminated)
			assert.Zero(t, killed)
			h.launcher.AssertNumberOfCalls(t, "Launch", 1)
			assert.Contains(t, h.logs.out.String(), tt.message)
			h.keepAlive.AssertCalled(t, "SetServing", true)
			h.keepAlive.AssertCalled(t, "Release")
		})
	}
}

func TestSupervisor_KillsChildAfterGracePeriod(t *testing.T) {
	h := newHarness(immediateFailures())
	h.opts.GracePeriod = 50 * time.Millisecond
	h.launcher.On("Launch", mock.Anything).Return(ignoreTerm(), nil)

	sup, result := h.start(t, context.Background())
	child := waitStarted(t, h.launcher, 0)

	sup.Shutdown()
	assert.NoError(t, waitResult(t, result))

	terminated, killed := child.counts()
	assert.Equal(t, 1, terminated)
	assert.Equal(t, 1, killed)
	assert.Contains(t, h.logs.err.String(), "did not stop within 50ms, killing")
}

func TestSupervisor_ReloadRelaunchesChild(t *testing.T) {
	tests := []struct {
		name    string
		trigger func(h *harness)
		message string
	}{
		{"sighup", func(h *harness) { h.signals <- syscall.SIGHUP }, "SIGHUP received, restarting child"},
		{"file_change", func(h *harness) { h.reloads <- target }, target + " changed, restarting child"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := immediateFailures()
			// A reload must not count as an error exit.
			config.AbortOnError = true
			h := newHarness(config)
			h.launcher.On("Launch", mock.Anything).Return(runUntilStopped(), nil)

			sup, result := h.start(t, context.Background())
			first := waitStarted(t, h.launcher, 0)

			tt.trigger(h)
			second := waitStarted(t, h.launcher, 1)

			sup.Shutdown()
			require.NoError(t, waitResult(t, result))

			terminated, _ := first.counts()
			assert.Equal(t, 1, terminated)
			terminated, _ = second.counts()
			assert.Equal(t, 1, terminated)
			h.launcher.AssertNumberOfCalls(t, "Launch", 2)
			assert.Contains(t, h.logs.out.String(), tt.message)
		})
	}
}

func TestSupervisor_StableRunResetsBudget(t *testing.T) {
	tests := []struct {
		name      string
		minUptime time.Duration
		launches  int
		exitCode  int
	}{
		// Every launch counts as stable, so the budget never runs out.
		{"reset_on_start", 0, 4, errors.ExitCodeWindowExhausted},
		{"never_stable", time.Hour, 2, errors.ExitCodeBudgetExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := immediateFailures()
			config.MaxTotalRestarts = 1
			config.MaxRestartsPerWindow = 4
			h := newHarness(config)
			h.opts.MinUptime = tt.minUptime
			h.launcher.On("Launch", mock.Anything).Return(exitWith(1), nil)

			err := h.run(t)

			assert.Equal(t, tt.exitCode, errors.ExitCode(err))
			h.launcher.AssertNumberOfCalls(t, "Launch", tt.launches)
		})
	}
}

func TestSupervisor_StableTimerResetsBackoff(t *testing.T) {
	config := immediateFailures()
	config.InitialWait = 10 * time.Millisecond
	h := newHarness(config)
	h.opts.MinUptime = 50 * time.Millisecond

	var checked sync.WaitGroup
	checked.Add(1)
	var once sync.Once
	h.opts.IsRunning = func(pid int) (bool, error) {
		once.Do(checked.Done)
		return pid == 1002, nil
	}
	h.launcher.On("Launch", mock.Anything).Return(exitWith(1), nil).Once()
	h.launcher.On("Launch", mock.Anything).Return(runUntilStopped(), nil)

	sup, result := h.start(t, context.Background())
	waitStarted(t, h.launcher, 1)
	assert.Equal(t, 1, sup.Status().Restart.TotalAttempts)

	require.Eventually(t, func() bool {
		return sup.Status().Restart.TotalAttempts == 0
	}, 5*time.Second, 5*time.Millisecond)
	checked.Wait()

	status := sup.Status()
	assert.Equal(t, StateRunning, status.State)
	assert.Equal(t, 1002, status.PID)
	assert.Equal(t, 10*time.Millisecond, status.Restart.CurrentWait)

	sup.Shutdown()
	require.NoError(t, waitResult(t, result))
}

func TestSupervisor_WindowExpiry(t *testing.T) {
	tests := []struct {
		name     string
		window   time.Duration
		launches int
		exitCode int
	}{
		// Each restart waits longer than the window, so no window ever holds two launches.
		{"expired_between_launches", 100 * time.Millisecond, 5, errors.ExitCodeBudgetExhausted},
		{"same_window", time.Minute, 2, errors.ExitCodeWindowExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := immediateFailures()
			config.MaxRestartsPerWindow = 2
			config.MaxTotalRestarts = 4
			config.Window = tt.window
			config.InitialWait = 150 * time.Millisecond
			config.GrowthFactor = 0
			h := newHarness(config)
			h.launcher.On("Launch", mock.Anything).Return(exitWith(1), nil)

			err := h.run(t)

			assert.Equal(t, tt.exitCode, errors.ExitCode(err))
			h.launcher.AssertNumberOfCalls(t, "Launch", tt.launches)
		})
	}
}

func TestSupervisor_PanicIsInternalError(t *testing.T) {
	h := newHarness(immediateFailures())
	h.launcher.On("Launch", mock.Anything).Panic("launcher exploded")

	err := h.run(t)

	require.Error(t, err)
	assert.True(t, errors.IsInternalError(err))
	assert.Equal(t, errors.ExitCodeInternal, errors.ExitCode(err))
	assert.Contains(t, h.logs.err.String(), " - SVCMGR - Uncaught exception: launcher exploded\n")
	h.keepAlive.AssertNumberOfCalls(t, "Release", 1)
}

func TestNew_Validation(t *testing.T) {
	valid := newHarness(immediateFailures()).opts

	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{"missing_launcher", func(o *Options) { o.Launcher = nil }},
		{"missing_sink", func(o *Options) { o.Sink = nil }},
		{"bad_growth", func(o *Options) { o.Restart.GrowthFactor = 2 }},
		{"negative_grace", func(o *Options) { o.GracePeriod = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			_, err := New(opts)
			assert.True(t, errors.IsValidationError(err))
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "RESTART_SCHEDULED", StateRestartScheduled.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
