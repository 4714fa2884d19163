package supervisor

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
	"github.com/core-tools/hsu-svcmgr/pkg/logsink"
	"github.com/core-tools/hsu-svcmgr/pkg/metrics"
	"github.com/core-tools/hsu-svcmgr/pkg/process"
	"github.com/core-tools/hsu-svcmgr/pkg/processstate"
	"github.com/core-tools/hsu-svcmgr/pkg/restart"
)

// killWait bounds the wait for an exit after SIGKILL was sent.
const killWait = 5 * time.Second

// LineWriter receives the child's stream lines.
type LineWriter interface {
	Write(dest logsink.Destination, origin, text string)
}

// KeepAlive is held for the supervisor lifetime and released when it ends.
type KeepAlive interface {
	SetServing(serving bool)
	Release()
}

type Options struct {
	Title       string
	Target      string // program path used in log messages
	Restart     restart.Config
	MinUptime   time.Duration
	GracePeriod time.Duration

	Launcher  process.Launcher
	Sink      LineWriter
	Logger    logging.Logger // supervisor messages
	Signals   <-chan os.Signal
	Reloads   <-chan string // paths whose change should restart the child
	KeepAlive KeepAlive
	Metrics   *metrics.Recorder

	IsRunning func(pid int) (bool, error)
	Now       func() time.Time
}

// Status is a snapshot of the supervisor for observers outside the loop.
type Status struct {
	State   State
	PID     int
	Run     uint64
	Window  restart.Window
	Restart restart.State
}

// Supervisor runs one child program and restarts it according to its restart policy.
// All state is owned by the goroutine executing Run.
type Supervisor struct {
	opts   Options
	logger logging.Logger
	policy *restart.Policy
	events chan process.Event

	lifetime context.Context
	state    State
	child    process.Handle
	run      uint64

	forceKill bool
	reloading bool

	restartTimer *time.Timer
	windowTimer  *time.Timer
	stableTimer  *time.Timer
	reloadTimer  *time.Timer
	windowEnd    time.Time

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	releaseOnce  sync.Once

	statusMu sync.RWMutex
	status   Status
}

func New(opts Options) (*Supervisor, error) {
	if opts.Launcher == nil {
		return nil, errors.NewValidationError("launcher is required", nil)
	}
	if opts.Sink == nil {
		return nil, errors.NewValidationError("log sink is required", nil)
	}
	if err := restart.ValidateConfig(opts.Restart); err != nil {
		return nil, errors.NewValidationError("invalid restart configuration", err)
	}
	if opts.MinUptime < 0 || opts.GracePeriod < 0 {
		return nil, errors.NewValidationError("durations cannot be negative", nil)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.IsRunning == nil {
		opts.IsRunning = processstate.IsProcessRunning
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Supervisor{
		opts:       opts,
		logger:     opts.Logger,
		policy:     restart.NewPolicy(opts.Restart),
		events:     make(chan process.Event, 64),
		shutdownCh: make(chan struct{}),
	}, nil
}

// Shutdown asks Run to stop the child and return. It may be called from any goroutine.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
}

func (s *Supervisor) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Run launches the child and supervises it until a shutdown request or a
// terminal restart decision. A requested shutdown returns nil.
func (s *Supervisor) Run(ctx context.Context) (err error) {
	// Outlives ctx so that the final exit event can still be delivered.
	lifetime, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.lifetime = lifetime

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Uncaught exception: %v\n%s", r, debug.Stack())
			s.releaseKeepAlive()
			s.abandon()
			err = errors.NewInternalError(fmt.Sprintf("uncaught exception: %v", r), nil)
		}
	}()

	s.logger.Infof("%s start up", s.opts.Title)

	if done, err := s.launch(); done {
		return err
	}
	return s.loop(ctx)
}

func (s *Supervisor) loop(ctx context.Context) error {
	for {
		var done bool
		var err error

		select {
		case ev := <-s.events:
			done, err = s.handleEvent(ev)
		case <-timerC(s.restartTimer):
			s.restartTimer = nil
			done, err = s.onRestartDue()
		case <-timerC(s.windowTimer):
			s.windowTimer = nil
			s.onWindowExpired()
		case <-timerC(s.stableTimer):
			s.stableTimer = nil
			s.onStable()
		case <-timerC(s.reloadTimer):
			s.reloadTimer = nil
			s.onReloadOverdue()
		case sig := <-s.opts.Signals:
			done, err = s.onSignal(sig)
		case path := <-s.opts.Reloads:
			s.reload(fmt.Sprintf("%s changed, restarting child", path))
		case <-s.shutdownCh:
			done, err = true, s.shutdown("Got exit signal, closing down")
		case <-ctx.Done():
			done, err = true, s.shutdown("Got exit signal, closing down")
		}

		s.publish()
		if done {
			return err
		}
	}
}

func (s *Supervisor) handleEvent(ev process.Event) (bool, error) {
	switch ev.Kind {
	case process.EventStdout:
		s.opts.Sink.Write(logsink.Output, logsink.ChildOrigin(ev.PID), ev.Text)
	case process.EventStderr:
		s.opts.Sink.Write(logsink.Error, logsink.ChildOrigin(ev.PID), ev.Text)
	case process.EventExit:
		if ev.Run != s.run || s.child == nil {
			s.logger.Debugf("Ignoring exit of stale run %d, PID %d", ev.Run, ev.PID)
			return false, nil
		}
		return s.onExit(ev)
	}
	return false, nil
}

// launch starts a new child unless a shutdown is in progress. A child that
// cannot be started is handled like one that exited with an error.
func (s *Supervisor) launch() (bool, error) {
	if s.forceKill {
		return false, nil
	}

	s.setState(StateStarting)
	s.logger.Infof("Starting %s", s.opts.Target)

	now := s.opts.Now()
	if opened, expires := s.policy.RecordStart(now); opened {
		s.windowEnd = expires
		s.resetTimer(&s.windowTimer, expires.Sub(now))
		s.logger.Debugf("Restart window opened, expires at %s", expires.Format(time.RFC3339))
	}

	s.run++
	handle, err := s.opts.Launcher.Launch(s.lifetime, s.run, s.events)
	if err != nil {
		s.logger.Errorf("Failed to start %s: %v", s.opts.Target, err)
		return s.onExit(process.Event{
			Kind: process.EventExit,
			Run:  s.run,
			Exit: process.ExitStatus{Code: -1, Err: err},
		})
	}

	s.child = handle
	s.setState(StateRunning)
	s.opts.Metrics.ChildStarted()
	if s.opts.KeepAlive != nil {
		s.opts.KeepAlive.SetServing(true)
	}
	s.logger.Debugf("%s running, PID %d", s.opts.Target, handle.PID())

	if s.opts.MinUptime == 0 {
		s.markStable()
	} else {
		s.resetTimer(&s.stableTimer, s.opts.MinUptime)
	}
	return false, nil
}

func (s *Supervisor) onExit(ev process.Event) (bool, error) {
	s.child = nil
	s.stopTimer(&s.stableTimer)
	s.stopTimer(&s.reloadTimer)
	s.setState(StateExited)
	s.opts.Metrics.ChildExited(exitResult(ev.Exit))
	if s.opts.KeepAlive != nil {
		s.opts.KeepAlive.SetServing(false)
	}

	s.logger.Warnf("%s stopped running.", s.opts.Target)
	s.logger.Debugf("PID %d: %s", ev.PID, ev.Exit)

	exit := restart.Exit{
		ShutdownRequested: s.forceKill,
		Reload:            s.reloading,
		Failed:            ev.Exit.Failed(),
		Code:              ev.Exit.Code,
	}
	s.reloading = false

	decision := s.policy.OnExit(s.opts.Now(), exit)
	switch decision.Action {
	case restart.ActionIgnore:
		return false, nil
	case restart.ActionTerminate:
		return true, s.terminate(decision, ev.Exit)
	}

	s.resetTimer(&s.restartTimer, decision.Delay)
	s.setState(StateRestartScheduled)
	s.opts.Metrics.RestartScheduled(decision.Delay)
	s.logger.Debugf("Restart attempt %d scheduled in %v", decision.Attempt, decision.Delay)
	return false, nil
}

func (s *Supervisor) onRestartDue() (bool, error) {
	// A timer that fired after shutdown began launches nothing.
	if s.forceKill {
		return false, nil
	}

	decision := s.policy.OnRestartDue()
	state := s.policy.State()
	s.opts.Metrics.Backoff(state.CurrentWait, state.TotalAttempts)
	if decision.Action == restart.ActionTerminate {
		return true, s.terminate(decision, process.ExitStatus{})
	}
	return s.launch()
}

func (s *Supervisor) onWindowExpired() {
	if s.policy.ExpireWindow(s.windowEnd) {
		s.logger.Debugf("Restart window expired")
	}
}

func (s *Supervisor) onStable() {
	if s.child == nil {
		return
	}
	running, err := s.opts.IsRunning(s.child.PID())
	if err != nil {
		s.logger.Debugf("Unable to check PID %d: %v", s.child.PID(), err)
		return
	}
	if running {
		s.markStable()
	}
}

func (s *Supervisor) markStable() {
	if s.policy.MarkStable() {
		s.logger.Debugf("%s is stable, restart backoff reset", s.opts.Target)
	}
	state := s.policy.State()
	s.opts.Metrics.Backoff(state.CurrentWait, state.TotalAttempts)
}

func (s *Supervisor) onSignal(sig os.Signal) (bool, error) {
	switch sig {
	case syscall.SIGTERM:
		return true, s.shutdown("Got SIGTERM, closing down")
	case syscall.SIGHUP:
		s.reload("SIGHUP received, restarting child")
		return false, nil
	default:
		return true, s.shutdown("Got exit signal, closing down")
	}
}

// reload stops only the child. Its exit goes through the usual restart handling.
func (s *Supervisor) reload(message string) {
	s.logger.Infof("%s", message)
	if s.child == nil {
		s.logger.Debugf("No child running, nothing to restart")
		return
	}
	if s.reloading {
		return
	}
	s.reloading = true
	if err := s.child.Terminate(); err != nil {
		s.logger.Warnf("Failed to stop PID %d: %v", s.child.PID(), err)
	}
	s.resetTimer(&s.reloadTimer, s.opts.GracePeriod)
}

func (s *Supervisor) onReloadOverdue() {
	if s.child == nil || !s.reloading {
		return
	}
	s.logger.Warnf("%s did not stop within %v, killing", s.opts.Target, s.opts.GracePeriod)
	if err := s.child.Kill(); err != nil {
		s.logger.Warnf("Failed to kill PID %d: %v", s.child.PID(), err)
	}
}

func (s *Supervisor) terminate(decision restart.Decision, status process.ExitStatus) error {
	s.forceKill = true
	s.stopTimers()

	var err error
	switch decision.Reason {
	case restart.ReasonAbortOnError:
		if status.Signaled {
			s.logger.Errorf("%s was killed by signal %v", s.opts.Target, status.Signal)
		} else {
			s.logger.Errorf("%s exited with error code %d", s.opts.Target, status.Code)
		}
		err = errors.NewChildFailedError("child exited with an error", status.Err).WithContext("code", status.Code)
	case restart.ReasonWindowExceeded:
		s.logger.Errorf("Too many restarts within the last %d seconds. Please check the script.",
			int(s.policy.Config().Window/time.Second))
		err = errors.NewWindowExhaustedError("too many restarts within the window", nil).
			WithContext("starts", s.policy.Window().Starts)
	case restart.ReasonBudgetExceeded:
		s.logger.Errorf("Too many restarts. %s will not be restarted because the maximum number of total restarts has been exceeded.",
			s.opts.Target)
		err = errors.NewBudgetExhaustedError("maximum number of total restarts exceeded", nil).
			WithContext("attempts", decision.Attempt)
	default:
		err = errors.NewInternalError("unexpected termination reason: "+string(decision.Reason), nil)
	}

	s.opts.Metrics.Terminated(string(decision.Reason))
	s.setState(StateTerminated)
	s.releaseKeepAlive()
	return err
}

// shutdown is the single path for every stop request.
func (s *Supervisor) shutdown(message string) error {
	s.logger.Infof("%s", message)
	s.forceKill = true
	s.stopTimers()
	s.stopChild()
	s.opts.Metrics.Terminated("shutdown")
	s.setState(StateTerminated)
	s.releaseKeepAlive()
	return nil
}

// stopChild terminates the running child and waits for its exit, relaying any
// output it still produces. After the grace period the child is killed.
func (s *Supervisor) stopChild() {
	if s.child == nil {
		return
	}
	if err := s.child.Terminate(); err != nil {
		s.logger.Warnf("Failed to stop PID %d: %v", s.child.PID(), err)
	}

	grace := time.NewTimer(s.opts.GracePeriod)
	defer grace.Stop()
	killed := false

	for s.child != nil {
		select {
		case ev := <-s.events:
			_, _ = s.handleEvent(ev)
		case <-grace.C:
			if killed {
				s.logger.Errorf("PID %d did not exit after being killed", s.child.PID())
				s.child = nil
				return
			}
			s.logger.Warnf("%s did not stop within %v, killing", s.opts.Target, s.opts.GracePeriod)
			if err := s.child.Kill(); err != nil {
				s.logger.Warnf("Failed to kill PID %d: %v", s.child.PID(), err)
			}
			killed = true
			grace.Reset(killWait)
		}
	}
}

// abandon is the shutdown path after an internal fault. It must not panic again.
func (s *Supervisor) abandon() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Failed to stop child after internal error: %v", r)
		}
	}()
	s.forceKill = true
	s.stopTimers()
	s.stopChild()
	s.setState(StateTerminated)
}

func (s *Supervisor) releaseKeepAlive() {
	if s.opts.KeepAlive == nil {
		return
	}
	s.releaseOnce.Do(s.opts.KeepAlive.Release)
}

func (s *Supervisor) setState(state State) {
	s.state = state
	s.publish()
}

func (s *Supervisor) publish() {
	status := Status{
		State:   s.state,
		Run:     s.run,
		Window:  s.policy.Window(),
		Restart: s.policy.State(),
	}
	if s.child != nil {
		status.PID = s.child.PID()
	}

	s.statusMu.Lock()
	s.status = status
	s.statusMu.Unlock()
}

func (s *Supervisor) resetTimer(t **time.Timer, d time.Duration) {
	s.stopTimer(t)
	*t = time.NewTimer(d)
}

func (s *Supervisor) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Supervisor) stopTimers() {
	s.stopTimer(&s.restartTimer)
	s.stopTimer(&s.windowTimer)
	s.stopTimer(&s.stableTimer)
	s.stopTimer(&s.reloadTimer)
}

// timerC returns nil for an unset timer, which blocks forever in a select.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func exitResult(status process.ExitStatus) string {
	switch {
	case status.Signaled:
		return metrics.ResultSignal
	case status.Failed():
		return metrics.ResultFailure
	default:
		return metrics.ResultSuccess
	}
}
