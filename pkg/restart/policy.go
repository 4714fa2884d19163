package restart

import (
	"math"
	"time"
)

// Action is what the supervisor should do next.
type Action string

const (
	ActionIgnore    Action = "ignore"    // exit caused by our own shutdown
	ActionRestart   Action = "restart"   // schedule a relaunch after Decision.Delay
	ActionLaunch    Action = "launch"    // the restart delay elapsed, launch now
	ActionTerminate Action = "terminate" // stop supervising, see Decision.Reason
)

// Reason explains an ActionTerminate decision.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonAbortOnError   Reason = "abort_on_error"
	ReasonWindowExceeded Reason = "window_exceeded"
	ReasonBudgetExceeded Reason = "budget_exceeded"
)

// Decision is the policy verdict for one event.
type Decision struct {
	Action  Action
	Reason  Reason
	Delay   time.Duration
	Attempt int
}

// Exit describes a child exit as seen by the policy.
type Exit struct {
	ShutdownRequested bool // the supervisor asked the child to go away for good
	Reload            bool // the supervisor asked the child to go away to be relaunched
	Failed            bool // non-zero exit code or killed by a signal
	Code              int
}

// Window is the restart accounting period. A zero Start means no window is open.
type Window struct {
	Start  time.Time
	Starts int
}

// Open reports whether a window is currently open.
func (w Window) Open() bool {
	return !w.Start.IsZero()
}

// State is the backoff bookkeeping carried between launches.
type State struct {
	CurrentWait   time.Duration
	TotalAttempts int
}

// Policy holds the restart window and backoff state. It never reads the clock:
// every time-dependent call takes the current time explicitly.
type Policy struct {
	config      Config
	window      Window
	attempts    int
	waitMillis  float64
	initialWait float64
}

func NewPolicy(config Config) *Policy {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	initial := durationToMillis(config.InitialWait)
	return &Policy{
		config:      config,
		waitMillis:  initial,
		initialWait: initial,
	}
}

// Config returns the configuration the policy was built with.
func (p *Policy) Config() Config {
	return p.config
}

// RecordStart accounts one launch. It opens a window when none is open and
// returns whether it did, along with the time the current window expires.
func (p *Policy) RecordStart(now time.Time) (opened bool, expiresAt time.Time) {
	p.ExpireWindow(now)
	if !p.window.Open() {
		p.window.Start = now
		opened = true
	}
	p.window.Starts++
	return opened, p.window.Start.Add(p.config.Window)
}

// ExpireWindow closes the window once now reaches Start+Window. It is the single
// window rule used both by the expiry timer and by the windowed restart check.
func (p *Policy) ExpireWindow(now time.Time) bool {
	if p.window.Open() && !now.Before(p.window.Start.Add(p.config.Window)) {
		p.window = Window{}
		return true
	}
	return false
}

// OnExit evaluates a child exit in order: own shutdown, abort on error, then the
// windowed ceiling. Anything else schedules a restart after the current wait.
func (p *Policy) OnExit(now time.Time, exit Exit) Decision {
	if exit.ShutdownRequested {
		return Decision{Action: ActionIgnore}
	}

	if p.config.AbortOnError && exit.Failed && !exit.Reload {
		return Decision{Action: ActionTerminate, Reason: ReasonAbortOnError, Attempt: p.attempts}
	}

	p.ExpireWindow(now)
	if p.window.Open() && p.window.Starts >= p.config.MaxRestartsPerWindow {
		return Decision{Action: ActionTerminate, Reason: ReasonWindowExceeded, Attempt: p.attempts}
	}

	return Decision{
		Action:  ActionRestart,
		Delay:   p.CurrentWait(),
		Attempt: p.attempts + 1,
	}
}

// OnRestartDue is called when the restart delay elapsed. It counts the attempt,
// enforces the cumulative ceiling and grows the wait for the next failure.
func (p *Policy) OnRestartDue() Decision {
	p.attempts++
	if p.config.MaxTotalRestarts != Unlimited && p.attempts > p.config.MaxTotalRestarts {
		return Decision{Action: ActionTerminate, Reason: ReasonBudgetExceeded, Attempt: p.attempts}
	}

	p.waitMillis *= 1 + p.config.GrowthFactor
	return Decision{Action: ActionLaunch, Attempt: p.attempts}
}

// MarkStable resets the backoff after a run that stayed alive. It reports
// whether anything was reset.
func (p *Policy) MarkStable() bool {
	if p.attempts == 0 && p.waitMillis == p.initialWait {
		return false
	}
	p.attempts = 0
	p.waitMillis = p.initialWait
	return true
}

// CurrentWait is the delay the next restart would use.
func (p *Policy) CurrentWait() time.Duration {
	return millisToDuration(p.waitMillis)
}

func (p *Policy) Window() Window {
	return p.window
}

func (p *Policy) State() State {
	return State{
		CurrentWait:   p.CurrentWait(),
		TotalAttempts: p.attempts,
	}
}

func durationToMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// millisToDuration rounds to the nearest nanosecond, so fractional
// milliseconds such as 1562.5 survive unchanged.
func millisToDuration(ms float64) time.Duration {
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}
