package supervisor

import (
	"os"
	"os/signal"
	"syscall"
)

// NotifySignals subscribes to the signals the supervisor reacts to: interrupt and
// SIGTERM stop it, SIGHUP restarts the child. The returned function unsubscribes.
func NotifySignals() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	return ch, func() {
		signal.Stop(ch)
	}
}
