package worker

import (
	"os"
	"os/signal"
	"syscall"
)

// Signal is the typed command the main loop reacts to (spec.md §9),
// delivered over a single-consumer channel from both OS signal handlers
// and polled remote-signal reads.
type Signal int

const (
	SignalNone Signal = iota
	SignalForceShutdown
	SignalShutdown
	SignalCancel
	SignalPause
	SignalResume
	SignalWakeup
	SignalReconnect
)

func (s Signal) String() string {
	switch s {
	case SignalForceShutdown:
		return "FORCESHUTDOWN"
	case SignalShutdown:
		return "SHUTDOWN"
	case SignalCancel:
		return "CANCEL"
	case SignalPause:
		return "PAUSE"
	case SignalResume:
		return "RESUME"
	case SignalWakeup:
		return "WAKEUP"
	case SignalReconnect:
		return "RECONNECT"
	default:
		return "NONE"
	}
}

// remoteSignalCommand maps a textual remote-signal command (read from
// the global/per-worker Redis slots of spec.md §4.5) to its local
// Signal equivalent.
func remoteSignalCommand(cmd string) (Signal, bool) {
	switch cmd {
	case "FORCESHUTDOWN":
		return SignalForceShutdown, true
	case "QUIT":
		return SignalShutdown, true
	case "CANCEL":
		return SignalCancel, true
	case "PAUSE":
		return SignalPause, true
	case "RESUME":
		return SignalResume, true
	default:
		return SignalNone, false
	}
}

// ListenOS maps the OS signals of spec.md §4.5 onto sigCh: TERM/INT
// force a shutdown, QUIT asks for a graceful one, USR1 cancels the
// current job, USR2/CONT pause/resume, and PIPE asks for a Redis
// reconnect. It runs until the process exits; there is no unsubscribe,
// matching a worker's one-shot lifetime.
func ListenOS(sigCh chan<- Signal) {
	osCh := make(chan os.Signal, 8)
	signal.Notify(osCh,
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT,
		syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGCONT, syscall.SIGPIPE,
	)
	go func() {
		for sig := range osCh {
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				sigCh <- SignalForceShutdown
			case syscall.SIGQUIT:
				sigCh <- SignalShutdown
			case syscall.SIGUSR1:
				sigCh <- SignalCancel
			case syscall.SIGUSR2:
				sigCh <- SignalPause
			case syscall.SIGCONT:
				sigCh <- SignalResume
			case syscall.SIGPIPE:
				sigCh <- SignalReconnect
			}
		}
	}()
}
