package job

import "fmt"

// CancelError is raised by a handler (directly, or via uniqueness
// re-assertion, or a remote override) to request immediate, terminal
// cancellation. It is never retried.
type CancelError struct {
	Reason string
}

func (e *CancelError) Error() string {
	if e.Reason == "" {
		return "job cancelled"
	}
	return "job cancelled: " + e.Reason
}

// RetryError is raised by a handler to request a specific re-delay,
// bypassing the failed_count threshold entirely (spec.md §4.1, §7).
// Delay is interpreted by ResolveRunAt's relative-vs-absolute
// heuristic.
type RetryError struct {
	Delay int64
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("job retry requested with delay=%d", e.Delay)
}

// DirtyError is produced by the parent's watchdog when the forked child
// exits without leaving the job in a terminal state — either it exited
// non-zero while the job was still RUNNING, or it exited zero but lied
// about finishing the job.
type DirtyError struct {
	Detail string
}

func (e *DirtyError) Error() string {
	return "worker child exited dirty: " + e.Detail
}

// ZombieError is produced by the garbage collector when it finds a
// running-set entry whose recorded worker is no longer registered.
type ZombieError struct {
	WorkerID string
}

func (e *ZombieError) Error() string {
	return fmt.Sprintf("job worker %q is no longer registered (zombie)", e.WorkerID)
}

// relativeDelayBoundary is the threshold from spec.md §4.1: a delay
// value passed to ResolveRunAt below this many seconds (~3 years) is treated as
// relative to now; at or above it, it's treated as an absolute Unix
// epoch second. This conflation is an inherited convention, preserved
// for compatibility rather than redesigned (spec.md Open Questions).
const relativeDelayBoundary = 94_608_000
