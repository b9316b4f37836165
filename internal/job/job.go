// Package job implements the job entity and its state machine: the
// 30%-share core of spec.md's component table. A Job is a thin,
// Redis-hash-backed record; all mutation happens through the methods in
// this package, never by a caller writing fields and HSet-ing them
// directly, so the invariants in spec.md §3 and §8 stay enforceable in
// one place.
package job

import (
	"encoding/json"
	"errors"
	"time"

	"jobctl/internal/payload"
)

// Status is a job's position in the state machine of spec.md §4.1.
type Status string

const (
	StatusNew       Status = ""
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether s is one of the terminal states.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusFailed
}

// maxExceptionHistory bounds the exception ring per spec.md §3 and §8.
const maxExceptionHistory = 5

// ExceptionEntry records one failure observed during a job's lifetime.
// Kind lets the bounded history double as an audit trail of *why* each
// attempt failed (spec.md §7's taxonomy), not just the latest message.
type ExceptionEntry struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Job is the in-memory representation of one job record. Callers obtain
// one via New (at enqueue time) or Load (when claiming/inspecting an
// existing record), mutate it through the state-transition methods, and
// persist it with a Store.
type Job struct {
	ID    string
	Queue string
	Class string
	Data  any

	Status Status

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	DelayedAt  time.Time

	FailedCount int
	Progress    int
	LatestLine  string
	Output      string
	Exception   []ExceptionEntry

	Worker string

	OverrideStatus Status
	OverrideReason string

	SeriesID string
	ClientID string
	Tags     []string
}

// New constructs a brand-new job for enqueue. runAt is a Unix epoch
// second; zero means "immediate" (spec.md §4.1's new->WAITING edge).
// Invalid input — an empty queue or class — is rejected here, before
// the job ever touches Redis, per spec.md §7's "immediate failure to
// the producer" rule.
func New(queue, class string, data any, runAt int64) (*Job, error) {
	if queue == "" {
		return nil, errors.New("job: queue must not be empty")
	}
	if class == "" {
		return nil, errors.New("job: class must not be empty")
	}
	now := time.Now()
	j := &Job{
		ID:        newID(queue, class, data, runAt),
		Queue:     queue,
		Class:     class,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
		SeriesID:  joinSeriesIDs(SeriesIDsFromData(data)),
	}
	if runAt > 0 {
		j.Status = StatusDelayed
		j.DelayedAt = time.Unix(runAt, 0).UTC()
	} else {
		j.Status = StatusWaiting
	}
	return j, nil
}

// Payload returns the job's canonical, immutable {id, class, data}
// encoding.
func (j *Job) Payload() ([]byte, error) {
	return payload.Encode(payload.Envelope{ID: j.ID, Class: j.Class, Data: j.Data})
}

// SeriesIDs returns the series this job belongs to, per spec.md §6's
// series_id option, split back out of the stored comma-joined field.
func (j *Job) SeriesIDs() []string {
	return splitSeriesIDs(j.SeriesID)
}

// RunAt returns the Unix epoch second this job is scheduled to run,
// valid only while Status == StatusDelayed.
func (j *Job) RunAt() int64 {
	if j.DelayedAt.IsZero() {
		return 0
	}
	return j.DelayedAt.Unix()
}

// MarkRunning transitions a claimed job into RUNNING. Called by
// queue.Pop once it has atomically moved the payload into the worker's
// processing list.
func (j *Job) MarkRunning(workerID string, at time.Time) {
	j.Status = StatusRunning
	j.Worker = workerID
	j.StartedAt = at
	j.UpdatedAt = at
}

// Complete transitions a RUNNING job to the terminal COMPLETE state.
// Progress is forced to 100 to uphold the progress-complete invariant
// of spec.md §8.
func (j *Job) Complete(at time.Time) {
	j.Status = StatusComplete
	j.Progress = 100
	j.FinishedAt = at
	j.UpdatedAt = at
	j.Worker = ""
}

// Cancel transitions a RUNNING job to the terminal CANCELLED state.
func (j *Job) Cancel(reason string, at time.Time) {
	j.Status = StatusCancelled
	j.FinishedAt = at
	j.UpdatedAt = at
	j.Worker = ""
	if reason != "" {
		j.appendException("cancel", reason, at)
	}
}

// Delay re-schedules a RUNNING job for a future attempt, used both by
// explicit RetryError requests (bypassing the threshold) and by the
// exponential-backoff path. kind labels the exception-history entry so
// the audit trail distinguishes the two.
func (j *Job) Delay(runAt int64, kind, message string, at time.Time) {
	j.Status = StatusDelayed
	j.DelayedAt = time.Unix(runAt, 0).UTC()
	j.UpdatedAt = at
	j.Worker = ""
	if message != "" {
		j.appendException(kind, message, at)
	}
}

// RequeueDirect moves a RUNNING job straight back to WAITING (the
// failed_count<2 direct-requeue path), appending an exception entry but
// not delaying.
func (j *Job) RequeueDirect(message string, at time.Time) {
	j.Status = StatusWaiting
	j.UpdatedAt = at
	j.Worker = ""
	j.FailedCount++
	if message != "" {
		j.appendException("unexpected", message, at)
	}
}

// FailBackoff increments FailedCount and re-delays via exponential
// backoff (the failed_count>=2 path), or terminally fails once the
// threshold is reached.
func (j *Job) FailBackoff(message string, at time.Time) {
	j.FailedCount++
	threshold := RetryThreshold(j.Data)
	if ShouldTerminallyFail(j.FailedCount, threshold) {
		j.Fail(message, at)
		return
	}
	runAt := at.Unix() + BackoffDelaySeconds(j.FailedCount)
	j.Delay(runAt, "unexpected", message, at)
}

// Fail transitions a job to the terminal FAILED state directly (used by
// the threshold path, the Dirty path, and the Zombie path).
func (j *Job) Fail(message string, at time.Time) {
	j.Status = StatusFailed
	j.FinishedAt = at
	j.UpdatedAt = at
	j.Worker = ""
	if message != "" {
		j.appendException("failed", message, at)
	}
}

func (j *Job) appendException(kind, message string, at time.Time) {
	j.Exception = append(j.Exception, ExceptionEntry{Kind: kind, Message: message, At: at})
	if len(j.Exception) > maxExceptionHistory {
		j.Exception = j.Exception[len(j.Exception)-maxExceptionHistory:]
	}
}

// SetOverride records a remote-cancel (or other override) signal on the
// job's in-memory view. Callers persist it via Store.SetOverride so it's
// visible to any process holding the job.
func (j *Job) SetOverride(status Status, reason string) {
	j.OverrideStatus = status
	j.OverrideReason = reason
}

// IsOverrideCancelled reports whether a remote actor has requested
// cancellation out-of-band.
func (j *Job) IsOverrideCancelled() bool {
	return j.OverrideStatus == StatusCancelled
}

// marshalData/unmarshalData isolate the one place Data's JSON shape is
// (de)serialized for hash storage, independent of the payload envelope
// used for queue transport.
func marshalData(data any) (string, error) {
	if data == nil {
		return "", nil
	}
	b, err := json.Marshal(data)
	return string(b), err
}

func unmarshalData(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}
