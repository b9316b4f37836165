package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobctl/internal/handler"
	"jobctl/internal/job"
	"jobctl/internal/keys"
	"jobctl/internal/queue"
)

// Deps bundles the collaborators the child side of job execution needs.
// cmd/runjob.go assembles one of these with its own freshly-dialed
// Redis connection — never the parent's — per spec.md §4.6 and §5.
type Deps struct {
	Client   *redis.Client
	Keys     keys.Schema
	Store    *job.Store
	Queue    *queue.Queue
	Unique   *job.Uniqueness
	Registry *handler.Registry
	Timeout  time.Duration
}

// RunJob executes jobID as the forked child (spec.md §4.6). Once the job
// is loaded, it always moves the job off RUNNING before returning:
// success completes it, Cancel cancels it, Retry re-delays it, and a
// plain unexpected error re-queues it to waiting, re-delays it with
// backoff, or fails it once the retry threshold is reached. A panic
// inside the handler is captured rather than crashing the child uncaught.
func RunJob(ctx context.Context, d *Deps, workerID, jobID string) error {
	j, err := d.Store.Load(ctx, jobID)
	if err != nil {
		return fmt.Errorf("worker: load job %s: %w", jobID, err)
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	if j.IsOverrideCancelled() {
		j.Cancel(j.OverrideReason, time.Now())
		return d.Queue.CancelArchive(ctx, j, workerID)
	}

	factory, ok := d.Registry.Lookup(j.Class)
	if !ok {
		j.Fail(fmt.Sprintf("no handler registered for class %q", j.Class), time.Now())
		return d.Queue.FailArchive(ctx, j, workerID)
	}
	h := factory()

	signature, err := acquireSignature(ctx, d, h, j)
	if err != nil {
		j.Fail(err.Error(), time.Now())
		return d.Queue.FailArchive(ctx, j, workerID)
	}
	if signature == signatureRejected {
		j.Cancel("uniqueness: duplicate job already in flight", time.Now())
		return d.Queue.CancelArchive(ctx, j, workerID)
	}
	if signature != "" {
		defer func() { _ = d.Unique.Release(context.Background(), signature, j.ID) }()
	}

	channelName, hasChannel := "", false
	if namer, ok := h.(handler.ChannelNamer); ok {
		channelName, hasChannel = namer.GetChannel(j.Data)
	}

	restore, lines := captureOutput()
	started := time.Now()
	outputDone := make(chan string, 1)
	go func() {
		var aggregated strings.Builder
		for line := range lines {
			aggregated.WriteString(line)
			aggregated.WriteString("\n")
			_ = d.Store.AppendOutput(ctx, j.ID, line)
			if hasChannel {
				_ = d.Client.Publish(ctx, d.Keys.Channel(channelName), line).Err()
			}
			if ow, ok := h.(handler.OutputWriter); ok {
				ow.Output(line)
			}
		}
		outputDone <- aggregated.String()
	}()

	perr := performWithHooks(ctx, h, j)
	restore()
	j.Output = <-outputDone

	applyOutcome(ctx, d, h, j, workerID, perr)
	recordLeaderboard(ctx, d, h, j, started)
	return nil
}

const signatureRejected = "\x00rejected"

// acquireSignature resolves and acquires the handler's uniqueness
// signature, if it has one, per spec.md §4.3's perform-time
// re-assertion. The empty string means the handler has no Signer
// capability; signatureRejected means another non-terminal job holds
// the lock.
func acquireSignature(ctx context.Context, d *Deps, h handler.Base, j *job.Job) (string, error) {
	signer, ok := h.(handler.Signer)
	if !ok {
		return "", nil
	}
	sig, err := signer.Signature(j.Data)
	if err != nil || sig == "" {
		return "", err
	}
	payload, err := j.Payload()
	if err != nil {
		return "", err
	}
	acquired, err := d.Unique.Acquire(ctx, sig, j.ID, payload)
	if err != nil {
		return "", err
	}
	if !acquired {
		return signatureRejected, nil
	}
	return sig, nil
}

// performWithHooks runs SetUp (if present), Perform, then TearDown (if
// present, regardless of Perform's outcome), translating a handler
// panic into a plain error rather than crashing the child uncaught —
// the "uncaught fatals are captured and routed through the failure
// path" clause of spec.md §4.6.
func performWithHooks(ctx context.Context, h handler.Base, j *job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if su, ok := h.(handler.SetUpper); ok {
		if err := su.SetUp(ctx, j.Data); err != nil {
			return err
		}
	}
	err = h.Perform(ctx, j.ID, j.Data)
	if td, ok := h.(handler.TearDowner); ok {
		if tdErr := td.TearDown(ctx); tdErr != nil && err == nil {
			err = tdErr
		}
	}
	return err
}

// applyOutcome maps perr onto the state transitions of spec.md
// §4.1/§7: Cancel and Retry (matched with errors.As, so wrapped errors
// count too) bypass the normal failure evaluation; anything else goes
// through the direct-requeue-then-backoff policy already encoded in
// job.Job.
func applyOutcome(ctx context.Context, d *Deps, h handler.Base, j *job.Job, workerID string, perr error) {
	var cancelErr *job.CancelError
	var retryErr *job.RetryError
	switch {
	case perr == nil:
		j.Complete(time.Now())
		_ = d.Queue.Complete(ctx, j, workerID)
	case errors.As(perr, &cancelErr):
		j.Cancel(cancelErr.Reason, time.Now())
		_ = d.Queue.CancelArchive(ctx, j, workerID)
	case errors.As(perr, &retryErr):
		runAt := job.ResolveRunAt(retryErr.Delay, time.Now())
		j.Delay(runAt, "retry", retryErr.Error(), time.Now())
		_ = d.Queue.RetryArchive(ctx, j, workerID)
	default:
		msg := perr.Error()
		if j.FailedCount < 1 {
			j.RequeueDirect(msg, time.Now())
			_ = d.Queue.RequeueDirect(ctx, j, workerID)
			return
		}
		j.FailBackoff(msg, time.Now())
		if j.Status == job.StatusFailed {
			_ = d.Queue.FailArchive(ctx, j, workerID)
		} else {
			_ = d.Queue.RetryArchive(ctx, j, workerID)
		}
	}
}

// recordLeaderboard maintains the jobs:stat/jobs:time/jobs:count
// leaderboards of spec.md §4.6's isPerformedOnBot clause. Every job
// executed by this runtime is "on bot" by construction, since there is
// no other execution path.
func recordLeaderboard(ctx context.Context, d *Deps, h handler.Base, j *job.Job, started time.Time) {
	presentation := j.Class
	if p, ok := h.(handler.Presenter); ok {
		if name := p.GetPresentation(j.Data); name != "" {
			presentation = name
		}
	}
	elapsed := time.Since(started).Seconds()
	statKey := d.Keys.JobsStat(presentation)
	_ = d.Client.HSet(ctx, statKey, "last_run", time.Now().Unix()).Err()
	_ = d.Client.HIncrByFloat(ctx, statKey, "total_seconds", elapsed).Err()
	_ = d.Client.HIncrBy(ctx, statKey, "count", 1).Err()

	bucket := fmt.Sprintf("%s::%s", j.Status, presentation)
	_ = d.Client.HIncrByFloat(ctx, d.Keys.JobsTime(), bucket, elapsed).Err()
	_ = d.Client.HIncrBy(ctx, d.Keys.JobsCount(), bucket, 1).Err()
}

// captureOutput redirects os.Stdout/os.Stderr through a pipe for the
// duration of a handler's execution, forwarding each line to the
// returned channel. restore must be called before reading the
// channel's close.
func captureOutput() (restore func(), lines <-chan string) {
	origOut, origErr := os.Stdout, os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		ch := make(chan string)
		close(ch)
		return func() {}, ch
	}
	os.Stdout = w
	os.Stderr = w

	ch := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
		close(ch)
	}()

	restore = func() {
		os.Stdout = origOut
		os.Stderr = origErr
		_ = w.Close()
	}
	return restore, ch
}
