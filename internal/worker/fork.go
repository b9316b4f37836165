package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"jobctl/internal/events"
	"jobctl/internal/job"
)

// runJob implements spec.md §4.4 steps 9–11: fork a child (the
// os/exec re-exec substitute of spec.md §9), wait on it with periodic
// heartbeats and a one-hour hard cap, then reconcile whatever terminal
// state the child left the job in.
func (w *Worker) runJob(ctx context.Context, claimed *job.Job) error {
	w.publish(events.WorkerFork, claimed)

	cmd := exec.Command(w.execPath, "__run_job__", w.ID, claimed.ID)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		w.publish(events.WorkerForkError, err)
		if reqErr := w.queue.RequeueDirect(ctx, claimed, w.ID); reqErr != nil {
			return fmt.Errorf("worker: fork failed (%v) and requeue failed: %w", err, reqErr)
		}
		return fmt.Errorf("worker: fork child: %w", err)
	}

	w.currentJobID = claimed.ID
	w.currentJobPID = cmd.Process.Pid
	w.publish(events.WorkerForkParent, claimed)
	defer func() {
		w.currentJobID = ""
		w.currentJobPID = 0
	}()

	exitErr := w.waitWithHeartbeat(cmd, claimed)
	return w.reconcile(ctx, claimed, exitErr)
}

// waitWithHeartbeat blocks until the child exits, writing a heartbeat
// to this worker's hash every heartbeatPeriod and enforcing the
// jobWallClockCap hard cap. It also honors a Cancel/ForceShutdown
// signal observed while waiting by forwarding it to the child.
func (w *Worker) waitWithHeartbeat(cmd *exec.Cmd, claimed *job.Job) error {
	deadline := time.Now().Add(jobWallClockCap)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	hbCtx := context.Background()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			w.heartbeat(hbCtx, claimed)
			switch w.drainSignal() {
			case SignalCancel:
				w.publish(events.WorkerKillChild, claimed)
				_ = cmd.Process.Signal(syscall.SIGUSR1)
			case SignalForceShutdown:
				w.publish(events.WorkerKillChild, claimed)
				_ = cmd.Process.Kill()
			}
			if w.overrideCancelled(hbCtx, claimed.ID) {
				w.publish(events.WorkerKillChild, claimed)
				_ = cmd.Process.Signal(syscall.SIGUSR1)
			}
			if time.Now().After(deadline) {
				w.publish(events.WorkerKillChild, claimed)
				_ = cmd.Process.Kill()
			}
		}
	}
}

// overrideCancelled re-reads jobID's override_status at heartbeat time,
// per spec.md §4.5's requirement that a remote override-cancel is
// "checked at perform start and every parent heartbeat" — not just
// once, at the start of the run.
func (w *Worker) overrideCancelled(ctx context.Context, jobID string) bool {
	current, err := w.store.Load(ctx, jobID)
	if err != nil {
		return false
	}
	return current.IsOverrideCancelled()
}

// heartbeat writes the fields of spec.md §3's Heartbeat clause.
func (w *Worker) heartbeat(ctx context.Context, claimed *job.Job) {
	fields := map[string]any{
		"memory":        residentMB(),
		"job_id":        claimed.ID,
		"job_pid":       w.currentJobPID,
		"job_load":      1,
		"job_started":   claimed.StartedAt.Unix(),
		"last_g_signal": w.lastGlobalSignal,
	}
	_ = w.client.HSet(ctx, w.keys.Worker(w.ID), fields).Err()
	_ = w.hosts.Register(ctx, w.Host, w.ID)
}

// reconcile implements spec.md §4.4 step 10's exit-status handling:
// Dirty applies only when the job is still RUNNING after the child
// exits. A direct-requeue (WAITING) or a backoff retry (DELAYED) is a
// non-terminal but correctly-handled outcome and must stand as-is;
// only a job the child never moved off RUNNING is Dirty.
func (w *Worker) reconcile(ctx context.Context, claimed *job.Job, exitErr error) error {
	current, err := w.store.Load(ctx, claimed.ID)
	if err != nil {
		return fmt.Errorf("worker: reload claimed job %s: %w", claimed.ID, err)
	}
	if current.Status != job.StatusRunning {
		return nil
	}

	detail := "child exited without reaching a terminal status"
	if exitErr != nil {
		detail = fmt.Sprintf("child exited non-zero: %v", exitErr)
	}
	current.Fail((&job.DirtyError{Detail: detail}).Error(), time.Now())
	return w.queue.FailArchive(ctx, current, w.ID)
}
