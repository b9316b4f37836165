package worker

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"jobctl/internal/events"
	"jobctl/internal/job"
)

// processSignals drains every signal queued since the last loop
// iteration, applying pause/resume/wakeup/cancel in place and reporting
// whether the loop should shut down. It never blocks.
func (w *Worker) processSignals(ctx context.Context) (shutdown bool) {
	for {
		select {
		case sig := <-w.signals:
			switch sig {
			case SignalForceShutdown:
				w.publish(events.WorkerForceShutdown, w)
				return true
			case SignalShutdown:
				w.publish(events.WorkerShutdown, w)
				return true
			case SignalPause:
				w.status = StatusPaused
				w.publish(events.WorkerPause, w)
			case SignalResume:
				w.status = StatusRunning
				w.publish(events.WorkerResume, w)
			case SignalWakeup:
				w.publish(events.WorkerWakeup, w)
			case SignalCancel:
				w.requestCancelCurrentJob(ctx)
			case SignalReconnect:
				// go-redis reconnects per call; nothing to do besides
				// having observed the request.
			}
		default:
			return false
		}
	}
}

// drainSignal consumes and returns at most one queued signal without
// blocking, for the narrower polling window of the fork-wait loop.
func (w *Worker) drainSignal() Signal {
	select {
	case s := <-w.signals:
		return s
	default:
		return SignalNone
	}
}

func (w *Worker) requestCancelCurrentJob(ctx context.Context) {
	if w.currentJobID == "" {
		return
	}
	if err := w.store.SetOverride(ctx, w.currentJobID, job.StatusCancelled, "operator cancel signal"); err != nil {
		return
	}
}

// pollRemoteSignals implements the three Redis slots of spec.md §4.5:
// a global signal (re-applied only on change, tracked via
// lastGlobalSignal/last_g_signal), a per-worker signal (delete-on-read),
// and the current job's override_status.
func (w *Worker) pollRemoteSignals(ctx context.Context) {
	global, err := w.client.HGet(ctx, w.keys.Global(), "signal").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return
	}
	if global != "" && global != w.lastGlobalSignal {
		if sig, ok := remoteSignalCommand(global); ok {
			w.signals <- sig
		}
		w.lastGlobalSignal = global
	}

	own, err := w.client.HGet(ctx, w.keys.Worker(w.ID), "signal").Result()
	if err == nil && own != "" {
		if sig, ok := remoteSignalCommand(own); ok {
			w.signals <- sig
		}
		_ = w.client.HDel(ctx, w.keys.Worker(w.ID), "signal").Err()
	}

	if w.currentJobID != "" {
		status, err := w.client.HGet(ctx, w.keys.Job(w.currentJobID), "override_status").Result()
		if err == nil && status == string(job.StatusCancelled) {
			w.signals <- SignalCancel
		}
	}
}
