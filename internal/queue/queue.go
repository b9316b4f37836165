// Package queue implements the per-queue list/zset indices of spec.md
// §3/§4.2: waiting, delayed, running, processed, cancelled, failed,
// fail_retried, and each worker's reliable-queue processing list.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"jobctl/internal/events"
	"jobctl/internal/handler"
	"jobctl/internal/job"
	"jobctl/internal/keys"
	"jobctl/internal/payload"
)

// Queue is the Redis-backed index set for every named queue in the
// system. One Queue instance serves every queue name; "queue" as used
// in method signatures below is just the string key, not a separate
// object per name.
type Queue struct {
	client   *redis.Client
	keys     keys.Schema
	store    *job.Store
	bus      *events.Bus
	registry *handler.Registry
	unique   *job.Uniqueness
}

// New builds a Queue bound to client. bus may be nil, in which case no
// events are published (useful for tests that don't care about the
// event bus).
func New(client *redis.Client, schema keys.Schema, store *job.Store, bus *events.Bus) *Queue {
	return &Queue{client: client, keys: schema, store: store, bus: bus}
}

// SetAdmission wires the handler registry and uniqueness gate into the
// queue's Enqueue path, per spec.md §4.3 ("applied at enqueue time...
// and again at perform time") and §7's invalid-class rejection. Callers
// that never set this (most tests) skip both checks entirely.
func (q *Queue) SetAdmission(registry *handler.Registry, unique *job.Uniqueness) {
	q.registry = registry
	q.unique = unique
}

func (q *Queue) publish(kind events.Kind, subject any) {
	if q.bus != nil {
		q.bus.Publish(kind, subject)
	}
}

func (q *Queue) publishVetoable(kind events.Kind, subject any) bool {
	if q.bus == nil {
		return true
	}
	return q.bus.PublishVetoable(kind, subject)
}

// Enqueue materializes the queue (lazily, via SADD to the global queue
// set) and writes j's payload to either the waiting list (immediate) or
// the delayed zset (scheduled), per j.Status as New already decided it.
// Returns false if a JOB_QUEUE/JOB_QUEUE_DELAYED listener vetoed the
// enqueue.
func (q *Queue) Enqueue(ctx context.Context, j *job.Job) (bool, error) {
	payload, err := j.Payload()
	if err != nil {
		return false, fmt.Errorf("queue: encode payload: %w", err)
	}

	factory, err := q.validateClass(j)
	if err != nil {
		return false, err
	}
	admitted, err := q.admitUnique(ctx, j, payload, factory)
	if err != nil {
		return false, err
	}
	if !admitted {
		return false, nil
	}

	vetoKind := events.JobQueue
	if j.Status == job.StatusDelayed {
		vetoKind = events.JobQueueDelayed
	}
	if !q.publishVetoable(vetoKind, j) {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()

	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.keys.Queues(), j.Queue)
	if j.Status == job.StatusDelayed {
		pipe.ZAdd(ctx, q.keys.Delayed(j.Queue), redis.Z{Score: float64(j.RunAt()), Member: payload})
	} else {
		pipe.LPush(ctx, q.keys.Waiting(j.Queue), payload)
	}
	for _, sid := range j.SeriesIDs() {
		pipe.ZAdd(ctx, q.keys.Series(sid), redis.Z{Score: float64(j.CreatedAt.Unix()), Member: j.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("queue: enqueue: %w", err)
	}

	if err := q.store.Save(ctx, j); err != nil {
		return false, err
	}

	statField := "queued"
	if j.Status == job.StatusDelayed {
		statField = "delayed"
	}
	if err := q.incrStats(ctx, j.Queue, statField, 1); err != nil {
		return false, err
	}

	if j.Status == job.StatusDelayed {
		q.publish(events.JobQueuedDelayed, j)
	} else {
		q.publish(events.JobQueued, j)
	}
	return true, nil
}

// validateClass rejects j up front when a registry is wired and j's
// class has no registered handler, per spec.md §7's "non-callable
// method, abstract class" invalid-input row: immediate failure to the
// producer, the job never enters a queue. Returns the resolved factory
// so admitUnique doesn't have to look it up again. A nil registry (most
// tests) skips the check entirely.
func (q *Queue) validateClass(j *job.Job) (handler.Factory, error) {
	if q.registry == nil {
		return nil, nil
	}
	factory, ok := q.registry.Lookup(j.Class)
	if !ok {
		return nil, fmt.Errorf("queue: no handler registered for class %q", j.Class)
	}
	return factory, nil
}

// admitUnique applies spec.md §4.3's mutex-signature admission control
// at enqueue time, re-asserted again at perform time by
// worker.acquireSignature. A handler that doesn't implement
// handler.Signer, or a nil registry/unique gate, admits unconditionally.
func (q *Queue) admitUnique(ctx context.Context, j *job.Job, payload []byte, factory handler.Factory) (bool, error) {
	if q.unique == nil || factory == nil {
		return true, nil
	}
	signer, ok := factory().(handler.Signer)
	if !ok {
		return true, nil
	}
	sig, err := signer.Signature(j.Data)
	if err != nil {
		return false, fmt.Errorf("queue: signature: %w", err)
	}
	if sig == "" {
		return true, nil
	}
	return q.unique.Acquire(ctx, sig, j.ID, payload)
}

// ResolveQueues expands "*" into every known queue name, enumerated in
// ascending lexicographic order (spec.md §4.1's tie-break rule).
// Non-wildcard patterns are returned in the order given.
func (q *Queue) ResolveQueues(ctx context.Context, patterns []string) ([]string, error) {
	wantAll := false
	var explicit []string
	for _, p := range patterns {
		if p == "*" {
			wantAll = true
			continue
		}
		explicit = append(explicit, p)
	}
	if !wantAll {
		return explicit, nil
	}

	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()
	all, err := q.client.SMembers(ctx, q.keys.Queues()).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: resolve queues: %w", err)
	}
	sort.Strings(all)
	return all, nil
}

// PromoteDelayed moves every entry of queue's delayed zset whose score
// (run-at epoch second) is <= now into the waiting list, preserving
// score-ascending order on drain: the earliest-due entry is pushed first
// and so is claimed first. It is the Redis-side implementation
// of the "due time reached" edge of spec.md §4.1, run every worker loop
// iteration per spec.md §4.4 step 7.
func (q *Queue) PromoteDelayed(ctx context.Context, queueName string, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()

	delayedKey := q.keys.Delayed(queueName)
	due, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: zrangebyscore %s: %w", delayedKey, err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, delayedKey, "-inf", fmt.Sprintf("%d", now.Unix()))
	waitingKey := q.keys.Waiting(queueName)
	for _, p := range due {
		pipe.LPush(ctx, waitingKey, p)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: promote delayed %s: %w", queueName, err)
	}
	_ = q.incrStats(ctx, queueName, "delayed", -int64(len(due)))
	_ = q.incrStats(ctx, queueName, "queued", int64(len(due)))
	return len(due), nil
}

// Pop implements the blocking-pop dispatch contract of spec.md §4.2.
// queues must be non-empty and already resolved (no "*"). On success
// the returned job's payload has been atomically moved into workerID's
// processing list, running is stamped with now, and the job's status is
// RUNNING; the caller still owns persisting further transitions. A nil
// job with a nil error means the attempt timed out or found nothing.
func (q *Queue) Pop(ctx context.Context, queues []string, timeout time.Duration, blocking bool, workerID string) (*job.Job, error) {
	if len(queues) == 0 {
		return nil, errors.New("queue: pop requires at least one queue")
	}

	for _, queueName := range queues {
		waitingKey := q.keys.Waiting(queueName)
		processingKey := q.keys.ProcessingList(queueName, workerID)

		var rawPayload string
		var err error
		if blocking {
			rawPayload, err = q.client.BRPopLPush(ctx, waitingKey, processingKey, timeout).Result()
		} else {
			rawPayload, err = q.client.RPopLPush(ctx, waitingKey, processingKey).Result()
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue: pop %s: %w", waitingKey, err)
		}

		env, err := payload.Decode([]byte(rawPayload))
		if err != nil {
			return nil, fmt.Errorf("queue: decode popped payload: %w", err)
		}

		j, err := q.store.Load(ctx, env.ID)
		if err != nil {
			return nil, fmt.Errorf("queue: load claimed job %s: %w", env.ID, err)
		}
		now := time.Now()
		j.MarkRunning(workerID, now)

		rctx, cancel := context.WithTimeout(context.Background(), job.RedisTimeout)
		err = q.client.ZAdd(rctx, q.keys.Running(queueName), redis.Z{Score: float64(now.Unix()), Member: rawPayload}).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("queue: stamp running %s: %w", queueName, err)
		}
		if err := q.store.Save(ctx, j); err != nil {
			return nil, err
		}
		_ = q.incrStats(ctx, queueName, "queued", -1)
		_ = q.incrStats(ctx, queueName, "running", 1)
		q.publish(events.JobRunning, j)
		return j, nil
	}
	return nil, nil
}

// Complete archives j's payload from running into processed, and clears
// it from workerID's processing list.
func (q *Queue) Complete(ctx context.Context, j *job.Job, workerID string) error {
	return q.archive(ctx, j, workerID, q.keys.Processed(j.Queue), "running", "processed")
}

// CancelArchive archives j's payload from running into cancelled.
func (q *Queue) CancelArchive(ctx context.Context, j *job.Job, workerID string) error {
	return q.archive(ctx, j, workerID, q.keys.Cancelled(j.Queue), "running", "cancelled")
}

// FailArchive archives j's payload from running into failed (terminal).
func (q *Queue) FailArchive(ctx context.Context, j *job.Job, workerID string) error {
	return q.archive(ctx, j, workerID, q.keys.Failed(j.Queue), "running", "failed")
}

// RetryArchive records that j failed but was re-delayed rather than
// terminally failed: it removes the payload from the running zset and
// workerID's processing list, adds it to the fail_retried audit zset,
// and puts it back into the delayed zset scored by j's new run-at time.
func (q *Queue) RetryArchive(ctx context.Context, j *job.Job, workerID string) error {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()

	payload, err := j.Payload()
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keys.Running(j.Queue), payload)
	pipe.LRem(ctx, q.keys.ProcessingList(j.Queue, workerID), 1, payload)
	pipe.ZAdd(ctx, q.keys.FailRetried(j.Queue), redis.Z{Score: float64(time.Now().Unix()), Member: payload})
	pipe.ZAdd(ctx, q.keys.Delayed(j.Queue), redis.Z{Score: float64(j.RunAt()), Member: payload})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: retry-archive: %w", err)
	}
	if err := q.store.Save(ctx, j); err != nil {
		return err
	}
	_ = q.incrStats(ctx, j.Queue, "running", -1)
	_ = q.incrStats(ctx, j.Queue, "retried", 1)
	_ = q.incrStats(ctx, j.Queue, "delayed", 1)
	q.publish(events.JobFailure, j)
	return nil
}

// RequeueDirect moves j's payload straight from workerID's processing
// list back to the waiting list (the failed_count<2 direct-requeue
// path), appended to the tail per spec.md §5's ordering guarantee.
func (q *Queue) RequeueDirect(ctx context.Context, j *job.Job, workerID string) error {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()

	payload, err := j.Payload()
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keys.Running(j.Queue), payload)
	pipe.LRem(ctx, q.keys.ProcessingList(j.Queue, workerID), 1, payload)
	pipe.LPush(ctx, q.keys.Waiting(j.Queue), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: requeue direct: %w", err)
	}
	if err := q.store.Save(ctx, j); err != nil {
		return err
	}
	_ = q.incrStats(ctx, j.Queue, "running", -1)
	_ = q.incrStats(ctx, j.Queue, "queued", 1)
	q.publish(events.JobFailure, j)
	return nil
}

func (q *Queue) archive(ctx context.Context, j *job.Job, workerID, destKey, fromStat, toStat string) error {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()

	payload, err := j.Payload()
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keys.Running(j.Queue), payload)
	pipe.LRem(ctx, q.keys.ProcessingList(j.Queue, workerID), 1, payload)
	pipe.ZAdd(ctx, destKey, redis.Z{Score: float64(time.Now().Unix()), Member: payload})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: archive to %s: %w", destKey, err)
	}
	if err := q.store.Save(ctx, j); err != nil {
		return err
	}
	_ = q.incrStats(ctx, j.Queue, fromStat, -1)
	_ = q.incrStats(ctx, j.Queue, toStat, 1)

	switch toStat {
	case "processed":
		q.publish(events.JobComplete, j)
	case "cancelled":
		q.publish(events.JobCancelled, j)
	case "failed":
		q.publish(events.JobFailure, j)
	}
	q.publish(events.JobDone, j)
	return nil
}

// CleanupQueue drains workerID's processing list for queueName back
// into the waiting list, one entry at a time via RPOPLPUSH, per
// spec.md §4.7. It runs at worker startup and on graceful unregister,
// recovering payloads abandoned by an ungraceful prior exit.
func (q *Queue) CleanupQueue(ctx context.Context, queueName, workerID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()

	processingKey := q.keys.ProcessingList(queueName, workerID)
	waitingKey := q.keys.Waiting(queueName)
	count := 0
	for {
		_, err := q.client.RPopLPush(ctx, processingKey, waitingKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("queue: cleanup %s: %w", processingKey, err)
		}
		count++
	}
	if count > 0 {
		_ = q.incrStats(ctx, queueName, "running", -int64(count))
		_ = q.incrStats(ctx, queueName, "queued", int64(count))
	}
	// Drop the worker's now-empty processing list key entirely rather
	// than leaving a dangling empty list around.
	_ = q.client.Del(ctx, processingKey).Err()
	return count, nil
}
