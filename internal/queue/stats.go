package queue

import (
	"context"
	"strconv"

	"jobctl/internal/job"
)

// incrStats bumps both the per-queue and the global counters hash for
// field by delta, per the stats tables of spec.md §6.
func (q *Queue) incrStats(ctx context.Context, queueName, field string, delta int64) error {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()
	pipe := q.client.TxPipeline()
	pipe.HIncrBy(ctx, q.keys.QueueStats(queueName), field, delta)
	pipe.HIncrBy(ctx, q.keys.Stats(), field, delta)
	if delta > 0 {
		pipe.HIncrBy(ctx, q.keys.Stats(), "total", delta)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Stats returns the per-queue counters hash as a simple map of ints.
func (q *Queue) Stats(ctx context.Context, queueName string) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()
	raw, err := q.client.HGetAll(ctx, q.keys.QueueStats(queueName)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		out[k] = parseInt64(v)
	}
	return out, nil
}

// GlobalStats returns the global counters hash of spec.md §6.
func (q *Queue) GlobalStats(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()
	raw, err := q.client.HGetAll(ctx, q.keys.Stats()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		out[k] = parseInt64(v)
	}
	return out, nil
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
