package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"jobctl/internal/keys"
)

// UniquenessTTL is the lifetime of an acquired signature lock (spec.md
// §3, §4.3).
const UniquenessTTL = 2 * time.Hour

// MaxDuplicates bounds the rejected-by-uniqueness tail list.
const MaxDuplicates = 300

// Uniqueness implements the at-most-one-in-flight admission control of
// spec.md §4.3 over a handler-supplied signature string.
type Uniqueness struct {
	client *redis.Client
	keys   keys.Schema
	store  *Store
}

// NewUniqueness builds a Uniqueness admission-control gate.
func NewUniqueness(client *redis.Client, schema keys.Schema, store *Store) *Uniqueness {
	return &Uniqueness{client: client, keys: schema, store: store}
}

// Acquire attempts to take the signature lock for jobID. It returns
// true when the caller may proceed (the lock was newly set, already
// owned by this job, or reclaimed from a now-terminal or vanished
// owner). It returns false when another non-terminal job holds the
// lock, after recording payload into the capped duplicates list.
func (u *Uniqueness) Acquire(ctx context.Context, signature, jobID string, payload []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, RedisTimeout)
	defer cancel()

	key := u.keys.UniqueJob(signature)
	ok, err := u.client.SetNX(ctx, key, jobID, UniquenessTTL).Result()
	if err != nil {
		return false, fmt.Errorf("uniqueness: setnx %s: %w", key, err)
	}
	if ok {
		return true, nil
	}

	owner, err := u.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("uniqueness: get %s: %w", key, err)
	}

	takeover := errors.Is(err, redis.Nil) || owner == jobID
	if !takeover {
		owningJob, loadErr := u.store.Load(ctx, owner)
		if loadErr != nil {
			// Owner's record is gone entirely; treat as vanished.
			takeover = true
		} else if owningJob.Status.IsTerminal() {
			takeover = true
		}
	}

	if takeover {
		if err := u.client.Set(ctx, key, jobID, UniquenessTTL).Err(); err != nil {
			return false, fmt.Errorf("uniqueness: reclaim %s: %w", key, err)
		}
		return true, nil
	}

	if err := u.recordDuplicate(ctx, payload); err != nil {
		return false, err
	}
	return false, nil
}

// Release drops the signature lock, if it is still held by jobID. Used
// when a job completes its terminal state eagerly rather than waiting
// for TTL expiry, so a waiting duplicate need not wait the full 2 hours.
func (u *Uniqueness) Release(ctx context.Context, signature, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, RedisTimeout)
	defer cancel()
	key := u.keys.UniqueJob(signature)
	owner, err := u.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner != jobID {
		return nil
	}
	return u.client.Del(ctx, key).Err()
}

func (u *Uniqueness) recordDuplicate(ctx context.Context, payload []byte) error {
	key := u.keys.Duplicates()
	pipe := u.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, MaxDuplicates-1)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("uniqueness: record duplicate: %w", err)
	}
	return nil
}
