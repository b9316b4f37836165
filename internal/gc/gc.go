// Package gc implements the garbage-collector sweeps of spec.md §4.7:
// zombie job recovery and worker/host pruning after an ungraceful exit.
// It is deliberately side-effecting and Redis-only; nothing here holds
// process state, so any worker can run a sweep at any time.
package gc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"jobctl/internal/events"
	"jobctl/internal/host"
	"jobctl/internal/job"
	"jobctl/internal/keys"
	"jobctl/internal/payload"
	"jobctl/internal/queue"
)

// Collector runs the zombie-job and worker-pruning sweeps.
type Collector struct {
	client *redis.Client
	keys   keys.Schema
	store  *job.Store
	queue  *queue.Queue
	hosts  *host.Registry
	bus    *events.Bus

	// expiry is the processed-entry retention window (default.expiry_time
	// in spec.md §6).
	expiry time.Duration
}

// New builds a Collector. bus may be nil.
func New(client *redis.Client, schema keys.Schema, store *job.Store, q *queue.Queue, hosts *host.Registry, bus *events.Bus, expiry time.Duration) *Collector {
	return &Collector{client: client, keys: schema, store: store, queue: q, hosts: hosts, bus: bus, expiry: expiry}
}

// SweepZombies implements Job.cleanup(queues) of spec.md §4.7: for every
// entry in queueName's running zset with score <= now, load its job and
// fail it with a Zombie error if its recorded worker is no longer a
// member of the global worker set. It also trims processed entries older
// than the collector's expiry window.
func (c *Collector) SweepZombies(ctx context.Context, queueName string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()

	now := time.Now()
	runningKey := c.keys.Running(queueName)
	due, err := c.client.ZRangeByScore(ctx, runningKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("gc: zrangebyscore %s: %w", runningKey, err)
	}

	failed := 0
	for _, raw := range due {
		env, err := payload.Decode([]byte(raw))
		if err != nil {
			continue
		}
		j, err := c.store.Load(ctx, env.ID)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return failed, err
		}
		if j.Status != job.StatusRunning || j.Worker == "" {
			continue
		}
		alive, err := c.client.SIsMember(ctx, c.keys.Workers(), j.Worker).Result()
		if err != nil {
			return failed, err
		}
		if alive {
			continue
		}
		zombieWorker := j.Worker
		j.Fail((&job.ZombieError{WorkerID: zombieWorker}).Error(), now)
		if err := c.queue.FailArchive(ctx, j, zombieWorker); err != nil {
			return failed, err
		}
		failed++
	}

	if c.expiry > 0 {
		processedKey := c.keys.Processed(queueName)
		cutoff := now.Add(-c.expiry).Unix()
		if err := c.client.ZRemRangeByScore(ctx, processedKey, "-inf", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
			return failed, fmt.Errorf("gc: trim processed %s: %w", processedKey, err)
		}
	}

	return failed, nil
}

// PruneWorkers implements Worker.cleanup of spec.md §4.7. ourHost is the
// hostname of the caller, used to decide which dead-worker detection
// rule applies and to scope the orphaned-hash sweep. kill0 reports
// whether a process is alive via kill(pid, 0) semantics; pass
// ProcessAlive in production and a fake in tests.
func (c *Collector) PruneWorkers(ctx context.Context, ourHost string, kill0 func(pid int) bool) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()

	workerIDs, err := c.client.SMembers(ctx, c.keys.Workers()).Result()
	if err != nil {
		return 0, fmt.Errorf("gc: list workers: %w", err)
	}
	hostNames, err := c.hosts.Hosts(ctx)
	if err != nil {
		return 0, err
	}
	liveHosts := make(map[string]bool, len(hostNames))
	for _, h := range hostNames {
		liveHosts[h] = true
	}

	pruned := 0
	touchedHosts := make(map[string]bool)
	for _, id := range workerIDs {
		hostName, pid, ok := parseWorkerID(id)
		if !ok {
			continue
		}
		dead := false
		if liveHosts[hostName] {
			member, err := c.hosts.IsMember(ctx, hostName, id)
			if err != nil {
				return pruned, err
			}
			if !member {
				dead = true
			}
		}
		if hostName == ourHost && !kill0(pid) {
			dead = true
		}
		if !dead {
			continue
		}
		if err := c.client.SRem(ctx, c.keys.Workers(), id).Err(); err != nil {
			return pruned, err
		}
		if err := c.hosts.Unregister(ctx, hostName, id); err != nil {
			return pruned, err
		}
		if err := c.client.Del(ctx, c.keys.Worker(id)).Err(); err != nil {
			return pruned, err
		}
		touchedHosts[hostName] = true
		pruned++
	}
	for hostName := range touchedHosts {
		_ = c.hosts.PruneStaleHostEntry(ctx, hostName)
	}

	if err := c.markOrphanedHashes(ctx, ourHost, workerIDs); err != nil {
		return pruned, err
	}
	return pruned, nil
}

// markOrphanedHashes TTLs worker:<ourHost>:* hashes that no longer
// correspond to any id in the current worker-set roster, per spec.md
// §4.7's "also TTL-mark orphaned per-worker hashes" clause.
func (c *Collector) markOrphanedHashes(ctx context.Context, ourHost string, roster []string) error {
	known := make(map[string]bool, len(roster))
	for _, id := range roster {
		known[c.keys.Worker(id)] = true
	}

	pattern := c.keys.Worker(ourHost + ":*")
	var cursor uint64
	for {
		keysBatch, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("gc: scan %s: %w", pattern, err)
		}
		for _, k := range keysBatch {
			if known[k] {
				continue
			}
			_ = c.client.Expire(ctx, k, orphanHashTTL).Err()
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

const orphanHashTTL = 10 * time.Minute

// parseWorkerID splits a "<hostname>:<pid>:<runtime-version>" identity
// (spec.md §4.3) into its hostname and pid.
func parseWorkerID(id string) (hostName string, pid int, ok bool) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) < 2 {
		return "", 0, false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, false
	}
	return parts[0], n, true
}

// ProcessAlive implements kill(pid, 0): sending signal 0 checks whether
// the process exists without actually signaling it. ESRCH means no such
// process; EPERM means it exists but is owned by someone else, which
// still counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil || errors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}
