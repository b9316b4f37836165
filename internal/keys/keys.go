// Package keys is the single source of truth for every Redis key name the
// rest of the module touches. No other package formats a key string by
// hand; they all go through a Schema built from an optional namespace.
package keys

import "fmt"

// Schema formats every Redis key used by the job system, scoped under an
// optional namespace prefix. The zero value is a valid, unnamespaced
// schema.
type Schema struct {
	// Namespace, when non-empty, prefixes every key as "<namespace>:...".
	Namespace string
}

// New builds a Schema for the given namespace. An empty namespace yields
// unprefixed keys, matching a bare Redis instance dedicated to one system.
func New(namespace string) Schema {
	return Schema{Namespace: namespace}
}

func (s Schema) key(parts ...string) string {
	joined := parts[0]
	for _, p := range parts[1:] {
		joined += ":" + p
	}
	if s.Namespace == "" {
		return joined
	}
	return s.Namespace + ":" + joined
}

// Queues is the global set of known queue names.
func (s Schema) Queues() string { return s.key("queues") }

// Waiting is the list of payloads ready to run immediately.
func (s Schema) Waiting(queue string) string { return s.key("queue", queue) }

// Delayed is the zset of payloads scheduled for a future time, scored by
// the Unix epoch second they become due.
func (s Schema) Delayed(queue string) string { return s.key("queue", queue, "delayed") }

// Running is the zset of in-flight payloads, scored by claim time.
func (s Schema) Running(queue string) string { return s.key("queue", queue, "running") }

// Processed is the zset of successfully completed payloads, scored by
// finish time.
func (s Schema) Processed(queue string) string { return s.key("queue", queue, "processed") }

// Cancelled is the zset of cancelled payloads, scored by finish time.
func (s Schema) Cancelled(queue string) string { return s.key("queue", queue, "cancelled") }

// Failed is the zset of terminally failed payloads, scored by finish time.
func (s Schema) Failed(queue string) string { return s.key("queue", queue, "failed") }

// FailRetried is the zset tracking payloads that failed but were
// re-delayed rather than terminally failed, scored by the retry time.
func (s Schema) FailRetried(queue string) string { return s.key("queue", queue, "fail_retried") }

// ProcessingList is the per-(queue,worker) reliable-queue list: payloads
// reside here exactly while workerID holds the claim.
func (s Schema) ProcessingList(queue, workerID string) string {
	return s.key("queue", queue, workerID, "processing_list")
}

// QueueStats is the per-queue counters hash.
func (s Schema) QueueStats(queue string) string { return s.key("queue", queue, "stats") }

// Stats is the global counters hash: queued, running, processed,
// cancelled, failed, delayed, retried, total.
func (s Schema) Stats() string { return s.key("stats") }

// Job is a job's packet hash.
func (s Schema) Job(id string) string { return s.key("job", id) }

// JobOutput is the bounded output stream for a job's captured stdio.
func (s Schema) JobOutput(id string) string { return s.key("job", id, "output") }

// Workers is the set of registered worker ids.
func (s Schema) Workers() string { return s.key("workers") }

// Worker is a worker's packet + capabilities hash.
func (s Schema) Worker(id string) string { return s.key("worker", id) }

// Hosts is the set of registered host names.
func (s Schema) Hosts() string { return s.key("hosts") }

// Host is a host's set of worker ids living on it.
func (s Schema) Host(name string) string { return s.key("host", name) }

// UniqueJob is the mutex-signature lock key for a handler-defined
// signature. Set with NX and a TTL; value is the owning job id.
func (s Schema) UniqueJob(signature string) string { return s.key("unique", "job", signature) }

// Global is the cluster-wide control hash: dedicated, signal, cluster.
func (s Schema) Global() string { return s.key("global") }

// SubjectPending is the zset of pending jobs for a producer-defined
// subject string.
func (s Schema) SubjectPending(subject string) string { return s.key("jobsubject", "pending", subject) }

// SubjectDone is the zset of completed jobs for a producer-defined
// subject string.
func (s Schema) SubjectDone(subject string) string { return s.key("jobsubject", "done", subject) }

// Series is the zset grouping jobs sharing a series id.
func (s Schema) Series(seriesID string) string { return s.key("jobseries", seriesID) }

// Duplicates is the capped tail of payloads rejected by uniqueness
// admission control.
func (s Schema) Duplicates() string { return s.key("duplicates") }

// BotOutput is the aggregate output stream across all jobs run by
// worker-attached handlers.
func (s Schema) BotOutput() string { return s.key("bot-output") }

// Channel is the pub/sub channel name a handler's GetChannel hook names.
func (s Schema) Channel(name string) string { return fmt.Sprintf("bot-channel-%s", name) }

// JobsStat is the per-presentation recent-timing leaderboard hash.
func (s Schema) JobsStat(presentation string) string { return s.key("jobs", "stat", presentation) }

// JobsTime is the global status::presentation timing leaderboard.
func (s Schema) JobsTime() string { return s.key("jobs", "time") }

// JobsCount is the global status::presentation count leaderboard.
func (s Schema) JobsCount() string { return s.key("jobs", "count") }
