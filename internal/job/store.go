package job

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"jobctl/internal/keys"
)

// Store persists Job records to Redis job hashes and answers the
// load-by-id query the garbage collector and status tooling need.
// TTL is the terminal-state hash expiry from spec.md §6
// (default.expiry_time).
type Store struct {
	client *redis.Client
	keys   keys.Schema
	ttl    time.Duration
}

// NewStore builds a Store bound to client, using schema for key names
// and ttl as the terminal-state expiry.
func NewStore(client *redis.Client, schema keys.Schema, ttl time.Duration) *Store {
	return &Store{client: client, keys: schema, ttl: ttl}
}

// Save writes j's full packet to its hash, refreshing the TTL once the
// job has reached a terminal state.
func (s *Store) Save(ctx context.Context, j *Job) error {
	ctx, cancel := context.WithTimeout(ctx, RedisTimeout)
	defer cancel()

	fields, err := toFields(j)
	if err != nil {
		return fmt.Errorf("job: encode fields: %w", err)
	}
	key := s.keys.Job(j.ID)
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("job: hset %s: %w", key, err)
	}
	if j.Status.IsTerminal() && s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("job: expire %s: %w", key, err)
		}
	}
	return nil
}

// Load reads a job's full packet back from its hash. Returns
// redis.Nil-wrapping error when the hash does not exist.
func (s *Store) Load(ctx context.Context, id string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, RedisTimeout)
	defer cancel()

	key := s.keys.Job(id)
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("job: hgetall %s: %w", key, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("job: %s not found: %w", id, redis.Nil)
	}
	return fromFields(id, raw)
}

// Exists reports whether a job's hash is still present.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, RedisTimeout)
	defer cancel()
	n, err := s.client.Exists(ctx, s.keys.Job(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetOverride writes an out-of-band override_status/override_reason
// pair onto a job's hash, for a remote actor requesting cancellation
// without holding the job in-process.
func (s *Store) SetOverride(ctx context.Context, id string, status Status, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, RedisTimeout)
	defer cancel()
	return s.client.HSet(ctx, s.keys.Job(id), map[string]any{
		"override_status": string(status),
		"override_reason": reason,
	}).Err()
}

// AppendOutput records line as the job's latest_line field and streams
// it to the bounded job:<id>:output stream, per spec.md §4.6. It does
// not touch the aggregated output field, which is written with the rest
// of the packet when the job is next saved.
func (s *Store) AppendOutput(ctx context.Context, id, line string) error {
	ctx, cancel := context.WithTimeout(ctx, RedisTimeout)
	defer cancel()
	if err := s.client.HSet(ctx, s.keys.Job(id), "latest_line", line).Err(); err != nil {
		return err
	}
	streamKey := s.keys.JobOutput(id)
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: 1000,
		Approx: true,
		Values: map[string]any{"line": line},
	}).Err(); err != nil {
		return err
	}
	if s.ttl > 0 {
		_ = s.client.Expire(ctx, streamKey, s.ttl).Err()
	}
	return nil
}

func toFields(j *Job) (map[string]any, error) {
	dataJSON, err := marshalData(j.Data)
	if err != nil {
		return nil, err
	}
	exceptionJSON, err := json.Marshal(j.Exception)
	if err != nil {
		return nil, err
	}
	tagsJSON, err := json.Marshal(j.Tags)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"queue":           j.Queue,
		"class":           j.Class,
		"data":            dataJSON,
		"status":          string(j.Status),
		"created":         formatTime(j.CreatedAt),
		"updated":         formatTime(j.UpdatedAt),
		"started":         formatTime(j.StartedAt),
		"finished":        formatTime(j.FinishedAt),
		"delayed":         formatTime(j.DelayedAt),
		"failed_count":    strconv.Itoa(j.FailedCount),
		"progress":        strconv.Itoa(j.Progress),
		"latest_line":     j.LatestLine,
		"output":          j.Output,
		"exception":       string(exceptionJSON),
		"worker":          j.Worker,
		"override_status": string(j.OverrideStatus),
		"override_reason": j.OverrideReason,
		"series_id":       j.SeriesID,
		"client_id":       j.ClientID,
		"tags":            string(tagsJSON),
	}, nil
}

func fromFields(id string, raw map[string]string) (*Job, error) {
	data, err := unmarshalData(raw["data"])
	if err != nil {
		return nil, fmt.Errorf("job: decode data: %w", err)
	}
	var exception []ExceptionEntry
	if raw["exception"] != "" {
		if err := json.Unmarshal([]byte(raw["exception"]), &exception); err != nil {
			return nil, fmt.Errorf("job: decode exception: %w", err)
		}
	}
	var tags []string
	if raw["tags"] != "" {
		if err := json.Unmarshal([]byte(raw["tags"]), &tags); err != nil {
			return nil, fmt.Errorf("job: decode tags: %w", err)
		}
	}
	failedCount, _ := strconv.Atoi(raw["failed_count"])
	progress, _ := strconv.Atoi(raw["progress"])
	return &Job{
		ID:             id,
		Queue:          raw["queue"],
		Class:          raw["class"],
		Data:           data,
		Status:         Status(raw["status"]),
		CreatedAt:      parseTime(raw["created"]),
		UpdatedAt:      parseTime(raw["updated"]),
		StartedAt:      parseTime(raw["started"]),
		FinishedAt:     parseTime(raw["finished"]),
		DelayedAt:      parseTime(raw["delayed"]),
		FailedCount:    failedCount,
		Progress:       progress,
		LatestLine:     raw["latest_line"],
		Output:         raw["output"],
		Exception:      exception,
		Worker:         raw["worker"],
		OverrideStatus: Status(raw["override_status"]),
		OverrideReason: raw["override_reason"],
		SeriesID:       raw["series_id"],
		ClientID:       raw["client_id"],
		Tags:           tags,
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
