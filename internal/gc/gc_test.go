package gc

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"jobctl/internal/host"
	"jobctl/internal/job"
	"jobctl/internal/keys"
	"jobctl/internal/queue"
)

func newTestCollector(t *testing.T) (*Collector, *queue.Queue, *job.Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	schema := keys.New("")
	store := job.NewStore(client, schema, time.Hour)
	q := queue.New(client, schema, store, nil)
	hosts := host.New(client, schema)
	c := New(client, schema, store, q, hosts, nil, time.Hour)
	return c, q, store, func() {
		client.Close()
		mr.Close()
	}
}

func TestSweepZombiesFailsOrphanedRunningEntry(t *testing.T) {
	c, q, _, cleanup := newTestCollector(t)
	defer cleanup()
	ctx := context.Background()

	j, err := job.New("q", "Echo", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	popped, err := q.Pop(ctx, []string{"q"}, time.Millisecond, false, "host-a:111:go1.22")
	if err != nil || popped == nil {
		t.Fatalf("Pop: popped=%v err=%v", popped, err)
	}
	// Worker never registered in the global worker set: it's a zombie.

	n, err := c.SweepZombies(ctx, "q")
	if err != nil {
		t.Fatalf("SweepZombies: %v", err)
	}
	if n != 1 {
		t.Fatalf("SweepZombies failed %d, want 1", n)
	}

	stats, err := q.Stats(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if stats["failed"] != 1 {
		t.Fatalf("failed stat = %d, want 1", stats["failed"])
	}
}

func TestSweepZombiesLeavesLiveWorkerAlone(t *testing.T) {
	c, q, _, cleanup := newTestCollector(t)
	defer cleanup()
	ctx := context.Background()

	workerID := "host-a:111:go1.22"
	if err := c.client.SAdd(ctx, c.keys.Workers(), workerID).Err(); err != nil {
		t.Fatal(err)
	}

	j, _ := job.New("q", "Echo", nil, 0)
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	popped, err := q.Pop(ctx, []string{"q"}, time.Millisecond, false, workerID)
	if err != nil || popped == nil {
		t.Fatalf("Pop: popped=%v err=%v", popped, err)
	}

	n, err := c.SweepZombies(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("SweepZombies failed %d, want 0 for a live worker", n)
	}
}

func TestPruneWorkersRemovesDeadHostEntry(t *testing.T) {
	c, _, _, cleanup := newTestCollector(t)
	defer cleanup()
	ctx := context.Background()

	dead := "host-a:222:go1.22"
	if err := c.client.SAdd(ctx, c.keys.Workers(), dead).Err(); err != nil {
		t.Fatal(err)
	}
	if err := c.hosts.Register(ctx, "host-a", dead); err != nil {
		t.Fatal(err)
	}
	// Simulate the worker's own Host registration having been dropped
	// already (e.g. it never reached a graceful unregister) by also
	// removing it directly, leaving the global set as the only trace.
	if err := c.hosts.Unregister(ctx, "host-a", dead); err != nil {
		t.Fatal(err)
	}

	n, err := c.PruneWorkers(ctx, "host-a", func(int) bool { return true })
	if err != nil {
		t.Fatalf("PruneWorkers: %v", err)
	}
	if n != 1 {
		t.Fatalf("PruneWorkers pruned %d, want 1", n)
	}

	member, err := c.client.SIsMember(ctx, c.keys.Workers(), dead).Result()
	if err != nil {
		t.Fatal(err)
	}
	if member {
		t.Fatal("expected dead worker to be removed from the global set")
	}
}

func TestPruneWorkersKillZeroDetectsDeadLocalProcess(t *testing.T) {
	c, _, _, cleanup := newTestCollector(t)
	defer cleanup()
	ctx := context.Background()

	dead := "host-a:333:go1.22"
	if err := c.client.SAdd(ctx, c.keys.Workers(), dead).Err(); err != nil {
		t.Fatal(err)
	}
	if err := c.hosts.Register(ctx, "host-a", dead); err != nil {
		t.Fatal(err)
	}

	n, err := c.PruneWorkers(ctx, "host-a", func(pid int) bool { return pid != 333 })
	if err != nil {
		t.Fatalf("PruneWorkers: %v", err)
	}
	if n != 1 {
		t.Fatalf("PruneWorkers pruned %d, want 1", n)
	}
}

func TestPruneWorkersKeepsLiveLocalProcess(t *testing.T) {
	c, _, _, cleanup := newTestCollector(t)
	defer cleanup()
	ctx := context.Background()

	alive := "host-a:444:go1.22"
	if err := c.client.SAdd(ctx, c.keys.Workers(), alive).Err(); err != nil {
		t.Fatal(err)
	}
	if err := c.hosts.Register(ctx, "host-a", alive); err != nil {
		t.Fatal(err)
	}

	n, err := c.PruneWorkers(ctx, "host-a", func(int) bool { return true })
	if err != nil {
		t.Fatalf("PruneWorkers: %v", err)
	}
	if n != 0 {
		t.Fatalf("PruneWorkers pruned %d, want 0 for a live process", n)
	}
}
