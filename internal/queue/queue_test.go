package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"jobctl/internal/handler"
	"jobctl/internal/job"
	"jobctl/internal/keys"
)

func newTestQueue(t *testing.T) (*Queue, *job.Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	schema := keys.New("")
	store := job.NewStore(client, schema, time.Hour)
	q := New(client, schema, store, nil)
	return q, store, func() {
		client.Close()
		mr.Close()
	}
}

func TestEnqueueImmediateThenPop(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	j, err := job.New("q", "Echo", map[string]any{"x": 1.0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := q.Enqueue(ctx, j)
	if err != nil || !ok {
		t.Fatalf("Enqueue: ok=%v err=%v", ok, err)
	}

	popped, err := q.Pop(ctx, []string{"q"}, time.Second, false, "worker-1")
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if popped == nil {
		t.Fatal("expected a job, got nil")
	}
	if popped.ID != j.ID {
		t.Fatalf("popped.ID = %q, want %q", popped.ID, j.ID)
	}
	if popped.Status != job.StatusRunning {
		t.Fatalf("popped.Status = %q, want running", popped.Status)
	}
}

func TestPopNonBlockingEmptyReturnsNil(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	popped, err := q.Pop(ctx, []string{"q"}, time.Millisecond, false, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if popped != nil {
		t.Fatalf("expected nil on empty queue, got %+v", popped)
	}
}

func TestDelayedPromotion(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	runAt := time.Now().Add(-1 * time.Second).Unix() // already due
	j, err := job.New("q", "Echo", nil, runAt)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := q.Enqueue(ctx, j); err != nil || !ok {
		t.Fatalf("Enqueue: ok=%v err=%v", ok, err)
	}

	n, err := q.PromoteDelayed(ctx, "q", time.Now())
	if err != nil {
		t.Fatalf("PromoteDelayed: %v", err)
	}
	if n != 1 {
		t.Fatalf("PromoteDelayed moved %d, want 1", n)
	}

	popped, err := q.Pop(ctx, []string{"q"}, time.Millisecond, false, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if popped == nil || popped.ID != j.ID {
		t.Fatalf("expected promoted job to be poppable, got %+v", popped)
	}
}

func TestResolveQueuesWildcardLexicographic(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		j, _ := job.New(name, "Echo", nil, 0)
		if _, err := q.Enqueue(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	resolved, err := q.ResolveQueues(ctx, []string{"*"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(resolved) != len(want) {
		t.Fatalf("resolved = %v, want %v", resolved, want)
	}
	for i := range want {
		if resolved[i] != want[i] {
			t.Fatalf("resolved = %v, want %v", resolved, want)
		}
	}
}

func TestCleanupQueueDrainsProcessingList(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	j, _ := job.New("q", "Echo", nil, 0)
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	popped, err := q.Pop(ctx, []string{"q"}, time.Millisecond, false, "worker-1")
	if err != nil || popped == nil {
		t.Fatalf("Pop: popped=%v err=%v", popped, err)
	}

	n, err := q.CleanupQueue(ctx, "q", "worker-1")
	if err != nil {
		t.Fatalf("CleanupQueue: %v", err)
	}
	if n != 1 {
		t.Fatalf("CleanupQueue drained %d, want 1", n)
	}

	// The job should be poppable again now that it's back in waiting.
	reclaimed, err := q.Pop(ctx, []string{"q"}, time.Millisecond, false, "worker-2")
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed == nil || reclaimed.ID != j.ID {
		t.Fatalf("expected reclaimed job, got %+v", reclaimed)
	}
}

func TestCompleteArchivesAndClearsStats(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	j, _ := job.New("q", "Echo", nil, 0)
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	popped, err := q.Pop(ctx, []string{"q"}, time.Millisecond, false, "worker-1")
	if err != nil || popped == nil {
		t.Fatalf("Pop: popped=%v err=%v", popped, err)
	}
	popped.Complete(time.Now())
	if err := q.Complete(ctx, popped, "worker-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	stats, err := q.Stats(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if stats["processed"] != 1 {
		t.Fatalf("processed stat = %d, want 1", stats["processed"])
	}
	if stats["running"] != 0 {
		t.Fatalf("running stat = %d, want 0", stats["running"])
	}
}

type signerHandler struct{ signature string }

func (h *signerHandler) Perform(ctx context.Context, jobID string, data any) error { return nil }
func (h *signerHandler) Signature(data any) (string, error)                       { return h.signature, nil }

func TestEnqueueRejectsUnregisteredClass(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	registry := handler.NewRegistry()
	registry.Register("Echo", func() handler.Base { return &signerHandler{} })
	unique := job.NewUniqueness(q.client, q.keys, q.store)
	q.SetAdmission(registry, unique)

	j, _ := job.New("q", "NoSuchClass", nil, 0)
	if ok, err := q.Enqueue(ctx, j); err == nil || ok {
		t.Fatalf("Enqueue: ok=%v err=%v, want a rejection error", ok, err)
	}
}

func TestEnqueueRejectsDuplicateSignature(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	registry := handler.NewRegistry()
	registry.Register("Unique", func() handler.Base { return &signerHandler{signature: "only-one"} })
	unique := job.NewUniqueness(q.client, q.keys, q.store)
	q.SetAdmission(registry, unique)

	first, _ := job.New("q", "Unique", nil, 0)
	if ok, err := q.Enqueue(ctx, first); err != nil || !ok {
		t.Fatalf("first Enqueue: ok=%v err=%v", ok, err)
	}

	second, _ := job.New("q", "Unique", nil, 0)
	ok, err := q.Enqueue(ctx, second)
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if ok {
		t.Fatal("expected second Enqueue to be rejected as a duplicate signature")
	}

	dups, err := q.client.LRange(ctx, q.keys.Duplicates(), 0, -1).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(dups) != 1 {
		t.Fatalf("duplicates list len = %d, want 1", len(dups))
	}
}

func TestEnqueueIndexesSeriesID(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	j, _ := job.New("q", "Echo", map[string]any{"series_id": "batch-7"}, 0)
	if ok, err := q.Enqueue(ctx, j); err != nil || !ok {
		t.Fatalf("Enqueue: ok=%v err=%v", ok, err)
	}

	members, err := q.client.ZRange(ctx, q.keys.Series("batch-7"), 0, -1).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != j.ID {
		t.Fatalf("jobseries:batch-7 members = %v, want [%s]", members, j.ID)
	}
}
