package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"jobctl/internal/handler"
	"jobctl/internal/job"
	"jobctl/internal/keys"
	"jobctl/internal/queue"
)

type fakeHandler struct {
	perform func(ctx context.Context, jobID string, data any) error
}

func (f *fakeHandler) Perform(ctx context.Context, jobID string, data any) error {
	return f.perform(ctx, jobID, data)
}

func newTestDeps(t *testing.T) (*Deps, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	schema := keys.New("")
	store := job.NewStore(client, schema, time.Hour)
	q := queue.New(client, schema, store, nil)
	unique := job.NewUniqueness(client, schema, store)
	d := &Deps{
		Client:   client,
		Keys:     schema,
		Store:    store,
		Queue:    q,
		Unique:   unique,
		Registry: handler.NewRegistry(),
	}
	return d, func() {
		client.Close()
		mr.Close()
	}
}

func TestRunJobCompletesSuccessfully(t *testing.T) {
	d, cleanup := newTestDeps(t)
	defer cleanup()
	ctx := context.Background()

	d.Registry.Register("Echo", func() handler.Base {
		return &fakeHandler{perform: func(ctx context.Context, jobID string, data any) error {
			return nil
		}}
	})

	j, err := job.New("q", "Echo", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Queue.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	popped, err := d.Queue.Pop(ctx, []string{"q"}, time.Millisecond, false, "w1")
	if err != nil || popped == nil {
		t.Fatalf("Pop: popped=%v err=%v", popped, err)
	}

	if err := RunJob(ctx, d, "w1", popped.ID); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	final, err := d.Store.Load(ctx, popped.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != job.StatusComplete {
		t.Fatalf("status = %q, want complete", final.Status)
	}
	if final.Progress != 100 {
		t.Fatalf("progress = %d, want 100", final.Progress)
	}
}

func TestRunJobUnexpectedErrorDirectRequeuesFirstFailure(t *testing.T) {
	d, cleanup := newTestDeps(t)
	defer cleanup()
	ctx := context.Background()

	d.Registry.Register("Flaky", func() handler.Base {
		return &fakeHandler{perform: func(ctx context.Context, jobID string, data any) error {
			return errors.New("boom")
		}}
	})

	j, _ := job.New("q", "Flaky", nil, 0)
	if _, err := d.Queue.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	popped, err := d.Queue.Pop(ctx, []string{"q"}, time.Millisecond, false, "w1")
	if err != nil || popped == nil {
		t.Fatalf("Pop: popped=%v err=%v", popped, err)
	}

	if err := RunJob(ctx, d, "w1", popped.ID); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	final, err := d.Store.Load(ctx, popped.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != job.StatusWaiting {
		t.Fatalf("status = %q, want waiting (direct requeue)", final.Status)
	}
	if final.FailedCount != 1 {
		t.Fatalf("failed_count = %d, want 1", final.FailedCount)
	}
}

func TestRunJobCancelErrorCancelsJob(t *testing.T) {
	d, cleanup := newTestDeps(t)
	defer cleanup()
	ctx := context.Background()

	d.Registry.Register("Cancels", func() handler.Base {
		return &fakeHandler{perform: func(ctx context.Context, jobID string, data any) error {
			return &job.CancelError{Reason: "not needed anymore"}
		}}
	})

	j, _ := job.New("q", "Cancels", nil, 0)
	if _, err := d.Queue.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	popped, err := d.Queue.Pop(ctx, []string{"q"}, time.Millisecond, false, "w1")
	if err != nil || popped == nil {
		t.Fatalf("Pop: popped=%v err=%v", popped, err)
	}

	if err := RunJob(ctx, d, "w1", popped.ID); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	final, err := d.Store.Load(ctx, popped.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != job.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", final.Status)
	}
}

func TestRunJobNoHandlerFails(t *testing.T) {
	d, cleanup := newTestDeps(t)
	defer cleanup()
	ctx := context.Background()

	j, _ := job.New("q", "Nope", nil, 0)
	if _, err := d.Queue.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	popped, err := d.Queue.Pop(ctx, []string{"q"}, time.Millisecond, false, "w1")
	if err != nil || popped == nil {
		t.Fatalf("Pop: popped=%v err=%v", popped, err)
	}

	if err := RunJob(ctx, d, "w1", popped.ID); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	final, err := d.Store.Load(ctx, popped.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != job.StatusFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
}

func TestRunJobOverrideCancelledShortCircuits(t *testing.T) {
	d, cleanup := newTestDeps(t)
	defer cleanup()
	ctx := context.Background()

	called := false
	d.Registry.Register("Echo", func() handler.Base {
		return &fakeHandler{perform: func(ctx context.Context, jobID string, data any) error {
			called = true
			return nil
		}}
	})

	j, _ := job.New("q", "Echo", nil, 0)
	if _, err := d.Queue.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	popped, err := d.Queue.Pop(ctx, []string{"q"}, time.Millisecond, false, "w1")
	if err != nil || popped == nil {
		t.Fatalf("Pop: popped=%v err=%v", popped, err)
	}
	if err := d.Store.SetOverride(ctx, popped.ID, job.StatusCancelled, "operator request"); err != nil {
		t.Fatal(err)
	}

	if err := RunJob(ctx, d, "w1", popped.ID); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if called {
		t.Fatal("expected Perform to be skipped when override_status is cancelled")
	}

	final, err := d.Store.Load(ctx, popped.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != job.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", final.Status)
	}
}
