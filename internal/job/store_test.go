package job

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"jobctl/internal/keys"
)

func newTestStore(t *testing.T) (*Store, *redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	schema := keys.New("")
	store := NewStore(client, schema, time.Hour)
	return store, client, func() {
		client.Close()
		mr.Close()
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	j, err := New("q", "Echo", map[string]any{"x": 1.0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	j.SeriesID = "series-1"
	j.Tags = []string{"a", "b"}

	if err := store.Save(ctx, j); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(ctx, j.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Queue != j.Queue || loaded.Class != j.Class || loaded.Status != j.Status {
		t.Fatalf("loaded = %+v, want queue/class/status to match %+v", loaded, j)
	}
	if loaded.SeriesID != j.SeriesID {
		t.Fatalf("SeriesID = %q, want %q", loaded.SeriesID, j.SeriesID)
	}
	if len(loaded.Tags) != 2 || loaded.Tags[0] != "a" {
		t.Fatalf("Tags = %v, want [a b]", loaded.Tags)
	}

	p1, _ := j.Payload()
	p2, _ := loaded.Payload()
	if string(p1) != string(p2) {
		t.Fatalf("payload not stable across load: %s != %s", p1, p2)
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()
	if _, err := store.Load(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected error loading missing job")
	}
}

func TestStoreOverride(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	j, _ := New("q", "Echo", nil, 0)
	if err := store.Save(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := store.SetOverride(ctx, j.ID, StatusCancelled, "operator request"); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.Load(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.IsOverrideCancelled() {
		t.Fatal("expected override status to be persisted")
	}
	if loaded.OverrideReason != "operator request" {
		t.Fatalf("OverrideReason = %q", loaded.OverrideReason)
	}
}
