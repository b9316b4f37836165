package host

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"jobctl/internal/keys"
)

func newTestRegistry(t *testing.T) (*Registry, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := New(client, keys.New(""))
	return r, func() {
		client.Close()
		mr.Close()
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	r, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	if err := r.Register(ctx, "host-a", "host-a:123:go1.22"); err != nil {
		t.Fatal(err)
	}
	member, err := r.IsMember(ctx, "host-a", "host-a:123:go1.22")
	if err != nil || !member {
		t.Fatalf("IsMember = %v, err = %v", member, err)
	}

	if err := r.Unregister(ctx, "host-a", "host-a:123:go1.22"); err != nil {
		t.Fatal(err)
	}
	member, err = r.IsMember(ctx, "host-a", "host-a:123:go1.22")
	if err != nil || member {
		t.Fatalf("IsMember after unregister = %v, err = %v", member, err)
	}
}

func TestPruneStaleHostEntry(t *testing.T) {
	r, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	if err := r.Register(ctx, "host-a", "w1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Unregister(ctx, "host-a", "w1"); err != nil {
		t.Fatal(err)
	}
	if err := r.PruneStaleHostEntry(ctx, "host-a"); err != nil {
		t.Fatal(err)
	}
	hosts, err := r.Hosts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hosts {
		if h == "host-a" {
			t.Fatal("expected host-a to be pruned once empty")
		}
	}
}
