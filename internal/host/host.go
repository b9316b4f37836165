// Package host implements the per-host presence registry of spec.md
// §3/§4.7: which workers live on which machine, so a peer can prune
// dead workers without needing cluster-wide coordination.
package host

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"jobctl/internal/job"
	"jobctl/internal/keys"
)

// Registry tracks host presence and the workers registered on each.
type Registry struct {
	client *redis.Client
	keys   keys.Schema
}

// New builds a host Registry.
func New(client *redis.Client, schema keys.Schema) *Registry {
	return &Registry{client: client, keys: schema}
}

// Register adds hostName to the global host set and workerID to that
// host's worker set.
func (r *Registry) Register(ctx context.Context, hostName, workerID string) error {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.keys.Hosts(), hostName)
	pipe.SAdd(ctx, r.keys.Host(hostName), workerID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("host: register %s/%s: %w", hostName, workerID, err)
	}
	return nil
}

// Unregister removes workerID from hostName's set. It does not remove
// hostName itself, even if now empty, since a host with zero current
// workers is still a valid (if briefly idle) host.
func (r *Registry) Unregister(ctx context.Context, hostName, workerID string) error {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()
	return r.client.SRem(ctx, r.keys.Host(hostName), workerID).Err()
}

// Workers returns the worker ids currently registered on hostName.
func (r *Registry) Workers(ctx context.Context, hostName string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()
	ids, err := r.client.SMembers(ctx, r.keys.Host(hostName)).Result()
	if err != nil {
		return nil, fmt.Errorf("host: workers on %s: %w", hostName, err)
	}
	return ids, nil
}

// IsMember reports whether workerID is currently registered on
// hostName.
func (r *Registry) IsMember(ctx context.Context, hostName, workerID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()
	return r.client.SIsMember(ctx, r.keys.Host(hostName), workerID).Result()
}

// Hosts returns every registered host name.
func (r *Registry) Hosts(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()
	names, err := r.client.SMembers(ctx, r.keys.Hosts()).Result()
	if err != nil {
		return nil, fmt.Errorf("host: list hosts: %w", err)
	}
	return names, nil
}

// PruneStaleHostEntry removes hostName entirely once its worker set is
// confirmed empty, called by the garbage collector after pruning dead
// workers off of it.
func (r *Registry) PruneStaleHostEntry(ctx context.Context, hostName string) error {
	ctx, cancel := context.WithTimeout(ctx, job.RedisTimeout)
	defer cancel()
	n, err := r.client.SCard(ctx, r.keys.Host(hostName)).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.keys.Hosts(), hostName)
	pipe.Del(ctx, r.keys.Host(hostName))
	_, err = pipe.Exec(ctx)
	return err
}
