package cmd

import (
	"time"

	"github.com/redis/go-redis/v9"

	"jobctl/internal/config"
	"jobctl/internal/events"
	"jobctl/internal/gc"
	"jobctl/internal/handler"
	"jobctl/internal/host"
	"jobctl/internal/job"
	"jobctl/internal/keys"
	"jobctl/internal/queue"
)

// stack bundles every collaborator a CLI command needs, wired the same
// way regardless of which subcommand is running.
type stack struct {
	cfg       *config.Config
	client    *redis.Client
	keys      keys.Schema
	store     *job.Store
	queue     *queue.Queue
	unique    *job.Uniqueness
	hosts     *host.Registry
	collector *gc.Collector
	bus       *events.Bus
	registry  *handler.Registry
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func buildStack() (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	client := newRedisClient(cfg)
	schema := keys.New(cfg.Namespace)
	expiry := time.Duration(cfg.DefaultExpiryTime) * time.Second
	store := job.NewStore(client, schema, expiry)
	bus := events.New()
	q := queue.New(client, schema, store, bus)
	unique := job.NewUniqueness(client, schema, store)
	hosts := host.New(client, schema)
	collector := gc.New(client, schema, store, q, hosts, bus, expiry)
	registry := handler.NewRegistry()
	RegisterHandlers(registry)
	q.SetAdmission(registry, unique)

	return &stack{
		cfg:       cfg,
		client:    client,
		keys:      schema,
		store:     store,
		queue:     q,
		unique:    unique,
		hosts:     hosts,
		collector: collector,
		bus:       bus,
		registry:  registry,
	}, nil
}
