package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"jobctl/internal/config"
	"jobctl/internal/handler"
	"jobctl/internal/job"
	"jobctl/internal/keys"
	"jobctl/internal/queue"
	"jobctl/internal/worker"
)

// runJobCmd is the fork substitute of spec.md §9: the worker re-execs
// this same binary with this hidden subcommand instead of calling
// fork(2), passing the job id via argv. It opens its own Redis
// connection rather than sharing the parent's, per spec.md §5.
var runJobCmd = &cobra.Command{
	Use:    "__run_job__ <workerID> <jobID>",
	Hidden: true,
	Args:   cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		client := newRedisClient(cfg)
		defer client.Close()

		schema := keys.New(cfg.Namespace)
		expiry := time.Duration(cfg.DefaultExpiryTime) * time.Second
		store := job.NewStore(client, schema, expiry)
		q := queue.New(client, schema, store, nil)
		unique := job.NewUniqueness(client, schema, store)
		registry := handler.NewRegistry()
		RegisterHandlers(registry)
		q.SetAdmission(registry, unique)

		deps := &worker.Deps{
			Client:   client,
			Keys:     schema,
			Store:    store,
			Queue:    q,
			Unique:   unique,
			Registry: registry,
			Timeout:  time.Duration(cfg.Timeout) * time.Second,
		}
		return worker.RunJob(context.Background(), deps, args[0], args[1])
	},
}
