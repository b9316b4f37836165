package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"jobctl/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run or inspect worker processes",
}

var (
	workerQueues      string
	workerBlocking    bool
	workerInterval    int
	workerTimeout     int
	workerMemoryLimit int
	workerDedicated   bool
)

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a worker loop claiming and executing jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := buildStack()
		if err != nil {
			return err
		}
		defer st.client.Close()

		if cmd.Flags().Changed("queues") {
			st.cfg.Queues = strings.Split(workerQueues, ",")
		}
		if cmd.Flags().Changed("blocking") {
			st.cfg.Blocking = workerBlocking
		}
		if cmd.Flags().Changed("interval") {
			st.cfg.Interval = workerInterval
		}
		if cmd.Flags().Changed("timeout") {
			st.cfg.Timeout = workerTimeout
		}
		if cmd.Flags().Changed("memory-limit") {
			st.cfg.MemoryLimit = workerMemoryLimit
		}
		if cmd.Flags().Changed("dedicated") {
			st.cfg.DedicatedLock = workerDedicated
		}

		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("worker start: hostname: %w", err)
		}
		execPath, err := os.Executable()
		if err != nil {
			execPath = os.Args[0]
		}

		w := worker.New(st.client, st.keys, st.store, st.queue, st.unique, st.hosts, st.collector, st.bus, st.registry, st.cfg, hostname, os.Getpid(), execPath)
		worker.ListenOS(w.Signals())

		return w.Run(context.Background())
	},
}

var workerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List registered workers and their latest heartbeat",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := buildStack()
		if err != nil {
			return err
		}
		defer st.client.Close()

		ctx := context.Background()
		ids, err := st.client.SMembers(ctx, st.keys.Workers()).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fields, err := st.client.HGetAll(ctx, st.keys.Worker(id)).Result()
			if err != nil {
				continue
			}
			fmt.Printf("%s\tstatus=%s\tjob_id=%s\tmemory=%sMB\n", id, fields["status"], fields["job_id"], fields["memory"])
		}
		return nil
	},
}

func init() {
	workerStartCmd.Flags().StringVar(&workerQueues, "queues", "", `comma-separated queue names, or "*" for all (default: config file)`)
	workerStartCmd.Flags().BoolVar(&workerBlocking, "blocking", false, "use blocking pop instead of polling")
	workerStartCmd.Flags().IntVar(&workerInterval, "interval", 0, "loop sleep / blocking-pop timeout, in seconds")
	workerStartCmd.Flags().IntVar(&workerTimeout, "timeout", 0, "per-job wall-clock limit, in seconds")
	workerStartCmd.Flags().IntVar(&workerMemoryLimit, "memory-limit", 0, "soft memory ceiling, in MB")
	workerStartCmd.Flags().BoolVar(&workerDedicated, "dedicated", false, "honor the cluster-wide dedicated lock")

	workerCmd.AddCommand(workerStartCmd, workerStatusCmd)
}
