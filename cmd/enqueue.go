package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"jobctl/internal/job"
)

var (
	enqueueQueue string
	enqueueClass string
	enqueueData  string
	enqueueDelay int64
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a job onto a queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := buildStack()
		if err != nil {
			return err
		}
		defer st.client.Close()

		var data any
		if enqueueData != "" {
			if err := json.Unmarshal([]byte(enqueueData), &data); err != nil {
				return fmt.Errorf("enqueue: parse --data: %w", err)
			}
		}

		var runAt int64
		if enqueueDelay > 0 {
			runAt = job.ResolveRunAt(enqueueDelay, time.Now())
		}

		j, err := job.New(enqueueQueue, enqueueClass, data, runAt)
		if err != nil {
			return err
		}

		ok, err := st.queue.Enqueue(context.Background(), j)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("enqueue: rejected (duplicate signature or vetoed by a listener)")
		}
		fmt.Println(j.ID)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueQueue, "queue", "default", "queue name")
	enqueueCmd.Flags().StringVar(&enqueueClass, "class", "", "handler class name (required)")
	enqueueCmd.Flags().StringVar(&enqueueData, "data", "", "JSON-encoded job data")
	enqueueCmd.Flags().Int64Var(&enqueueDelay, "delay", 0, "seconds before the job becomes runnable (values >= 94608000 are an absolute Unix time)")
	_ = enqueueCmd.MarkFlagRequired("class")
}
