package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/phietala/belt"
)

var (
	enqueueQueue      string
	enqueueCountdown  time.Duration
	enqueueExpiresIn  time.Duration
	enqueuePriority   int
	enqueueID         string
	enqueueSerializer string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <task> [json-arg]",
	Short: "Publish a task request",
	Long: `Publish one request for a task and print its request id. The
argument, when given, must be JSON and must match what the task's
handler decodes.`,
	Example: `  beltworker enqueue demo.add '[2, 3]'
  beltworker enqueue demo.xsum '[1, 2, 3, 4]'
  beltworker enqueue demo.sleeping '2.5' --countdown 10s
  beltworker enqueue demo.fail --id req-demo-1`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVarP(&enqueueQueue, "queue", "q", "", "routing queue (overrides config)")
	enqueueCmd.Flags().DurationVar(&enqueueCountdown, "countdown", 0, "hold the request for this long")
	enqueueCmd.Flags().DurationVar(&enqueueExpiresIn, "expires-in", 0, "discard the request if not started within this long")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "delivery priority hint")
	enqueueCmd.Flags().StringVar(&enqueueID, "id", "", "publish under this request id")
	enqueueCmd.Flags().StringVar(&enqueueSerializer, "serializer", "", "encode the argument with this codec")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}
	if enqueueQueue != "" {
		cfg.Queue = enqueueQueue
	}

	var arg any
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &arg); err != nil {
			return fmt.Errorf("argument must be JSON: %w", err)
		}
	}

	broker, closeBroker, err := cfg.buildBroker()
	if err != nil {
		return err
	}
	defer closeBroker()

	var opts []belt.EnqueueOption
	if enqueueCountdown > 0 {
		opts = append(opts, belt.WithCountdown(enqueueCountdown))
	}
	if enqueueExpiresIn > 0 {
		opts = append(opts, belt.WithExpires(time.Now().Add(enqueueExpiresIn)))
	}
	if enqueuePriority != 0 {
		opts = append(opts, belt.WithPriority(enqueuePriority))
	}
	if enqueueID != "" {
		opts = append(opts, belt.WithID(enqueueID))
	}
	if enqueueSerializer != "" {
		opts = append(opts, belt.WithSerializer(enqueueSerializer))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := &belt.Client{Broker: broker, Queue: cfg.Queue}
	id, err := client.Enqueue(ctx, args[0], arg, opts...)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
