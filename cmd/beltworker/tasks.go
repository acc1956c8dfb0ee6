package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/phietala/belt"
)

// The demo catalogue. Each entry exercises one shape of task: argument
// decoding, sleeps, failures, retries, time limits or logging.
type demoTask struct {
	about string
	build func() *belt.TaskBuilder
}

var demoTasks = []demoTask{
	{
		about: "add a pair of numbers: [2, 3] -> 5",
		build: func() *belt.TaskBuilder {
			return belt.NewTask("demo.add", belt.HandlerFor(func(ctx context.Context, xy [2]int) (int, error) {
				return xy[0] + xy[1], nil
			}))
		},
	},
	{
		about: "return the argument unchanged (early ack)",
		build: func() *belt.TaskBuilder {
			return belt.NewTask("demo.identity", func(ctx context.Context, inv *belt.Invocation) (any, error) {
				var v any
				if err := inv.Decode(&v); err != nil {
					return nil, err
				}
				return v, nil
			}).Ack(belt.AckEarly)
		},
	},
	{
		about: "multiply a pair of numbers: [6, 7] -> 42",
		build: func() *belt.TaskBuilder {
			return belt.NewTask("demo.mul", belt.HandlerFor(func(ctx context.Context, xy [2]int) (int, error) {
				return xy[0] * xy[1], nil
			}))
		},
	},
	{
		about: "sum a list of numbers: [1, 2, 3] -> 6",
		build: func() *belt.TaskBuilder {
			return belt.NewTask("demo.xsum", belt.HandlerFor(func(ctx context.Context, nums []int) (int, error) {
				total := 0
				for _, n := range nums {
					total += n
				}
				return total, nil
			}))
		},
	},
	{
		about: "sleep for the given seconds, honoring cancellation",
		build: func() *belt.TaskBuilder {
			return belt.NewTask("demo.sleeping", belt.HandlerFor(func(ctx context.Context, seconds float64) (string, error) {
				d := time.Duration(seconds * float64(time.Second))
				select {
				case <-time.After(d):
					return fmt.Sprintf("slept %s", d), nil
				case <-ctx.Done():
					return "", ctx.Err()
				}
			})).
				TimeLimits(0, 30*time.Second).
				TrackStarted().
				RequeueOnWorkerLost()
		},
	},
	{
		about: "always fail",
		build: func() *belt.TaskBuilder {
			return belt.NewTask("demo.fail", func(ctx context.Context, inv *belt.Invocation) (any, error) {
				return nil, errors.New("task failed on purpose")
			})
		},
	},
	{
		about: "fail with an error the caller is expected to handle",
		build: func() *belt.TaskBuilder {
			return belt.NewTask("demo.expected-error", func(ctx context.Context, inv *belt.Invocation) (any, error) {
				return nil, errors.New("no such resource")
			})
		},
	},
	{
		about: "fail on the first attempt, succeed on the retry",
		build: func() *belt.TaskBuilder {
			return belt.NewTask("demo.retry-once", func(ctx context.Context, inv *belt.Invocation) (any, error) {
				if inv.Retries == 0 {
					return nil, errors.New("first attempt always fails")
				}
				return fmt.Sprintf("succeeded on retry %d", inv.Retries), nil
			}).Retry(belt.Retry(1).Immediate().Policy())
		},
	},
	{
		about: "count until the soft time limit cancels the context",
		build: func() *belt.TaskBuilder {
			return belt.NewTask("demo.soft-guard", belt.HandlerFor(func(ctx context.Context, target int) (int, error) {
				count := 0
				for count < target {
					select {
					case <-ctx.Done():
						// Cooperative soft-limit handling: return the
						// partial count instead of an error.
						return count, nil
					case <-time.After(10 * time.Millisecond):
						count++
					}
				}
				return count, nil
			})).TimeLimits(time.Second, 5*time.Second)
		},
	},
	{
		about: "log a unicode string (rate limited, result discarded)",
		build: func() *belt.TaskBuilder {
			return belt.NewTask("demo.print-unicode", belt.NoArgs(func(ctx context.Context) (string, error) {
				msg := "h\u00e9h\u00e9 w\u00f6rld \u2603"
				slog.Info("print-unicode", slog.String("text", msg))
				return msg, nil
			})).
				RateLimit(10, time.Second).
				IgnoreResult()
		},
	},
}

// registerDemoTasks installs the catalogue on a worker. Both the serve
// command and re-executed spawn children call this, so handlers resolve
// identically in every process.
func registerDemoTasks(w *belt.Worker) error {
	for _, dt := range demoTasks {
		if err := dt.build().Register(w); err != nil {
			return err
		}
	}
	return nil
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List the demo task catalogue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, dt := range demoTasks {
			b := dt.build()
			fmt.Printf("  %-22s %s\n", b.Name(), dt.about)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}
