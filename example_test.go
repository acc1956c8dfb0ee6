package belt_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/phietala/belt"
)

// Example_localRunner demonstrates running tasks with an in-process
// broker, backend and worker.
func Example_localRunner() {
	ctx := context.Background()

	runner := belt.NewLocalRunner()

	belt.NewTask("demo.sum", sum).MustRegister(runner.Worker)

	if err := runner.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	id, err := runner.Enqueue(ctx, "demo.sum", []int{2, 3, 4})
	if err != nil {
		log.Fatal(err)
	}

	res, err := runner.Wait(ctx, id)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("request %q finished in state %s with value %s\n",
		res.RequestID, res.State, res.Value)
}

// Example_worker demonstrates wiring a Worker and a Client by hand, the
// way a queue-backed deployment would.
func Example_worker() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := belt.NewMemoryBroker()
	backend := belt.NewMemoryBackend()
	defer broker.Close()
	defer backend.Close()

	worker, err := belt.NewWorker(belt.WorkerConfig{
		Broker:      broker,
		Backend:     backend,
		Concurrency: 2,
	})
	if err != nil {
		log.Fatal(err)
	}

	belt.NewTask("demo.sum", sum).
		Retry(belt.Retry(3).WithJitter().Policy()).
		TimeLimits(time.Second, 5*time.Second).
		MustRegister(worker)

	// StrategySpawn re-executes this binary; for in-process strategies
	// the call returns immediately.
	worker.MaybeRunSpawnChild()

	go func() {
		if err := worker.Run(ctx); err != nil {
			log.Print(err)
		}
	}()

	client := &belt.Client{Broker: broker}
	id, err := client.Enqueue(ctx, "demo.sum", []int{40, 2}, belt.WithCountdown(10*time.Millisecond))
	if err != nil {
		log.Fatal(err)
	}

	res, err := belt.WaitForResult(ctx, backend, id, 10*time.Millisecond)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("state %s, value %s\n", res.State, res.Value)
}

func sum(ctx context.Context, inv *belt.Invocation) (any, error) {
	var nums []int
	if err := inv.Decode(&nums); err != nil {
		return nil, err
	}
	total := 0
	for _, n := range nums {
		total += n
	}
	return total, nil
}
