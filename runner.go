package belt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// LocalRunner bundles an in-memory broker, an in-memory result backend,
// a Worker and a Client to provide a simple "local runner" for
// development and debugging.
//
// Typical usage:
//
//	runner := belt.NewLocalRunner()
//	belt.NewTask("demo.add", add).MustRegister(runner.Worker)
//
//	_ = runner.Start(ctx)
//	id, _ := runner.Enqueue(ctx, "demo.add", []int{2, 3})
//	res, _ := runner.Wait(ctx, id)
//	...
//	runner.Stop()
//
// Nothing survives the process: a LocalRunner is intentionally not
// crash-durable. It can be started once; create a new one after Stop.
type LocalRunner struct {
	// Broker is the in-memory broker used by this runner.
	Broker Broker

	// Backend is the in-memory result backend used by this runner.
	Backend Backend

	// Worker consumes Broker. Register tasks on it before Start.
	Worker *Worker

	// Client publishes onto Broker.
	Client *Client

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by a memory broker, a
// memory backend and a Worker with default config.
//
// This is intended for local development, tests, and simple
// single-process deployments.
func NewLocalRunner() *LocalRunner {
	b := NewMemoryBroker()
	res := NewMemoryBackend()
	w, err := NewWorker(WorkerConfig{Broker: b, Backend: res})
	if err != nil {
		// The fixed memory-broker config cannot fail validation.
		panic(err)
	}

	return &LocalRunner{
		Broker:  b,
		Backend: res,
		Worker:  w,
		Client:  &Client{Broker: b},
	}
}

// Start runs the worker in a background goroutine until Stop is called
// or ctx is cancelled.
//
// If Start is called more than once, it returns an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("belt: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Worker.Run(ctx); err != nil {
			slog.Error("local runner worker failed", slog.Any("error", err))
		}
	}()

	return nil
}

// Stop cancels the worker started by Start and waits for it to drain
// and exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Enqueue publishes a task request onto the runner's broker. The task
// must already be registered on LocalRunner.Worker.
func (r *LocalRunner) Enqueue(ctx context.Context, task string, arg any, opts ...EnqueueOption) (string, error) {
	return r.Client.Enqueue(ctx, task, arg, opts...)
}

// Wait blocks until the request reaches a terminal state or ctx is
// done.
func (r *LocalRunner) Wait(ctx context.Context, requestID string) (*ResultMeta, error) {
	return WaitForResult(ctx, r.Backend, requestID, 10*time.Millisecond)
}
