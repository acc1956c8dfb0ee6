// Package belt provides a distributed task-execution framework for Go.
//
// Belt is designed for backend services that need reliable background
// work: producers enqueue tasks onto a message broker, worker processes
// consume, execute, acknowledge, and optionally persist results. It
// runs fully in Go, supports multiple brokers and result backends, and
// integrates cleanly into existing codebases.
//
// # Core Concepts
//
// The belt programming model is intentionally small and idiomatic:
//
//  1. Worker
//  2. TaskBuilder
//  3. Handler
//  4. Client
//  5. LocalRunner
//
// These components form a complete task system with at-least-once
// delivery (under the default late acknowledgement), bounded
// concurrency, and a clear mental model.
//
// # Worker
//
// A Worker consumes one queue from a broker and drives an execution
// pool. It matches each message to a registered task, enforces the
// task's time limits, rate limit and acknowledgement mode, retries
// failed attempts within the retry budget, and stores outcomes in a
// result backend.
//
// Brokers ship for several transports:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Redis
//   - NATS JetStream
//
// Result backends ship for in-memory, SQLite, Postgres, Redis, and
// MongoDB.
//
// The execution pool runs handlers under a pluggable strategy: a pool
// of goroutines (the default), goroutines pinned to OS threads, a
// single solo slot, or cold-started child processes (spawn). Programs
// using the spawn strategy must call Worker.MaybeRunSpawnChild at the
// top of main so the re-executed binary serves tasks.
//
// # TaskBuilder
//
// TaskBuilder provides the ergonomic, declarative API used to define
// tasks:
//
//	belt.NewTask("report.render", render).
//	    Queue("reports").
//	    TimeLimits(30*time.Second, time.Minute).
//	    Retry(belt.Retry(3).WithJitter().Policy()).
//	    MustRegister(w)
//
// Definitions created with TaskBuilder are registered into a Worker
// before it starts consuming.
//
// # Handler
//
// A Handler is the fundamental executable unit of a task:
//
//	type Handler func(ctx context.Context, inv *Invocation) (any, error)
//
// The context is cancelled when the task's soft time limit expires,
// when the request is revoked, or when the pool shuts down. The
// Invocation carries request metadata and decodes the argument payload
// on demand. A returned error or a panic becomes a failure outcome; it
// never crashes the worker. HandlerFor adapts strongly-typed functions
// without manual decoding.
//
// # Client
//
// A Client enqueues task requests from the producing side:
//
//	c := &belt.Client{Broker: b}
//	id, err := c.Enqueue(ctx, "report.render", req,
//	    belt.WithCountdown(5*time.Second))
//
// The returned request id looks up the stored result later via a
// Backend or belt.WaitForResult.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory broker, backend, worker, and client
// into a single process-local helper useful for development and unit
// testing. It lets you:
//
//   - register tasks and start a worker in one line
//   - enqueue requests
//   - wait for results
//
// LocalRunner is intentionally not crash-durable, but it provides the
// most convenient way to run and debug tasks during development.
//
// # Summary
//
// Belt's goal is to give Go developers a task queue that feels like Go:
// easy to embed, easy to test, explicit about failure, and without
// operational overhead beyond the broker it consumes. Workers execute
// tasks, TaskBuilder defines them, Handlers contain business logic,
// Clients enqueue work, and LocalRunner provides a fast,
// developer-friendly runtime.
//
// For examples, see the /examples directory or the project README.
package belt
