// Package api contains the core contracts used by the belt worker engine.
// It provides the primitives for defining tasks, describing requests in
// flight, reporting execution outcomes, and plugging in broker and result
// backend implementations.
//
// Most users interact with the higher-level belt package, which re-exports
// selected types and helpers from this package. The api package is intended
// for advanced use cases, custom collaborator implementations, or
// contributors extending the engine itself.
//
// # Concepts
//
// The api package centers around a small set of concepts:
//
//   - Task definitions and handlers
//   - Messages, deliveries and requests
//   - Outcomes and result metadata
//   - Retry policies
//   - Broker and Backend collaborator interfaces
//   - Observability
//
// # Task Definitions
//
// A TaskDefinition binds a unique name to a Handler plus execution options:
// routing queue, serializer, retry policy, time limits, acknowledgement
// mode and rate limit. Definitions are immutable once registered with a
// worker; the dispatcher consults them on every matching delivery.
//
// # Messages and Requests
//
// Producers publish a Message, the wire envelope carried by a Broker. On
// the consuming side each delivery is decoded into a Request: the runtime
// form the dispatcher tracks from reception to its terminal state. The
// handler itself only sees an Invocation, which exposes the request
// metadata and lazily decodes the argument payload with the task's named
// serializer.
//
// # Outcomes
//
// Every dispatched request produces exactly one Outcome: success, failure,
// timeout, or worker lost. Handler errors and panics become failure
// outcomes with a captured ErrorInfo; they never crash the worker.
//
// # Brokers and Backends
//
// Broker and Backend are the two collaborator seams. The engine depends
// only on these interfaces; the concrete implementations (memory, Redis,
// SQLite, NATS, Postgres, MongoDB) live in their own packages and are
// selected at wiring time.
package api
